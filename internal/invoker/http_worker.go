package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tendant/transcript-pipeline/internal/stages"
)

// maxResponseSize bounds a worker response body
const maxResponseSize = 16 << 20

// HTTPWorker invokes stage workers over HTTP. Each stage is a POST endpoint that takes
// the stage request as its JSON body and answers with the stage response.
type HTTPWorker struct {
	baseURL    string
	endpoints  map[stages.Name]string
	httpClient *http.Client
	maxBody    int64
}

// NewHTTPWorker creates a worker client. Stages without an explicit endpoint are
// served at {baseURL}/v1/stages/{stage}.
func NewHTTPWorker(baseURL string, endpoints map[stages.Name]string, timeout time.Duration) *HTTPWorker {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &HTTPWorker{
		baseURL:   strings.TrimRight(baseURL, "/"),
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxBody: maxResponseSize,
	}
}

// NewHTTPWorkerWithClient creates a worker client with a custom HTTP client
func NewHTTPWorkerWithClient(baseURL string, endpoints map[stages.Name]string, httpClient *http.Client) *HTTPWorker {
	return &HTTPWorker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		endpoints:  endpoints,
		httpClient: httpClient,
		maxBody:    maxResponseSize,
	}
}

// URL returns the endpoint serving stage
func (w *HTTPWorker) URL(stage stages.Name) string {
	if url, ok := w.endpoints[stage]; ok && url != "" {
		return url
	}
	return fmt.Sprintf("%s/v1/stages/%s", w.baseURL, stage)
}

// errorBody is the error document a worker returns with a non-2xx status
type errorBody struct {
	Error string `json:"error"`
	Cause string `json:"cause"`
}

// Invoke implements Worker
func (w *HTTPWorker) Invoke(ctx context.Context, stage stages.Name, payload json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL(stage), bytes.NewReader(payload))
	if err != nil {
		return nil, InvalidInput("failed to create request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("worker request failed: %w", err)
	}
	defer resp.Body.Close()

	// one byte past the limit tells an oversized body from one that fits exactly
	body, err := io.ReadAll(io.LimitReader(resp.Body, w.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read worker response: %w", err)
	}
	oversized := int64(len(body)) > w.maxBody
	if oversized {
		body = body[:w.maxBody]
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if oversized {
			return nil, InvalidInput("worker response too large", fmt.Sprintf("response exceeds %d bytes", w.maxBody))
		}
		if !json.Valid(body) {
			return nil, Transient("invalid worker response", "response body is not valid JSON")
		}
		return json.RawMessage(body), nil
	}

	werr := &WorkerError{
		Kind:       classifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("worker returned status %d", resp.StatusCode),
	}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		werr.Message = eb.Error
		werr.Cause = eb.Cause
	} else if len(body) > 0 {
		werr.Cause = strings.TrimSpace(string(body))
	}
	return nil, werr
}

// classifyStatus treats client errors as rejected input, except the ones that
// signal back-pressure
func classifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return KindTransient
	case code >= 400 && code < 500:
		return KindInvalidInput
	default:
		return KindTransient
	}
}
