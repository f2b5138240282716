package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tendant/transcript-pipeline/pkg/pipeline"
)

// ErrRunNotFound is returned by GetRun when the service has no record of the run
var ErrRunNotFound = errors.New("run not found")

// Client is an HTTP client for the transcript pipeline service
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new pipeline client
func New(baseURL string) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{
		Timeout: 30 * time.Second,
	})
}

// NewWithHTTPClient creates a new pipeline client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// NotifyObjectCreated forwards an object-store notification. The run starts asynchronously.
func (c *Client) NotifyObjectCreated(ctx context.Context, ev pipeline.ObjectCreatedEvent) (*pipeline.TriggerResponse, error) {
	return c.postEvent(ctx, "/v1/events/object-created", ev)
}

// NotifyRunStatus reports a terminal run status to the reconciler
func (c *Client) NotifyRunStatus(ctx context.Context, ev pipeline.RunStatusEvent) (*pipeline.TriggerResponse, error) {
	return c.postEvent(ctx, "/v1/events/run-status", ev)
}

// GetRun returns the processing record of a run
func (c *Client) GetRun(ctx context.Context, runID string) (*pipeline.RunView, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+url.PathEscape(runID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unexpectedStatus(resp)
	}

	var view pipeline.RunView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &view, nil
}

// UploadRecording stores a recording on a standalone service, which then starts its run
func (c *Client) UploadRecording(ctx context.Context, userID, fileName string, r io.Reader) (*pipeline.UploadResponse, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		err := form.WriteField("user_id", userID)
		if err == nil {
			var part io.Writer
			if part, err = form.CreateFormFile("file", fileName); err == nil {
				_, err = io.Copy(part, r)
			}
		}
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/uploads", pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, unexpectedStatus(resp)
	}

	var uploadResp pipeline.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&uploadResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &uploadResp, nil
}

func (c *Client) postEvent(ctx context.Context, path string, ev any) (*pipeline.TriggerResponse, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, unexpectedStatus(resp)
	}

	var triggerResp pipeline.TriggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&triggerResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &triggerResp, nil
}

func unexpectedStatus(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
}
