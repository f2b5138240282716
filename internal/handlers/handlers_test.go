package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tendant/transcript-pipeline/internal/dbosruntime"
	"github.com/tendant/transcript-pipeline/internal/metrics"
	"github.com/tendant/transcript-pipeline/internal/records"
	"github.com/tendant/transcript-pipeline/internal/storage"
	"github.com/tendant/transcript-pipeline/pkg/pipeline"
)

type published struct {
	topic string
	body  []byte
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (b *fakeBus) Publish(ctx context.Context, topic string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, published{topic, body})
	return nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fakeUploader struct {
	got storage.Upload
}

func (u *fakeUploader) Upload(ctx context.Context, up storage.Upload) (*storage.Stored, error) {
	u.got = up
	return &storage.Stored{ContentID: "c-1", Bucket: "simple-content", Key: "uploads/" + up.UserID + "/" + up.FileName, Size: 4}, nil
}

type fakeWorkflows map[string]string

func (f fakeWorkflows) GetWorkflowStatus(ctx context.Context, id string) (*dbosruntime.WorkflowStatus, error) {
	status, ok := f[id]
	if !ok {
		return nil, dbosruntime.ErrWorkflowNotFound
	}
	return &dbosruntime.WorkflowStatus{WorkflowID: id, Status: status}, nil
}

func newServer(bus *fakeBus, recs records.Store, opts Options) *http.ServeMux {
	mux := http.NewServeMux()
	New(bus, recs, opts).Register(mux)
	return mux
}

func do(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	healthy := pingFunc(func(ctx context.Context) error { return nil })
	down := pingFunc(func(ctx context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name   string
		checks map[string]Pinger
		want   int
	}{
		{"all reachable", map[string]Pinger{"records": healthy, "bus": healthy}, http.StatusOK},
		{"bus down", map[string]Pinger{"records": healthy, "bus": down}, http.StatusServiceUnavailable},
		{"no checks", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newServer(&fakeBus{}, records.NewMemoryStore(), Options{Checks: tt.checks})
			rec := do(mux, http.MethodGet, "/health", "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestObjectCreatedPublishes(t *testing.T) {
	bus := &fakeBus{}
	mux := newServer(bus, records.NewMemoryStore(), Options{})

	rec := do(mux, http.MethodPost, "/v1/events/object-created", `{"bucket":"media","key":"uploads/u/a.mp4","etag":"e"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
	}
	var resp pipeline.TriggerResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.Accepted || resp.Topic != pipeline.TopicObjectCreated {
		t.Errorf("response = %+v", resp)
	}

	if len(bus.msgs) != 1 || bus.msgs[0].topic != pipeline.TopicObjectCreated {
		t.Fatalf("published = %+v", bus.msgs)
	}
	var ev pipeline.ObjectCreatedEvent
	json.Unmarshal(bus.msgs[0].body, &ev)
	if ev.Key != "uploads/u/a.mp4" || ev.ETag != "e" {
		t.Errorf("event = %+v", ev)
	}
}

func TestEventValidation(t *testing.T) {
	mux := newServer(&fakeBus{}, records.NewMemoryStore(), Options{})

	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"wrong method", http.MethodGet, "/v1/events/object-created", "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "/v1/events/object-created", `{`, http.StatusBadRequest},
		{"missing key", http.MethodPost, "/v1/events/object-created", `{"bucket":"b"}`, http.StatusBadRequest},
		{"missing execution id", http.MethodPost, "/v1/events/run-status", `{"status":"failed"}`, http.StatusBadRequest},
		{"unknown status", http.MethodPost, "/v1/events/run-status", `{"executionId":"r","status":"RUNNING"}`, http.StatusBadRequest},
		{"valid status", http.MethodPost, "/v1/events/run-status", `{"executionId":"r","status":"failed","input":"{}"}`, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(mux, tt.method, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestPublishFailureIsUnavailable(t *testing.T) {
	mux := newServer(&fakeBus{err: errors.New("bus down")}, records.NewMemoryStore(), Options{})
	rec := do(mux, http.MethodPost, "/v1/events/object-created", `{"bucket":"media","key":"uploads/u/a.mp4"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestGetRun(t *testing.T) {
	recs := records.NewMemoryStore()
	recs.Create(context.Background(), records.ProcessingRecord{
		InterviewID: "run-1",
		Status:      pipeline.RecordProcessing,
		Progress:    25,
		CurrentStep: "diarizing",
	})
	mux := newServer(&fakeBus{}, recs, Options{Workflows: fakeWorkflows{"run-1": "PENDING"}})

	rec := do(mux, http.MethodGet, "/v1/runs/run-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
	}
	var view pipeline.RunView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.InterviewID != "run-1" || view.Progress != 25 || view.CurrentStep != "diarizing" {
		t.Errorf("view = %+v", view)
	}
	if view.WorkflowStatus != "PENDING" {
		t.Errorf("workflow status = %q", view.WorkflowStatus)
	}

	if rec := do(mux, http.MethodGet, "/v1/runs/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", rec.Code)
	}
	if rec := do(mux, http.MethodGet, "/v1/runs/", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("empty id status = %d, want 400", rec.Code)
	}
}

func TestUploadPublishesObjectCreated(t *testing.T) {
	bus := &fakeBus{}
	uploader := &fakeUploader{}
	mux := newServer(bus, records.NewMemoryStore(), Options{Uploads: uploader})

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	form.WriteField("user_id", "user-7")
	part, _ := form.CreateFormFile("file", "interview42.mp4")
	part.Write([]byte("data"))
	form.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
	}
	if uploader.got.UserID != "user-7" || uploader.got.FileName != "interview42.mp4" {
		t.Errorf("upload = %+v", uploader.got)
	}

	var ev pipeline.ObjectCreatedEvent
	json.Unmarshal(bus.msgs[0].body, &ev)
	if ev.Key != "uploads/user-7/interview42.mp4" || ev.ETag != "c-1" || ev.Bucket != "simple-content" {
		t.Errorf("event = %+v", ev)
	}
}

func TestUploadDisabledWithoutStore(t *testing.T) {
	mux := newServer(&fakeBus{}, records.NewMemoryStore(), Options{})
	if rec := do(mux, http.MethodPost, "/v1/uploads", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Trigger("started")

	mux := newServer(&fakeBus{}, records.NewMemoryStore(), Options{Gatherer: reg})
	rec := do(mux, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "trigger") {
		t.Errorf("metrics output missing trigger counter:\n%s", rec.Body)
	}
}
