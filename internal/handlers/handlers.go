package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/transcript-pipeline/internal/dbosruntime"
	"github.com/tendant/transcript-pipeline/internal/records"
	"github.com/tendant/transcript-pipeline/internal/storage"
	"github.com/tendant/transcript-pipeline/pkg/pipeline"
)

// maxUploadSize bounds a recording accepted by POST /v1/uploads
const maxUploadSize = 2 << 30

// Publisher emits bus events
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

// Pinger is a dependency checked by the health endpoint
type Pinger interface {
	Ping(ctx context.Context) error
}

// WorkflowStatusLookup reads the durable state of a run
type WorkflowStatusLookup interface {
	GetWorkflowStatus(ctx context.Context, workflowID string) (*dbosruntime.WorkflowStatus, error)
}

// Options configures the optional parts of the HTTP surface
type Options struct {
	// Checks are pinged by /health, keyed by name
	Checks map[string]Pinger
	// Gatherer serves /metrics when set
	Gatherer prometheus.Gatherer
	// Workflows adds the durable workflow state to run lookups
	Workflows WorkflowStatusLookup
	// Uploads enables POST /v1/uploads
	Uploads storage.Uploader
}

// Handler serves the pipeline's HTTP API
type Handler struct {
	bus     Publisher
	records records.Store
	opts    Options
}

// New creates the HTTP handlers
func New(bus Publisher, recs records.Store, opts Options) *Handler {
	return &Handler{
		bus:     bus,
		records: recs,
		opts:    opts,
	}
}

// Register adds every route to mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HandleHealth)
	if h.opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/v1/events/object-created", h.HandleObjectCreated)
	mux.HandleFunc("/v1/events/run-status", h.HandleRunStatus)
	mux.HandleFunc("/v1/runs/", h.HandleRun)
	if h.opts.Uploads != nil {
		mux.HandleFunc("/v1/uploads", h.HandleUpload)
	}
}

// HandleHealth handles GET /health - 200 while every dependency answers, 503 otherwise
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := make(map[string]string)
	for name, check := range h.opts.Checks {
		if err := check.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		log.Printf("Health check failed: %v", failed)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"checks": failed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// HandleObjectCreated handles POST /v1/events/object-created - publishes the notification on the bus
func (h *Handler) HandleObjectCreated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ev pipeline.ObjectCreatedEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if ev.Bucket == "" || ev.Key == "" {
		http.Error(w, "bucket and key are required", http.StatusBadRequest)
		return
	}

	h.publish(w, r, pipeline.TopicObjectCreated, ev)
}

// HandleRunStatus handles POST /v1/events/run-status - publishes a terminal run status on the bus
func (h *Handler) HandleRunStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ev pipeline.RunStatusEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if ev.ExecutionID == "" {
		http.Error(w, "executionId is required", http.StatusBadRequest)
		return
	}
	if !ev.Status.Valid() {
		http.Error(w, fmt.Sprintf("unknown status %q", ev.Status), http.StatusBadRequest)
		return
	}

	h.publish(w, r, pipeline.TopicRunStatus, ev)
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request, topic string, ev any) {
	body, err := json.Marshal(ev)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to encode event: %v", err), http.StatusInternalServerError)
		return
	}
	if err := h.bus.Publish(r.Context(), topic, body); err != nil {
		log.Printf("Failed to publish %s event: %v", topic, err)
		http.Error(w, fmt.Sprintf("Failed to publish event: %v", err), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, pipeline.TriggerResponse{
		Accepted: true,
		Topic:    topic,
	})
}

// HandleRun handles GET /v1/runs/{runID} - returns the run's processing record
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Extract runID from URL path (/v1/runs/{runID})
	runID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/runs/"), "/")
	if runID == "" || strings.Contains(runID, "/") {
		http.Error(w, "run_id is required", http.StatusBadRequest)
		return
	}

	rec, err := h.records.Get(r.Context(), runID)
	if errors.Is(err, records.ErrNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[%s] Failed to read record: %v", runID, err)
		http.Error(w, "Failed to read run", http.StatusInternalServerError)
		return
	}

	view := pipeline.RunView{ProcessingRecordView: rec.View()}
	if h.opts.Workflows != nil {
		status, err := h.opts.Workflows.GetWorkflowStatus(r.Context(), runID)
		switch {
		case err == nil:
			view.WorkflowStatus = status.Status
		case !errors.Is(err, dbosruntime.ErrWorkflowNotFound):
			log.Printf("[%s] Failed to read workflow status: %v", runID, err)
		}
	}

	writeJSON(w, http.StatusOK, view)
}

// HandleUpload handles POST /v1/uploads - stores a recording (multipart field "file",
// optional "user_id") and announces it as an object-created event
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid upload: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	stored, err := h.opts.Uploads.Upload(r.Context(), storage.Upload{
		UserID:   r.FormValue("user_id"),
		FileName: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Reader:   file,
	})
	if err != nil {
		log.Printf("Failed to store upload %s: %v", header.Filename, err)
		http.Error(w, fmt.Sprintf("Upload failed: %v", err), http.StatusInternalServerError)
		return
	}
	log.Printf("✓ Recording stored: %s (content %s, %d bytes)", stored.Key, stored.ContentID, stored.Size)

	body, err := json.Marshal(pipeline.ObjectCreatedEvent{
		Bucket: stored.Bucket,
		Key:    stored.Key,
		ETag:   stored.ContentID,
		Size:   stored.Size,
	})
	if err == nil {
		err = h.bus.Publish(r.Context(), pipeline.TopicObjectCreated, body)
	}
	if err != nil {
		log.Printf("Failed to announce upload %s: %v", stored.Key, err)
		http.Error(w, fmt.Sprintf("Failed to publish event: %v", err), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, pipeline.UploadResponse{
		ContentID: stored.ContentID,
		Bucket:    stored.Bucket,
		Key:       stored.Key,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
