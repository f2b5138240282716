package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/tendant/transcript-pipeline/internal/bus"
	"github.com/tendant/transcript-pipeline/internal/history"
	"github.com/tendant/transcript-pipeline/internal/metrics"
	"github.com/tendant/transcript-pipeline/internal/records"
	"github.com/tendant/transcript-pipeline/pkg/pipeline"
)

// DefaultLookback is how many recent history events are searched for a failure cause
const DefaultLookback = 20

// Error messages written to the record when no better cause is known
const (
	MessageExecutionFailed = "Execution failed"
	MessageHistoryFailed   = "Failed to retrieve error details"
	MessageTimedOut        = "Execution timed out"
	MessageAborted         = "Execution was aborted"
)

// ErrInvalidEvent is returned for run-status events without an id or with an unknown status
var ErrInvalidEvent = errors.New("invalid run-status event")

// Reconciler writes the final status of a run into its processing record
type Reconciler struct {
	records    records.Store
	history    history.Store
	recordings records.RecordingsIndex
	metrics    *metrics.Metrics
	lookback   int
}

// New creates a reconciler. hist and recordings may be nil.
func New(recs records.Store, hist history.Store, recordings records.RecordingsIndex, m *metrics.Metrics, lookback int) *Reconciler {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Reconciler{
		records:    recs,
		history:    hist,
		recordings: recordings,
		metrics:    m,
		lookback:   lookback,
	}
}

// OnRunStatusChanged reconciles one terminal run-status notification. Input and output
// that fail to parse are logged and treated as absent.
func (r *Reconciler) OnRunStatusChanged(ctx context.Context, ev pipeline.RunStatusEvent) error {
	if ev.ExecutionID == "" || !ev.Status.Valid() {
		return fmt.Errorf("%w: execution %q status %q", ErrInvalidEvent, ev.ExecutionID, ev.Status)
	}
	runID := ev.ExecutionID

	input := parseObject(runID, "input", ev.Input)
	output := parseObject(runID, "output", ev.Output)

	interviewID := stringField(input, "interview_id")
	if interviewID == "" {
		interviewID = runID
	}

	var patch records.Patch
	switch ev.Status {
	case pipeline.RunSucceeded:
		patch = succeededPatch(runID, output)
	case pipeline.RunFailed:
		patch = failedPatch(r.failureMessage(ctx, runID))
	case pipeline.RunTimedOut:
		patch = failedPatch(MessageTimedOut)
	case pipeline.RunAborted:
		patch = failedPatch(MessageAborted)
	}

	err := records.Update(ctx, r.records, interviewID, func(current *records.ProcessingRecord) (records.Patch, bool) {
		return patch, true
	})
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", interviewID, err)
	}
	log.Printf("[%s] Reconciled %s into record %s", runID, ev.Status, interviewID)
	r.metrics.Reconciled(string(ev.Status))

	if userID := stringField(input, "user_id"); userID != "" {
		r.updateRecordings(ctx, runID, userID, interviewID, ev.Status)
	}
	return nil
}

// OnMessage adapts OnRunStatusChanged to the bus. Undecodable and invalid events are
// acknowledged and dropped; record store errors ask for redelivery.
func (r *Reconciler) OnMessage(ctx context.Context, msg bus.Message) bus.Result {
	var ev pipeline.RunStatusEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		log.Printf("Dropping malformed run-status message %s: %v", msg.ID, err)
		return bus.Ack
	}

	if err := r.OnRunStatusChanged(ctx, ev); err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			log.Printf("Dropping message %s: %v", msg.ID, err)
			return bus.Ack
		}
		log.Printf("[%s] Run-status message %s (attempt %d) failed: %v", ev.ExecutionID, msg.ID, msg.Attempt, err)
		return bus.Nack
	}
	return bus.Ack
}

func succeededPatch(runID string, output map[string]any) records.Patch {
	patch := records.Patch{
		Status:       records.Status(pipeline.RecordCompleted),
		Progress:     records.Int(100),
		CurrentStep:  records.String("completed"),
		ErrorMessage: records.String(""),
	}

	if analysisKey := stringField(output, "analysis_key"); analysisKey != "" {
		patch.AnalysisKey = records.String(analysisKey)
		patch.TranscriptKey = records.String(DeriveTranscriptKey(analysisKey))
	} else {
		log.Printf("[%s] Output has no analysis_key; record will lack artifact keys", runID)
	}

	if score, ok := output["total_score"].(float64); ok {
		patch.TotalScore = records.Int(int(math.Round(score)))
	}
	return patch
}

func failedPatch(message string) records.Patch {
	return records.Patch{
		Status:       records.Status(pipeline.RecordFailed),
		CurrentStep:  records.String("failed"),
		ErrorMessage: records.String(message),
	}
}

// failureMessage searches the run's recent history for its cause. Run-level failures
// take priority over worker failures, which take priority over task failures.
func (r *Reconciler) failureMessage(ctx context.Context, runID string) string {
	if r.history == nil {
		return MessageExecutionFailed
	}

	events, err := r.history.Recent(ctx, runID, r.lookback)
	if err != nil {
		log.Printf("[%s] Failed to query run history: %v", runID, err)
		return MessageHistoryFailed
	}

	if ev, ok := firstOfKind(events, history.ExecutionFailed); ok {
		return ev.Error + ": " + ev.Cause
	}
	if ev, ok := firstOfKind(events, history.WorkerFailed); ok {
		return "Worker error: " + ev.Error + " - " + ev.Cause
	}
	if ev, ok := firstOfKind(events, history.TaskFailed); ok {
		return "Task error: " + ev.Error + " - " + ev.Cause
	}
	return MessageExecutionFailed
}

func firstOfKind(events []history.Event, kind history.Kind) (history.Event, bool) {
	for _, ev := range events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return history.Event{}, false
}

// updateRecordings mirrors the outcome into the user's recordings index. Errors are
// logged and never returned.
func (r *Reconciler) updateRecordings(ctx context.Context, runID, userID, interviewID string, status pipeline.RunStatus) {
	if r.recordings == nil {
		return
	}

	recordingStatus := pipeline.RecordingError
	if status == pipeline.RunSucceeded {
		recordingStatus = pipeline.RecordingAnalyzed
	}

	found, err := r.recordings.FindByInterview(ctx, userID, interviewID)
	if err != nil {
		log.Printf("[%s] Failed to look up recordings of user %s: %v", runID, userID, err)
		return
	}
	for _, rec := range found {
		if err := r.recordings.SetStatus(ctx, userID, rec.RecordingID, recordingStatus); err != nil {
			log.Printf("[%s] Failed to set recording %s to %s: %v", runID, rec.RecordingID, recordingStatus, err)
		}
	}
}

// parseObject decodes a serialized JSON object, returning nil when absent or invalid
func parseObject(runID, name, raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		log.Printf("[%s] Ignoring unparseable %s: %v", runID, name, err)
		return nil
	}
	return obj
}

func stringField(obj map[string]any, field string) string {
	s, _ := obj[field].(string)
	return s
}
