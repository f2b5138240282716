package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/tendant/transcript-pipeline/internal/bus"
	"github.com/tendant/transcript-pipeline/internal/dedupe"
	"github.com/tendant/transcript-pipeline/internal/metrics"
	"github.com/tendant/transcript-pipeline/internal/records"
	"github.com/tendant/transcript-pipeline/pkg/pipeline"
)

// DefaultUploadPrefix is the key prefix new recordings are uploaded under
const DefaultUploadPrefix = "uploads/"

// ErrInvalidEvent is returned for notifications missing a bucket or key
var ErrInvalidEvent = errors.New("invalid object-created event")

// Starter starts a pipeline run. Start must be idempotent per run id: starting an
// id that is already running returns that id without a second run.
type Starter interface {
	Start(ctx context.Context, runID string, input pipeline.RunInput) (string, error)
}

// Trigger starts one run per uploaded recording. Duplicate notifications for the same
// object version are counted in the dedupe ledger and resume the claimed run instead of
// minting a new one.
type Trigger struct {
	starter    Starter
	ledger     dedupe.Ledger
	records    records.Store
	recordings records.RecordingsIndex
	metrics    *metrics.Metrics
	prefix     string
	newID      func() string
}

// New creates a trigger. recordings may be nil.
func New(starter Starter, ledger dedupe.Ledger, recs records.Store, recordings records.RecordingsIndex, m *metrics.Metrics, uploadPrefix string) *Trigger {
	if uploadPrefix == "" {
		uploadPrefix = DefaultUploadPrefix
	}
	return &Trigger{
		starter:    starter,
		ledger:     ledger,
		records:    recs,
		recordings: recordings,
		metrics:    m,
		prefix:     uploadPrefix,
		newID:      func() string { return uuid.New().String() },
	}
}

// OnObjectCreated starts a run for an upload and returns its run id. Keys outside the
// upload prefix are ignored and return an empty id. A duplicate returns the id of the
// run started by the first notification.
func (t *Trigger) OnObjectCreated(ctx context.Context, ev pipeline.ObjectCreatedEvent) (string, error) {
	if ev.Bucket == "" || ev.Key == "" {
		return "", ErrInvalidEvent
	}
	if !strings.HasPrefix(ev.Key, t.prefix) {
		log.Printf("Ignoring object %s/%s outside %s", ev.Bucket, ev.Key, t.prefix)
		t.metrics.Trigger("ignored")
		return "", nil
	}

	identity := ev.Identity()
	runID := t.newID()
	seen, claimedBy, err := t.ledger.Record(ctx, identity, runID)
	if err != nil {
		return "", err
	}
	if seen > 1 {
		return t.onDuplicate(ctx, ev, identity, claimedBy, seen)
	}
	return t.begin(ctx, ev, identity, runID)
}

// onDuplicate handles a notification whose object version is already claimed. A claim
// whose run never got going, because the process died between claiming and starting,
// is started again under the claimed id.
func (t *Trigger) onDuplicate(ctx context.Context, ev pipeline.ObjectCreatedEvent, identity, claimedBy string, seen int) (string, error) {
	rec, err := t.records.Get(ctx, claimedBy)
	switch {
	case errors.Is(err, records.ErrNotFound):
		log.Printf("[%s] Claim on %s has no processing record, starting it", claimedBy, identity)
		t.metrics.Trigger("recovered")
		return t.begin(ctx, ev, identity, claimedBy)
	case err != nil:
		return "", fmt.Errorf("failed to load claimed run: %w", err)
	case rec.Terminal():
		log.Printf("[%s] Duplicate notification for %s (seen %d times), skipping", claimedBy, identity, seen)
		t.metrics.Trigger("duplicate")
		return claimedBy, nil
	}

	log.Printf("[%s] Duplicate notification for %s (seen %d times), ensuring the run is started", claimedBy, identity, seen)
	t.metrics.Trigger("duplicate")
	if _, err := t.starter.Start(ctx, claimedBy, t.input(ev, claimedBy)); err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return claimedBy, nil
}

// begin creates the processing record of a claimed run and starts it
func (t *Trigger) begin(ctx context.Context, ev pipeline.ObjectCreatedEvent, identity, runID string) (string, error) {
	input := t.input(ev, runID)

	if _, err := t.records.Create(ctx, records.ProcessingRecord{
		InterviewID: runID,
		Status:      pipeline.RecordProcessing,
		Progress:    0,
		CurrentStep: "queued",
	}); err != nil {
		t.release(ctx, identity)
		return "", fmt.Errorf("failed to create processing record: %w", err)
	}

	if t.recordings != nil && input.UserID != "" {
		if err := t.recordings.Upsert(ctx, records.Recording{
			RecordingID: input.RecordingID,
			UserID:      input.UserID,
			InterviewID: runID,
			Name:        input.RecordingName,
			Status:      pipeline.RecordingProcessing,
		}); err != nil {
			log.Printf("[%s] Failed to register recording %s: %v", runID, input.RecordingID, err)
		}
	}

	if _, err := t.starter.Start(ctx, runID, input); err != nil {
		log.Printf("[%s] Failed to start run for %s: %v", runID, identity, err)
		t.markStartFailed(ctx, runID, err)
		t.release(ctx, identity)
		t.metrics.Trigger("start_failed")
		return "", fmt.Errorf("failed to start run: %w", err)
	}

	log.Printf("[%s] Started run for %s/%s", runID, ev.Bucket, ev.Key)
	t.metrics.Trigger("started")
	return runID, nil
}

func (t *Trigger) input(ev pipeline.ObjectCreatedEvent, runID string) pipeline.RunInput {
	return pipeline.RunInput{
		Bucket:        ev.Bucket,
		Key:           ev.Key,
		RecordingName: path.Base(ev.Key),
		UserID:        UserIDFromKey(ev.Key, t.prefix),
		InterviewID:   runID,
		RecordingID:   RecordingIDFromKey(ev.Key),
	}
}

// OnMessage adapts OnObjectCreated to the bus. Undecodable or invalid events are
// acknowledged and dropped; other errors ask for redelivery.
func (t *Trigger) OnMessage(ctx context.Context, msg bus.Message) bus.Result {
	var ev pipeline.ObjectCreatedEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		log.Printf("Dropping malformed object-created message %s: %v", msg.ID, err)
		return bus.Ack
	}

	if _, err := t.OnObjectCreated(ctx, ev); err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			log.Printf("Dropping message %s: %v", msg.ID, err)
			return bus.Ack
		}
		log.Printf("Object-created message %s (attempt %d) failed: %v", msg.ID, msg.Attempt, err)
		return bus.Nack
	}
	return bus.Ack
}

func (t *Trigger) release(ctx context.Context, identity string) {
	if err := t.ledger.Release(context.WithoutCancel(ctx), identity); err != nil {
		log.Printf("Failed to release claim on %s: %v", identity, err)
	}
}

// markStartFailed closes the record of a run that never started; a redelivery mints a new run
func (t *Trigger) markStartFailed(ctx context.Context, runID string, cause error) {
	err := records.Update(context.WithoutCancel(ctx), t.records, runID, func(current *records.ProcessingRecord) (records.Patch, bool) {
		if current.Terminal() {
			return records.Patch{}, false
		}
		return records.Patch{
			Status:       records.Status(pipeline.RecordFailed),
			ErrorMessage: records.String("Failed to start execution: " + cause.Error()),
		}, true
	})
	if err != nil {
		log.Printf("[%s] Failed to mark record failed: %v", runID, err)
	}
}

// UserIDFromKey returns the user segment of uploads/{user_id}/..., or "" when the key
// has no user segment
func UserIDFromKey(key, prefix string) string {
	rest := strings.TrimPrefix(key, prefix)
	userID, file, ok := strings.Cut(rest, "/")
	if !ok || userID == "" || file == "" {
		return ""
	}
	return userID
}

// RecordingIDFromKey returns the file name of key without its extension
func RecordingIDFromKey(key string) string {
	base := path.Base(key)
	return strings.TrimSuffix(base, path.Ext(base))
}
