package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tendant/transcript-pipeline/internal/bus"
	"github.com/tendant/transcript-pipeline/internal/dedupe"
	"github.com/tendant/transcript-pipeline/internal/records"
	"github.com/tendant/transcript-pipeline/pkg/pipeline"
)

// fakeStarter starts each run id once, like the workflow runner
type fakeStarter struct {
	mu      sync.Mutex
	inputs  []pipeline.RunInput
	started map[string]bool
	calls   int
	err     error
}

func (s *fakeStarter) Start(ctx context.Context, runID string, input pipeline.RunInput) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if s.started == nil {
		s.started = make(map[string]bool)
	}
	if !s.started[runID] {
		s.started[runID] = true
		s.inputs = append(s.inputs, input)
	}
	return runID, nil
}

func (s *fakeStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

func newTestTrigger(starter Starter) (*Trigger, *records.MemoryStore, *records.MemoryRecordings) {
	recs := records.NewMemoryStore()
	recordings := records.NewMemoryRecordings()
	tr := New(starter, dedupe.NewMemoryLedger(), recs, recordings, nil, "")
	n := 0
	tr.newID = func() string {
		n++
		return "run-" + string(rune('0'+n))
	}
	return tr, recs, recordings
}

var upload = pipeline.ObjectCreatedEvent{Bucket: "media", Key: "uploads/user-7/interview42.mp4", ETag: "abc"}

func TestOnObjectCreatedStartsRun(t *testing.T) {
	starter := &fakeStarter{}
	tr, recs, recordings := newTestTrigger(starter)
	ctx := context.Background()

	runID, err := tr.OnObjectCreated(ctx, upload)
	if err != nil {
		t.Fatalf("OnObjectCreated() error = %v", err)
	}
	if runID != "run-1" {
		t.Errorf("run id = %q", runID)
	}

	if starter.count() != 1 {
		t.Fatalf("runs started = %d, want 1", starter.count())
	}
	input := starter.inputs[0]
	want := pipeline.RunInput{
		Bucket:        "media",
		Key:           "uploads/user-7/interview42.mp4",
		RecordingName: "interview42.mp4",
		UserID:        "user-7",
		InterviewID:   "run-1",
		RecordingID:   "interview42",
	}
	if input != want {
		t.Errorf("input = %+v, want %+v", input, want)
	}

	rec, err := recs.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("initial record missing: %v", err)
	}
	if rec.Status != pipeline.RecordProcessing || rec.Progress != 0 {
		t.Errorf("record = %+v", rec)
	}

	found, _ := recordings.FindByInterview(ctx, "user-7", "run-1")
	if len(found) != 1 || found[0].Status != pipeline.RecordingProcessing {
		t.Errorf("recordings = %+v", found)
	}
}

func TestOnObjectCreatedIsIdempotent(t *testing.T) {
	starter := &fakeStarter{}
	tr, _, _ := newTestTrigger(starter)
	ctx := context.Background()

	first, _ := tr.OnObjectCreated(ctx, upload)
	second, err := tr.OnObjectCreated(ctx, upload)
	if err != nil {
		t.Fatalf("duplicate OnObjectCreated() error = %v", err)
	}

	if starter.count() != 1 {
		t.Fatalf("runs started = %d, want 1", starter.count())
	}
	if second != first {
		t.Errorf("duplicate returned %q, want %q", second, first)
	}

	// a new version of the same key is a new upload
	reupload := upload
	reupload.ETag = "def"
	tr.OnObjectCreated(ctx, reupload)
	if starter.count() != 2 {
		t.Errorf("runs started = %d after re-upload, want 2", starter.count())
	}
}

func TestOnObjectCreatedConcurrentDuplicates(t *testing.T) {
	starter := &fakeStarter{}
	tr := New(starter, dedupe.NewMemoryLedger(), records.NewMemoryStore(), nil, nil, "")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.OnObjectCreated(context.Background(), upload)
		}()
	}
	wg.Wait()

	if starter.count() != 1 {
		t.Fatalf("runs started = %d, want 1", starter.count())
	}
}

func TestOnObjectCreatedIgnoresOtherPrefixes(t *testing.T) {
	starter := &fakeStarter{}
	tr, _, _ := newTestTrigger(starter)

	runID, err := tr.OnObjectCreated(context.Background(), pipeline.ObjectCreatedEvent{Bucket: "media", Key: "analysis/x_structured.json"})
	if err != nil || runID != "" {
		t.Fatalf("OnObjectCreated() = %q, %v; want ignored", runID, err)
	}
	if starter.count() != 0 {
		t.Errorf("runs started = %d, want 0", starter.count())
	}
}

func TestOnObjectCreatedStartFailureReleasesClaim(t *testing.T) {
	starter := &fakeStarter{err: errors.New("queue unavailable")}
	tr, recs, _ := newTestTrigger(starter)
	ctx := context.Background()

	if _, err := tr.OnObjectCreated(ctx, upload); err == nil {
		t.Fatal("OnObjectCreated() error = nil, want start failure")
	}
	rec, _ := recs.Get(ctx, "run-1")
	if rec == nil || rec.Status != pipeline.RecordFailed {
		t.Errorf("record of unstarted run = %+v, want failed", rec)
	}

	// the redelivered notification can start the run
	starter.err = nil
	runID, err := tr.OnObjectCreated(ctx, upload)
	if err != nil || runID != "run-2" {
		t.Fatalf("retry = %q, %v", runID, err)
	}
	if starter.count() != 1 {
		t.Errorf("runs started = %d, want 1", starter.count())
	}
}

func TestOnObjectCreatedStartsClaimWithoutRun(t *testing.T) {
	starter := &fakeStarter{}
	tr, recs, _ := newTestTrigger(starter)
	ctx := context.Background()

	// claimed by a process that stopped before creating the record and starting the run
	if _, _, err := tr.ledger.Record(ctx, upload.Identity(), "run-ghost"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	runID, err := tr.OnObjectCreated(ctx, upload)
	if err != nil {
		t.Fatalf("OnObjectCreated() error = %v", err)
	}
	if runID != "run-ghost" {
		t.Errorf("run id = %q, want run-ghost", runID)
	}
	if starter.count() != 1 || starter.inputs[0].InterviewID != "run-ghost" {
		t.Fatalf("started %+v, want one run-ghost run", starter.inputs)
	}
	rec, err := recs.Get(ctx, "run-ghost")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Status != pipeline.RecordProcessing || rec.CurrentStep != "queued" {
		t.Errorf("record = %s at %q, want processing at queued", rec.Status, rec.CurrentStep)
	}
}

func TestOnObjectCreatedDuplicateEnsuresRunStarted(t *testing.T) {
	starter := &fakeStarter{}
	tr, recs, _ := newTestTrigger(starter)
	ctx := context.Background()

	tr.OnObjectCreated(ctx, upload)
	tr.OnObjectCreated(ctx, upload)
	if starter.calls != 2 || starter.count() != 1 {
		t.Errorf("start calls = %d, runs = %d; want 2 calls for 1 run", starter.calls, starter.count())
	}

	// a finished run is not started again
	records.Update(ctx, recs, "run-1", func(current *records.ProcessingRecord) (records.Patch, bool) {
		return records.Patch{Status: records.Status(pipeline.RecordCompleted)}, true
	})
	runID, err := tr.OnObjectCreated(ctx, upload)
	if err != nil || runID != "run-1" {
		t.Fatalf("OnObjectCreated() = %q, %v", runID, err)
	}
	if starter.calls != 2 {
		t.Errorf("start calls = %d after completion, want 2", starter.calls)
	}
}

func TestOnObjectCreatedDuplicateStartFailureAsksForRedelivery(t *testing.T) {
	starter := &fakeStarter{}
	tr, recs, _ := newTestTrigger(starter)
	ctx := context.Background()

	tr.OnObjectCreated(ctx, upload)
	starter.err = errors.New("queue unavailable")
	if _, err := tr.OnObjectCreated(ctx, upload); err == nil {
		t.Fatal("duplicate OnObjectCreated() error = nil, want start failure")
	}
	// the original run keeps its record
	if rec, _ := recs.Get(ctx, "run-1"); rec.Status != pipeline.RecordProcessing {
		t.Errorf("record = %s, want processing", rec.Status)
	}
}

func TestOnMessage(t *testing.T) {
	starter := &fakeStarter{}
	tr, _, _ := newTestTrigger(starter)
	ctx := context.Background()

	tests := []struct {
		name string
		body string
		want bus.Result
	}{
		{"valid", `{"bucket":"media","key":"uploads/u/a.mp4","etag":"1"}`, bus.Ack},
		{"malformed json", `{"bucket":`, bus.Ack},
		{"missing key", `{"bucket":"media"}`, bus.Ack},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tr.OnMessage(ctx, bus.Message{ID: "m", Body: []byte(tt.body)}); got != tt.want {
				t.Errorf("OnMessage() = %v, want %v", got, tt.want)
			}
		})
	}

	starter.err = errors.New("down")
	got := tr.OnMessage(ctx, bus.Message{ID: "m", Body: []byte(`{"bucket":"media","key":"uploads/u/b.mp4"}`)})
	if got != bus.Nack {
		t.Errorf("OnMessage() on start failure = %v, want Nack", got)
	}
}

func TestKeyHelpers(t *testing.T) {
	tests := []struct {
		key, user, recording string
	}{
		{"uploads/user-7/interview42.mp4", "user-7", "interview42"},
		{"uploads/interview42.mp4", "", "interview42"},
		{"uploads/user-7/sub/take.2.wav", "user-7", "take.2"},
		{"uploads//a.mp4", "", "a"},
	}
	for _, tt := range tests {
		if got := UserIDFromKey(tt.key, DefaultUploadPrefix); got != tt.user {
			t.Errorf("UserIDFromKey(%q) = %q, want %q", tt.key, got, tt.user)
		}
		if got := RecordingIDFromKey(tt.key); got != tt.recording {
			t.Errorf("RecordingIDFromKey(%q) = %q, want %q", tt.key, got, tt.recording)
		}
	}
}
