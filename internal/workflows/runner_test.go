package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tendant/transcript-pipeline/internal/bus"
	"github.com/tendant/transcript-pipeline/internal/history"
	"github.com/tendant/transcript-pipeline/internal/reconciler"
	"github.com/tendant/transcript-pipeline/internal/records"
	"github.com/tendant/transcript-pipeline/internal/stages"
	"github.com/tendant/transcript-pipeline/pkg/pipeline"
)

type statusCollector struct {
	mu     sync.Mutex
	events []pipeline.RunStatusEvent
}

func (c *statusCollector) OnMessage(ctx context.Context, msg bus.Message) bus.Result {
	var ev pipeline.RunStatusEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return bus.Ack
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return bus.Ack
}

func TestRunnerPublishesSucceededStatus(t *testing.T) {
	b := bus.NewMemoryBus(bus.Options{})
	defer b.Close()
	collector := &statusCollector{}
	b.Subscribe(pipeline.TopicRunStatus, collector)

	runner := NewWorkflowRunner(newTestMachine(newFakePipeline(), nil, nil), nil, b, nil)
	id, err := runner.Start(context.Background(), "run-9", pipeline.RunInput{Bucket: "media", Key: "uploads/u/a.mp4"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if id != "run-9" {
		t.Errorf("id = %q", id)
	}
	runner.Wait()
	b.Wait()

	if len(collector.events) != 1 {
		t.Fatalf("events = %d, want 1", len(collector.events))
	}
	ev := collector.events[0]
	if ev.ExecutionID != "run-9" || ev.Status != pipeline.RunSucceeded {
		t.Errorf("event = %+v", ev)
	}

	var input pipeline.RunInput
	if err := json.Unmarshal([]byte(ev.Input), &input); err != nil || input.InterviewID != "run-9" {
		t.Errorf("input = %q (%v)", ev.Input, err)
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(ev.Output), &output); err != nil || output["analysis_key"] == nil {
		t.Errorf("output = %q (%v)", ev.Output, err)
	}
}

func TestRunnerPublishesFailedStatusWithoutOutput(t *testing.T) {
	b := bus.NewMemoryBus(bus.Options{})
	defer b.Close()
	collector := &statusCollector{}
	b.Subscribe(pipeline.TopicRunStatus, collector)

	worker := newFakePipeline()
	worker.override[stages.ExtractAudio] = func(ctx context.Context, stage stages.Name, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"not an object"`), nil
	}
	runner := NewWorkflowRunner(newTestMachine(worker, nil, nil), nil, b, nil)
	runner.Start(context.Background(), "run-10", pipeline.RunInput{Bucket: "media", Key: "uploads/u/a.mp4"})
	runner.Wait()
	b.Wait()

	if len(collector.events) != 1 {
		t.Fatalf("events = %d, want 1", len(collector.events))
	}
	if ev := collector.events[0]; ev.Status != pipeline.RunFailed || ev.Output != "" {
		t.Errorf("event = %+v", ev)
	}
}

func TestRunnerRejectsInvalidInput(t *testing.T) {
	runner := NewWorkflowRunner(newTestMachine(newFakePipeline(), nil, nil), nil, nil, nil)
	if _, err := runner.Start(context.Background(), "run-11", pipeline.RunInput{}); err == nil {
		t.Fatal("Start() error = nil, want invalid request")
	}
}

func TestRunnerRejectsStartAfterShutdown(t *testing.T) {
	runner := NewWorkflowRunner(newTestMachine(newFakePipeline(), nil, nil), nil, nil, nil)
	runner.Shutdown()

	_, err := runner.Start(context.Background(), "run-late", pipeline.RunInput{Bucket: "media", Key: "uploads/u/a.mp4"})
	if !errors.Is(err, ErrRuntimeUnavailable) {
		t.Errorf("Start() error = %v, want ErrRuntimeUnavailable", err)
	}
}

// flakyPublisher fails the first failures publishes, then forwards to next
type flakyPublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	next     Publisher
}

func (p *flakyPublisher) Publish(ctx context.Context, topic string, body []byte) error {
	p.mu.Lock()
	p.calls++
	fail := p.calls <= p.failures
	p.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	if p.next == nil {
		return nil
	}
	return p.next.Publish(ctx, topic, body)
}

func newRunnerStores(t *testing.T, runID string) (*records.MemoryStore, *history.MemoryStore) {
	t.Helper()
	recs := records.NewMemoryStore()
	hist := history.NewMemoryStore()
	if _, err := recs.Create(context.Background(), records.ProcessingRecord{
		InterviewID: runID,
		Status:      pipeline.RecordProcessing,
		CurrentStep: "queued",
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return recs, hist
}

func TestRunnerRetriesFailedPublish(t *testing.T) {
	recs, hist := newRunnerStores(t, "run-12")
	b := bus.NewMemoryBus(bus.Options{})
	defer b.Close()
	b.Subscribe(pipeline.TopicRunStatus, reconciler.New(recs, hist, nil, nil, reconciler.DefaultLookback))

	publisher := &flakyPublisher{failures: 1, next: b}
	runner := NewWorkflowRunner(newTestMachine(newFakePipeline(), recs, hist), nil, publisher, nil).
		WithPublishRetry(3, time.Millisecond)
	runner.Start(context.Background(), "run-12", pipeline.RunInput{Bucket: "media", Key: "uploads/u/a.mp4"})
	runner.Wait()
	b.Wait()

	if publisher.calls != 2 {
		t.Errorf("publish calls = %d, want 2", publisher.calls)
	}
	rec, err := recs.Get(context.Background(), "run-12")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Status != pipeline.RecordCompleted || rec.Progress != 100 {
		t.Errorf("record = %s %d%% at %q, want completed 100%%", rec.Status, rec.Progress, rec.CurrentStep)
	}
}

func TestRunnerFallsBackWhenPublishKeepsFailing(t *testing.T) {
	recs, hist := newRunnerStores(t, "run-13")
	publisher := &flakyPublisher{failures: 100}
	runner := NewWorkflowRunner(newTestMachine(newFakePipeline(), recs, hist), nil, publisher, nil).
		WithPublishRetry(2, time.Millisecond).
		WithFallback(reconciler.New(recs, hist, nil, nil, reconciler.DefaultLookback))
	runner.Start(context.Background(), "run-13", pipeline.RunInput{Bucket: "media", Key: "uploads/u/a.mp4"})
	runner.Wait()

	if publisher.calls != 3 {
		t.Errorf("publish calls = %d, want 3", publisher.calls)
	}
	rec, _ := recs.Get(context.Background(), "run-13")
	if rec.Status != pipeline.RecordCompleted || rec.AnalysisKey != "analysis/interview42_structured.json" {
		t.Errorf("record = %+v, want completed by the fallback", rec)
	}
}

func TestRunnerStartIsIdempotent(t *testing.T) {
	worker := newFakePipeline()
	runner := NewWorkflowRunner(newTestMachine(worker, nil, nil), nil, nil, nil)
	input := pipeline.RunInput{Bucket: "media", Key: "uploads/u/a.mp4"}

	for i := 0; i < 3; i++ {
		id, err := runner.Start(context.Background(), "run-14", input)
		if err != nil || id != "run-14" {
			t.Fatalf("Start() = %q, %v", id, err)
		}
	}
	runner.Wait()

	if got := worker.called(stages.ExtractAudio); got != 1 {
		t.Errorf("ExtractAudio calls = %d, want 1", got)
	}
}
