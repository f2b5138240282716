package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/tendant/transcript-pipeline/internal/dbosruntime"
	"github.com/tendant/transcript-pipeline/internal/metrics"
	"github.com/tendant/transcript-pipeline/pkg/pipeline"
)

// Publisher emits bus events
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

// StatusHandler applies a run-status event directly when it cannot be published
type StatusHandler interface {
	OnRunStatusChanged(ctx context.Context, ev pipeline.RunStatusEvent) error
}

const (
	defaultPublishRetries = 4
	defaultPublishBackoff = 500 * time.Millisecond
)

// WorkflowRunner starts pipeline runs and publishes their terminal status.
// With a DBOS runtime runs are durable workflows; without one they run on goroutines.
type WorkflowRunner struct {
	machine     *Machine
	dbosRuntime *dbosruntime.Runtime
	publisher   Publisher
	metrics     *metrics.Metrics

	fallback       StatusHandler
	publishRetries int
	publishBackoff time.Duration

	// local mode
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started map[string]struct{}
}

// NewWorkflowRunner creates a runner. dbosRuntime may be nil for in-process execution.
func NewWorkflowRunner(machine *Machine, dbosRuntime *dbosruntime.Runtime, publisher Publisher, m *metrics.Metrics) *WorkflowRunner {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &WorkflowRunner{
		machine:     machine,
		dbosRuntime: dbosRuntime,
		publisher:   publisher,
		metrics:     m,

		publishRetries: defaultPublishRetries,
		publishBackoff: defaultPublishBackoff,

		ctx:     ctx,
		cancel:  cancel,
		started: make(map[string]struct{}),
	}

	// Register the DBOS workflow function
	if dbosRuntime != nil {
		dbos.RegisterWorkflow(dbosRuntime.Context(), runner.executeWorkflowDBOS)
	}

	return runner
}

// WithFallback sets the handler that applies a terminal status when publishing keeps failing
func (r *WorkflowRunner) WithFallback(h StatusHandler) *WorkflowRunner {
	r.fallback = h
	return r
}

// WithPublishRetry overrides how often a failed status publish is retried
func (r *WorkflowRunner) WithPublishRetry(retries int, backoff time.Duration) *WorkflowRunner {
	r.publishRetries = retries
	r.publishBackoff = backoff
	return r
}

// Start begins a run with the given id. It returns once the run is enqueued.
// Starting an id that is already started is a no-op returning the same id.
func (r *WorkflowRunner) Start(ctx context.Context, runID string, input pipeline.RunInput) (string, error) {
	in := WorkflowInput{RunID: runID, Input: input, StartedAt: time.Now().UTC()}
	if _, err := NewRun(in.RunID, in.Input, in.StartedAt); err != nil {
		return "", err
	}

	if r.dbosRuntime == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.ctx.Err() != nil {
			return "", ErrRuntimeUnavailable
		}
		if _, ok := r.started[runID]; ok {
			log.Printf("[%s] Run already started", runID)
			return runID, nil
		}
		r.started[runID] = struct{}{}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.execute(r.ctx, DirectCheckpointer{}, in)
		}()
		return runID, nil
	}

	// The run id doubles as the workflow id so DBOS starts it at most once
	handle, err := dbos.RunWorkflow[WorkflowInput, *WorkflowResult](
		r.dbosRuntime.Context(),
		r.executeWorkflowDBOS,
		in,
		dbos.WithWorkflowID(runID),
		dbos.WithQueue(r.dbosRuntime.QueueName()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue run: %w", err)
	}

	return handle.GetWorkflowID(), nil
}

// executeWorkflowDBOS is the DBOS workflow function. A failed pipeline is a
// successful workflow whose result carries the failure.
func (r *WorkflowRunner) executeWorkflowDBOS(dbosCtx dbos.DBOSContext, in WorkflowInput) (*WorkflowResult, error) {
	workflowID, err := dbosCtx.GetWorkflowID()
	if err != nil {
		return nil, err
	}
	if in.RunID == "" {
		in.RunID = workflowID
	}

	cp := dbosCheckpointer{dbosCtx: dbosCtx}
	run, err := r.run(dbosCtx, cp, in)
	if err != nil {
		return nil, err
	}
	if run.Error.IsAborted() && dbosCtx.Err() != nil {
		// shutting down: leave the workflow pending so recovery resumes it
		return nil, dbosCtx.Err()
	}

	r.finish(dbosCtx, cp, run)
	return run.Result(), nil
}

func (r *WorkflowRunner) execute(ctx context.Context, cp Checkpointer, in WorkflowInput) {
	run, err := r.run(ctx, cp, in)
	if err != nil {
		log.Printf("[%s] Cannot start run: %v", in.RunID, err)
		return
	}
	r.finish(ctx, cp, run)
}

func (r *WorkflowRunner) run(ctx context.Context, cp Checkpointer, in WorkflowInput) (*Run, error) {
	run, err := NewRun(in.RunID, in.Input, in.StartedAt)
	if err != nil {
		return nil, err
	}

	log.Printf("[%s] Starting transcript pipeline for %s/%s", run.RunID, run.Input.Bucket, run.Input.Key)
	return r.machine.Execute(ctx, cp, run)
}

// finish publishes the terminal status as a checkpointed step, retrying a
// failed publish. If it still fails the fallback handler applies the status.
func (r *WorkflowRunner) finish(ctx context.Context, cp Checkpointer, run *Run) {
	status := run.Status()
	r.metrics.RunFinished(string(status))

	ev, err := statusEvent(run)
	if err != nil {
		log.Printf("[%s] Cannot build run status: %v", run.RunID, err)
		return
	}

	ctx = context.WithoutCancel(ctx)
	_, err = cp.Step(ctx, "publish_status", func(stepCtx context.Context) (StageOutcome, error) {
		return StageOutcome{}, r.publish(stepCtx, ev)
	}, WithRetries(r.publishRetries, r.publishBackoff))
	if err == nil {
		return
	}
	log.Printf("[%s] Failed to publish run status %s: %v", run.RunID, status, err)
	if r.fallback == nil {
		return
	}

	if _, err := cp.Step(ctx, "reconcile_status", func(stepCtx context.Context) (StageOutcome, error) {
		return StageOutcome{}, r.fallback.OnRunStatusChanged(stepCtx, ev)
	}); err != nil {
		log.Printf("[%s] Failed to apply run status %s: %v", run.RunID, status, err)
		return
	}
	log.Printf("[%s] ✓ Applied run status %s without the bus", run.RunID, status)
}

// statusEvent builds the run-status event of a terminal run
func statusEvent(run *Run) (pipeline.RunStatusEvent, error) {
	input, err := json.Marshal(run.Input)
	if err != nil {
		return pipeline.RunStatusEvent{}, fmt.Errorf("failed to encode run input: %w", err)
	}
	ev := pipeline.RunStatusEvent{
		ExecutionID: run.RunID,
		Status:      run.Status(),
		Input:       string(input),
	}
	if ev.Status == pipeline.RunSucceeded {
		ev.Output = string(run.CurrentPayload.Body)
	}
	return ev, nil
}

func (r *WorkflowRunner) publish(ctx context.Context, ev pipeline.RunStatusEvent) error {
	if r.publisher == nil {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode run status: %w", err)
	}
	if err := r.publisher.Publish(ctx, pipeline.TopicRunStatus, body); err != nil {
		return err
	}
	log.Printf("[%s] Published run status %s", ev.ExecutionID, ev.Status)
	return nil
}

// Shutdown cancels runs executing in process and waits for them to publish their status.
// Durable runs are left to DBOS recovery.
func (r *WorkflowRunner) Shutdown() {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
}

// Wait blocks until every in-process run has finished
func (r *WorkflowRunner) Wait() {
	r.wg.Wait()
}
