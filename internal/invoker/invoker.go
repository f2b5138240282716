package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/tendant/transcript-pipeline/internal/metrics"
	"github.com/tendant/transcript-pipeline/internal/stages"
)

// Result is the outcome of one stage invocation
type Result struct {
	Payload  json.RawMessage
	Attempts int
	// LastError is the worker error behind a failure, nil on success
	LastError error
}

// Invoker calls a worker for one stage, retrying transient errors per the stage's policy
type Invoker struct {
	worker  Worker
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates an invoker over worker
func New(worker Worker, m *metrics.Metrics) *Invoker {
	return &Invoker{
		worker:  worker,
		metrics: m,
		sleep:   sleepContext,
	}
}

// WithSleep replaces the backoff wait, used by tests to avoid real delays
func (i *Invoker) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Invoker {
	i.sleep = sleep
	return i
}

// Invoke calls the worker for stage with payload. The returned Result is never nil;
// on failure the error is a *stages.Failure.
func (i *Invoker) Invoke(ctx context.Context, stage stages.Name, payload json.RawMessage, policy stages.RetryPolicy) (*Result, error) {
	start := time.Now()
	result := &Result{}
	maxAttempts := policy.Attempts()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			result.LastError = err
			return i.fail(stage, result, start, stages.FromContext(stage, err))
		}

		result.Attempts++
		i.metrics.Attempt(string(stage))
		resp, err := i.worker.Invoke(ctx, stage, payload)
		if err == nil {
			result.Payload = resp
			result.LastError = nil
			i.metrics.ObserveStage(string(stage), true, time.Since(start))
			return result, nil
		}
		result.LastError = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return i.fail(stage, result, start, stages.FromContext(stage, ctxErr))
		}
		if !policy.ShouldRetry(err) {
			message := stages.ErrorWorker
			if errors.Is(err, stages.ErrInvalidInput) {
				message = stages.ErrorInvalidInput
			}
			log.Printf("[%s] Non-retryable error on attempt %d: %v", stage, result.Attempts, err)
			return i.fail(stage, result, start, stages.NewFailure(stage, message, err))
		}
		if attempt+1 >= maxAttempts {
			break
		}

		wait := policy.Backoff(attempt)
		log.Printf("[%s] Attempt %d/%d failed, retrying in %v: %v", stage, result.Attempts, maxAttempts, wait, err)
		if err := i.sleep(ctx, wait); err != nil {
			return i.fail(stage, result, start, stages.FromContext(stage, err))
		}
	}

	log.Printf("[%s] Retries exhausted after %d attempts: %v", stage, result.Attempts, result.LastError)
	return i.fail(stage, result, start, stages.NewFailure(stage, stages.ErrorRetriesExhausted, result.LastError))
}

func (i *Invoker) fail(stage stages.Name, result *Result, start time.Time, f *stages.Failure) (*Result, error) {
	i.metrics.ObserveStage(string(stage), false, time.Since(start))
	return result, f
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
