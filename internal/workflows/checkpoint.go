package workflows

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/tendant/transcript-pipeline/internal/stages"
)

// StageOutcome is the checkpointed result of one stage. A stage failure travels in
// Failure rather than as an error so durable replay returns it without re-running the stage.
type StageOutcome struct {
	Payload  json.RawMessage `json:"payload,omitempty"`
	Attempts int             `json:"attempts"`
	Failure  *stages.Failure `json:"failure,omitempty"`
}

// StepOptions tunes how a checkpointer runs a step
type StepOptions struct {
	// MaxRetries reruns a step whose function returned an error
	MaxRetries int
	// BaseInterval is the wait before the first retry; it doubles on every retry
	BaseInterval time.Duration
}

// StepOption configures a step
type StepOption func(*StepOptions)

// WithRetries reruns a failing step up to maxRetries times
func WithRetries(maxRetries int, baseInterval time.Duration) StepOption {
	return func(o *StepOptions) {
		o.MaxRetries = maxRetries
		o.BaseInterval = baseInterval
	}
}

func stepOptions(opts []StepOption) StepOptions {
	var o StepOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Checkpointer runs a named unit of work at most once per run
type Checkpointer interface {
	Step(ctx context.Context, name string, fn func(ctx context.Context) (StageOutcome, error), opts ...StepOption) (StageOutcome, error)
}

// DirectCheckpointer runs every step immediately with no persistence
type DirectCheckpointer struct{}

// Step calls fn, retrying it as opts ask
func (DirectCheckpointer) Step(ctx context.Context, name string, fn func(ctx context.Context) (StageOutcome, error), opts ...StepOption) (StageOutcome, error) {
	o := stepOptions(opts)
	wait := o.BaseInterval
	for retry := 0; ; retry++ {
		out, err := fn(ctx)
		if err == nil || retry >= o.MaxRetries {
			return out, err
		}
		log.Printf("Step %s failed (retry %d/%d in %v): %v", name, retry+1, o.MaxRetries, wait, err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return out, err
		case <-timer.C:
		}
		wait *= 2
	}
}

// dbosCheckpointer records each step in the DBOS system database so a recovered
// workflow resumes after the last completed stage
type dbosCheckpointer struct {
	dbosCtx dbos.DBOSContext
}

func (c dbosCheckpointer) Step(ctx context.Context, name string, fn func(ctx context.Context) (StageOutcome, error), opts ...StepOption) (StageOutcome, error) {
	stepOpts := []dbos.StepOption{dbos.WithStepName(name)}
	if o := stepOptions(opts); o.MaxRetries > 0 {
		stepOpts = append(stepOpts,
			dbos.WithStepMaxRetries(o.MaxRetries),
			dbos.WithBaseInterval(o.BaseInterval),
			dbos.WithBackoffFactor(2),
		)
	}
	return dbos.RunAsStep[StageOutcome](c.dbosCtx, func(stepCtx context.Context) (StageOutcome, error) {
		return fn(stepCtx)
	}, stepOpts...)
}
