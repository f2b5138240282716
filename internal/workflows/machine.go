package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/tendant/transcript-pipeline/internal/fanout"
	"github.com/tendant/transcript-pipeline/internal/history"
	"github.com/tendant/transcript-pipeline/internal/invoker"
	"github.com/tendant/transcript-pipeline/internal/metrics"
	"github.com/tendant/transcript-pipeline/internal/records"
	"github.com/tendant/transcript-pipeline/internal/stages"
)

// DefaultRunTimeout is the wall-clock ceiling of one run
const DefaultRunTimeout = 12 * time.Hour

// MachineConfig tunes a Machine
type MachineConfig struct {
	Policies stages.Policies
	Graph    Graph
	// RunTimeout bounds a run measured from its StartedAt
	RunTimeout time.Duration
}

// WithDefaults fills in default values for optional fields
func (c *MachineConfig) WithDefaults() {
	if c.Policies == nil {
		c.Policies = stages.DefaultPolicies()
	}
	if c.Graph == nil {
		c.Graph = DefaultGraph(5, 10)
	}
	if c.RunTimeout == 0 {
		c.RunTimeout = DefaultRunTimeout
	}
}

// Machine drives a run through the fixed stage graph. Stages run strictly in order;
// only fan-out stages call workers concurrently.
type Machine struct {
	invoker     fanout.StageInvoker
	coordinator *fanout.Coordinator
	records     records.Store
	history     history.Store
	metrics     *metrics.Metrics
	config      MachineConfig
	now         func() time.Time
}

// NewMachine creates a state machine. recs and hist may be nil.
func NewMachine(inv fanout.StageInvoker, recs records.Store, hist history.Store, m *metrics.Metrics, cfg MachineConfig) *Machine {
	cfg.WithDefaults()
	return &Machine{
		invoker:     inv,
		coordinator: fanout.NewCoordinator(inv, m),
		records:     recs,
		history:     hist,
		metrics:     m,
		config:      cfg,
		now:         time.Now,
	}
}

// Execute advances run until it is Completed or Failed. Each stage is one checkpointed
// step. A run that is already terminal is returned untouched with ErrRunTerminal.
func (m *Machine) Execute(ctx context.Context, cp Checkpointer, run *Run) (*Run, error) {
	if run.Terminal() {
		return run, ErrRunTerminal
	}

	deadline := run.StartedAt.Add(m.config.RunTimeout)

	for !run.Terminal() {
		stage := run.Stage

		if err := ctx.Err(); err != nil {
			run.fail(stages.FromContext(stage, err))
			break
		}

		outcome, err := cp.Step(ctx, string(stage), func(stepCtx context.Context) (StageOutcome, error) {
			return m.runStage(stepCtx, run, stage, deadline), nil
		})
		if err != nil {
			f, ok := stages.AsFailure(err)
			if !ok {
				f = stages.FromContext(stage, err)
			}
			run.fail(f)
			break
		}

		run.Attempts[stage] = outcome.Attempts
		if outcome.Failure != nil {
			run.fail(outcome.Failure)
			break
		}
		run.advance(outcome.Payload)
	}

	if run.Error.IsAborted() && ctx.Err() != nil {
		// not checkpointed: a durable runtime resumes an interrupted run
		m.finish(ctx, run)
		return run, nil
	}

	// the terminal event is a step too, so a recovered run does not append it twice
	if _, err := cp.Step(context.WithoutCancel(ctx), "record_outcome", func(stepCtx context.Context) (StageOutcome, error) {
		m.finish(stepCtx, run)
		return StageOutcome{}, nil
	}); err != nil {
		log.Printf("[%s] Failed to record run outcome: %v", run.RunID, err)
	}
	return run, nil
}

// runStage executes one stage with the run deadline applied
func (m *Machine) runStage(ctx context.Context, run *Run, stage stages.Name, deadline time.Time) StageOutcome {
	if stage == stages.Order[0] {
		m.record(ctx, history.Event{RunID: run.RunID, Kind: history.ExecutionStarted})
	}
	if !m.now().Before(deadline) {
		return StageOutcome{Failure: stages.TimedOut(stage)}
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	log.Printf("[%s] Entering stage %s", run.RunID, stage)
	m.enter(ctx, run, stage)

	start := m.now()
	var outcome StageOutcome
	if fan, ok := m.config.Graph[stage]; ok {
		outcome = m.runFanOut(ctx, run, stage, fan)
	} else {
		outcome = m.runSingle(ctx, run, stage)
	}
	m.metrics.ObserveStage(string(stage), outcome.Failure == nil, m.now().Sub(start))

	if outcome.Failure != nil {
		log.Printf("[%s] Stage %s failed: %v", run.RunID, stage, outcome.Failure)
		m.record(ctx, history.Event{
			RunID: run.RunID,
			Kind:  history.TaskFailed,
			Stage: string(stage),
			Error: outcome.Failure.Message,
			Cause: outcome.Failure.Cause,
		})
	} else {
		log.Printf("[%s] Stage %s succeeded after %d attempt(s)", run.RunID, stage, outcome.Attempts)
		m.record(ctx, history.Event{RunID: run.RunID, Kind: history.TaskSucceeded, Stage: string(stage)})
	}
	return outcome
}

// runSingle invokes the stage worker once (with retries) on the current payload
func (m *Machine) runSingle(ctx context.Context, run *Run, stage stages.Name) StageOutcome {
	result, err := m.invoker.Invoke(ctx, stage, run.CurrentPayload.Body, m.config.Policies.For(stage))
	if err != nil {
		f, ok := stages.AsFailure(err)
		if !ok {
			f = stages.NewFailure(stage, stages.ErrorWorker, err)
		}
		if result != nil {
			m.recordWorkerFailure(ctx, run, stage, result.LastError)
		}
		return StageOutcome{Attempts: attemptsOf(result), Failure: f}
	}

	// the next stage needs an object; a stage returning anything else produced a malformed payload
	if _, err := stages.ParseDocument(result.Payload); err != nil {
		return StageOutcome{Attempts: result.Attempts, Failure: stages.NewFailure(stage, stages.ErrorMalformedPayload, err)}
	}
	return StageOutcome{Payload: result.Payload, Attempts: result.Attempts}
}

// runFanOut splits the current payload into item requests, runs them on the coordinator
// and folds the ordered results into the next payload
func (m *Machine) runFanOut(ctx context.Context, run *Run, stage stages.Name, fan FanOut) StageOutcome {
	env := run.CurrentPayload

	doc, err := stages.ParseDocument(env.Body)
	if err != nil {
		return StageOutcome{Failure: stages.NewFailure(env.Stage, stages.ErrorMalformedPayload, err)}
	}
	elems, err := doc.Items(fan.ItemsField)
	if err != nil {
		return StageOutcome{Failure: stages.NewFailure(env.Stage, stages.ErrorMalformedPayload, err)}
	}

	requests := make([]json.RawMessage, len(elems))
	for i, elem := range elems {
		req, err := doc.ItemRequest(fan.ItemField, elem)
		if err != nil {
			return StageOutcome{Failure: stages.NewFailure(env.Stage, stages.ErrorMalformedPayload, err)}
		}
		requests[i] = req
	}

	log.Printf("[%s] Fanning out %s over %d %s (max %d concurrent)", run.RunID, stage, len(requests), fan.ItemsField, fan.MaxConcurrency)
	report, err := m.coordinator.Run(ctx, fanout.Items(requests), stage, m.config.Policies.For(stage), fan.MaxConcurrency)
	if err != nil {
		f, ok := stages.AsFailure(err)
		if !ok {
			f = stages.NewFailure(stage, stages.ErrorWorker, err)
		}
		m.recordWorkerFailure(ctx, run, stage, report.LastError)
		return StageOutcome{Attempts: report.Attempts, Failure: f}
	}

	if fan.ResultField == "" {
		return StageOutcome{Payload: env.Body, Attempts: report.Attempts}
	}
	if err := doc.Set(fan.ResultField, report.Results); err != nil {
		return StageOutcome{Attempts: report.Attempts, Failure: stages.NewFailure(stage, stages.ErrorMalformedPayload, err)}
	}
	next, err := doc.MarshalJSON()
	if err != nil {
		return StageOutcome{Attempts: report.Attempts, Failure: stages.NewFailure(stage, stages.ErrorMalformedPayload, err)}
	}
	return StageOutcome{Payload: next, Attempts: report.Attempts}
}

// recordWorkerFailure appends a WorkerFailed event when the last error came from a worker
func (m *Machine) recordWorkerFailure(ctx context.Context, run *Run, stage stages.Name, lastErr error) {
	var werr *invoker.WorkerError
	if !errors.As(lastErr, &werr) {
		return
	}
	m.record(ctx, history.Event{
		RunID: run.RunID,
		Kind:  history.WorkerFailed,
		Stage: string(stage),
		Error: werr.Message,
		Cause: werr.Cause,
	})
}

// enter writes the stage's progress to the record and its history entry.
// A record that already holds a final status is left alone.
func (m *Machine) enter(ctx context.Context, run *Run, stage stages.Name) {
	m.record(ctx, history.Event{RunID: run.RunID, Kind: history.StageEntered, Stage: string(stage)})

	if m.records == nil {
		return
	}
	err := records.Update(ctx, m.records, run.Input.InterviewID, func(current *records.ProcessingRecord) (records.Patch, bool) {
		if current.Terminal() {
			return records.Patch{}, false
		}
		return records.Patch{
			Progress:    records.Int(stage.Progress()),
			CurrentStep: records.String(stage.Step()),
		}, true
	})
	if err != nil {
		log.Printf("[%s] Failed to update progress for %s: %v", run.RunID, stage, err)
	}
}

// finish appends the run-level terminal event
func (m *Machine) finish(ctx context.Context, run *Run) {
	ev := history.Event{RunID: run.RunID}
	switch {
	case run.Stage == stages.Completed:
		ev.Kind = history.ExecutionSucceeded
		log.Printf("[%s] Run completed", run.RunID)
	case run.Error.IsTimeout():
		ev.Kind = history.ExecutionTimedOut
		log.Printf("[%s] Run timed out in %s", run.RunID, run.Error.Stage)
	case run.Error.IsAborted():
		ev.Kind = history.ExecutionAborted
		log.Printf("[%s] Run aborted in %s", run.RunID, run.Error.Stage)
	default:
		ev.Kind = history.ExecutionFailed
		log.Printf("[%s] Run failed: %v", run.RunID, run.Error)
	}
	if run.Error != nil {
		ev.Stage = string(run.Error.Stage)
		ev.Error = run.Error.Message
		ev.Cause = run.Error.Cause
	}
	m.record(ctx, ev)
}

func (m *Machine) record(ctx context.Context, ev history.Event) {
	if m.history == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now().UTC()
	}
	if err := m.history.Append(context.WithoutCancel(ctx), ev); err != nil {
		log.Printf("[%s] Failed to append %s event: %v", ev.RunID, ev.Kind, err)
	}
}

func attemptsOf(result *invoker.Result) int {
	if result == nil {
		return 0
	}
	return result.Attempts
}
