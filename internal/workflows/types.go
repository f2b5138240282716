package workflows

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tendant/transcript-pipeline/internal/stages"
	"github.com/tendant/transcript-pipeline/pkg/pipeline"
)

// Run is one pipeline execution. It is mutated only by the Machine and is
// immutable once Stage is Completed or Failed.
type Run struct {
	RunID          string            `json:"run_id"`
	Stage          stages.Name       `json:"stage"`
	Input          pipeline.RunInput `json:"input"`
	StartedAt      time.Time         `json:"started_at"`
	CurrentPayload stages.Envelope   `json:"current_payload"`
	// Attempts counts worker calls of the current stage; cleared on advance
	Attempts map[stages.Name]int `json:"attempts"`
	Error    *stages.Failure     `json:"error,omitempty"`
}

// WorkflowInput is the durable workflow argument
type WorkflowInput struct {
	RunID     string            `json:"run_id"`
	Input     pipeline.RunInput `json:"input"`
	StartedAt time.Time         `json:"started_at"`
}

// WorkflowResult is the durable workflow return value
type WorkflowResult struct {
	RunID  string          `json:"run_id"`
	Stage  stages.Name     `json:"stage"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  *stages.Failure `json:"error,omitempty"`
}

// NewRun creates a run positioned at the first stage. The initial payload carries the
// trigger input and is tagged with the first stage.
func NewRun(runID string, input pipeline.RunInput, startedAt time.Time) (*Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: run id is required", ErrInvalidRequest)
	}
	if input.Bucket == "" || input.Key == "" {
		return nil, fmt.Errorf("%w: bucket and key are required", ErrInvalidRequest)
	}
	if input.InterviewID == "" {
		input.InterviewID = runID
	}

	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode initial payload: %w", err)
	}

	return &Run{
		RunID:          runID,
		Stage:          stages.Order[0],
		Input:          input,
		StartedAt:      startedAt,
		CurrentPayload: stages.Envelope{Stage: stages.Order[0], Body: body},
		Attempts:       make(map[stages.Name]int),
	}, nil
}

// Terminal reports whether the run has completed or failed
func (r *Run) Terminal() bool {
	return r.Stage.Terminal()
}

// advance moves the run to the stage after the current one, carrying payload produced by it
func (r *Run) advance(payload json.RawMessage) error {
	if r.Terminal() {
		return ErrRunTerminal
	}
	r.CurrentPayload = stages.Envelope{Stage: r.Stage, Body: payload}
	r.Stage = r.Stage.Next()
	r.Attempts = make(map[stages.Name]int)
	return nil
}

// fail moves the run to Failed, recording f verbatim
func (r *Run) fail(f *stages.Failure) error {
	if r.Terminal() {
		return ErrRunTerminal
	}
	r.Stage = stages.Failed
	r.Error = f
	return nil
}

// Status returns the run-status event status for a terminal run
func (r *Run) Status() pipeline.RunStatus {
	switch {
	case r.Stage == stages.Completed:
		return pipeline.RunSucceeded
	case r.Error.IsTimeout():
		return pipeline.RunTimedOut
	case r.Error.IsAborted():
		return pipeline.RunAborted
	}
	return pipeline.RunFailed
}

// Result converts the run into the workflow return value
func (r *Run) Result() *WorkflowResult {
	res := &WorkflowResult{RunID: r.RunID, Stage: r.Stage, Error: r.Error}
	if r.Stage == stages.Completed {
		res.Output = r.CurrentPayload.Body
	}
	return res
}
