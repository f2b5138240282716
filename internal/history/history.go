package history

import (
	"context"
	"time"
)

// Kind discriminates run history events
type Kind string

// Event kinds
const (
	ExecutionStarted   Kind = "ExecutionStarted"
	StageEntered       Kind = "StageEntered"
	TaskSucceeded      Kind = "TaskSucceeded"
	TaskFailed         Kind = "TaskFailed"
	WorkerFailed       Kind = "WorkerFailed"
	ExecutionSucceeded Kind = "ExecutionSucceeded"
	ExecutionFailed    Kind = "ExecutionFailed"
	ExecutionTimedOut  Kind = "ExecutionTimedOut"
	ExecutionAborted   Kind = "ExecutionAborted"
)

// Failure reports whether events of kind k carry an error/cause pair
func (k Kind) Failure() bool {
	switch k {
	case TaskFailed, WorkerFailed, ExecutionFailed, ExecutionTimedOut, ExecutionAborted:
		return true
	}
	return false
}

// Event is one entry of a run's history
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Kind      Kind      `json:"kind"`
	Stage     string    `json:"stage,omitempty"`
	Error     string    `json:"error,omitempty"`
	Cause     string    `json:"cause,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store records run history and answers "most recent events first" queries
type Store interface {
	// Append adds ev to its run's history
	Append(ctx context.Context, ev Event) error

	// Recent returns at most limit events of runID, newest first
	Recent(ctx context.Context, runID string, limit int) ([]Event, error)
}
