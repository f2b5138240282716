package stages

import (
	"context"
	"errors"
	"fmt"
)

// Failure error names recorded in Failure.Message
const (
	ErrorWorker           = "WorkerError"
	ErrorRetriesExhausted = "RetriesExhausted"
	ErrorInvalidInput     = "InvalidInput"
	ErrorMalformedPayload = "MalformedPayload"
	ErrorTimeout          = "States.Timeout"
	ErrorAborted          = "States.Aborted"
)

// Failure is a terminal stage error. It ends the run it belongs to.
type Failure struct {
	Stage   Name   `json:"stage"`
	Message string `json:"message"`
	Cause   string `json:"cause"`
}

func (f *Failure) Error() string {
	if f.Cause == "" {
		return fmt.Sprintf("%s: %s", f.Stage, f.Message)
	}
	return fmt.Sprintf("%s: %s: %s", f.Stage, f.Message, f.Cause)
}

// NewFailure builds a Failure for stage with the given error name and cause
func NewFailure(stage Name, message string, cause error) *Failure {
	f := &Failure{Stage: stage, Message: message}
	if cause != nil {
		f.Cause = cause.Error()
	}
	return f
}

// AsFailure extracts a *Failure from err
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// TimedOut returns the failure recorded when a run exceeds its wall-clock ceiling
func TimedOut(stage Name) *Failure {
	return &Failure{Stage: stage, Message: ErrorTimeout, Cause: "timed out"}
}

// IsTimeout reports whether f was produced by the run timeout
func (f *Failure) IsTimeout() bool {
	return f != nil && f.Message == ErrorTimeout
}

// IsAborted reports whether f was produced by cancelling the run
func (f *Failure) IsAborted() bool {
	return f != nil && f.Message == ErrorAborted
}

// FromContext maps an expired or cancelled context onto the timeout or abort failure
func FromContext(stage Name, err error) *Failure {
	if errors.Is(err, context.DeadlineExceeded) {
		return TimedOut(stage)
	}
	return NewFailure(stage, ErrorAborted, err)
}
