package invoker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tendant/transcript-pipeline/internal/stages"
)

// Worker performs the media or ML work of one stage. It receives the stage request
// and returns the stage response; both are opaque JSON to the orchestrator.
type Worker interface {
	Invoke(ctx context.Context, stage stages.Name, payload json.RawMessage) (json.RawMessage, error)
}

// WorkerFunc adapts a function to the Worker interface
type WorkerFunc func(ctx context.Context, stage stages.Name, payload json.RawMessage) (json.RawMessage, error)

// Invoke calls f
func (f WorkerFunc) Invoke(ctx context.Context, stage stages.Name, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, stage, payload)
}

// ErrorKind classifies a worker error
type ErrorKind string

// ErrorKind constants
const (
	KindTransient    ErrorKind = "transient"
	KindInvalidInput ErrorKind = "invalid_input"
)

// WorkerError is an error signalled by a worker, as opposed to a transport failure
type WorkerError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Cause      string
}

func (e *WorkerError) Error() string {
	if e.Cause == "" {
		return e.Message
	}
	return fmt.Sprintf("%s - %s", e.Message, e.Cause)
}

// Unwrap maps invalid-input errors onto stages.ErrInvalidInput so retry predicates can match them
func (e *WorkerError) Unwrap() error {
	if e.Kind == KindInvalidInput {
		return stages.ErrInvalidInput
	}
	return nil
}

// InvalidInput returns a non-retryable worker error
func InvalidInput(message, cause string) *WorkerError {
	return &WorkerError{Kind: KindInvalidInput, Message: message, Cause: cause}
}

// Transient returns a retryable worker error
func Transient(message, cause string) *WorkerError {
	return &WorkerError{Kind: KindTransient, Message: message, Cause: cause}
}
