package workflows

import "errors"

var (
	// ErrRunTerminal is returned when a completed or failed run is asked to advance
	ErrRunTerminal = errors.New("run already terminal")

	// ErrInvalidRequest is returned when a run cannot be started from the given input
	ErrInvalidRequest = errors.New("invalid run request")

	// ErrRuntimeUnavailable is returned when a run is started after the runner shut down
	ErrRuntimeUnavailable = errors.New("workflow runner is shut down")
)
