package stages

import "errors"

var (
	// ErrInvalidInput marks a worker rejection of its request; never retried
	ErrInvalidInput = errors.New("invalid stage input")

	// ErrMalformedPayload is returned when an inter-stage payload does not have the expected shape
	ErrMalformedPayload = errors.New("malformed stage payload")
)
