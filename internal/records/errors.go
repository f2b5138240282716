package records

import "errors"

var (
	// ErrNotFound is returned when no record exists for the id
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned when a compare-and-set write lost a race
	ErrVersionConflict = errors.New("record version conflict")
)
