package domain

import "errors"

var (
	// ErrTaskNotFound is returned when a local write targets a task the store does not hold.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskPending is returned when a local write targets a task whose creation
	// has not been confirmed by the server yet.
	ErrTaskPending = errors.New("task creation not confirmed")

	ErrInvalidStatus = errors.New("invalid status")

	ErrInvalidPriority = errors.New("invalid priority")

	// ErrMalformedUpdate is returned for live update frames that cannot be decoded.
	ErrMalformedUpdate = errors.New("malformed live update")
)
