package broker

import "errors"

var (
	// ErrNotFound means the row does not exist or belongs to another agent.
	ErrNotFound = errors.New("not found")

	// ErrInvalidStateTransition means the row exists but its current status
	// does not permit the requested transition.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)
