package repository

import "errors"

var (
	// ErrNotFound is returned when a row does not exist or is soft-deleted.
	ErrNotFound = errors.New("resource not found")
	// ErrTerminalState is returned when an update would mutate a job that
	// already reached a terminal state.
	ErrTerminalState = errors.New("job is in a terminal state")
	// ErrAlreadyClaimed is returned by ClaimPendingUpload when the pending
	// upload was already confirmed (or the job never had one).
	ErrAlreadyClaimed = errors.New("pending upload already claimed")
	// ErrInvalidTransition is returned when a status write does not follow
	// the lifecycle DAG.
	ErrInvalidTransition = errors.New("invalid status transition")
)
