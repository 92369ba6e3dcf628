package admission

import "errors"

var (
	// ErrQueueCleared resolves requests discarded by Drain while waiting.
	ErrQueueCleared = errors.New("queue cleared")
	// ErrStopped is returned by Submit after Close.
	ErrStopped = errors.New("admission queue stopped")

	ErrNilWork         = errors.New("admission: nil work")
	ErrInvalidCapacity = errors.New("admission: capacity must be >= 1")
)
