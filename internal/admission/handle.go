package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Handle is the asynchronous result of a submission.
type Handle struct {
	id          uint64
	prio        Priority
	submittedAt time.Time
	admittedAt  atomic.Int64 // unix nanos; 0 until admitted

	ctx       context.Context
	work      Work
	stopWatch func() bool

	once sync.Once
	done chan struct{}
	err  error
}

func (h *Handle) ID() uint64 { return h.id }

func (h *Handle) Priority() Priority { return h.prio }

// Done is closed once the outcome is known.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the outcome; nil until Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the outcome is known or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDelay is the time spent waiting for admission; zero if never admitted.
func (h *Handle) QueueDelay() time.Duration {
	at := h.admittedAt.Load()
	if at == 0 {
		return 0
	}
	return time.Unix(0, at).Sub(h.submittedAt)
}

func (h *Handle) resolve(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}
