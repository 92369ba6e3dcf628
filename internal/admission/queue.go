package admission

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"liase/internal/eventbus"
	logx "liase/pkg/logx"
)

// Work is the payload admitted by a Queue.
type Work func(ctx context.Context) error

// Queue is a bounded-concurrency gate. Submissions never fail for lack of
// capacity; they wait until a slot frees up.
type Queue struct {
	name string
	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time

	mu       sync.Mutex
	capacity int
	inFlight map[uint64]*Handle
	waiting  []*Handle
	seq      uint64
	closed   bool

	admitted  uint64
	completed uint64
	failed    uint64
	cleared   uint64

	running sync.WaitGroup
}

type Option func(*Queue)

func WithLogger(log logx.Logger) Option { return func(q *Queue) { q.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(q *Queue) { q.bus = bus } }

// WithClock injects the time source used for queue delay accounting.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// Status is a point-in-time view of a queue.
type Status struct {
	Name      string `json:"name"`
	Capacity  int    `json:"capacity"`
	InFlight  int    `json:"in_flight"`
	Waiting   int    `json:"waiting"`
	Admitted  uint64 `json:"admitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cleared   uint64 `json:"cleared"`
}

func New(name string, capacity int, opts ...Option) (*Queue, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	q := &Queue{
		name:     name,
		capacity: capacity,
		inFlight: map[uint64]*Handle{},
		bus:      eventbus.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	q.log = q.log.With(logx.String("queue", name))
	return q, nil
}

func (q *Queue) Name() string { return q.name }

// Submit enqueues work and returns a handle resolving to its outcome.
//
// While the request waits, cancelling ctx removes it and resolves the handle
// with ctx.Err(). Once admitted, work runs with ctx.
func (q *Queue) Submit(ctx context.Context, work Work, prio Priority) (*Handle, error) {
	if work == nil {
		return nil, ErrNilWork
	}
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrStopped
	}
	q.seq++
	h := &Handle{
		id:          q.seq,
		prio:        prio,
		submittedAt: q.now(),
		ctx:         ctx,
		work:        work,
		done:        make(chan struct{}),
	}
	q.insertLocked(h)
	// Registered under the lock so admitLocked always sees the stop func.
	h.stopWatch = context.AfterFunc(ctx, func() { q.abandon(h) })
	launch := q.admitLocked()
	q.mu.Unlock()

	q.launch(launch)
	return h, nil
}

// insertLocked keeps High requests at the front in submission order.
func (q *Queue) insertLocked(h *Handle) {
	if h.prio != High {
		q.waiting = append(q.waiting, h)
		return
	}
	i := 0
	for i < len(q.waiting) && q.waiting[i].prio == High {
		i++
	}
	q.waiting = append(q.waiting, nil)
	copy(q.waiting[i+1:], q.waiting[i:])
	q.waiting[i] = h
}

// admitLocked moves waiting heads into inFlight while capacity allows.
func (q *Queue) admitLocked() []*Handle {
	var out []*Handle
	for len(q.inFlight) < q.capacity && len(q.waiting) > 0 {
		h := q.waiting[0]
		q.waiting[0] = nil
		q.waiting = q.waiting[1:]
		if h.stopWatch != nil {
			h.stopWatch()
		}
		h.admittedAt.Store(q.now().UnixNano())
		q.inFlight[h.id] = h
		q.admitted++
		q.running.Add(1)
		out = append(out, h)
	}
	return out
}

func (q *Queue) launch(hs []*Handle) {
	for _, h := range hs {
		q.log.Debug("request admitted",
			logx.Int64("id", int64(h.id)),
			logx.String("priority", h.prio.String()),
			logx.Duration("queue_delay", h.QueueDelay()),
		)
		q.bus.Publish(eventbus.Event{Type: eventbus.QueueAdmitted, Data: map[string]any{
			"queue":    q.name,
			"id":       h.id,
			"priority": h.prio.String(),
			"delay_ms": h.QueueDelay().Milliseconds(),
		}})
		go q.run(h)
	}
}

func (q *Queue) run(h *Handle) {
	defer q.running.Done()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				q.log.Error("work panicked", logx.Int64("id", int64(h.id)), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return h.work(h.ctx)
	}()

	q.mu.Lock()
	delete(q.inFlight, h.id)
	if err != nil {
		q.failed++
	} else {
		q.completed++
	}
	next := q.admitLocked()
	q.mu.Unlock()

	h.resolve(err)
	q.launch(next)
}

// abandon drops a still-waiting request whose submit context ended.
func (q *Queue) abandon(h *Handle) {
	q.mu.Lock()
	removed := q.removeWaitingLocked(h)
	q.mu.Unlock()
	if removed {
		h.resolve(h.ctx.Err())
	}
}

func (q *Queue) removeWaitingLocked(h *Handle) bool {
	for i, w := range q.waiting {
		if w == h {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return true
		}
	}
	return false
}

// Drain resolves every waiting request with ErrQueueCleared and returns how
// many were discarded. In-flight work is untouched.
func (q *Queue) Drain() int {
	q.mu.Lock()
	dropped := q.waiting
	q.waiting = nil
	q.cleared += uint64(len(dropped))
	q.mu.Unlock()

	for _, h := range dropped {
		if h.stopWatch != nil {
			h.stopWatch()
		}
		h.resolve(ErrQueueCleared)
	}
	if len(dropped) > 0 {
		q.log.Info("queue drained", logx.Int("cleared", len(dropped)))
		q.bus.Publish(eventbus.Event{Type: eventbus.QueueCleared, Data: map[string]any{
			"queue":   q.name,
			"cleared": len(dropped),
		}})
	}
	return len(dropped)
}

// SetCapacity resizes the queue. Growing admits waiting requests at once;
// shrinking lets in-flight work finish before new admissions.
func (q *Queue) SetCapacity(n int) error {
	if n < 1 {
		return ErrInvalidCapacity
	}
	q.mu.Lock()
	old := q.capacity
	q.capacity = n
	launch := q.admitLocked()
	q.mu.Unlock()

	if old != n {
		q.log.Info("queue capacity changed", logx.Int("from", old), logx.Int("to", n))
	}
	q.launch(launch)
	return nil
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Name:      q.name,
		Capacity:  q.capacity,
		InFlight:  len(q.inFlight),
		Waiting:   len(q.waiting),
		Admitted:  q.admitted,
		Completed: q.completed,
		Failed:    q.failed,
		Cleared:   q.cleared,
	}
}

// Close stops accepting work, drains waiting requests and waits for
// in-flight work until ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.Drain()

	done := make(chan struct{})
	go func() {
		q.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue %s: %w", q.name, ctx.Err())
	}
}
