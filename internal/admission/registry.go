package admission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry holds one queue per downstream dependency, so each external
// system gets its own capacity.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]*Queue
	def    string
	opts   []Option
}

// NewRegistry builds queues from name -> capacity. The default queue must be
// present in caps.
func NewRegistry(defaultName string, caps map[string]int, opts ...Option) (*Registry, error) {
	if _, ok := caps[defaultName]; !ok {
		return nil, fmt.Errorf("admission: default queue %q not configured", defaultName)
	}
	r := &Registry{queues: map[string]*Queue{}, def: defaultName, opts: opts}
	if err := r.Apply(caps); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the named queue, or the default queue for unknown/empty names.
func (r *Registry) Get(name string) *Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if q, ok := r.queues[name]; ok {
		return q
	}
	return r.queues[r.def]
}

func (r *Registry) Default() string { return r.def }

// Apply resizes existing queues and creates new ones. Queues missing from
// caps keep running with their last capacity; jobs may still reference them.
func (r *Registry) Apply(caps map[string]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, n := range caps {
		if q, ok := r.queues[name]; ok {
			if err := q.SetCapacity(n); err != nil {
				errs = append(errs, fmt.Errorf("queue %s: %w", name, err))
			}
			continue
		}
		q, err := New(name, n, r.opts...)
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", name, err))
			continue
		}
		r.queues[name] = q
	}
	return errors.Join(errs...)
}

// Statuses returns every queue's status sorted by name.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q.Status())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close closes all queues concurrently.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	qs := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		qs = append(qs, q)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, q := range qs {
		g.Go(func() error { return q.Close(ctx) })
	}
	return g.Wait()
}
