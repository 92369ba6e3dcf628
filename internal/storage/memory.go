package storage

import (
	"context"
	"sync"

	"liase/internal/jobs"
)

// memoryStore keeps records in a map. Records are cloned on the way in and
// out so callers never share history slices with the store.
type memoryStore struct {
	mu     sync.RWMutex
	recs   map[string]jobs.Record
	closed bool
}

func NewMemory() Store { return &memoryStore{recs: map[string]jobs.Record{}} }

func (s *memoryStore) Load(ctx context.Context, f Filter) ([]jobs.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrDisabled
	}
	all := make([]jobs.Record, 0, len(s.recs))
	for _, r := range s.recs {
		all = append(all, r)
	}
	return selectRecords(all, f), nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (jobs.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return jobs.Record{}, ErrDisabled
	}
	r, ok := s.recs[id]
	if !ok {
		return jobs.Record{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *memoryStore) Save(ctx context.Context, rec jobs.Record) error {
	if rec.ID == "" {
		return ErrNoID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	s.recs[rec.ID] = rec.Clone()
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	if _, ok := s.recs[id]; !ok {
		return ErrNotFound
	}
	delete(s.recs, id)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
