package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"liase/internal/jobs"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrDisabled = errors.New("storage disabled")
	ErrNoID     = errors.New("job record has no id")
)

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite", "mongodb".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	URI        string // mongodb
	Database   string
	Collection string
}

// Store is the persistence collaborator of the scheduler.
type Store interface {
	// Load returns matching records ordered by NextRunAt (nil last), then ID.
	Load(ctx context.Context, f Filter) ([]jobs.Record, error)
	Get(ctx context.Context, id string) (jobs.Record, error)
	// Save inserts or replaces the whole record.
	Save(ctx context.Context, rec jobs.Record) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Filter selects records. Zero fields don't constrain.
type Filter struct {
	ActiveOnly     bool
	ExcludeRunning bool
	// DueBy keeps records with NextRunAt <= DueBy.
	DueBy time.Time
	IDs   []string
	Name  string
	Limit int
}

// Due selects what the scheduler starts at now.
func Due(now time.Time) Filter {
	return Filter{ActiveOnly: true, ExcludeRunning: true, DueBy: now}
}

func (f Filter) Match(rec *jobs.Record) bool {
	if f.ActiveOnly && !rec.IsActive {
		return false
	}
	if f.ExcludeRunning && rec.Status == jobs.StatusRunning {
		return false
	}
	if !f.DueBy.IsZero() && (rec.NextRunAt == nil || rec.NextRunAt.After(f.DueBy)) {
		return false
	}
	if f.Name != "" && rec.Name != f.Name {
		return false
	}
	if len(f.IDs) > 0 {
		for _, id := range f.IDs {
			if id == rec.ID {
				return true
			}
		}
		return false
	}
	return true
}

// sortRecords orders by NextRunAt ascending with nil last, then ID.
func sortRecords(recs []jobs.Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].NextRunAt, recs[j].NextRunAt
		switch {
		case a == nil && b != nil:
			return false
		case a != nil && b == nil:
			return true
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return recs[i].ID < recs[j].ID
	})
}

// selectRecords filters, orders and limits a candidate set. Inputs are cloned.
func selectRecords(all []jobs.Record, f Filter) []jobs.Record {
	out := make([]jobs.Record, 0, len(all))
	for i := range all {
		if f.Match(&all[i]) {
			out = append(out, all[i].Clone())
		}
	}
	sortRecords(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
