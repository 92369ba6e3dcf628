package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liase/internal/jobs"
	"liase/internal/recurrence"
	logx "liase/pkg/logx"
)

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func rec(id string, next *time.Time) jobs.Record {
	return jobs.Record{
		ID:        id,
		Name:      "job-" + id,
		Kind:      "noop",
		Schedule:  recurrence.Interval{Every: time.Minute},
		IsActive:  true,
		Status:    jobs.StatusPending,
		NextRunAt: next,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func at(d time.Duration) *time.Time {
	v := t0.Add(d)
	return &v
}

func openers(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"memory": func() Store { return NewMemory() },
		"file": func() Store {
			s, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "liase.db")}, logx.Nop())
			require.NoError(t, err)
			return s
		},
		"sqlite": func() Store {
			s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "liase.sqlite")}, logx.Nop())
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, open := range openers(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()

			require.NoError(t, s.Save(ctx, rec("b", at(2*time.Minute))))
			require.NoError(t, s.Save(ctx, rec("a", at(2*time.Minute))))
			require.NoError(t, s.Save(ctx, rec("c", at(-time.Minute))))
			require.NoError(t, s.Save(ctx, rec("nil", nil)))

			running := rec("run", at(-time.Hour))
			running.Status = jobs.StatusRunning
			require.NoError(t, s.Save(ctx, running))

			off := rec("off", at(-time.Hour))
			off.IsActive = false
			require.NoError(t, s.Save(ctx, off))

			all, err := s.Load(ctx, Filter{})
			require.NoError(t, err)
			assert.Equal(t, []string{"off", "run", "c", "a", "b", "nil"}, ids(all))

			due, err := s.Load(ctx, Due(t0))
			require.NoError(t, err)
			assert.Equal(t, []string{"c"}, ids(due))

			lim, err := s.Load(ctx, Filter{ActiveOnly: true, Limit: 2})
			require.NoError(t, err)
			assert.Equal(t, []string{"run", "c"}, ids(lim))

			byName, err := s.Load(ctx, Filter{Name: "job-a"})
			require.NoError(t, err)
			assert.Equal(t, []string{"a"}, ids(byName))

			byID, err := s.Load(ctx, Filter{IDs: []string{"b", "nil"}})
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "nil"}, ids(byID))

			got, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "job-a", got.Name)
			assert.Equal(t, recurrence.Interval{Every: time.Minute}, got.Schedule)
			require.NotNil(t, got.NextRunAt)
			assert.True(t, got.NextRunAt.Equal(*at(2*time.Minute)))

			got.Status = jobs.StatusCompleted
			got.RunCount = 4
			require.NoError(t, s.Save(ctx, got))
			again, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, jobs.StatusCompleted, again.Status)
			assert.Equal(t, 4, again.RunCount)

			require.NoError(t, s.Delete(ctx, "a"))
			_, err = s.Get(ctx, "a")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.Delete(ctx, "a"), ErrNotFound)

			assert.ErrorIs(t, s.Save(ctx, jobs.Record{}), ErrNoID)
		})
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	r := rec("a", at(0))
	r.History = []jobs.Execution{{Status: jobs.RunSuccess}}
	require.NoError(t, s.Save(ctx, r))

	r.History[0].Status = jobs.RunFailed
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, jobs.RunSuccess, got.History[0].Status)

	got.History[0].Status = jobs.RunFailed
	again, _ := s.Get(ctx, "a")
	assert.Equal(t, jobs.RunSuccess, again.History[0].Status)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "data", "liase.db")}

	s, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(ctx, rec(id, at(time.Minute))))
	}
	require.NoError(t, s.Delete(ctx, "b"))
	// Reopen without Close: state comes back from the journal alone.
	s2, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	got, err := s2.Load(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(got))
	require.NoError(t, s2.Close())
	require.NoError(t, s.Close())

	// After Close the snapshot holds everything.
	s3, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer s3.Close()
	got, err = s3.Load(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(got))
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "liase.sqlite"), BusyTimeout: time.Second}

	s, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, rec("a", at(time.Minute))))
	require.NoError(t, s.Close())

	s, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "job-a", got.Name)
}

func TestOpenDrivers(t *testing.T) {
	_, err := Open(Config{Driver: "bogus"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)

	called := false
	RegisterDriver("Fake", func(cfg Config, log logx.Logger) (Store, error) {
		called = true
		return NewMemory(), nil
	})
	s, err := Open(Config{Driver: "fake"}, logx.Nop())
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.True(t, called)
	assert.Contains(t, Drivers(), "fake")
}

func TestSQLiteWhere(t *testing.T) {
	t.Parallel()

	where, args := sqliteWhere(Filter{})
	if where != "" || len(args) != 0 {
		t.Fatalf("sqliteWhere(empty) = %q %v, want empty", where, args)
	}

	where, args = sqliteWhere(Filter{ActiveOnly: true, ExcludeRunning: true, DueBy: t0, IDs: []string{"a", "b"}})
	want := " WHERE is_active = 1 AND status <> ? AND next_run_at IS NOT NULL AND next_run_at <= ? AND id IN (?,?)"
	if where != want {
		t.Fatalf("sqliteWhere = %q, want %q", where, want)
	}
	if len(args) != 4 {
		t.Fatalf("len(args) = %d, want 4", len(args))
	}
}

func ids(recs []jobs.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}
