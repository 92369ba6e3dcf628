package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liase/internal/admission"
	"liase/internal/eventbus"
	"liase/internal/executor"
	"liase/internal/jobs"
	"liase/internal/recurrence"
	"liase/internal/storage"
	logx "liase/pkg/logx"
)

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// gate blocks handler executions until released.
type gate struct {
	entered chan string
	release chan struct{}
}

func newGate() *gate { return &gate{entered: make(chan string, 16), release: make(chan struct{})} }

func (g *gate) handler(ctx context.Context, rec jobs.Record) (string, error) {
	g.entered <- rec.Name
	select {
	case <-g.release:
		return "released", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type fixture struct {
	svc    *Service
	store  storage.Store
	queues *admission.Registry
	exec   *executor.Service
	clk    *clock
	bus    eventbus.Bus
}

func newFixture(t *testing.T, caps map[string]int, prio PriorityFunc) *fixture {
	t.Helper()
	if caps == nil {
		caps = map[string]int{"default": 4}
	}
	clk := &clock{t: t0}
	bus := eventbus.New()
	reg, err := admission.NewRegistry("default", caps, admission.WithBus(bus))
	require.NoError(t, err)
	ex := executor.New(executor.Config{}, logx.Nop())
	store := storage.NewMemory()

	svc, err := New(Config{Enabled: true, Timezone: "UTC", DefaultQueue: "default"}, Deps{
		Store:       store,
		Queues:      reg,
		Executor:    ex,
		PriorityFor: prio,
		Clock:       clk.Now,
		Bus:         bus,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
		_ = reg.Close(ctx)
	})
	return &fixture{svc: svc, store: store, queues: reg, exec: ex, clk: clk, bus: bus}
}

func (f *fixture) create(t *testing.T, name, kind string, spec recurrence.Spec, maxRetries int) jobs.Record {
	t.Helper()
	rec, err := f.svc.CreateJob(context.Background(), jobs.NewParams{Name: name, Kind: kind, Schedule: spec, MaxRetries: maxRetries})
	require.NoError(t, err)
	return rec
}

func (f *fixture) settled(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.svc.InFlight()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func (f *fixture) get(t *testing.T, id string) jobs.Record {
	t.Helper()
	rec, err := f.svc.Job(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestTickRunsDueJobAndReschedules(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.exec.Register("noop", executor.Noop))
	rec := f.create(t, "search", "noop", recurrence.Interval{Every: time.Minute}, 0)

	n, err := f.svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not due yet")

	f.clk.Advance(time.Minute)
	n, err = f.svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.settled(t)

	got := f.get(t, rec.ID)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, jobs.RunSuccess, got.LastRunStatus)
	assert.Equal(t, 1, got.RunCount)
	require.Len(t, got.History, 1)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(t0.Add(2*time.Minute)), "next = %v", got.NextRunAt)

	snap := f.svc.Snapshot()
	assert.Equal(t, uint64(2), snap.Ticks)
	assert.Equal(t, uint64(1), snap.Succeeded)
	assert.Equal(t, "UTC", snap.Timezone)
	assert.Len(t, snap.Queues, 1)
}

func TestRunningJobIsNotStartedAgain(t *testing.T) {
	f := newFixture(t, nil, nil)
	g := newGate()
	require.NoError(t, f.exec.Register("slow", g.handler))
	rec := f.create(t, "slow", "slow", recurrence.Interval{Every: time.Second}, 0)

	f.clk.Advance(time.Second)
	n, _ := f.svc.Tick(context.Background())
	require.Equal(t, 1, n)
	<-g.entered

	f.clk.Advance(time.Minute)
	n, _ = f.svc.Tick(context.Background())
	assert.Equal(t, 0, n)
	assert.Equal(t, jobs.StatusRunning, f.get(t, rec.ID).Status)
	require.Len(t, f.svc.InFlight(), 1)

	close(g.release)
	f.settled(t)
	assert.Equal(t, 1, f.get(t, rec.ID).RunCount)
}

func TestFailuresDisableJob(t *testing.T) {
	f := newFixture(t, nil, nil)
	events, unsub := f.bus.Subscribe(16, "job.")
	defer unsub()
	require.NoError(t, f.exec.Register("broken", func(context.Context, jobs.Record) (string, error) {
		return "", errors.New("upstream 500")
	}))
	rec := f.create(t, "broken", "broken", recurrence.Interval{Every: time.Second}, 2)

	for i := 0; i < 2; i++ {
		f.clk.Advance(time.Second)
		n, _ := f.svc.Tick(context.Background())
		require.Equal(t, 1, n)
		f.settled(t)
	}

	got := f.get(t, rec.ID)
	assert.False(t, got.IsActive)
	assert.Nil(t, got.NextRunAt)
	assert.Equal(t, 2, got.FailureCount)
	assert.Equal(t, jobs.DisabledMaxRetries, got.DisabledReason)
	assert.Equal(t, "upstream 500", got.LastRunError)

	f.clk.Advance(time.Hour)
	n, _ := f.svc.Tick(context.Background())
	assert.Equal(t, 0, n)

	var disabled bool
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.JobDisabled {
			disabled = true
		}
	}
	assert.True(t, disabled)
}

func TestCancelWhileInFlight(t *testing.T) {
	f := newFixture(t, nil, nil)
	g := newGate()
	require.NoError(t, f.exec.Register("slow", g.handler))
	rec := f.create(t, "slow", "slow", recurrence.Interval{Every: time.Second}, 0)

	f.clk.Advance(time.Second)
	_, _ = f.svc.Tick(context.Background())
	<-g.entered

	cancelled, err := f.svc.CancelJob(context.Background(), rec.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, cancelled.Status)

	close(g.release)
	f.settled(t)

	got := f.get(t, rec.ID)
	assert.Equal(t, jobs.StatusCancelled, got.Status)
	assert.False(t, got.IsActive)
	assert.Nil(t, got.NextRunAt)
	assert.Equal(t, 1, got.RunCount, "in-flight outcome still recorded")
	assert.Equal(t, "no longer needed", got.CancelReason)

	_, err = f.svc.CancelJob(context.Background(), rec.ID, "again")
	assert.ErrorIs(t, err, jobs.ErrCancelled)
	_, err = f.svc.CancelJob(context.Background(), "missing", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDrainedRequestRecordsFailure(t *testing.T) {
	f := newFixture(t, map[string]int{"default": 1}, nil)
	g := newGate()
	require.NoError(t, f.exec.Register("slow", g.handler))
	a := f.create(t, "a", "slow", recurrence.Interval{Every: time.Second}, 0)
	b := f.create(t, "b", "slow", recurrence.Interval{Every: time.Second}, 0)

	f.clk.Advance(time.Second)
	n, _ := f.svc.Tick(context.Background())
	require.Equal(t, 2, n)
	first := <-g.entered

	assert.Equal(t, 1, f.queues.Get("default").Drain())
	close(g.release)
	f.settled(t)

	waited := b
	if first == "b" {
		waited = a
	}
	got := f.get(t, waited.ID)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Contains(t, got.LastRunError, admission.ErrQueueCleared.Error())
	assert.Equal(t, 1, got.FailureCount)
}

func TestPriorityAndQueueRouting(t *testing.T) {
	f := newFixture(t, map[string]int{"default": 1, "search": 1}, func(rec jobs.Record) admission.Priority {
		if rec.OrgID == "vip" {
			return admission.High
		}
		return admission.Normal
	})
	g := newGate()
	require.NoError(t, f.exec.Register("slow", g.handler))
	_, err := f.svc.CreateJob(context.Background(), jobs.NewParams{
		Name: "vip", Kind: "slow", OrgID: "vip", Queue: "search",
		Schedule: recurrence.Interval{Every: time.Second},
	})
	require.NoError(t, err)

	f.clk.Advance(time.Second)
	_, _ = f.svc.Tick(context.Background())
	<-g.entered

	inf := f.svc.InFlight()
	require.Len(t, inf, 1)
	assert.Equal(t, "search", inf[0].Queue)
	assert.Equal(t, admission.High, inf[0].Priority)
	assert.Equal(t, 1, f.queues.Get("search").Status().InFlight)

	close(g.release)
	f.settled(t)
}

type blockingStore struct {
	storage.Store
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Load(ctx context.Context, f storage.Filter) ([]jobs.Record, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.Store.Load(ctx, f)
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	reg, err := admission.NewRegistry("default", map[string]int{"default": 1})
	require.NoError(t, err)
	bs := &blockingStore{Store: storage.NewMemory(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	svc, err := New(Config{Enabled: true}, Deps{Store: bs, Queues: reg, Executor: executor.New(executor.Config{}, logx.Nop())})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _ = svc.Tick(context.Background())
		close(done)
	}()
	<-bs.entered

	n, err := svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, uint64(1), svc.Snapshot().TicksSkipped)

	close(bs.release)
	<-done
}

type failingStore struct{ storage.Store }

func (failingStore) Load(context.Context, storage.Filter) ([]jobs.Record, error) {
	return nil, errors.New("disk on fire")
}

func TestTickReportsStoreErrors(t *testing.T) {
	reg, err := admission.NewRegistry("default", map[string]int{"default": 1})
	require.NoError(t, err)
	svc, err := New(Config{}, Deps{Store: failingStore{storage.NewMemory()}, Queues: reg, Executor: executor.New(executor.Config{}, logx.Nop())})
	require.NoError(t, err)

	_, err = svc.Tick(context.Background())
	assert.Error(t, err)
	_, err = svc.Tick(context.Background())
	assert.Error(t, err)
}

func TestUpsertJob(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	rec, created, err := f.svc.UpsertJob(ctx, jobs.NewParams{Name: "seed", Kind: "noop", Schedule: recurrence.Interval{Every: time.Minute}})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := f.svc.UpsertJob(ctx, jobs.NewParams{Name: "seed", Kind: "log.echo", Schedule: recurrence.Interval{Every: time.Hour}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, "log.echo", again.Kind)
	assert.True(t, again.NextRunAt.Equal(t0.Add(time.Hour)))

	byName, err := f.svc.JobByName(ctx, "seed")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byName.ID)

	all, err := f.svc.Jobs(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, _, err = f.svc.UpsertJob(ctx, jobs.NewParams{Name: "bad", Kind: "noop", Schedule: recurrence.Cron{Expr: "not a cron"}})
	assert.ErrorIs(t, err, recurrence.ErrScheduling)
}

func TestStartStopLoop(t *testing.T) {
	f := newFixture(t, nil, nil)
	ran := make(chan struct{}, 1)
	require.NoError(t, f.exec.Register("ping", func(context.Context, jobs.Record) (string, error) {
		select {
		case ran <- struct{}{}:
		default:
		}
		return "pong", nil
	}))
	f.create(t, "ping", "ping", recurrence.Interval{Every: time.Second}, 0)
	f.clk.Advance(time.Second)

	f.svc.Apply(Config{Enabled: true, Tick: 10 * time.Millisecond, Timezone: "UTC", DefaultQueue: "default"})
	f.svc.Start(context.Background())

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never executed the due job")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Stop(ctx))
	assert.Empty(t, f.svc.InFlight())
}

func TestStopCancelsAfterDeadline(t *testing.T) {
	f := newFixture(t, nil, nil)
	g := newGate()
	require.NoError(t, f.exec.Register("slow", g.handler))
	rec := f.create(t, "slow", "slow", recurrence.Interval{Every: time.Second}, 0)
	f.clk.Advance(time.Second)
	_, _ = f.svc.Tick(context.Background())
	<-g.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.svc.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := f.get(t, rec.ID)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Empty(t, f.svc.InFlight())
}

func TestKeyedMutexForgetsIdleKeys(t *testing.T) {
	t.Parallel()

	var k keyedMutex
	unlock := k.Lock("a")
	if k.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", k.Len())
	}
	unlock()
	if k.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", k.Len())
	}
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	rec := f.create(t, "stale", "noop", recurrence.Interval{Every: time.Minute}, 3)
	require.NoError(t, f.svc.Lifecycle().Start(&rec))
	require.NoError(t, f.store.Save(ctx, rec))
	f.create(t, "idle", "noop", recurrence.Interval{Every: time.Minute}, 3)

	n, err := f.svc.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.get(t, rec.ID)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, 1, got.FailureCount)
	assert.True(t, got.IsActive)
	require.NotNil(t, got.NextRunAt)
	assert.Contains(t, got.LastRunError, "interrupted")

	n, err = f.svc.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// flakySaveStore fails the next n writes of a settled (non-running) record.
type flakySaveStore struct {
	storage.Store
	mu    sync.Mutex
	fails int
}

func (s *flakySaveStore) failNext(n int) {
	s.mu.Lock()
	s.fails = n
	s.mu.Unlock()
}

func (s *flakySaveStore) Save(ctx context.Context, rec jobs.Record) error {
	s.mu.Lock()
	fail := rec.Status != jobs.StatusRunning && s.fails > 0
	if fail {
		s.fails--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("write conflict")
	}
	return s.Store.Save(ctx, rec)
}

func TestSettleRetriesFailedSave(t *testing.T) {
	clk := &clock{t: t0}
	reg, err := admission.NewRegistry("default", map[string]int{"default": 1})
	require.NoError(t, err)
	ex := executor.New(executor.Config{}, logx.Nop())
	require.NoError(t, ex.Register("noop", executor.Noop))
	store := &flakySaveStore{Store: storage.NewMemory()}
	svc, err := New(Config{Enabled: true, Timezone: "UTC"}, Deps{Store: store, Queues: reg, Executor: ex, Clock: clk.Now})
	require.NoError(t, err)
	ctx := context.Background()
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_ = svc.Stop(stopCtx)
		_ = reg.Close(stopCtx)
	})

	rec, err := svc.CreateJob(ctx, jobs.NewParams{Name: "digest", Kind: "noop", Schedule: recurrence.Interval{Every: time.Minute}})
	require.NoError(t, err)
	store.failNext(2)

	clk.Advance(time.Minute)
	n, err := svc.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Eventually(t, func() bool { return len(svc.InFlight()) == 0 }, 3*time.Second, 5*time.Millisecond)

	got, err := svc.Job(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.RunCount)
	require.Len(t, got.History, 1, "a retried write must not record the run twice")

	clk.Advance(time.Minute)
	n, err = svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "job is scheduled again after the write recovered")
	require.Eventually(t, func() bool { return len(svc.InFlight()) == 0 }, 3*time.Second, 5*time.Millisecond)
	got, err = svc.Job(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RunCount)
}

func TestSettleGivesUpOnStop(t *testing.T) {
	clk := &clock{t: t0}
	reg, err := admission.NewRegistry("default", map[string]int{"default": 1})
	require.NoError(t, err)
	ex := executor.New(executor.Config{}, logx.Nop())
	require.NoError(t, ex.Register("noop", executor.Noop))
	store := &flakySaveStore{Store: storage.NewMemory()}
	svc, err := New(Config{Enabled: true, Timezone: "UTC"}, Deps{Store: store, Queues: reg, Executor: ex, Clock: clk.Now})
	require.NoError(t, err)
	ctx := context.Background()
	defer reg.Close(ctx)

	rec, err := svc.CreateJob(ctx, jobs.NewParams{Name: "digest", Kind: "noop", Schedule: recurrence.Interval{Every: time.Minute}})
	require.NoError(t, err)
	store.failNext(1 << 20)

	clk.Advance(time.Minute)
	_, err = svc.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, svc.InFlight(), 1, "job stays in flight while its outcome is unrecorded")

	stopCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.ErrorIs(t, svc.Stop(stopCtx), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Empty(t, svc.InFlight())

	store.failNext(0)
	n, err := svc.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := svc.Job(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
}
