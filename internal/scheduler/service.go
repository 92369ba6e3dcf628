package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"liase/internal/admission"
	"liase/internal/eventbus"
	"liase/internal/jobs"
	"liase/internal/recurrence"
	"liase/internal/runtime/supervisor"
	logx "liase/pkg/logx"
)

func New(cfg Config, d Deps) (*Service, error) {
	if d.Store == nil || d.Queues == nil || d.Executor == nil {
		return nil, errors.New("scheduler: store, queues and executor are required")
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.PriorityFor == nil {
		d.PriorityFor = func(jobs.Record) admission.Priority { return admission.Normal }
	}
	s := &Service{
		log:      d.Log,
		bus:      d.Bus,
		store:    d.Store,
		queues:   d.Queues,
		exec:     d.Executor,
		prio:     d.PriorityFor,
		now:      d.Clock,
		eval:     recurrence.Evaluator{Cron: d.Cron},
		cfg:      cfg,
		reset:    make(chan struct{}, 1),
		inflight: map[string]InFlight{},
		lastWarn: map[string]time.Time{},
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.life.Store(jobs.NewLifecycle(s.eval, s.now, loadLocation(cfg.Timezone, s.log)))
	return s, nil
}

// Lifecycle returns the lifecycle bound to the current default timezone.
func (s *Service) Lifecycle() *jobs.Lifecycle { return s.life.Load() }

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the tick period, timezone and default queue at runtime.
// Toggling Enabled pauses or resumes ticking without stopping the loop.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	if strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.life.Store(jobs.NewLifecycle(s.eval, s.now, loadLocation(cfg.Timezone, s.log)))
	}
	if old.Tick != cfg.Tick {
		select {
		case s.reset <- struct{}{}:
		default:
		}
	}
	s.log.Info("scheduler config applied",
		logx.Bool("enabled", cfg.Enabled),
		logx.Duration("tick", tickOf(cfg)),
		logx.String("tz", strings.TrimSpace(cfg.Timezone)),
	)
}

// Start runs the tick loop under a supervisor until Stop or ctx ends.
// The first tick happens immediately.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	if s.runCtx.Err() != nil {
		s.runCtx, s.runCancel = context.WithCancel(context.Background())
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.GoRestart("scheduler.tick", s.loop, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	s.log.Info("service started", logx.Bool("enabled", s.cfg.Enabled), logx.Duration("tick", tickOf(s.cfg)))
}

// Stop ends the tick loop and waits for submitted executions to settle.
// When ctx ends first, running executions are cancelled and their
// outcomes are still recorded before Stop returns.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		_ = sup.Stop(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.waiters.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.mu.Lock()
		s.runCancel()
		s.mu.Unlock()
		s.log.Warn("stop deadline reached; cancelling in-flight jobs", logx.Int("in_flight", len(s.InFlight())))
		// Cancelled executions return promptly; their outcomes are still saved.
		select {
		case <-done:
		case <-time.After(completeTimeout):
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	return err
}

func (s *Service) execContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

func (s *Service) loop(ctx context.Context) error {
	t := time.NewTicker(tickOf(s.config()))
	defer t.Stop()

	s.tickIfEnabled(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.reset:
			t.Reset(tickOf(s.config()))
		case <-t.C:
			s.tickIfEnabled(ctx)
		}
	}
}

func (s *Service) tickIfEnabled(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	// Errors are reported (throttled) inside Tick.
	_, _ = s.Tick(ctx)
}

func tickOf(cfg Config) time.Duration {
	if cfg.Tick <= 0 {
		return DefaultTick
	}
	return cfg.Tick
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
