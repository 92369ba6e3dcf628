package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"liase/internal/jobs"
	logx "liase/pkg/logx"
)

var (
	ErrTimeout       = errors.New("execution timed out")
	ErrUnknownKind   = errors.New("no handler registered for job kind")
	ErrDuplicateKind = errors.New("handler already registered")
)

// Handler performs the work of one job kind. The summary is stored in the
// job's execution history.
type Handler func(ctx context.Context, rec jobs.Record) (summary string, err error)

// Outcome is the reported result of one execution. Failures are values.
type Outcome struct {
	Success  bool
	Duration time.Duration
	Err      error
	Summary  string
}

type Config struct {
	// DefaultTimeout applies to jobs without their own Timeout. 0 disables it.
	DefaultTimeout time.Duration
}

type entry struct {
	handler Handler
	limiter *rate.Limiter
}

type Service struct {
	log logx.Logger
	now func() time.Time

	mu       sync.RWMutex
	cfg      Config
	handlers map[string]*entry
}

type RegisterOption func(*entry)

// WithRateLimit spaces executions of a kind to perSec with the given burst.
func WithRateLimit(perSec float64, burst int) RegisterOption {
	return func(e *entry) { e.limiter = newLimiter(perSec, burst) }
}

func newLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{
		log:      log,
		now:      time.Now,
		cfg:      cfg,
		handlers: map[string]*entry{},
	}
}

// SetClock injects the time source used for durations.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) Register(kind string, h Handler, opts ...RegisterOption) error {
	kind = strings.TrimSpace(kind)
	if kind == "" || h == nil {
		return fmt.Errorf("executor: kind and handler required")
	}
	e := &entry{handler: h}
	for _, o := range opts {
		o(e)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	s.handlers[kind] = e
	return nil
}

// Apply swaps the default timeout and per-kind rate limits (hot reload).
// Kinds missing from limits become unlimited.
func (s *Service) Apply(cfg Config, limits map[string]RateLimit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	for kind, e := range s.handlers {
		rl, ok := limits[kind]
		if !ok {
			e.limiter = nil
			continue
		}
		if e.limiter != nil && float64(e.limiter.Limit()) == rl.PerSec && e.limiter.Burst() == max(rl.Burst, 1) {
			continue
		}
		e.limiter = newLimiter(rl.PerSec, rl.Burst)
	}
}

// RateLimit mirrors the config section for Apply.
type RateLimit struct {
	PerSec float64
	Burst  int
}

func (s *Service) Kinds() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.handlers))
	for k := range s.handlers {
		out = append(out, k)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *Service) Has(kind string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handlers[kind]
	return ok
}

// Execute runs rec's handler under its timeout. Rate-limit waiting counts
// toward the timeout. A handler that ignores ctx keeps running in the
// background after the timeout is reported.
func (s *Service) Execute(ctx context.Context, rec jobs.Record) Outcome {
	start := s.now()
	out := s.execute(ctx, rec)
	out.Duration = s.now().Sub(start)
	out.Success = out.Err == nil
	return out
}

func (s *Service) execute(ctx context.Context, rec jobs.Record) Outcome {
	s.mu.RLock()
	e := s.handlers[rec.Kind]
	timeout := s.cfg.DefaultTimeout
	var handler Handler
	var limiter *rate.Limiter
	if e != nil {
		handler, limiter = e.handler, e.limiter
	}
	s.mu.RUnlock()

	if handler == nil {
		return Outcome{Err: fmt.Errorf("%w: %q", ErrUnknownKind, rec.Kind)}
	}
	if rec.Timeout > 0 {
		timeout = rec.Timeout
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, timeout, fmt.Errorf("%w after %s", ErrTimeout, timeout))
		defer cancel()
	}

	if limiter != nil {
		if err := limiter.Wait(runCtx); err != nil {
			// Wait fails early when the reservation would outlive the deadline.
			if timeout > 0 && runCtx.Err() == nil {
				return Outcome{Err: fmt.Errorf("%w: rate limit wait exceeds %s", ErrTimeout, timeout)}
			}
			return Outcome{Err: s.ctxErr(runCtx, fmt.Errorf("rate limit wait: %w", err))}
		}
	}

	type result struct {
		summary string
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("job.panic", logx.String("job", rec.Name), logx.String("kind", rec.Kind), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
				r = result{err: fmt.Errorf("panic: %v", p)}
			}
			resCh <- r
		}()
		r.summary, r.err = handler(runCtx, rec.Clone())
	}()

	select {
	case r := <-resCh:
		if r.err != nil && runCtx.Err() != nil {
			r.err = s.ctxErr(runCtx, r.err)
		}
		return Outcome{Err: r.err, Summary: r.summary}
	case <-runCtx.Done():
		return Outcome{Err: s.ctxErr(runCtx, runCtx.Err())}
	}
}

// ctxErr prefers the timeout cause so callers can match ErrTimeout.
func (s *Service) ctxErr(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, ErrTimeout) {
		return cause
	}
	return err
}
