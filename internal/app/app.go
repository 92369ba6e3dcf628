package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"liase/internal/admission"
	"liase/internal/cache"
	"liase/internal/config"
	"liase/internal/eventbus"
	"liase/internal/executor"
	"liase/internal/observability/admin"
	"liase/internal/orgconfig"
	"liase/internal/runtime/supervisor"
	"liase/internal/scheduler"
	"liase/internal/storage"
	_ "liase/internal/storage/mongostore"
	logx "liase/pkg/logx"
	"liase/pkg/systemdmanager"
)

const cachePruneEvery = time.Minute

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	queues *admission.Registry
	exec   *executor.Service
	cache  *cache.Cache[orgconfig.Settings]
	orgs   *orgconfig.Service
	sched  *scheduler.Service
	sd     *systemdmanager.Notifier
	admin  *admin.Server

	opts options
}

type Option func(*options)

type options struct {
	handlers map[string]executor.Handler
	clock    func() time.Time
	quiet    bool
}

// WithHandler registers the handler of a job kind next to the built-ins.
func WithHandler(kind string, h executor.Handler) Option {
	return func(o *options) { o.handlers[kind] = h }
}

// WithClock injects the time source of the scheduler and its collaborators.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithQuietLogs keeps console logging off and raises the level to warn (CLI use).
func WithQuietLogs() Option {
	return func(o *options) { o.quiet = true }
}

func buildOptions(opts []Option) options {
	o := options{handlers: map[string]executor.Handler{}}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (o options) now() time.Time {
	if o.clock != nil {
		return o.clock()
	}
	return time.Now()
}

func (o options) logging(cfg *config.Config) logx.Config {
	lc := mapLogging(cfg)
	if o.quiet {
		// Only warnings reach the stderr fallback sink.
		lc.Console = false
		if logx.ParseLevel(lc.Level) < logx.LevelWarn {
			lc.Level = "warn"
		}
	}
	return lc
}

func registerHandlers(exec *executor.Service, log logx.Logger, o options) error {
	if err := executor.RegisterBuiltins(exec, log, nil); err != nil {
		return err
	}
	for kind, h := range o.handlers {
		if err := exec.Register(kind, h); err != nil {
			return err
		}
	}
	return nil
}

// New loads the config at cfgPath and wires every service. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (_ *App, err error) {
	o := buildOptions(opts)

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(o.logging(cfg))
	defer func() {
		if err != nil {
			_ = logSvc.Close()
		}
	}()
	root := log
	log = root.With(logx.Component("app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.Component("storage")))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()
	log.Info("storage opened", logx.String("driver", sc.Driver))

	qopts := []admission.Option{
		admission.WithLogger(root.With(logx.Component("admission"))),
		admission.WithBus(bus),
	}
	if o.clock != nil {
		qopts = append(qopts, admission.WithClock(o.clock))
	}
	queues, err := admission.NewRegistry(cfg.Scheduler.QueueName(), cfg.EffectiveQueues(), qopts...)
	if err != nil {
		return nil, err
	}

	execCfg, limits, err := mapExecutorConfig(cfg)
	if err != nil {
		return nil, err
	}
	exec := executor.New(execCfg, root.With(logx.Component("executor")))
	if o.clock != nil {
		exec.SetClock(o.clock)
	}
	if err := registerHandlers(exec, root.With(logx.Component("jobs")), o); err != nil {
		return nil, err
	}
	exec.Apply(execCfg, limits)

	if err := validateConfig(cfg, exec.Has, o.now()); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ttl, entries, err := mapCacheConfig(cfg)
	if err != nil {
		return nil, err
	}
	copts := []cache.Option[orgconfig.Settings]{cache.WithMaxEntries[orgconfig.Settings](entries)}
	if o.clock != nil {
		copts = append(copts, cache.WithClock[orgconfig.Settings](o.clock))
	}
	orgCache := cache.New[orgconfig.Settings](copts...)
	orgs := orgconfig.New(orgCache, ttl, root.With(logx.Component("orgconfig")))
	orgs.Apply(cfg.Organizations, cfg.Scheduler.Timezone, ttl)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(schedCfg, scheduler.Deps{
		Store:       store,
		Queues:      queues,
		Executor:    exec,
		Log:         root.With(logx.Component("scheduler")),
		PriorityFor: orgs.PriorityFor,
		Clock:       o.clock,
		Bus:         bus,
	})
	if err != nil {
		return nil, err
	}

	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		queues:  queues,
		exec:    exec,
		cache:   orgCache,
		orgs:    orgs,
		sched:   sched,
		sd:      systemdmanager.NewNotifier(root.With(logx.Component("systemd"))),
		opts:    o,
	}
	a.admin = admin.New(adminCfg, a.status, a.health, root.With(logx.Component("admin")))
	return a, nil
}

func (a *App) status(context.Context) (any, error) { return a.sched.Snapshot(), nil }

func (a *App) health() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if err := a.sup.Err(); err != nil {
		return err
	}
	return a.sup.Context().Err()
}

func (a *App) now() time.Time { return a.opts.now() }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Organizations() *orgconfig.Service { return a.orgs }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start seeds the configured jobs, recovers executions interrupted by a
// previous process, starts the scheduler and the hot-reload loop, then
// tells systemd the service is ready.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.logs.Logger().With(logx.Component("config")))
	a.cfgm.SetValidator(a.validator)

	cfg := a.cfgm.Get()
	if err := a.seed(ctx, cfg, nil); err != nil {
		return err
	}
	if _, err := a.sched.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}
	a.sched.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, cfg)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})
	a.sup.Go0("cache.prune", func(c context.Context) {
		t := time.NewTicker(cachePruneEvery)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if n := a.cache.Prune(); n > 0 {
					a.log.Debug("cache pruned", logx.Int("entries", n))
				}
			}
		}
	})

	if adminCfg, err := mapAdminConfig(cfg); err == nil {
		a.admin.Reconfigure(a.sup.Context(), adminCfg)
	}

	a.sd.Ready()
	a.log.Info("app started", logx.Int("jobs", len(cfg.Jobs)), logx.Bool("scheduler_enabled", cfg.Scheduler.Enabled))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Background loops unwind first; in-flight executions keep their own context.
	a.sup.Cancel()

	var errs []error
	errs = append(errs, a.step(ctx, "admin", 1*time.Second, func(c context.Context) error {
		a.admin.Stop(c)
		return nil
	}))
	errs = append(errs, a.step(ctx, "scheduler", 5*time.Second, a.sched.Stop))
	errs = append(errs, a.step(ctx, "queues", 2*time.Second, a.queues.Close))
	errs = append(errs, a.step(ctx, "storage", 1*time.Second, func(context.Context) error { return a.store.Close() }))
	errs = append(errs, a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait))

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// Close releases storage and log sinks of an app that was never started.
func (a *App) Close() error {
	err := a.store.Close()
	qctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = errors.Join(err, a.queues.Close(qctx))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return fmt.Errorf("stop %s: %w", name, context.DeadlineExceeded)
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			return fmt.Errorf("stop %s: %w", name, err)
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
		return fmt.Errorf("stop %s: %w", name, stepCtx.Err())
	}
}
