package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"liase/internal/config"
	"liase/internal/executor"
	"liase/internal/observability/admin"
	"liase/internal/orgconfig"
	"liase/internal/recurrence"
	logx "liase/pkg/logx"
)

// ValidateConfig checks what config.Validate can't: storage mapping, seed
// schedules, handler kinds and organization priorities. Kinds are those
// of the built-in handlers plus any registered through opts.
func ValidateConfig(cfg *config.Config, opts ...Option) error {
	o := buildOptions(opts)
	exec := executor.New(executor.Config{}, logx.Nop())
	if err := registerHandlers(exec, logx.Nop(), o); err != nil {
		return err
	}
	return validateConfig(cfg, exec.Has, o.now())
}

func validateConfig(cfg *config.Config, known func(kind string) bool, now time.Time) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapExecutorConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapCacheConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if ac, err := mapAdminConfig(cfg); err != nil {
		errs = append(errs, err)
	} else if ac.Enabled {
		if err := admin.CheckExposure(ac); err != nil {
			errs = append(errs, fmt.Errorf("admin: %w", err))
		}
	}
	if err := orgconfig.Validate(cfg.Organizations); err != nil {
		errs = append(errs, err)
	}
	for kind := range cfg.Executor.RateLimits {
		if !known(kind) {
			errs = append(errs, fmt.Errorf("executor.rate_limits.%s: no handler for kind", kind))
		}
	}

	queues := cfg.EffectiveQueues()
	var eval recurrence.Evaluator
	for _, jc := range cfg.Jobs {
		p, err := jobParams(cfg, jc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		// A one-shot seed may already have fired; upsert keeps it as is.
		if _, once := p.Schedule.(recurrence.Once); !once {
			if err := eval.Validate(p.Schedule, now); err != nil {
				errs = append(errs, fmt.Errorf("jobs.%s.schedule: %w", p.Name, err))
			}
		}
		if !known(p.Kind) {
			errs = append(errs, fmt.Errorf("jobs.%s.kind: no handler for %q", p.Name, p.Kind))
		}
		if p.Queue != "" {
			if _, ok := queues[p.Queue]; !ok {
				errs = append(errs, fmt.Errorf("jobs.%s.queue: unknown queue %q", p.Name, p.Queue))
			}
		}
	}
	return errors.Join(errs...)
}

// validator is installed on the config manager so a bad reload is
// rejected before anything is applied.
func (a *App) validator(ctx context.Context, cfg *config.Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return validateConfig(cfg, a.exec.Has, a.now())
}
