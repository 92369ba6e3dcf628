package app

import (
	"context"
	"slices"

	"liase/internal/config"
	logx "liase/pkg/logx"
)

// reloadLoop applies published configs until ctx ends. Bursts are
// coalesced so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, last *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig pushes a validated config into the running services.
// Storage changes only take effect after a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	a.sd.Reloading()
	defer a.sd.Ready()

	sections, attrs, jobsChanged := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.Strings("changed", sections)}, attrs...)
	a.log.Debug("config change summary", fields...)

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	a.logs.Apply(a.opts.logging(next))

	if err := a.queues.Apply(next.EffectiveQueues()); err != nil {
		a.log.Warn("queue capacities partially applied", logx.Err(err))
	}

	if execCfg, limits, err := mapExecutorConfig(next); err != nil {
		a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
	} else {
		a.exec.Apply(execCfg, limits)
	}

	if ttl, _, err := mapCacheConfig(next); err != nil {
		a.log.Warn("invalid cache config; keeping previous", logx.Err(err))
	} else {
		// Priorities of waiting requests were fixed at submit; new ones see the new table.
		a.orgs.Apply(next.Organizations, next.Scheduler.Timezone, ttl)
	}

	if schedCfg, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
	}

	if slices.Contains(sections, "admin") {
		if adminCfg, err := mapAdminConfig(next); err != nil {
			a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
		} else {
			a.admin.Reconfigure(ctx, adminCfg)
		}
	}

	// Seed jobs inherit organization timezones, so an org change reseeds all of them.
	orgsChanged := slices.Contains(sections, "organizations")
	if len(jobsChanged) > 0 || orgsChanged {
		var only map[string]bool
		if !orgsChanged {
			only = make(map[string]bool, len(jobsChanged))
			for _, name := range jobsChanged {
				only[name] = true
			}
		}
		if err := a.seed(ctx, next, only); err != nil {
			a.log.Warn("seed jobs partially applied", logx.Err(err))
		}
		a.log.Debug("seed job changes", logx.Any("jobs", jobsChanged))
	}

	a.log.Info("config reloaded", fields...)
}
