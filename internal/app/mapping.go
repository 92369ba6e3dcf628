package app

import (
	"fmt"
	"strings"
	"time"

	"liase/internal/config"
	"liase/internal/executor"
	"liase/internal/jobs"
	"liase/internal/observability/admin"
	"liase/internal/recurrence"
	"liase/internal/scheduler"
	logx "liase/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, config.DefaultTick)
	if err != nil {
		return scheduler.Config{}, err
	}
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	return scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled,
		Tick:         tick,
		Timezone:     tz,
		DefaultQueue: cfg.Scheduler.QueueName(),
	}, nil
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, map[string]executor.RateLimit, error) {
	timeout, err := config.ParseDurationField("executor.default_timeout", cfg.Executor.DefaultTimeout)
	if err != nil {
		return executor.Config{}, nil, err
	}
	limits := make(map[string]executor.RateLimit, len(cfg.Executor.RateLimits))
	for kind, rl := range cfg.Executor.RateLimits {
		limits[kind] = executor.RateLimit{PerSec: rl.PerSec, Burst: rl.Burst}
	}
	return executor.Config{DefaultTimeout: timeout}, limits, nil
}

func mapCacheConfig(cfg *config.Config) (ttl time.Duration, entries int, err error) {
	ttl, err = config.ParseDurationOrDefault("cache.ttl", cfg.Cache.TTL, config.DefaultCacheTTL)
	if err != nil {
		return 0, 0, err
	}
	entries = cfg.Cache.MaxEntries
	if entries <= 0 {
		entries = config.DefaultCacheEntries
	}
	return ttl, entries, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	rt, err := config.ParseDurationOrDefault("admin.read_timeout", cfg.Admin.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	// pprof profiles stream for up to 30s by default.
	wt, err := config.ParseDurationOrDefault("admin.write_timeout", cfg.Admin.WriteTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	addr := strings.TrimSpace(cfg.Admin.Addr)
	if addr == "" {
		addr = admin.DefaultAddr
	}
	return admin.Config{
		Enabled:       cfg.Admin.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(cfg.Admin.Token),
		AllowInsecure: cfg.Admin.AllowInsecure,
		Pprof:         cfg.Admin.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}

// jobParams converts a seed job. Jobs without a timezone inherit their
// organization's; with neither, the scheduler default applies at run time.
func jobParams(cfg *config.Config, jc config.JobConfig) (jobs.NewParams, error) {
	name := strings.TrimSpace(jc.Name)
	spec, err := recurrence.ParseSpec(jc.Schedule)
	if err != nil {
		return jobs.NewParams{}, fmt.Errorf("jobs.%s.schedule: %w", name, err)
	}
	timeout, err := config.ParseDurationField("jobs."+name+".timeout", jc.Timeout)
	if err != nil {
		return jobs.NewParams{}, err
	}
	tz := strings.TrimSpace(jc.Timezone)
	if tz == "" && jc.OrgID != "" {
		if oc, ok := cfg.Organizations[jc.OrgID]; ok {
			tz = strings.TrimSpace(oc.Timezone)
		}
	}
	return jobs.NewParams{
		Name:       name,
		Kind:       strings.TrimSpace(jc.Kind),
		Config:     []byte(jc.Config),
		OrgID:      strings.TrimSpace(jc.OrgID),
		Queue:      strings.TrimSpace(jc.Queue),
		Schedule:   spec,
		Timezone:   tz,
		Timeout:    timeout,
		MaxRetries: jc.MaxRetries,
	}, nil
}
