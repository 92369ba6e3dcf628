package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTick         = 5 * time.Second
	DefaultQueueName    = "default"
	DefaultQueueCap     = 4
	DefaultCacheTTL     = 5 * time.Minute
	DefaultCacheEntries = 1024
)

// QueueName returns the configured default queue name.
func (s SchedulerConfig) QueueName() string {
	if n := strings.TrimSpace(s.DefaultQueue); n != "" {
		return n
	}
	return DefaultQueueName
}

// EffectiveQueues returns the queue capacities with the default queue filled in.
func (c *Config) EffectiveQueues() map[string]int {
	out := make(map[string]int, len(c.Queues)+1)
	for name, q := range c.Queues {
		out[name] = q.Capacity
	}
	def := c.Scheduler.QueueName()
	if _, ok := out[def]; !ok {
		out[def] = DefaultQueueCap
	}
	return out
}

// Validate performs structural checks that don't need other packages.
// Schedules and priorities are checked by the app validator on top of this.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, err := ParseDurationOrDefault("scheduler.tick", c.Scheduler.Tick, DefaultTick); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	for name, q := range c.Queues {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("queues: empty queue name"))
		}
		if q.Capacity < 1 {
			errs = append(errs, fmt.Errorf("queues.%s.capacity: must be >= 1", name))
		}
	}

	if _, err := ParseDurationField("executor.default_timeout", c.Executor.DefaultTimeout); err != nil {
		errs = append(errs, err)
	}
	for kind, rl := range c.Executor.RateLimits {
		if rl.PerSec <= 0 {
			errs = append(errs, fmt.Errorf("executor.rate_limits.%s.per_sec: must be > 0", kind))
		}
		if rl.Burst < 0 {
			errs = append(errs, fmt.Errorf("executor.rate_limits.%s.burst: must be >= 0", kind))
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory", "file", "sqlite":
		case "mongodb", "mongo":
			if strings.TrimSpace(s.URI) == "" {
				errs = append(errs, errors.New("storage.uri: required for mongodb"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := ParseDurationField("cache.ttl", c.Cache.TTL); err != nil {
		errs = append(errs, err)
	}
	if c.Cache.MaxEntries < 0 {
		errs = append(errs, errors.New("cache.max_entries: must be >= 0"))
	}

	if _, err := ParseDurationField("admin.read_timeout", c.Admin.ReadTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("admin.write_timeout", c.Admin.WriteTimeout); err != nil {
		errs = append(errs, err)
	}

	for id, org := range c.Organizations {
		if tz := strings.TrimSpace(org.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				errs = append(errs, fmt.Errorf("organizations.%s.timezone: %w", id, err))
			}
		}
	}

	seen := map[string]struct{}{}
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name: duplicate job %q", path, name))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(j.Kind) == "" {
			errs = append(errs, fmt.Errorf("%s.kind: required", path))
		}
		if strings.TrimSpace(j.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule: required", path))
		}
		if j.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("%s.max_retries: must be >= 0", path))
		}
		if _, err := ParseDurationField(path+".timeout", j.Timeout); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
