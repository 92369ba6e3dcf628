package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the tick loop that finds due jobs.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Queues declares one admission queue per downstream dependency.
	// A queue named by scheduler.default_queue is created when omitted.
	Queues map[string]QueueConfig `json:"queues,omitempty"`

	Executor ExecutorConfig `json:"executor"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Cache    CacheConfig    `json:"cache"`

	Organizations map[string]OrganizationConfig `json:"organizations,omitempty"`

	Admin AdminConfig `json:"admin"`

	// Jobs are seeded at startup and upserted by name.
	Jobs []JobConfig `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the orchestration loop.
//
// Defaults (when fields are omitted/zero):
//   - tick: "5s"
//   - timezone: "UTC"
//   - default_queue: "default"
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Tick is a Go duration string (e.g. "5s", "1m").
	Tick         string `json:"tick,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	DefaultQueue string `json:"default_queue,omitempty"`
}

type QueueConfig struct {
	Capacity int `json:"capacity"`
}

// ExecutorConfig controls payload execution.
//
// DefaultTimeout applies to jobs without their own timeout. "0s" disables it.
type ExecutorConfig struct {
	DefaultTimeout string               `json:"default_timeout,omitempty"`
	RateLimits     map[string]RateLimit `json:"rate_limits,omitempty"`
}

// RateLimit throttles one job kind (e.g. a rate-limited search API).
type RateLimit struct {
	PerSec float64 `json:"per_sec"`
	Burst  int     `json:"burst,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./liase.db" }
//	"storage": { "driver": "mongodb", "uri": "mongodb://localhost:27017", "database": "liase" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	URI        string `json:"uri,omitempty"` // mongodb; never logged
	Database   string `json:"database,omitempty"`
	Collection string `json:"collection,omitempty"`
}

// CacheConfig bounds the process-wide organization settings cache.
type CacheConfig struct {
	TTL        string `json:"ttl,omitempty"`
	MaxEntries int    `json:"max_entries,omitempty"`
}

// AdminConfig controls the operator HTTP endpoint (/healthz, /status, pprof).
//
// Security:
//   - Keep it bound to localhost (default "127.0.0.1:6060").
//   - A non-loopback addr requires token unless allow_insecure is set.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

// OrganizationConfig holds per-organization scheduling settings.
type OrganizationConfig struct {
	Timezone string `json:"timezone,omitempty"`
	// Priority is one of low, normal, high.
	Priority string `json:"priority,omitempty"`
	// Kinds overrides Priority per job kind.
	Kinds map[string]string `json:"kinds,omitempty"`
}

type JobConfig struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Schedule   string `json:"schedule"`
	Timezone   string `json:"timezone,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
	OrgID      string `json:"org_id,omitempty"`
	Queue      string `json:"queue,omitempty"`

	Config json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields inside a job entry so typos
// ("schedual") fail the reload instead of silently seeding a broken job.
func (j *JobConfig) UnmarshalJSON(b []byte) error {
	type plain JobConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*j = JobConfig(p)
	return nil
}
