package jobs

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"liase/internal/recurrence"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// RunStatus is the outcome of one execution.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

const (
	// HistorySize bounds Record.History; oldest entries are evicted first.
	HistorySize = 50
	// DefaultMaxRetries applies when a job is created without MaxRetries.
	DefaultMaxRetries = 3

	maxTextLen = 4096
)

// Execution is one entry of a job's execution history.
type Execution struct {
	ExecutedAt    time.Time `json:"executed_at"`
	Status        RunStatus `json:"status"`
	DurationMs    int64     `json:"duration_ms"`
	Error         string    `json:"error,omitempty"`
	ResultSummary string    `json:"result_summary,omitempty"`
}

// Record is one schedulable unit of work. It is persisted as a whole;
// only Lifecycle mutates its state fields.
type Record struct {
	ID     string
	Name   string
	Kind   string
	Config json.RawMessage
	OrgID  string
	Queue  string

	Schedule recurrence.Spec
	Timezone string
	Timeout  time.Duration

	IsActive bool
	Status   Status

	LastRunAt         *time.Time
	LastRunStatus     RunStatus
	LastRunDurationMs int64
	LastRunError      string
	NextRunAt         *time.Time

	RunCount     int
	FailureCount int
	MaxRetries   int

	History []Execution

	DisabledReason string
	CancelReason   string
	CancelledAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Due reports whether the scheduler should start rec at now.
func (r *Record) Due(now time.Time) bool {
	return r.IsActive && r.Status != StatusRunning && r.NextRunAt != nil && !r.NextRunAt.After(now)
}

func (r Record) Clone() Record {
	cp := r
	if r.Config != nil {
		cp.Config = append(json.RawMessage(nil), r.Config...)
	}
	if r.History != nil {
		cp.History = append([]Execution(nil), r.History...)
	}
	if cal, ok := r.Schedule.(recurrence.Calendar); ok && cal.Days != nil {
		cal.Days = append([]time.Weekday(nil), cal.Days...)
		cp.Schedule = cal
	}
	cp.LastRunAt = cloneTime(r.LastRunAt)
	cp.NextRunAt = cloneTime(r.NextRunAt)
	cp.CancelledAt = cloneTime(r.CancelledAt)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// truncate cuts s to at most maxTextLen bytes on a rune boundary.
func truncate(s string) string {
	if len(s) <= maxTextLen {
		return s
	}
	cut := maxTextLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

type recordJSON struct {
	ID     string              `json:"id"`
	Name   string              `json:"name"`
	Kind   string              `json:"kind"`
	Config json.RawMessage     `json:"config,omitempty"`
	OrgID  string              `json:"org_id,omitempty"`
	Queue  string              `json:"queue,omitempty"`
	Sched  recurrence.Document `json:"schedule"`
	TZ     string              `json:"timezone,omitempty"`
	TOms   int64               `json:"timeout_ms,omitempty"`

	IsActive bool   `json:"is_active"`
	Status   Status `json:"status"`

	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus     RunStatus  `json:"last_run_status,omitempty"`
	LastRunDurationMs int64      `json:"last_run_duration_ms,omitempty"`
	LastRunError      string     `json:"last_run_error,omitempty"`
	NextRunAt         *time.Time `json:"next_run_at"`

	RunCount     int `json:"run_count"`
	FailureCount int `json:"failure_count"`
	MaxRetries   int `json:"max_retries"`

	History []Execution `json:"history,omitempty"`

	DisabledReason string     `json:"disabled_reason,omitempty"`
	CancelReason   string     `json:"cancel_reason,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		ID: r.ID, Name: r.Name, Kind: r.Kind, Config: r.Config, OrgID: r.OrgID, Queue: r.Queue,
		Sched: recurrence.Encode(r.Schedule), TZ: r.Timezone, TOms: r.Timeout.Milliseconds(),
		IsActive: r.IsActive, Status: r.Status,
		LastRunAt: r.LastRunAt, LastRunStatus: r.LastRunStatus, LastRunDurationMs: r.LastRunDurationMs,
		LastRunError: r.LastRunError, NextRunAt: r.NextRunAt,
		RunCount: r.RunCount, FailureCount: r.FailureCount, MaxRetries: r.MaxRetries,
		History:        r.History,
		DisabledReason: r.DisabledReason, CancelReason: r.CancelReason, CancelledAt: r.CancelledAt,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	})
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var j recordJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	spec, err := recurrence.Decode(j.Sched)
	if err != nil {
		return err
	}
	*r = Record{
		ID: j.ID, Name: j.Name, Kind: j.Kind, Config: j.Config, OrgID: j.OrgID, Queue: j.Queue,
		Schedule: spec, Timezone: j.TZ, Timeout: time.Duration(j.TOms) * time.Millisecond,
		IsActive: j.IsActive, Status: j.Status,
		LastRunAt: j.LastRunAt, LastRunStatus: j.LastRunStatus, LastRunDurationMs: j.LastRunDurationMs,
		LastRunError: j.LastRunError, NextRunAt: j.NextRunAt,
		RunCount: j.RunCount, FailureCount: j.FailureCount, MaxRetries: j.MaxRetries,
		History:        j.History,
		DisabledReason: j.DisabledReason, CancelReason: j.CancelReason, CancelledAt: j.CancelledAt,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
	return nil
}
