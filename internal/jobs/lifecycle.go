package jobs

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"liase/internal/recurrence"
)

// Lifecycle applies state transitions to records. It never reads the wall
// clock directly; Now is injected.
type Lifecycle struct {
	Eval recurrence.Evaluator
	Now  func() time.Time
	// Location is used for jobs without their own Timezone.
	Location *time.Location

	locs sync.Map // tz name -> *time.Location
}

func NewLifecycle(eval recurrence.Evaluator, now func() time.Time, loc *time.Location) *Lifecycle {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Lifecycle{Eval: eval, Now: now, Location: loc}
}

func (l *Lifecycle) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

// location resolves a job's timezone; unknown names fall back to the default.
func (l *Lifecycle) location(tz string) *time.Location {
	def := l.Location
	if def == nil {
		def = time.UTC
	}
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return def
	}
	if v, ok := l.locs.Load(tz); ok {
		return v.(*time.Location)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return def
	}
	l.locs.Store(tz, loc)
	return loc
}

// NewParams describes a job to create.
type NewParams struct {
	Name       string
	Kind       string
	Config     []byte
	OrgID      string
	Queue      string
	Schedule   recurrence.Spec
	Timezone   string
	Timeout    time.Duration
	MaxRetries int
}

// New validates p and returns a pending, active record with its first
// NextRunAt computed. Malformed schedules are *recurrence.SchedulingError.
func (l *Lifecycle) New(p NewParams) (Record, error) {
	now := l.now()
	if strings.TrimSpace(p.Name) == "" {
		return Record{}, fmt.Errorf("%w: name required", ErrInvalidJob)
	}
	if strings.TrimSpace(p.Kind) == "" {
		return Record{}, fmt.Errorf("%w: kind required", ErrInvalidJob)
	}
	if p.MaxRetries < 0 {
		return Record{}, fmt.Errorf("%w: max retries must be > 0", ErrInvalidJob)
	}
	if p.Timeout < 0 {
		return Record{}, fmt.Errorf("%w: timeout must be >= 0", ErrInvalidJob)
	}
	if tz := strings.TrimSpace(p.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return Record{}, &recurrence.SchedulingError{Reason: "timezone " + tz, Err: err}
		}
	}
	if err := l.Eval.Validate(p.Schedule, now); err != nil {
		return Record{}, err
	}

	next, ok := l.Eval.Next(p.Schedule, now, l.location(p.Timezone), true)
	if !ok {
		return Record{}, &recurrence.SchedulingError{Kind: p.Schedule.Kind(), Reason: "schedule has no future occurrence"}
	}

	maxRetries := p.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	rec := Record{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(p.Name),
		Kind:       strings.TrimSpace(p.Kind),
		OrgID:      p.OrgID,
		Queue:      p.Queue,
		Schedule:   p.Schedule,
		Timezone:   strings.TrimSpace(p.Timezone),
		Timeout:    p.Timeout,
		IsActive:   true,
		Status:     StatusPending,
		NextRunAt:  &next,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(p.Config) > 0 {
		rec.Config = append([]byte(nil), p.Config...)
	}
	return rec, nil
}

// Start marks rec running. Callers must not start the same job twice
// concurrently; the status check here catches persisted duplicates.
func (l *Lifecycle) Start(rec *Record) error {
	switch {
	case rec.Status == StatusCancelled:
		return ErrCancelled
	case rec.Status == StatusRunning:
		return ErrAlreadyRunning
	case !rec.IsActive:
		return ErrInactive
	}
	now := l.now()
	rec.Status = StatusRunning
	rec.LastRunAt = &now
	rec.UpdatedAt = now
	return nil
}

// Succeed records a successful execution that took dur.
func (l *Lifecycle) Succeed(rec *Record, dur time.Duration, summary string) {
	now := l.now()
	rec.LastRunStatus = RunSuccess
	rec.LastRunDurationMs = dur.Milliseconds()
	rec.LastRunError = ""
	rec.RunCount++
	l.appendHistory(rec, Execution{
		ExecutedAt:    now.Add(-dur),
		Status:        RunSuccess,
		DurationMs:    dur.Milliseconds(),
		ResultSummary: truncate(summary),
	})
	l.settle(rec, StatusCompleted, now)
}

// Fail records a failed execution. It reports whether this failure
// exhausted MaxRetries and deactivated the job.
func (l *Lifecycle) Fail(rec *Record, dur time.Duration, cause error) (disabled bool) {
	now := l.now()
	msg := "unknown error"
	if cause != nil {
		msg = truncate(cause.Error())
	}
	rec.LastRunStatus = RunFailed
	rec.LastRunDurationMs = dur.Milliseconds()
	rec.LastRunError = msg
	rec.FailureCount++
	l.appendHistory(rec, Execution{
		ExecutedAt: now.Add(-dur),
		Status:     RunFailed,
		DurationMs: dur.Milliseconds(),
		Error:      msg,
	})
	if rec.IsActive && rec.FailureCount >= rec.MaxRetries {
		rec.IsActive = false
		rec.DisabledReason = DisabledMaxRetries
		disabled = true
	}
	l.settle(rec, StatusFailed, now)
	return disabled
}

// Cancel stops all future scheduling of rec. An execution already in
// flight is not interrupted; its outcome is still recorded.
func (l *Lifecycle) Cancel(rec *Record, reason string) error {
	if rec.Status == StatusCancelled {
		return ErrCancelled
	}
	now := l.now()
	rec.Status = StatusCancelled
	rec.IsActive = false
	rec.NextRunAt = nil
	rec.CancelReason = strings.TrimSpace(reason)
	rec.CancelledAt = &now
	rec.UpdatedAt = now
	return nil
}

// settle applies the post-execution status and recomputes NextRunAt.
func (l *Lifecycle) settle(rec *Record, status Status, now time.Time) {
	rec.UpdatedAt = now
	if rec.Status != StatusCancelled {
		rec.Status = status
	}
	if _, once := rec.Schedule.(recurrence.Once); once {
		rec.IsActive = false
	}
	l.Recompute(rec, now)
}

// Recompute sets NextRunAt from the schedule; inactive records get nil.
func (l *Lifecycle) Recompute(rec *Record, now time.Time) {
	if !rec.IsActive || rec.Status == StatusCancelled {
		rec.NextRunAt = nil
		return
	}
	next, ok := l.Eval.Next(rec.Schedule, now, l.location(rec.Timezone), false)
	if !ok {
		rec.NextRunAt = nil
		return
	}
	rec.NextRunAt = &next
}

func (l *Lifecycle) appendHistory(rec *Record, e Execution) {
	h := append(rec.History, e)
	if len(h) > HistorySize {
		trimmed := make([]Execution, HistorySize)
		copy(trimmed, h[len(h)-HistorySize:])
		h = trimmed
	}
	rec.History = h
}

// Redefine replaces the definition fields of rec (kind, config, schedule,
// timeout, retries, routing) and keeps its run state and history. When the
// schedule or timezone changed on an active, idle record, NextRunAt is
// computed afresh.
func (l *Lifecycle) Redefine(rec *Record, p NewParams) error {
	now := l.now()
	if strings.TrimSpace(p.Kind) == "" {
		return fmt.Errorf("%w: kind required", ErrInvalidJob)
	}
	if p.MaxRetries < 0 || p.Timeout < 0 {
		return fmt.Errorf("%w: negative max retries or timeout", ErrInvalidJob)
	}
	if tz := strings.TrimSpace(p.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return &recurrence.SchedulingError{Reason: "timezone " + tz, Err: err}
		}
	}
	reschedule := p.Schedule == nil || recurrence.Format(p.Schedule) != recurrence.Format(rec.Schedule) ||
		strings.TrimSpace(p.Timezone) != rec.Timezone
	// An unchanged one-shot instant may lie in the past by now; only a new
	// schedule must be valid from now on.
	if reschedule {
		if err := l.Eval.Validate(p.Schedule, now); err != nil {
			return err
		}
	}

	rec.Kind = strings.TrimSpace(p.Kind)
	rec.Config = nil
	if len(p.Config) > 0 {
		rec.Config = append([]byte(nil), p.Config...)
	}
	rec.OrgID = p.OrgID
	rec.Queue = p.Queue
	rec.Schedule = p.Schedule
	rec.Timezone = strings.TrimSpace(p.Timezone)
	rec.Timeout = p.Timeout
	rec.MaxRetries = p.MaxRetries
	if rec.MaxRetries == 0 {
		rec.MaxRetries = DefaultMaxRetries
	}
	rec.UpdatedAt = now

	if reschedule && rec.IsActive && rec.Status != StatusRunning {
		next, ok := l.Eval.Next(rec.Schedule, now, l.location(rec.Timezone), true)
		if ok {
			rec.NextRunAt = &next
		} else {
			rec.NextRunAt = nil
		}
	}
	return nil
}
