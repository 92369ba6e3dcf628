package recurrence

import (
	"errors"
	"fmt"
)

// ErrScheduling matches every *SchedulingError via errors.Is.
var ErrScheduling = errors.New("scheduling error")

// SchedulingError reports a malformed schedule. It is raised when a job is
// created or its schedule is parsed, never while the scheduler is running.
type SchedulingError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *SchedulingError) Error() string {
	msg := "invalid schedule"
	if e.Kind != "" {
		msg += " (" + string(e.Kind) + ")"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SchedulingError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrScheduling, e.Err}
	}
	return []error{ErrScheduling}
}

func schedErr(kind Kind, err error, format string, args ...any) *SchedulingError {
	return &SchedulingError{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}
