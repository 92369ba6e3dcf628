package jobs

import "errors"

var (
	ErrAlreadyRunning = errors.New("job already running")
	ErrCancelled      = errors.New("job cancelled")
	ErrInactive       = errors.New("job inactive")
	ErrInvalidJob     = errors.New("invalid job")
	ErrInterrupted    = errors.New("execution interrupted by process exit")
)

// DisabledMaxRetries is recorded when repeated failures deactivate a job.
const DisabledMaxRetries = "maximum retry attempts exceeded"
