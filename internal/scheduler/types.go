package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"liase/internal/admission"
	"liase/internal/eventbus"
	"liase/internal/executor"
	"liase/internal/jobs"
	"liase/internal/recurrence"
	"liase/internal/runtime/supervisor"
	"liase/internal/storage"
	logx "liase/pkg/logx"
)

const (
	DefaultTick = 5 * time.Second

	storeWarnThrottle = 5 * time.Second
	completeTimeout   = 10 * time.Second

	// Backoff window between attempts to persist an outcome.
	settleRetryMin = 50 * time.Millisecond
	settleRetryMax = 5 * time.Second
)

// Config controls the tick loop.
type Config struct {
	Enabled bool
	Tick    time.Duration
	// Timezone (IANA) applies to jobs without their own.
	Timezone     string
	DefaultQueue string
}

// Executor runs a job payload and reports the outcome as a value.
type Executor interface {
	Execute(ctx context.Context, rec jobs.Record) executor.Outcome
}

// Queues resolves the admission queue of a job.
type Queues interface {
	Get(name string) *admission.Queue
	Statuses() []admission.Status
}

// PriorityFunc assigns the admission priority of a job.
type PriorityFunc func(rec jobs.Record) admission.Priority

type Deps struct {
	Store       storage.Store
	Queues      Queues
	Executor    Executor
	Log         logx.Logger
	PriorityFor PriorityFunc             // nil: everything Normal
	Clock       func() time.Time         // nil: time.Now
	Bus         eventbus.Bus             // nil: no events
	Cron        recurrence.CronEvaluator // nil: robfig
}

// InFlight describes a job submitted by this process and not yet settled.
type InFlight struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Queue     string             `json:"queue"`
	Priority  admission.Priority `json:"priority"`
	StartedAt time.Time          `json:"started_at"`
}

type Snapshot struct {
	Enabled      bool               `json:"enabled"`
	Timezone     string             `json:"timezone"`
	Tick         time.Duration      `json:"tick"`
	Ticks        uint64             `json:"ticks"`
	TicksSkipped uint64             `json:"ticks_skipped"`
	Started      uint64             `json:"started"`
	Succeeded    uint64             `json:"succeeded"`
	Failed       uint64             `json:"failed"`
	LastTickAt   time.Time          `json:"last_tick_at"`
	InFlight     []InFlight         `json:"in_flight"`
	Queues       []admission.Status `json:"queues"`
}

type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
	queues Queues
	exec   Executor
	prio   PriorityFunc
	now    func() time.Time
	eval   recurrence.Evaluator

	mu   sync.Mutex // guards cfg, sup, runCtx
	cfg  Config
	sup  *supervisor.Supervisor
	life atomic.Pointer[jobs.Lifecycle]

	reset chan struct{}

	tickMu sync.Mutex
	locks  keyedMutex

	inflMu   sync.Mutex
	inflight map[string]InFlight

	// Execution context of submitted work; cancelled when Stop gives up waiting.
	runCtx    context.Context
	runCancel context.CancelFunc
	waiters   sync.WaitGroup

	ticks     atomic.Uint64
	skipped   atomic.Uint64
	started   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	lastTick  atomic.Int64

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

// JobEvent is the Data of job.* events.
type JobEvent struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Kind       string      `json:"kind"`
	Status     jobs.Status `json:"status"`
	DurationMs int64       `json:"duration_ms,omitempty"`
	Error      string      `json:"error,omitempty"`
}
