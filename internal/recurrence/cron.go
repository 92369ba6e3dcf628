package recurrence

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// CronEvaluator computes cron occurrences. Exact reports whether results
// follow the expression or are a documented approximation.
type CronEvaluator interface {
	Next(expr string, from time.Time) (time.Time, error)
	Exact() bool
}

// cronParser matches the classic crontab format with optional seconds and
// descriptors like "@hourly" or "@every 5m".
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// RobfigCron evaluates expressions with github.com/robfig/cron/v3.
// Parsed schedules are memoized per expression.
type RobfigCron struct {
	mu    sync.Mutex
	cache map[string]cron.Schedule
}

func NewRobfigCron() *RobfigCron { return &RobfigCron{cache: map[string]cron.Schedule{}} }

func (c *RobfigCron) parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.cache[expr]; ok {
		return s, nil
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	if c.cache == nil {
		c.cache = map[string]cron.Schedule{}
	}
	c.cache[expr] = s
	return s, nil
}

// Next returns the first occurrence strictly after from, in from's location.
func (c *RobfigCron) Next(expr string, from time.Time) (time.Time, error) {
	s, err := c.parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := s.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q has no future occurrence", expr)
	}
	return next, nil
}

func (c *RobfigCron) Exact() bool { return true }

// PlaceholderCron ignores the expression body and schedules 24h after from.
// Descriptions of schedules evaluated by it are marked "(approximate)".
type PlaceholderCron struct{}

func (PlaceholderCron) Next(expr string, from time.Time) (time.Time, error) {
	if strings.TrimSpace(expr) == "" {
		return time.Time{}, fmt.Errorf("cron expression required")
	}
	return from.Add(24 * time.Hour), nil
}

func (PlaceholderCron) Exact() bool { return false }
