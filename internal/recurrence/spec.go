package recurrence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind tags a Spec variant.
type Kind string

const (
	KindOnce     Kind = "once"
	KindInterval Kind = "interval"
	KindCron     Kind = "cron"
	KindCalendar Kind = "calendar"
)

// Spec is a schedule description. The set of implementations is closed.
type Spec interface {
	Kind() Kind
	isSpec()
}

// Once fires a single time at At.
type Once struct {
	At time.Time
}

// Interval fires Every after each evaluation instant. Execution latency
// accumulates as drift.
type Interval struct {
	Every time.Duration
}

// Cron fires according to a cron expression.
type Cron struct {
	Expr string
}

// Period selects the calendar cadence.
type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
)

// Calendar fires at a wall-clock time of day in the job's location.
// Days only applies to Weekly.
type Calendar struct {
	Period Period
	At     TimeOfDay
	Days   []time.Weekday
}

func (Once) Kind() Kind     { return KindOnce }
func (Interval) Kind() Kind { return KindInterval }
func (Cron) Kind() Kind     { return KindCron }
func (Calendar) Kind() Kind { return KindCalendar }

func (Once) isSpec()     {}
func (Interval) isSpec() {}
func (Cron) isSpec()     {}
func (Calendar) isSpec() {}

// TimeOfDay is a wall-clock hour and minute.
type TimeOfDay struct {
	Hour   int
	Minute int
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseTimeOfDay parses "HH:MM" with hour 0-23 and minute 0-59.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	h, m, err := splitHHMM(s)
	if err != nil {
		return TimeOfDay{}, err
	}
	tod := TimeOfDay{Hour: h, Minute: m}
	if err := tod.validate(); err != nil {
		return TimeOfDay{}, err
	}
	return tod, nil
}

func splitHHMM(s string) (int, int, error) {
	m := reHHMM.FindStringSubmatch(s)
	if len(m) != 3 {
		return 0, 0, fmt.Errorf("invalid HH:MM %q", s)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	return h, mm, nil
}

func (t TimeOfDay) validate() error {
	if t.Hour < 0 || t.Hour > 23 {
		return fmt.Errorf("invalid hour %d", t.Hour)
	}
	if t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("invalid minute %d", t.Minute)
	}
	return nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekday accepts short or long English names, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	return d, nil
}

func weekdayShort(d time.Weekday) string { return strings.ToLower(d.String()[:3]) }
