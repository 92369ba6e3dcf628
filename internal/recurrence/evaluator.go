package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// Evaluator computes next-run instants. The zero value evaluates cron
// expressions with robfig/cron.
type Evaluator struct {
	Cron CronEvaluator
}

var defaultCron = NewRobfigCron()

func (e Evaluator) cron() CronEvaluator {
	if e.Cron != nil {
		return e.Cron
	}
	return defaultCron
}

// Next returns the next instant for spec strictly after now. ok=false means
// the schedule is terminal. first is true only for the evaluation made when
// the job is created; it lets Once fire exactly one time.
func (e Evaluator) Next(spec Spec, now time.Time, loc *time.Location, first bool) (next time.Time, ok bool) {
	if loc == nil {
		loc = time.UTC
	}
	switch s := spec.(type) {
	case Once:
		if first && s.At.After(now) {
			return s.At, true
		}
		return time.Time{}, false
	case Interval:
		if s.Every <= 0 {
			return time.Time{}, false
		}
		return now.Add(s.Every), true
	case Cron:
		t, err := e.cron().Next(s.Expr, now.In(loc))
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case Calendar:
		return nextCalendar(s, now, loc)
	default:
		return time.Time{}, false
	}
}

// dailyCandidate is the first wall-clock occurrence of at in loc strictly after now.
func dailyCandidate(at TimeOfDay, now time.Time, loc *time.Location) time.Time {
	n := now.In(loc)
	c := time.Date(n.Year(), n.Month(), n.Day(), at.Hour, at.Minute, 0, 0, loc)
	if !c.After(now) {
		c = time.Date(n.Year(), n.Month(), n.Day()+1, at.Hour, at.Minute, 0, 0, loc)
	}
	return c
}

// addDays preserves the wall-clock time across DST changes.
func addDays(t time.Time, days int, at TimeOfDay) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+days, at.Hour, at.Minute, 0, 0, t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func nextCalendar(s Calendar, now time.Time, loc *time.Location) (time.Time, bool) {
	if s.At.validate() != nil {
		return time.Time{}, false
	}
	c := dailyCandidate(s.At, now, loc)
	switch s.Period {
	case Daily:
		return c, true
	case Weekly:
		if len(s.Days) == 0 {
			return addDays(c, 7, s.At), true
		}
		// Offsets 0..6 from the daily candidate rather than 1..7 from today:
		// the candidate is already strictly after now, so the candidate day
		// itself counts when it is a listed weekday.
		for off := 0; off < 7; off++ {
			d := addDays(c, off, s.At)
			if containsDay(s.Days, d.Weekday()) {
				return d, true
			}
		}
		// Days only held out-of-range values.
		return time.Time{}, false
	case Monthly:
		y, m := c.Year(), c.Month()+1
		if m > time.December {
			y, m = y+1, time.January
		}
		day := min(c.Day(), daysIn(y, m, loc))
		return time.Date(y, m, day, s.At.Hour, s.At.Minute, 0, 0, loc), true
	default:
		return time.Time{}, false
	}
}

func containsDay(days []time.Weekday, d time.Weekday) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

// Validate reports malformed specs as *SchedulingError. now is only used to
// reject one-shot instants that are not in the future.
func (e Evaluator) Validate(spec Spec, now time.Time) error {
	switch s := spec.(type) {
	case nil:
		return schedErr("", nil, "schedule required")
	case Once:
		if s.At.IsZero() {
			return schedErr(KindOnce, nil, "instant required")
		}
		if !s.At.After(now) {
			return schedErr(KindOnce, nil, "instant %s is not in the future", s.At.Format(time.RFC3339))
		}
	case Interval:
		if s.Every <= 0 {
			return schedErr(KindInterval, nil, "interval must be > 0")
		}
	case Cron:
		if strings.TrimSpace(s.Expr) == "" {
			return schedErr(KindCron, nil, "cron expression required")
		}
		if _, err := e.cron().Next(s.Expr, now); err != nil {
			return schedErr(KindCron, err, "cron %q", s.Expr)
		}
	case Calendar:
		return validateCalendar(s)
	default:
		return schedErr("", nil, "unsupported schedule type %T", spec)
	}
	return nil
}

func validateCalendar(s Calendar) error {
	if err := s.At.validate(); err != nil {
		return schedErr(KindCalendar, err, "time of day")
	}
	switch s.Period {
	case Daily, Monthly:
		if len(s.Days) > 0 {
			return schedErr(KindCalendar, nil, "days only apply to weekly schedules")
		}
	case Weekly:
		seen := map[time.Weekday]bool{}
		for _, d := range s.Days {
			if d < time.Sunday || d > time.Saturday {
				return schedErr(KindCalendar, nil, "weekday %d out of range", int(d))
			}
			if seen[d] {
				return schedErr(KindCalendar, nil, "duplicate weekday %s", d)
			}
			seen[d] = true
		}
	default:
		return schedErr(KindCalendar, nil, "unknown period %q", s.Period)
	}
	return nil
}

// Describe renders spec for operators. Cron schedules evaluated by an
// inexact evaluator are marked as approximate.
func (e Evaluator) Describe(spec Spec) string {
	switch s := spec.(type) {
	case Once:
		return "once at " + s.At.Format(time.RFC3339)
	case Interval:
		return "every " + s.Every.String()
	case Cron:
		out := "cron " + strings.TrimSpace(s.Expr)
		if !e.cron().Exact() {
			out += " (approximate)"
		}
		return out
	case Calendar:
		switch s.Period {
		case Weekly:
			if len(s.Days) == 0 {
				return "weekly at " + s.At.String()
			}
			names := make([]string, 0, len(s.Days))
			for _, d := range s.Days {
				names = append(names, weekdayShort(d))
			}
			return fmt.Sprintf("weekly at %s on %s", s.At, strings.Join(names, ","))
		default:
			return fmt.Sprintf("%s at %s", s.Period, s.At)
		}
	case nil:
		return "none"
	default:
		return fmt.Sprintf("%T", spec)
	}
}
