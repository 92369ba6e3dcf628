package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// ParseSpec parses the textual schedule grammar used by config files and the CLI.
//
// Supported forms:
//   - Once: "once:2025-03-01T09:00:00Z" (RFC 3339)
//   - Interval: "55m", "2h30m", "00:50" (50 minutes), "interval:45s", "every:01:30"
//   - Cron: "*/5 * * * *", "@hourly", "@every 55m", "cron:0 0 * * *"
//   - Calendar: "daily@09:00", "weekly@08:30:mon,thu", "monthly@02:00"
//
// Bare HH:MM is an interval, not a time of day; use daily@HH:MM for that.
func ParseSpec(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, schedErr("", nil, "schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "once:"):
		v := strings.TrimSpace(s[len("once:"):])
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, schedErr(KindOnce, err, "instant %q", v)
		}
		return Once{At: at}, nil
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return nil, schedErr(KindCron, nil, "cron schedule required after 'cron:'")
		}
		return Cron{Expr: expr}, nil
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.HasPrefix(low, "daily@"), strings.HasPrefix(low, "weekly@"), strings.HasPrefix(low, "monthly@"):
		return parseCalendar(low)
	}

	// Heuristics: whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Cron{Expr: s}, nil
	}
	if spec, err := parseInterval(s); err == nil {
		return spec, nil
	}
	return nil, schedErr("", nil,
		"invalid schedule %q (use cron like '*/5 * * * *', daily@HH:MM, or a duration like '55m')", raw)
}

func parseInterval(v string) (Spec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, schedErr(KindInterval, nil, "interval required")
	}
	var d time.Duration
	if reHHMM.MatchString(v) {
		h, m, err := splitHHMM(v)
		if err != nil {
			return nil, schedErr(KindInterval, err, "interval")
		}
		if m > 59 {
			return nil, schedErr(KindInterval, nil, "invalid minutes in %q", v)
		}
		d = time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	} else {
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return nil, schedErr(KindInterval, nil, "invalid interval %q (use HH:MM or Go duration like '55m')", v)
		}
	}
	if d <= 0 {
		return nil, schedErr(KindInterval, nil, "interval must be > 0")
	}
	return Interval{Every: d}, nil
}

// parseCalendar handles "<period>@HH:MM[:day,day]". s is lowercased.
func parseCalendar(s string) (Spec, error) {
	period, rest, _ := strings.Cut(s, "@")
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) < 2 {
		return nil, schedErr(KindCalendar, nil, "expected %s@HH:MM", period)
	}
	tod, err := ParseTimeOfDay(parts[0] + ":" + parts[1])
	if err != nil {
		return nil, schedErr(KindCalendar, err, "time of day")
	}
	c := Calendar{Period: Period(period), At: tod}
	if len(parts) == 3 {
		if c.Period != Weekly {
			return nil, schedErr(KindCalendar, nil, "days only apply to weekly schedules")
		}
		for _, name := range strings.Split(parts[2], ",") {
			if strings.TrimSpace(name) == "" {
				continue
			}
			wd, err := ParseWeekday(name)
			if err != nil {
				return nil, schedErr(KindCalendar, err, "days")
			}
			c.Days = append(c.Days, wd)
		}
	}
	if err := validateCalendar(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Format renders spec in the ParseSpec grammar.
func Format(spec Spec) string {
	switch s := spec.(type) {
	case Once:
		return "once:" + s.At.Format(time.RFC3339)
	case Interval:
		return s.Every.String()
	case Cron:
		return "cron:" + s.Expr
	case Calendar:
		out := fmt.Sprintf("%s@%s", s.Period, s.At)
		if len(s.Days) > 0 {
			names := make([]string, 0, len(s.Days))
			for _, d := range s.Days {
				names = append(names, weekdayShort(d))
			}
			out += ":" + strings.Join(names, ",")
		}
		return out
	default:
		return ""
	}
}
