package recurrence

import (
	"time"
)

// Document is the flat persistence encoding of a Spec. Only the fields of
// the tagged kind are set.
type Document struct {
	Kind       Kind       `json:"kind" bson:"kind"`
	At         *time.Time `json:"at,omitempty" bson:"at,omitempty"`
	IntervalMs int64      `json:"interval_ms,omitempty" bson:"interval_ms,omitempty"`
	Expr       string     `json:"expr,omitempty" bson:"expr,omitempty"`
	Period     Period     `json:"period,omitempty" bson:"period,omitempty"`
	TimeOfDay  string     `json:"time_of_day,omitempty" bson:"time_of_day,omitempty"`
	Days       []string   `json:"days,omitempty" bson:"days,omitempty"`
}

func Encode(spec Spec) Document {
	switch s := spec.(type) {
	case Once:
		at := s.At
		return Document{Kind: KindOnce, At: &at}
	case Interval:
		return Document{Kind: KindInterval, IntervalMs: s.Every.Milliseconds()}
	case Cron:
		return Document{Kind: KindCron, Expr: s.Expr}
	case Calendar:
		d := Document{Kind: KindCalendar, Period: s.Period, TimeOfDay: s.At.String()}
		for _, wd := range s.Days {
			d.Days = append(d.Days, weekdayShort(wd))
		}
		return d
	default:
		return Document{}
	}
}

// Decode rebuilds a Spec. It checks structure only; use Evaluator.Validate
// for semantic checks.
func Decode(d Document) (Spec, error) {
	switch d.Kind {
	case KindOnce:
		if d.At == nil {
			return nil, schedErr(KindOnce, nil, "missing instant")
		}
		return Once{At: *d.At}, nil
	case KindInterval:
		return Interval{Every: time.Duration(d.IntervalMs) * time.Millisecond}, nil
	case KindCron:
		return Cron{Expr: d.Expr}, nil
	case KindCalendar:
		tod, err := ParseTimeOfDay(d.TimeOfDay)
		if err != nil {
			return nil, schedErr(KindCalendar, err, "time of day")
		}
		c := Calendar{Period: d.Period, At: tod}
		for _, name := range d.Days {
			wd, err := ParseWeekday(name)
			if err != nil {
				return nil, schedErr(KindCalendar, err, "days")
			}
			c.Days = append(c.Days, wd)
		}
		return c, nil
	case "":
		return nil, schedErr("", nil, "missing kind")
	default:
		return nil, schedErr("", nil, "unknown kind %q", d.Kind)
	}
}
