package scheduler

import (
	"sort"
	"strings"
	"time"
)

func (s *Service) InFlight() []InFlight {
	s.inflMu.Lock()
	out := make([]InFlight, 0, len(s.inflight))
	for _, f := range s.inflight {
		out = append(out, f)
	}
	s.inflMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Service) Snapshot() Snapshot {
	cfg := s.config()
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		tz = s.Lifecycle().Location.String()
	}
	snap := Snapshot{
		Enabled:      cfg.Enabled,
		Timezone:     tz,
		Tick:         tickOf(cfg),
		Ticks:        s.ticks.Load(),
		TicksSkipped: s.skipped.Load(),
		Started:      s.started.Load(),
		Succeeded:    s.succeeded.Load(),
		Failed:       s.failed.Load(),
		InFlight:     s.InFlight(),
		Queues:       s.queues.Statuses(),
	}
	if ns := s.lastTick.Load(); ns != 0 {
		snap.LastTickAt = time.Unix(0, ns)
	}
	return snap
}
