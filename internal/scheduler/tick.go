package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"liase/internal/eventbus"
	"liase/internal/executor"
	"liase/internal/jobs"
	"liase/internal/storage"
	logx "liase/pkg/logx"
)

// Tick starts every due job once and returns how many were submitted. It
// never waits for execution. A Tick that overlaps a running one is skipped.
func (s *Service) Tick(ctx context.Context) (int, error) {
	if !s.tickMu.TryLock() {
		s.skipped.Add(1)
		s.publish(eventbus.TickSkipped, nil)
		s.log.Debug("tick skipped; previous tick still scanning")
		return 0, nil
	}
	defer s.tickMu.Unlock()

	now := s.now()
	s.ticks.Add(1)
	s.lastTick.Store(now.UnixNano())

	due, err := s.store.Load(ctx, storage.Due(now))
	if err != nil {
		s.warnStore("load", "", err)
		return 0, err
	}

	started := 0
	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		if s.isInFlight(rec.ID) {
			continue
		}
		if s.dispatch(ctx, rec.ID, now) {
			started++
		}
	}
	if len(due) > 0 {
		s.log.Debug("tick", logx.Int("due", len(due)), logx.Int("started", started))
	}
	return started, nil
}

// dispatch starts one job and submits its execution. The record is
// re-read under the job lock so a concurrent cancel wins.
func (s *Service) dispatch(ctx context.Context, id string, now time.Time) bool {
	unlock := s.locks.Lock(id)
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		unlock()
		if !errors.Is(err, storage.ErrNotFound) {
			s.warnStore("get", id, err)
		}
		return false
	}
	if !rec.Due(now) {
		unlock()
		return false
	}
	if err := s.Lifecycle().Start(&rec); err != nil {
		unlock()
		s.log.Debug("job not started", logx.String("job", rec.Name), logx.Err(err))
		return false
	}
	if err := s.store.Save(ctx, rec); err != nil {
		unlock()
		s.warnStore("save", id, err)
		return false
	}
	queue := s.queueName(rec)
	prio := s.prio(rec)
	s.track(InFlight{ID: rec.ID, Name: rec.Name, Queue: queue, Priority: prio, StartedAt: now})
	unlock()

	s.started.Add(1)
	s.publish(eventbus.JobStarted, jobEvent(rec, nil))
	s.log.Debug("job started", logx.String("job", rec.Name), logx.String("queue", queue), logx.String("priority", prio.String()))

	payload := rec.Clone()
	var out executor.Outcome
	work := func(ctx context.Context) error {
		out = s.exec.Execute(ctx, payload)
		return out.Err
	}

	s.waiters.Add(1)
	q := s.queues.Get(queue)
	if q == nil {
		go s.settle(rec.ID, executor.Outcome{Err: fmt.Errorf("no admission queue %q", queue)})
		return true
	}
	h, err := q.Submit(s.execContext(), work, prio)
	if err != nil {
		go s.settle(rec.ID, executor.Outcome{Err: err})
		return true
	}
	go func() {
		<-h.Done()
		res := out
		// Zero outcome: the work never ran (cleared, cancelled or stopped while waiting).
		if !res.Success && res.Err == nil {
			res.Err = h.Err()
			if res.Err == nil {
				res.Err = errors.New("execution produced no outcome")
			}
		}
		s.settle(rec.ID, res)
	}()
	return true
}

// settle records out on the stored record. Pairs with waiters.Add in dispatch.
// A failed read or write is retried with backoff while the job stays in
// flight, so the record never stays Running without an execution. Retrying
// stops once Stop cancels executions; RecoverInterrupted settles the record
// at the next start.
func (s *Service) settle(id string, out executor.Outcome) {
	defer s.waiters.Done()
	defer s.untrack(id)

	backoff := settleRetryMin
	for {
		rec, disabled, err := s.record(id, out)
		if err == nil {
			s.report(rec, out, disabled)
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("job removed while running; outcome dropped", logx.String("id", id))
			return
		}
		s.warnStore("settle", id, err)

		t := time.NewTimer(backoff)
		select {
		case <-s.execContext().Done():
			t.Stop()
			s.log.Warn("outcome not recorded; job stays running until restart", logx.String("id", id), logx.Err(err))
			return
		case <-t.C:
		}
		backoff = min(backoff*2, settleRetryMax)
	}
}

// record applies out to a fresh copy of the stored record under the job
// lock. Each attempt starts from the store, so a retry never counts twice.
func (s *Service) record(id string, out executor.Outcome) (jobs.Record, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), completeTimeout)
	defer cancel()

	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return jobs.Record{}, false, err
	}
	life := s.Lifecycle()
	disabled := false
	if out.Success {
		life.Succeed(&rec, out.Duration, out.Summary)
	} else {
		disabled = life.Fail(&rec, out.Duration, out.Err)
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return jobs.Record{}, false, err
	}
	return rec, disabled, nil
}

func (s *Service) report(rec jobs.Record, out executor.Outcome, disabled bool) {
	if out.Success {
		s.succeeded.Add(1)
		s.publish(eventbus.JobSucceeded, jobEvent(rec, nil))
		s.log.Debug("job succeeded", logx.String("job", rec.Name), logx.Duration("took", out.Duration))
		return
	}
	s.failed.Add(1)
	s.publish(eventbus.JobFailed, jobEvent(rec, out.Err))
	s.log.Warn("job failed",
		logx.String("job", rec.Name),
		logx.Int("failures", rec.FailureCount),
		logx.Int("max_retries", rec.MaxRetries),
		logx.Duration("took", out.Duration),
		logx.Err(out.Err),
	)
	if disabled {
		s.publish(eventbus.JobDisabled, jobEvent(rec, out.Err))
		s.log.Warn("job disabled", logx.String("job", rec.Name), logx.String("reason", rec.DisabledReason))
	}
}

func (s *Service) queueName(rec jobs.Record) string {
	if rec.Queue != "" {
		return rec.Queue
	}
	return s.config().DefaultQueue
}

func (s *Service) track(f InFlight) {
	s.inflMu.Lock()
	s.inflight[f.ID] = f
	s.inflMu.Unlock()
}

func (s *Service) untrack(id string) {
	s.inflMu.Lock()
	delete(s.inflight, id)
	s.inflMu.Unlock()
}

func (s *Service) isInFlight(id string) bool {
	s.inflMu.Lock()
	_, ok := s.inflight[id]
	s.inflMu.Unlock()
	return ok
}

func (s *Service) publish(typ string, data any) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

func jobEvent(rec jobs.Record, err error) JobEvent {
	e := JobEvent{ID: rec.ID, Name: rec.Name, Kind: rec.Kind, Status: rec.Status, DurationMs: rec.LastRunDurationMs}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// warnStore logs persistence failures, at most once per op and job per
// storeWarnThrottle.
func (s *Service) warnStore(op, id string, err error) {
	key := op + ":" + id
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[key]
	if !last.IsZero() && now.Sub(last) < storeWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[key] = now
	s.warnMu.Unlock()

	s.log.Warn("store "+op+" failed", logx.String("id", id), logx.Err(err))
}
