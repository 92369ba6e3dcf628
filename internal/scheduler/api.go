package scheduler

import (
	"context"

	"liase/internal/eventbus"
	"liase/internal/jobs"
	"liase/internal/recurrence"
	"liase/internal/storage"
	logx "liase/pkg/logx"
)

// CreateJob validates p, computes the first run and persists a new record.
// Malformed schedules fail here with *recurrence.SchedulingError.
func (s *Service) CreateJob(ctx context.Context, p jobs.NewParams) (jobs.Record, error) {
	rec, err := s.Lifecycle().New(p)
	if err != nil {
		return jobs.Record{}, err
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return jobs.Record{}, err
	}
	s.publish(eventbus.JobCreated, jobEvent(rec, nil))
	s.log.Info("job created",
		logx.String("job", rec.Name),
		logx.String("id", rec.ID),
		logx.String("schedule", s.eval.Describe(rec.Schedule)),
		logx.Any("next", rec.NextRunAt),
	)
	return rec, nil
}

// UpsertJob creates the job named p.Name, or redefines the existing one
// while keeping its run state. It reports whether a record was created.
func (s *Service) UpsertJob(ctx context.Context, p jobs.NewParams) (jobs.Record, bool, error) {
	found, err := s.store.Load(ctx, storage.Filter{Name: p.Name, Limit: 1})
	if err != nil {
		return jobs.Record{}, false, err
	}
	if len(found) == 0 {
		rec, err := s.CreateJob(ctx, p)
		return rec, err == nil, err
	}

	id := found[0].ID
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return jobs.Record{}, false, err
	}
	before := recurrence.Format(rec.Schedule)
	if err := s.Lifecycle().Redefine(&rec, p); err != nil {
		return jobs.Record{}, false, err
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return jobs.Record{}, false, err
	}
	if after := recurrence.Format(rec.Schedule); after != before {
		s.log.Info("job rescheduled", logx.String("job", rec.Name), logx.String("from", before), logx.String("to", after), logx.Any("next", rec.NextRunAt))
	}
	return rec, false, nil
}

// CancelJob stops future scheduling of a job. An execution already in
// flight finishes and its outcome is recorded; the record stays cancelled.
func (s *Service) CancelJob(ctx context.Context, id, reason string) (jobs.Record, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return jobs.Record{}, err
	}
	if err := s.Lifecycle().Cancel(&rec, reason); err != nil {
		return jobs.Record{}, err
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return jobs.Record{}, err
	}
	s.publish(eventbus.JobCancelled, jobEvent(rec, nil))
	s.log.Info("job cancelled", logx.String("job", rec.Name), logx.String("id", id), logx.String("reason", rec.CancelReason), logx.Bool("in_flight", s.isInFlight(id)))
	return rec, nil
}

func (s *Service) Job(ctx context.Context, id string) (jobs.Record, error) {
	return s.store.Get(ctx, id)
}

// JobByName returns the first record named name.
func (s *Service) JobByName(ctx context.Context, name string) (jobs.Record, error) {
	recs, err := s.store.Load(ctx, storage.Filter{Name: name, Limit: 1})
	if err != nil {
		return jobs.Record{}, err
	}
	if len(recs) == 0 {
		return jobs.Record{}, storage.ErrNotFound
	}
	return recs[0], nil
}

func (s *Service) Jobs(ctx context.Context, f storage.Filter) ([]jobs.Record, error) {
	return s.store.Load(ctx, f)
}

// RecoverInterrupted settles records left running by a previous process as
// failed executions so they are scheduled again. Jobs in flight in this
// process are left alone. It returns the number of records recovered.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	recs, err := s.store.Load(ctx, storage.Filter{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if r.Status != jobs.StatusRunning || s.isInFlight(r.ID) {
			continue
		}
		ok, err := s.recoverOne(ctx, r.ID)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		s.log.Warn("interrupted jobs recovered", logx.Int("count", n))
	}
	return n, nil
}

func (s *Service) recoverOne(ctx context.Context, id string) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.Status != jobs.StatusRunning || s.isInFlight(id) {
		return false, nil
	}
	if s.Lifecycle().Fail(&rec, 0, jobs.ErrInterrupted) {
		s.publish(eventbus.JobDisabled, jobEvent(rec, jobs.ErrInterrupted))
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return false, err
	}
	s.log.Debug("job recovered", logx.String("job", rec.Name), logx.Any("next", rec.NextRunAt))
	return true, nil
}
