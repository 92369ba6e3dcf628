package app

import (
	"context"
	"errors"
	"fmt"

	"liase/internal/config"
	logx "liase/pkg/logx"
)

// seed upserts the configured jobs by name. When only is non-nil, jobs not
// named in it are skipped. Jobs removed from the config keep their records.
func (a *App) seed(ctx context.Context, cfg *config.Config, only map[string]bool) error {
	var errs []error
	created, updated := 0, 0
	for _, jc := range cfg.Jobs {
		if only != nil && !only[jc.Name] {
			continue
		}
		p, err := jobParams(cfg, jc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rec, isNew, err := a.sched.UpsertJob(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("seed job %s: %w", p.Name, err))
			continue
		}
		if isNew {
			created++
		} else {
			updated++
		}
		a.log.Debug("job seeded", logx.String("job", rec.Name), logx.String("id", rec.ID), logx.Bool("created", isNew))
	}
	if created+updated > 0 {
		a.log.Info("jobs seeded", logx.Int("created", created), logx.Int("updated", updated))
	}
	return errors.Join(errs...)
}
