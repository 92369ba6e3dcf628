package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"liase/internal/jobs"
	logx "liase/pkg/logx"
)

// RegisterBuiltins installs handlers that need no external system:
//
//	noop      succeeds immediately
//	log.echo  logs the job's config and succeeds
func RegisterBuiltins(s *Service, log logx.Logger, opts map[string][]RegisterOption) error {
	if err := s.Register("noop", Noop, opts["noop"]...); err != nil {
		return err
	}
	return s.Register("log.echo", Echo(log), opts["log.echo"]...)
}

func Noop(ctx context.Context, rec jobs.Record) (string, error) {
	return "ok", ctx.Err()
}

func Echo(log logx.Logger) Handler {
	return func(ctx context.Context, rec jobs.Record) (string, error) {
		var v any
		if len(rec.Config) > 0 {
			if err := json.Unmarshal(rec.Config, &v); err != nil {
				return "", fmt.Errorf("log.echo: invalid config: %w", err)
			}
		}
		log.Info("job.echo", logx.String("job", rec.Name), logx.String("org", rec.OrgID), logx.Any("config", v))
		return fmt.Sprintf("echoed %d bytes", len(rec.Config)), nil
	}
}
