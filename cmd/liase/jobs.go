package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"liase/internal/app"
	"liase/internal/jobs"
	"liase/internal/recurrence"
	"liase/internal/storage"
)

func newJobsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage job records in the configured store",
		Long: `Inspect and manage job records in the configured store.

With the file driver, stop the running service before add or cancel; the
service keeps its own copy of the records. sqlite and mongodb are shared.`,
	}
	cmd.AddCommand(
		newJobsListCmd(opts),
		newJobsShowCmd(opts),
		newJobsAddCmd(opts),
		newJobsCancelCmd(opts),
	)
	return cmd
}

// withApp wires the app against the configured store without starting it.
func withApp(opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.New(opts.configPath, app.WithQuietLogs())
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, a)
}

// lookup resolves an id or, failing that, a job name.
func lookup(ctx context.Context, a *app.App, ref string) (jobs.Record, error) {
	rec, err := a.Scheduler().Job(ctx, ref)
	if err == nil || !errors.Is(err, storage.ErrNotFound) {
		return rec, err
	}
	rec, err = a.Scheduler().JobByName(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return jobs.Record{}, fmt.Errorf("no job with id or name %q", ref)
	}
	return rec, err
}

func newJobsListCmd(opts *rootOptions) *cobra.Command {
	var all bool
	var name string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs ordered by next run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App) error {
				recs, err := a.Scheduler().Jobs(ctx, storage.Filter{ActiveOnly: !all, Name: name})
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					pterm.Info.Println("no jobs")
					return nil
				}
				data := pterm.TableData{{"ID", "NAME", "KIND", "STATUS", "ACTIVE", "SCHEDULE", "NEXT RUN", "RUNS", "FAILS"}}
				for _, r := range recs {
					data = append(data, []string{
						shortID(r.ID),
						r.Name,
						r.Kind,
						string(r.Status),
						strconv.FormatBool(r.IsActive),
						recurrence.Format(r.Schedule),
						formatTime(r.NextRunAt),
						strconv.Itoa(r.RunCount),
						fmt.Sprintf("%d/%d", r.FailureCount, r.MaxRetries),
					})
				}
				return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include inactive and cancelled jobs")
	cmd.Flags().StringVar(&name, "name", "", "only jobs with this name")
	return cmd
}

func newJobsShowCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <id|name>",
		Short: "Show one job with its execution history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App) error {
				rec, err := lookup(ctx, a, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					b, err := json.MarshalIndent(rec, "", "  ")
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(b))
					return nil
				}

				pterm.DefaultSection.Println(rec.Name)
				info := pterm.TableData{
					{"id", rec.ID},
					{"kind", rec.Kind},
					{"schedule", recurrence.Format(rec.Schedule)},
					{"runs at", a.Scheduler().Lifecycle().Eval.Describe(rec.Schedule)},
					{"timezone", orDash(rec.Timezone)},
					{"org", orDash(rec.OrgID)},
					{"queue", orDash(rec.Queue)},
					{"status", string(rec.Status)},
					{"active", strconv.FormatBool(rec.IsActive)},
					{"next run", formatTime(rec.NextRunAt)},
					{"last run", formatTime(rec.LastRunAt)},
					{"last error", orDash(rec.LastRunError)},
					{"runs", strconv.Itoa(rec.RunCount)},
					{"failures", fmt.Sprintf("%d/%d", rec.FailureCount, rec.MaxRetries)},
				}
				if rec.DisabledReason != "" {
					info = append(info, []string{"disabled", rec.DisabledReason})
				}
				if rec.CancelledAt != nil {
					info = append(info, []string{"cancelled", formatTime(rec.CancelledAt) + " " + rec.CancelReason})
				}
				if err := pterm.DefaultTable.WithData(info).Render(); err != nil {
					return err
				}
				if len(rec.History) == 0 {
					return nil
				}

				pterm.DefaultSection.WithLevel(2).Println("history")
				hist := pterm.TableData{{"EXECUTED AT", "STATUS", "DURATION", "RESULT"}}
				for i := len(rec.History) - 1; i >= 0; i-- {
					e := rec.History[i]
					result := e.ResultSummary
					if e.Error != "" {
						result = e.Error
					}
					hist = append(hist, []string{
						e.ExecutedAt.Format(time.RFC3339),
						string(e.Status),
						(time.Duration(e.DurationMs) * time.Millisecond).String(),
						result,
					})
				}
				return pterm.DefaultTable.WithHasHeader().WithData(hist).Render()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the stored record as JSON")
	return cmd
}

func newJobsAddCmd(opts *rootOptions) *cobra.Command {
	var (
		p        jobs.NewParams
		schedule string
		rawCfg   string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a job",
		Example: `  liase jobs add --name nightly --kind noop --schedule daily@02:30
  liase jobs add --name search --kind log.echo --schedule 55m --org acme --config-json '{"q":"crispr"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := recurrence.ParseSpec(schedule)
			if err != nil {
				return err
			}
			p.Schedule = spec
			if s := strings.TrimSpace(rawCfg); s != "" {
				if !json.Valid([]byte(s)) {
					return fmt.Errorf("--config-json must be valid JSON")
				}
				p.Config = []byte(s)
			}
			return withApp(opts, func(ctx context.Context, a *app.App) error {
				if p.Timezone == "" && p.OrgID != "" {
					p.Timezone = a.Organizations().TimezoneFor(p.OrgID)
				}
				rec, err := a.Scheduler().CreateJob(ctx, p)
				if err != nil {
					return err
				}
				pterm.Success.Printfln("created %s (%s), next run %s", rec.Name, rec.ID, formatTime(rec.NextRunAt))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Name, "name", "", "job name")
	f.StringVar(&p.Kind, "kind", "", "handler kind (noop, log.echo, ...)")
	f.StringVar(&schedule, "schedule", "", "schedule: 55m, daily@09:00, weekly@08:30:mon,thu, monthly@02:00, cron, once:<RFC3339>")
	f.StringVar(&p.Timezone, "tz", "", "IANA timezone (default: the organization's, then the scheduler's)")
	f.StringVar(&p.OrgID, "org", "", "organization id")
	f.StringVar(&p.Queue, "queue", "", "admission queue (default: scheduler.default_queue)")
	f.DurationVar(&p.Timeout, "timeout", 0, "execution timeout (default: executor.default_timeout)")
	f.IntVar(&p.MaxRetries, "max-retries", 0, "failures before the job is disabled (default 3)")
	f.StringVar(&rawCfg, "config-json", "", "job config as JSON")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("schedule")
	return cmd
}

func newJobsCancelCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id|name>",
		Short: "Stop all future runs of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App) error {
				rec, err := lookup(ctx, a, args[0])
				if err != nil {
					return err
				}
				rec, err = a.Scheduler().CancelJob(ctx, rec.ID, reason)
				if err != nil {
					return err
				}
				pterm.Success.Printfln("cancelled %s (%s)", rec.Name, rec.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled via cli", "recorded cancellation reason")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05 MST")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
