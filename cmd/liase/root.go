package main

import (
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "liase",
		Short: "Recurring job scheduler with per-downstream admission queues",
		Long: `liase runs recurring jobs (literature searches, digests, archival) on
interval, cron and calendar schedules. Each downstream dependency gets an
admission queue that bounds how many executions run against it at once.

Examples:
  liase run --config ./liase.yaml      # run until SIGINT/SIGTERM
  liase validate --config ./liase.yaml # check a config file
  liase jobs list                      # list active jobs
  liase jobs add --name digest --kind log.echo --schedule weekly@08:00:mon`,
		SilenceUsage: true,
	}

	def := os.Getenv("LIASE_CONFIG")
	if def == "" {
		def = "./liase.yaml"
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", def, "path to config (json or yaml); env LIASE_CONFIG")

	cmd.AddCommand(
		newRunCmd(opts),
		newValidateCmd(opts),
		newJobsCmd(opts),
		newStatusCmd(),
	)
	return cmd
}
