package main

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"liase/internal/app"
	"liase/internal/config"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate a config file without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(opts.configPath).Parse()
			if err != nil {
				return err
			}
			if err := app.ValidateConfig(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			pterm.Success.Printfln("%s: ok (%d queues, %d seed jobs, %d organizations)",
				opts.configPath, len(cfg.EffectiveQueues()), len(cfg.Jobs), len(cfg.Organizations))
			return nil
		},
	}
}
