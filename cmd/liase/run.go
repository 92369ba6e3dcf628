package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"liase/internal/app"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var shutdown time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(opts.configPath)
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 2)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			stop := func(reason app.StopReason) error {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdown)
				defer stopCancel()
				return a.Stop(stopCtx, reason)
			}

			if err := a.Start(ctx); err != nil {
				_ = stop(app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			select {
			case sig := <-sigCh:
				reason := app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
				return stop(reason)
			case <-a.Done():
				err := a.Err()
				if stopErr := stop(app.StopFatalError); err == nil {
					err = stopErr
				}
				return err
			}
		},
	}
	cmd.Flags().DurationVar(&shutdown, "shutdown-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}
