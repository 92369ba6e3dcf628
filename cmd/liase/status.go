package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"liase/pkg/systemdmanager"
)

func newStatusCmd() *cobra.Command {
	var unit string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the systemd unit state of the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			st, err := systemdmanager.Status(ctx, unit)
			if err != nil {
				return fmt.Errorf("unit status: %w", err)
			}
			since := st.ActiveSince
			if !st.Running() {
				since = st.InactiveSince
			}
			data := pterm.TableData{
				{"unit", st.Name},
				{"load", st.LoadState},
				{"active", st.Active + " (" + st.SubState + ")"},
				{"description", orDash(st.Description)},
			}
			if !since.IsZero() {
				data = append(data, []string{"since", since.Local().Format(time.RFC3339)})
			}
			if err := pterm.DefaultTable.WithData(data).Render(); err != nil {
				return err
			}
			if !st.Running() {
				pterm.Warning.Printfln("%s is not running", st.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&unit, "unit", "liase", "systemd unit name")
	return cmd
}
