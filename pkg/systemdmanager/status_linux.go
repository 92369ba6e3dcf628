//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Status looks up a unit over the system bus.
func Status(ctx context.Context, name string) (*UnitStatus, error) {
	unit := UnitName(name)
	if unit == "" {
		return nil, fmt.Errorf("unit name required")
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	// Fast path: core state without pulling the full unit property map.
	units, err := conn.ListUnitsByPatternsContext(ctx, nil, []string{unit})
	if err == nil && len(units) > 0 {
		u := units[0]
		for _, x := range units {
			if x.Name == unit {
				u = x
				break
			}
		}
		if u.LoadState == "not-found" {
			return notFound(unit), nil
		}
		st := &UnitStatus{Name: unit, Active: u.ActiveState, SubState: u.SubState, LoadState: u.LoadState, Description: u.Description}
		if props, perr := conn.GetUnitPropertiesContext(ctx, unit); perr == nil {
			st.ActiveSince = parseTimestamp(props, "ActiveEnterTimestamp")
			st.InactiveSince = parseTimestamp(props, "InactiveEnterTimestamp")
		}
		return st, nil
	}

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchUnit") {
			return notFound(unit), nil
		}
		return nil, fmt.Errorf("failed to get status for %s: %w", unit, err)
	}
	if getStringProperty(props, "LoadState") == "not-found" {
		return notFound(unit), nil
	}
	return &UnitStatus{
		Name:          unit,
		Active:        getStringProperty(props, "ActiveState"),
		SubState:      getStringProperty(props, "SubState"),
		LoadState:     getStringProperty(props, "LoadState"),
		Description:   getStringProperty(props, "Description"),
		ActiveSince:   parseTimestamp(props, "ActiveEnterTimestamp"),
		InactiveSince: parseTimestamp(props, "InactiveEnterTimestamp"),
	}, nil
}
