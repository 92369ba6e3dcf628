package systemdmanager

import (
	"strings"
	"time"
)

// UnitStatus is the state of one systemd unit.
type UnitStatus struct {
	Name          string
	Active        string // active, inactive, failed, ...
	SubState      string // running, dead, ...
	LoadState     string // loaded, not-found, ...
	Description   string
	ActiveSince   time.Time // ActiveEnterTimestamp
	InactiveSince time.Time // InactiveEnterTimestamp
}

func (s UnitStatus) Running() bool { return s.Active == "active" && s.SubState == "running" }

// UnitName appends ".service" when name has no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	for _, suf := range []string{".service", ".timer", ".socket", ".target", ".scope", ".slice", ".mount", ".path"} {
		if strings.HasSuffix(name, suf) {
			return name
		}
	}
	return name + ".service"
}

func parseTimestamp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		// systemd timestamps are in microseconds since the Unix epoch
		return time.Unix(int64(ts/1_000_000), 0)
	}
	return time.Time{}
}

func getStringProperty(props map[string]interface{}, key string) string {
	v, _ := props[key].(string)
	return v
}

func notFound(unit string) *UnitStatus {
	return &UnitStatus{Name: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
}
