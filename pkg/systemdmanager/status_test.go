package systemdmanager

import (
	"testing"
	"time"

	logx "liase/pkg/logx"
)

func TestUnitName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"liase":         "liase.service",
		" liase ":       "liase.service",
		"liase.service": "liase.service",
		"backup.timer":  "backup.timer",
		"":              "",
	}
	for in, want := range cases {
		if got := UnitName(in); got != want {
			t.Fatalf("UnitName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	props := map[string]interface{}{
		"ActiveEnterTimestamp": uint64(1_700_000_000_000_000),
		"Zero":                 uint64(0),
		"Wrong":                "x",
	}
	if got := parseTimestamp(props, "ActiveEnterTimestamp"); !got.Equal(time.Unix(1_700_000_000, 0)) {
		t.Fatalf("parseTimestamp = %v", got)
	}
	for _, k := range []string{"Zero", "Wrong", "Missing"} {
		if got := parseTimestamp(props, k); !got.IsZero() {
			t.Fatalf("parseTimestamp(%s) = %v, want zero", k, got)
		}
	}
}

func TestUnitStatusRunning(t *testing.T) {
	t.Parallel()

	if !(UnitStatus{Active: "active", SubState: "running"}).Running() {
		t.Fatal("active/running should be running")
	}
	if notFound("x.service").Running() {
		t.Fatal("not-found should not be running")
	}
}

func TestNotifierOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	n := NewNotifier(logx.Nop())
	if n.Ready() {
		t.Fatal("Ready() reported delivery without NOTIFY_SOCKET")
	}
	if WatchdogInterval() != 0 {
		t.Fatal("watchdog should be disabled")
	}
}
