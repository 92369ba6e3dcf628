// Package systemdmanager integrates liase with systemd: readiness and
// watchdog notifications for the daemon, and unit status lookups over
// D-Bus for the CLI.
package systemdmanager
