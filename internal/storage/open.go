package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	logx "liase/pkg/logx"
)

// Opener builds a Store for a driver.
type Opener func(cfg Config, log logx.Logger) (Store, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Opener{}
)

// RegisterDriver makes a driver available to Open. Drivers living in their
// own package (mongodb) register from init.
func RegisterDriver(name string, open Opener) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[strings.ToLower(name)] = open
}

// Drivers lists registered driver names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	out := make([]string, 0, len(drivers)+3)
	out = append(out, "memory", "file", "sqlite")
	for k := range drivers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open initializes the configured store. An empty driver means memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	}

	driversMu.RLock()
	open, ok := drivers[driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
	return open(cfg, log)
}
