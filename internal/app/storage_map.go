package app

import (
	"fmt"
	"strings"
	"time"

	"liase/internal/config"
	"liase/internal/storage"
)

// mapStorageConfig turns the storage section into a driver config. A missing
// section or driver "none" selects the in-memory store.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "mongodb", "mongo":
		if strings.TrimSpace(sc.URI) == "" {
			return storage.Config{}, fmt.Errorf("storage.uri is required when storage.driver=mongodb")
		}
		return storage.Config{
			Driver:     "mongodb",
			URI:        strings.TrimSpace(sc.URI),
			Database:   strings.TrimSpace(sc.Database),
			Collection: strings.TrimSpace(sc.Collection),
		}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
