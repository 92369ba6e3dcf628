package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liase/internal/config"
	"liase/internal/jobs"
	"liase/internal/recurrence"
	"liase/internal/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "liase.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const baseYAML = `
logging:
  level: error
scheduler:
  enabled: true
  tick: 20ms
  timezone: UTC
queues:
  search:
    capacity: 1
organizations:
  acme:
    timezone: Europe/Berlin
    priority: high
jobs:
  - name: ping
    kind: ping
    schedule: interval:50ms
    org_id: acme
    queue: search
`

func TestAppRunsSeededJobs(t *testing.T) {
	var calls atomic.Int32
	ping := func(ctx context.Context, rec jobs.Record) (string, error) {
		calls.Add(1)
		return "pong", nil
	}
	a, err := New(writeConfig(t, baseYAML), WithHandler("ping", ping), WithQuietLogs())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	var rec jobs.Record
	require.Eventually(t, func() bool {
		rec, err = a.Scheduler().JobByName(ctx, "ping")
		return err == nil && rec.RunCount >= 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, int(calls.Load()), 2)
	assert.Equal(t, "Europe/Berlin", rec.Timezone)
	assert.Equal(t, "search", rec.Queue)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
}

func TestAdminServesStatus(t *testing.T) {
	body := baseYAML + "admin:\n  enabled: true\n  addr: 127.0.0.1:0\n"
	a, err := New(writeConfig(t, body), WithHandler("ping", func(context.Context, jobs.Record) (string, error) { return "", nil }), WithQuietLogs())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	require.Eventually(t, func() bool { return a.admin.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + a.admin.Addr() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap struct {
		Enabled bool `json:"enabled"`
		Queues  []struct {
			Name     string `json:"name"`
			Capacity int    `json:"capacity"`
		} `json:"queues"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.True(t, snap.Enabled)
	names := make([]string, 0, len(snap.Queues))
	for _, q := range snap.Queues {
		names = append(names, q.Name)
	}
	assert.Contains(t, names, "search")
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(writeConfig(t, baseYAML), WithQuietLogs())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no handler for "ping"`)
}

func TestSeedUpsertsByName(t *testing.T) {
	a, err := New(writeConfig(t, baseYAML), WithHandler("ping", func(context.Context, jobs.Record) (string, error) { return "", nil }), WithQuietLogs())
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	require.NoError(t, a.seed(ctx, a.Config(), nil))
	first, err := a.Scheduler().JobByName(ctx, "ping")
	require.NoError(t, err)
	require.NoError(t, a.seed(ctx, a.Config(), nil))

	all, err := a.Store().Load(ctx, storage.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, first.ID, all[0].ID)
}

func TestApplyConfig(t *testing.T) {
	a, err := New(writeConfig(t, baseYAML), WithHandler("ping", func(context.Context, jobs.Record) (string, error) { return "", nil }), WithQuietLogs())
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	prev := a.Config()
	require.NoError(t, a.seed(ctx, prev, nil))

	nextYAML := strings.Replace(baseYAML, "capacity: 1", "capacity: 3", 1)
	nextYAML = strings.Replace(nextYAML, "interval:50ms", "daily@09:00", 1)
	next, err := config.ParseBytes("liase.yaml", []byte(nextYAML))
	require.NoError(t, err)

	a.applyConfig(ctx, prev, next)

	assert.Equal(t, 3, a.queues.Get("search").Status().Capacity)
	rec, err := a.Scheduler().JobByName(ctx, "ping")
	require.NoError(t, err)
	assert.Equal(t, recurrence.Calendar{Period: recurrence.Daily, At: recurrence.TimeOfDay{Hour: 9}}, rec.Schedule)
	require.NotNil(t, rec.NextRunAt)
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	ping := WithHandler("ping", func(context.Context, jobs.Record) (string, error) { return "", nil })
	tests := []struct {
		name string
		edit func(c *config.Config)
		want string
	}{
		{"ok", func(c *config.Config) {}, ""},
		{"unknown queue", func(c *config.Config) { c.Jobs[0].Queue = "nope" }, "unknown queue"},
		{"bad cron", func(c *config.Config) { c.Jobs[0].Schedule = "99 * * * *" }, "jobs.ping.schedule"},
		{"unknown kind", func(c *config.Config) { c.Jobs[0].Kind = "other" }, "no handler"},
		{"rate limit kind", func(c *config.Config) {
			c.Executor.RateLimits = map[string]config.RateLimit{"other": {PerSec: 1}}
		}, "executor.rate_limits.other"},
		{"bad priority", func(c *config.Config) {
			c.Organizations["acme"] = config.OrganizationConfig{Priority: "urgent"}
		}, "organizations.acme.priority"},
		{"exposed admin", func(c *config.Config) {
			c.Admin = config.AdminConfig{Enabled: true, Addr: "0.0.0.0:6060"}
		}, "requires token"},
		{"sqlite without path", func(c *config.Config) {
			c.Storage = &config.StorageConfig{Driver: "sqlite"}
		}, "storage.path"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := config.ParseBytes("liase.yaml", []byte(baseYAML))
			if err != nil {
				t.Fatalf("ParseBytes: %v", err)
			}
			tc.edit(cfg)
			err = ValidateConfig(cfg, ping)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("ValidateConfig = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("ValidateConfig = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      *config.StorageConfig
		driver  string
		wantErr bool
	}{
		{nil, "memory", false},
		{&config.StorageConfig{Driver: "none"}, "memory", false},
		{&config.StorageConfig{Driver: "file", Path: "/tmp/liase"}, "file", false},
		{&config.StorageConfig{Driver: "file"}, "", true},
		{&config.StorageConfig{Driver: "SQLite3", Path: "x.db"}, "sqlite", false},
		{&config.StorageConfig{Driver: "mongo", URI: "mongodb://localhost"}, "mongodb", false},
		{&config.StorageConfig{Driver: "mongodb"}, "", true},
		{&config.StorageConfig{Driver: "redis"}, "", true},
	}
	for _, tc := range tests {
		got, err := mapStorageConfig(&config.Config{Storage: tc.in})
		if (err != nil) != tc.wantErr {
			t.Fatalf("mapStorageConfig(%+v) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got.Driver != tc.driver {
			t.Fatalf("mapStorageConfig(%+v).Driver = %q, want %q", tc.in, got.Driver, tc.driver)
		}
	}
	got, _ := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Path: "x.db"}})
	if got.BusyTimeout != time.Second {
		t.Fatalf("BusyTimeout = %v, want 1s", got.BusyTimeout)
	}
}
