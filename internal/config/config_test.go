package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ktime.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: "s3cret"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("Expected http port 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.BasePath != "/api/time-tracking" {
		t.Errorf("Expected base path /api/time-tracking, got %s", cfg.Server.BasePath)
	}
	if cfg.Storage.Type != "redis" {
		t.Errorf("Expected storage type redis, got %s", cfg.Storage.Type)
	}
	if cfg.Tracking.MaxReportDays != 92 {
		t.Errorf("Expected max report days 92, got %d", cfg.Tracking.MaxReportDays)
	}
	if cfg.Auth.ElevatedPermission != "time_tracking:manage" {
		t.Errorf("Expected elevated permission time_tracking:manage, got %s", cfg.Auth.ElevatedPermission)
	}
	if cfg.Tracking.SummaryCacheSize != 4096 || cfg.Tracking.ProfileCacheSize != 1024 {
		t.Errorf("Expected cache sizes 4096/1024, got %d/%d", cfg.Tracking.SummaryCacheSize, cfg.Tracking.ProfileCacheSize)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: "s3cret"
storage:
  type: redis
`)

	t.Setenv("KTIME_STORAGE_TYPE", "memory")
	t.Setenv("KTIME_TRACKING_TIME_ZONE", "Europe/Berlin")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.Type != "memory" {
		t.Errorf("Expected storage type memory, got %s", cfg.Storage.Type)
	}
	if cfg.Tracking.TimeZone != "Europe/Berlin" {
		t.Errorf("Expected time zone Europe/Berlin, got %s", cfg.Tracking.TimeZone)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "missing jwt secret",
			body: `auth: {enabled: true}`,
		},
		{
			name: "unknown storage type",
			body: `{auth: {jwt_secret: x}, storage: {type: bolt}}`,
		},
		{
			name: "bad time zone",
			body: `{auth: {jwt_secret: x}, tracking: {time_zone: Mars/Olympus}}`,
		},
		{
			name: "negative max break",
			body: `{auth: {jwt_secret: x}, tracking: {max_break_minutes: -5}}`,
		},
		{
			name: "bad port",
			body: `{auth: {jwt_secret: x}, server: {http_port: 70000}}`,
		},
		{
			name: "zero profile cache",
			body: `{auth: {jwt_secret: x}, tracking: {profile_cache_size: 0}}`,
		},
		{
			name: "notifications without redis",
			body: `{auth: {jwt_secret: x}, storage: {type: memory}, notifications: {enabled: true}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8081
  htp_port: 8082
auth:
  jwt_secret: "s3cret"
tracking:
  rounding_minuts: 15
`)

	unknown, err := UnknownKeys(path)
	if err != nil {
		t.Fatalf("UnknownKeys failed: %v", err)
	}

	want := []string{"server.htp_port", "tracking.rounding_minuts"}
	if len(unknown) != len(want) {
		t.Fatalf("Expected %v, got %v", want, unknown)
	}
	for i := range want {
		if unknown[i] != want[i] {
			t.Errorf("Expected %s at %d, got %s", want[i], i, unknown[i])
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Auth.ElevatedPermission != "time_tracking:manage" {
		t.Errorf("Expected default elevated permission, got %q", cfg.Auth.ElevatedPermission)
	}
	if cfg.RateLimit.Burst != 20 {
		t.Errorf("Expected default burst 20, got %d", cfg.RateLimit.Burst)
	}
}

func TestLoad_SQLite(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: "s3cret"
storage:
  type: sqlite
  sqlite:
    path: /tmp/ktime-test.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Type != "sqlite" {
		t.Errorf("Expected storage type sqlite, got %s", cfg.Storage.Type)
	}
	if cfg.Storage.SQLite.Path != "/tmp/ktime-test.db" {
		t.Errorf("Expected sqlite path /tmp/ktime-test.db, got %s", cfg.Storage.SQLite.Path)
	}
}
