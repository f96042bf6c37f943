package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/fieldlink-test.db"
  busy_timeout: 3
api:
  port: 9090
hub:
  buffer_size: 16
  overflow_policy: "drop"
ingest:
  immediate_save_cooldown: 10s
  flush_interval: 250ms
proxy:
  viewer_port_base: 3000
broker:
  bind_host: "127.0.0.1"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/fieldlink-test.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("Database.Driver = %q, want default %q", cfg.Database.Driver, DriverSQLite)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
	if cfg.Hub.BufferSize != 16 || cfg.Hub.OverflowPolicy != OverflowDrop {
		t.Errorf("Hub = %+v", cfg.Hub)
	}
	if cfg.Ingest.ImmediateSaveCooldown != 10*time.Second {
		t.Errorf("ImmediateSaveCooldown = %v, want 10s", cfg.Ingest.ImmediateSaveCooldown)
	}
	if cfg.Ingest.FlushInterval != 250*time.Millisecond {
		t.Errorf("FlushInterval = %v, want 250ms", cfg.Ingest.FlushInterval)
	}
	if cfg.Ingest.MaxPending != 10000 {
		t.Errorf("MaxPending = %d, want default 10000", cfg.Ingest.MaxPending)
	}
	if cfg.Proxy.ViewerPortBase != 3000 {
		t.Errorf("ViewerPortBase = %d, want 3000", cfg.Proxy.ViewerPortBase)
	}
	if cfg.Proxy.ViewerBindHost != "127.0.0.1" {
		t.Errorf("ViewerBindHost = %q, want default", cfg.Proxy.ViewerBindHost)
	}
	if cfg.Broker.BindHost != "127.0.0.1" {
		t.Errorf("Broker.BindHost = %q", cfg.Broker.BindHost)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "database:\n  path: \"/from/file.db\"\n")

	t.Setenv("FIELDLINK_DATABASE_PATH", "/from/env.db")
	t.Setenv("FIELDLINK_API_PORT", "8181")
	t.Setenv("FIELDLINK_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/from/env.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.API.Port != 8181 {
		t.Errorf("API.Port = %d, want 8181", cfg.API.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_BadEnvPort(t *testing.T) {
	path := writeConfig(t, "api:\n  port: 8080\n")
	t.Setenv("FIELDLINK_API_PORT", "eighty")

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for non-numeric FIELDLINK_API_PORT")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: "database.driver",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Database.Driver = DriverPostgres },
			wantErr: "database.postgres.dsn",
		},
		{
			name:    "sqlite without path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "bad qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "bad api port",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: "api.port",
		},
		{
			name:    "unknown overflow policy",
			mutate:  func(c *Config) { c.Hub.OverflowPolicy = "block" },
			wantErr: "hub.overflow_policy",
		},
		{
			name:    "zero flush interval",
			mutate:  func(c *Config) { c.Ingest.FlushInterval = 0 },
			wantErr: "ingest.flush_interval",
		},
		{
			name:    "zero pending cap",
			mutate:  func(c *Config) { c.Ingest.MaxPending = 0 },
			wantErr: "ingest.max_pending",
		},
		{
			name:    "negative retention",
			mutate:  func(c *Config) { c.Ingest.Retention = -time.Hour },
			wantErr: "ingest.retention",
		},
		{
			name:    "influx enabled without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.API.Port = -1
	cfg.Hub.BufferSize = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	for _, want := range []string{"api.port", "hub.buffer_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestTimeoutHelpers(t *testing.T) {
	cfg := Default()
	if got := cfg.GetReadTimeout(); got != 30*time.Second {
		t.Errorf("GetReadTimeout() = %v", got)
	}
	if got := cfg.GetIdleTimeout(); got != 60*time.Second {
		t.Errorf("GetIdleTimeout() = %v", got)
	}
	if got := cfg.WebSocket.PingIntervalDuration(); got != 30*time.Second {
		t.Errorf("PingIntervalDuration() = %v", got)
	}
	if got := cfg.WebSocket.PongTimeoutDuration(); got != 10*time.Second {
		t.Errorf("PongTimeoutDuration() = %v", got)
	}
}
