package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9090
  host: "127.0.0.1"
  password: "hunter2"
  allowed_origins:
    - "https://dash.example.com"
sessions:
  resume_timeout: 2m
  max_pending_messages: 50
metrics:
  prometheus:
    enabled: true
logging:
  format: json
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Password != "hunter2" {
		t.Errorf("Server.Password = %q, want %q", cfg.Server.Password, "hunter2")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://dash.example.com" {
		t.Errorf("Server.AllowedOrigins = %v, want [https://dash.example.com]", cfg.Server.AllowedOrigins)
	}
	if cfg.Sessions.ResumeTimeout != 2*time.Minute {
		t.Errorf("Sessions.ResumeTimeout = %v, want 2m", cfg.Sessions.ResumeTimeout)
	}
	if cfg.Sessions.MaxPendingMessages != 50 {
		t.Errorf("Sessions.MaxPendingMessages = %d, want 50", cfg.Sessions.MaxPendingMessages)
	}
	if !cfg.Metrics.Prometheus.Enabled {
		t.Error("Metrics.Prometheus.Enabled = false, want true")
	}

	// Defaults should still be applied for unspecified fields.
	if cfg.Metrics.Prometheus.Endpoint != "/metrics" {
		t.Errorf("Metrics.Prometheus.Endpoint = %q, want default /metrics", cfg.Metrics.Prometheus.Endpoint)
	}
	if cfg.Sessions.StatsInterval != time.Minute {
		t.Errorf("Sessions.StatsInterval = %v, want default 1m", cfg.Sessions.StatsInterval)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want default info", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() on missing file should return error")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error: %v", err)
	}

	if cfg.Server.Port != 2333 {
		t.Errorf("Server.Port = %d, want default 2333", cfg.Server.Port)
	}
	if cfg.Sessions.ResumeTimeout != 60*time.Second {
		t.Errorf("Sessions.ResumeTimeout = %v, want default 60s", cfg.Sessions.ResumeTimeout)
	}
	if cfg.Metrics.Prometheus.Enabled {
		t.Error("Metrics.Prometheus.Enabled = true, want default false")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte(":::not valid yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
	if _, err := LoadOrDefault(cfgPath); err == nil {
		t.Fatal("LoadOrDefault() with invalid YAML should return error")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SERVER_PASSWORD", "from-env")
	t.Setenv("SERVER_PORT", "8081")
	t.Setenv("SERVER_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("METRICS_PROMETHEUS_ENABLED", "true")
	t.Setenv("SESSIONS_STATS_INTERVAL", "15s")

	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv() error: %v", err)
	}

	if cfg.Server.Password != "from-env" {
		t.Errorf("Server.Password = %q, want from-env", cfg.Server.Password)
	}
	if cfg.Server.Port != 8081 {
		t.Errorf("Server.Port = %d, want 8081", cfg.Server.Port)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("Server.AllowedOrigins = %v, want two entries", cfg.Server.AllowedOrigins)
	}
	if !cfg.Metrics.Prometheus.Enabled {
		t.Error("Metrics.Prometheus.Enabled = false, want true")
	}
	if cfg.Sessions.StatsInterval != 15*time.Second {
		t.Errorf("Sessions.StatsInterval = %v, want 15s", cfg.Sessions.StatsInterval)
	}

	// Unset variables keep the current value.
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want 0.0.0.0", cfg.Server.Host)
	}
}

func TestApplyEnvInvalidValue(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-port")

	cfg := Default()
	if err := cfg.ApplyEnv(); err == nil {
		t.Fatal("ApplyEnv() with invalid port should return error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "port too large", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "server.port"},
		{name: "empty password", mutate: func(c *Config) { c.Server.Password = "" }, wantErr: "server.password"},
		{name: "negative max connections", mutate: func(c *Config) { c.Server.MaxConnections = -1 }, wantErr: "server.max_connections"},
		{name: "zero resume timeout", mutate: func(c *Config) { c.Sessions.ResumeTimeout = 0 }, wantErr: "sessions.resume_timeout"},
		{name: "negative queue", mutate: func(c *Config) { c.Sessions.MaxPendingMessages = -5 }, wantErr: "sessions.max_pending_messages"},
		{name: "zero stats interval", mutate: func(c *Config) { c.Sessions.StatsInterval = 0 }, wantErr: "sessions.stats_interval"},
		{name: "zero update interval", mutate: func(c *Config) { c.Sessions.PlayerUpdateInterval = 0 }, wantErr: "sessions.player_update_interval"},
		{
			name: "relative metrics endpoint",
			mutate: func(c *Config) {
				c.Metrics.Prometheus.Enabled = true
				c.Metrics.Prometheus.Endpoint = "metrics"
			},
			wantErr: "metrics.prometheus.endpoint",
		},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestAddr(t *testing.T) {
	cfg := Default()
	cfg.Server.Host = "::1"
	cfg.Server.Port = 2333
	if got := cfg.Addr(); got != "[::1]:2333" {
		t.Errorf("Addr() = %q, want [::1]:2333", got)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", slog.String("session_id", "abc"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"session_id":"abc"`) {
		t.Errorf("json output missing attribute: %s", out)
	}
}
