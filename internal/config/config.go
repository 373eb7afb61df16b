package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sessions SessionsConfig `yaml:"sessions"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	Mock     MockConfig     `yaml:"mock"`
}

type ServerConfig struct {
	Port     int    `yaml:"port" env:"SERVER_PORT"`
	Host     string `yaml:"host" env:"SERVER_HOST"`
	Password string `yaml:"password" env:"SERVER_PASSWORD"`
	// MaxConnections caps concurrent websocket connections; 0 is unlimited.
	MaxConnections int      `yaml:"max_connections" env:"SERVER_MAX_CONNECTIONS"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"SERVER_ALLOWED_ORIGINS"`
}

type SessionsConfig struct {
	ResumeTimeout        time.Duration `yaml:"resume_timeout" env:"SESSIONS_RESUME_TIMEOUT"`
	MaxPendingMessages   int           `yaml:"max_pending_messages" env:"SESSIONS_MAX_PENDING_MESSAGES"`
	StatsInterval        time.Duration `yaml:"stats_interval" env:"SESSIONS_STATS_INTERVAL"`
	PlayerUpdateInterval time.Duration `yaml:"player_update_interval" env:"SESSIONS_PLAYER_UPDATE_INTERVAL"`
}

type MetricsConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

type PrometheusConfig struct {
	Enabled  bool   `yaml:"enabled" env:"METRICS_PROMETHEUS_ENABLED"`
	Endpoint string `yaml:"endpoint" env:"METRICS_PROMETHEUS_ENDPOINT"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOGGING_LEVEL"`
	Format string `yaml:"format" env:"LOGGING_FORMAT"`
}

// MockConfig drives the simulated players and media backend used when the
// node runs without a real audio engine.
type MockConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" env:"MOCK_TICK_INTERVAL"`
	ReadyDelay   time.Duration `yaml:"ready_delay" env:"MOCK_READY_DELAY"`
	// RoutePlannerBlock is an IPv4 CIDR. Empty disables the route planner.
	RoutePlannerBlock string `yaml:"route_planner_block" env:"MOCK_ROUTE_PLANNER_BLOCK"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     2333,
			Host:     "0.0.0.0",
			Password: "youshallnotpass",
		},
		Sessions: SessionsConfig{
			ResumeTimeout:        60 * time.Second,
			MaxPendingMessages:   10000,
			StatsInterval:        time.Minute,
			PlayerUpdateInterval: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Prometheus: PrometheusConfig{
				Enabled:  false,
				Endpoint: "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Mock: MockConfig{
			TickInterval: time.Second,
			ReadyDelay:   100 * time.Millisecond,
		},
	}
}

// Load reads the yaml file at path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// ApplyEnv overrides fields from the environment variables named in their
// env tags. Unset variables leave the field alone.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.Password == "" {
		errs = append(errs, errors.New("server.password must not be empty"))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if c.Sessions.ResumeTimeout <= 0 {
		errs = append(errs, errors.New("sessions.resume_timeout must be positive"))
	}
	if c.Sessions.MaxPendingMessages < 0 {
		errs = append(errs, errors.New("sessions.max_pending_messages must not be negative"))
	}
	if c.Sessions.StatsInterval <= 0 {
		errs = append(errs, errors.New("sessions.stats_interval must be positive"))
	}
	if c.Sessions.PlayerUpdateInterval <= 0 {
		errs = append(errs, errors.New("sessions.player_update_interval must be positive"))
	}
	if c.Metrics.Prometheus.Enabled && !strings.HasPrefix(c.Metrics.Prometheus.Endpoint, "/") {
		errs = append(errs, fmt.Errorf("metrics.prometheus.endpoint %q must start with /", c.Metrics.Prometheus.Endpoint))
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not text or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger on w.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
