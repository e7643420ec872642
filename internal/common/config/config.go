// Package config provides configuration management for the fleet control
// plane. It supports loading configuration from environment variables,
// config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the server.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Events     EventsConfig     `mapstructure:"events"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Terminal   TerminalConfig   `mapstructure:"terminal"`
	Liveness   LivenessConfig   `mapstructure:"liveness"`
	MockAgents MockAgentsConfig `mapstructure:"mockAgents"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "sqlite" (default) or "postgres"
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds optional NATS event-bus configuration. An empty URL
// selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// AuthConfig holds the JWT-secret configuration consumed by the auth
// layer; the core itself never reads the secret.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DispatchConfig holds command-dispatch defaults.
type DispatchConfig struct {
	// DefaultTimeoutSeconds is used when a caller does not specify a
	// command timeout. Clamped into [1, 300] regardless of this value.
	DefaultTimeoutSeconds int `mapstructure:"defaultTimeoutSeconds"`
	// PendingRetentionSeconds is how long a completed/timed-out command
	// result stays retrievable via the async result endpoint before it
	// is garbage-collected. Defaults to 5 minutes.
	PendingRetentionSeconds int `mapstructure:"pendingRetentionSeconds"`
}

// TerminalConfig holds terminal session defaults.
type TerminalConfig struct {
	SessionTimeoutSeconds int `mapstructure:"sessionTimeoutSeconds"`
	SweepIntervalSeconds  int `mapstructure:"sweepIntervalSeconds"`
	MaxBufferChunks       int `mapstructure:"maxBufferChunks"`
}

// LivenessConfig holds the heartbeat-age classification thresholds.
type LivenessConfig struct {
	OnlineThresholdSeconds  int `mapstructure:"onlineThresholdSeconds"`
	WarningThresholdSeconds int `mapstructure:"warningThresholdSeconds"`
	OfflineThresholdSeconds int `mapstructure:"offlineThresholdSeconds"`
}

// MockAgentsConfig controls the test-mode mock agent subsystem.
type MockAgentsConfig struct {
	Enabled bool     `mapstructure:"enabled"` // MOCK_AGENTS / ENABLE_TEST_MODE
	IDs     []string `mapstructure:"ids"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// DefaultTimeout returns the default command timeout, clamped to
// [1s, 300s] even if misconfigured.
func (d *DispatchConfig) DefaultTimeout() time.Duration {
	secs := d.DefaultTimeoutSeconds
	if secs < 1 {
		secs = 1
	}
	if secs > 300 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// PendingRetention returns the retention window for completed Pending
// Commands.
func (d *DispatchConfig) PendingRetention() time.Duration {
	return time.Duration(d.PendingRetentionSeconds) * time.Second
}

// SessionTimeout returns the terminal inactivity timeout.
func (t *TerminalConfig) SessionTimeout() time.Duration {
	return time.Duration(t.SessionTimeoutSeconds) * time.Second
}

// SweepInterval returns the sweeper tick period.
func (t *TerminalConfig) SweepInterval() time.Duration {
	return time.Duration(t.SweepIntervalSeconds) * time.Second
}

// OnlineThreshold, WarningThreshold, OfflineThreshold return the
// heartbeat-age boundaries as durations.
func (l *LivenessConfig) OnlineThreshold() time.Duration {
	return time.Duration(l.OnlineThresholdSeconds) * time.Second
}

func (l *LivenessConfig) WarningThreshold() time.Duration {
	return time.Duration(l.WarningThresholdSeconds) * time.Second
}

func (l *LivenessConfig) OfflineThreshold() time.Duration {
	return time.Duration(l.OfflineThresholdSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on
// environment. Returns "json" in Kubernetes / production, "text"
// otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FLEET_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./fleetctl.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "fleetctl")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "fleetctl")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "fleetctl-cluster")
	v.SetDefault("nats.clientId", "fleetctl-server")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("dispatch.defaultTimeoutSeconds", 30)
	v.SetDefault("dispatch.pendingRetentionSeconds", 300)

	v.SetDefault("terminal.sessionTimeoutSeconds", 1800)
	v.SetDefault("terminal.sweepIntervalSeconds", 60)
	v.SetDefault("terminal.maxBufferChunks", 1000)

	v.SetDefault("liveness.onlineThresholdSeconds", 30)
	v.SetDefault("liveness.warningThresholdSeconds", 60)
	v.SetDefault("liveness.offlineThresholdSeconds", 60)

	v.SetDefault("mockAgents.enabled", false)
	v.SetDefault("mockAgents.ids", []string{"mock-web-01", "mock-db-01", "mock-dc-01"})
}

// Load reads configuration from environment variables, config file, and
// defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations. Environment variables use the prefix FLEET_ with
// snake_case naming; config file is config.yaml in "." or
// "/etc/fleetctl/".
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("database.path", "DATABASE_URL", "FLEET_DATABASE_PATH")
	_ = v.BindEnv("auth.jwtSecret", "JWT_SECRET", "FLEET_AUTH_JWTSECRET")
	_ = v.BindEnv("mockAgents.enabled", "MOCK_AGENTS", "ENABLE_TEST_MODE")
	_ = v.BindEnv("logging.level", "FLEET_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "FLEET_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fleetctl/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set. In
// development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	// Auth validation - generate random secret if not set (dev mode).
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Dispatch.DefaultTimeoutSeconds <= 0 {
		errs = append(errs, "dispatch.defaultTimeoutSeconds must be positive")
	}
	if cfg.Terminal.SessionTimeoutSeconds <= 0 {
		errs = append(errs, "terminal.sessionTimeoutSeconds must be positive")
	}
	if cfg.Liveness.OfflineThresholdSeconds <= 0 {
		errs = append(errs, "liveness.offlineThresholdSeconds must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevSecret generates a placeholder secret for development mode.
// Not used for anything security-sensitive by the core itself; the auth
// layer is responsible for real secret handling.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
