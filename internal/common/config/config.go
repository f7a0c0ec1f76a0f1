// Package config provides configuration management for Troupe.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Troupe.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	NATS      NATSConfig      `mapstructure:"nats"`
	History   HistoryConfig   `mapstructure:"history"`
	Apps      AppsConfig      `mapstructure:"apps"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ReadTimeout     int    `mapstructure:"readTimeout"`     // in seconds
	WriteTimeout    int    `mapstructure:"writeTimeout"`    // in seconds
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RuntimeConfig holds agent runtime configuration: where state lives and
// how assistant subprocesses are launched and supervised.
type RuntimeConfig struct {
	// RootDir is the state root. Networks, project memory, and permission
	// settings are persisted beneath it. Default: ~/.troupe
	RootDir string `mapstructure:"rootDir"`

	// AssistantCommand is the assistant CLI executable launched per agent.
	AssistantCommand string `mapstructure:"assistantCommand"`

	// AssistantArgs are extra arguments prepended before the protocol flags.
	AssistantArgs []string `mapstructure:"assistantArgs"`

	// AgentsDir holds user-defined agent definition files.
	// Empty means <rootDir>/agents.
	AgentsDir string `mapstructure:"agentsDir"`

	SpawnTimeout  int `mapstructure:"spawnTimeout"`  // seconds to wait for session init
	AbortGrace    int `mapstructure:"abortGrace"`    // seconds between interrupt and SIGKILL
	InboxSize     int `mapstructure:"inboxSize"`     // queued messages per agent
	FanoutBuffer  int `mapstructure:"fanoutBuffer"`  // buffered events per stream subscriber
	MaxSpawnDepth int `mapstructure:"maxSpawnDepth"` // sub-agent nesting limit
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// HistoryConfig holds the transcript archive configuration.
type HistoryConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Driver        string `mapstructure:"driver"`        // sqlite, postgres
	DSN           string `mapstructure:"dsn"`           // empty sqlite DSN means <rootDir>/history.db
	RetentionDays int    `mapstructure:"retentionDays"` // 0 keeps events forever
}

// RetentionDuration converts the retention window to a duration.
func (h HistoryConfig) RetentionDuration() time.Duration {
	return time.Duration(h.RetentionDays) * 24 * time.Hour
}

// AppsConfig holds the task-app runtime configuration.
type AppsConfig struct {
	Backend        string `mapstructure:"backend"`        // process, docker
	DefaultCommand string `mapstructure:"defaultCommand"` // app command when app_start gives none
	LogBufferBytes int    `mapstructure:"logBufferBytes"` // ring buffer per app
	StopGrace      int    `mapstructure:"stopGrace"`      // seconds between SIGTERM and SIGKILL
	DockerHost     string `mapstructure:"dockerHost"`
	DockerAPI      string `mapstructure:"dockerApi"`
}

// TelemetryConfig holds OpenTelemetry tracing configuration.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"` // OTLP/HTTP, host:port
	ServiceName string  `mapstructure:"serviceName"`
	SampleRatio float64 `mapstructure:"sampleRatio"`
	Insecure    bool    `mapstructure:"insecure"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ShutdownTimeoutDuration returns the shutdown timeout as a time.Duration.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// SpawnTimeoutDuration returns the session spawn timeout as a time.Duration.
func (r *RuntimeConfig) SpawnTimeoutDuration() time.Duration {
	return time.Duration(r.SpawnTimeout) * time.Second
}

// AbortGraceDuration returns the abort grace period as a time.Duration.
func (r *RuntimeConfig) AbortGraceDuration() time.Duration {
	return time.Duration(r.AbortGrace) * time.Second
}

// StopGraceDuration returns the app stop grace period as a time.Duration.
func (a *AppsConfig) StopGraceDuration() time.Duration {
	return time.Duration(a.StopGrace) * time.Second
}

// RootDirExpanded returns RootDir with a leading ~ expanded to the
// user's home directory.
func (r *RuntimeConfig) RootDirExpanded() string {
	return expandHome(r.RootDir)
}

// AgentsDirExpanded returns the agent definitions directory, defaulting
// to <rootDir>/agents.
func (r *RuntimeConfig) AgentsDirExpanded() string {
	if r.AgentsDir == "" {
		return filepath.Join(r.RootDirExpanded(), "agents")
	}
	return expandHome(r.AgentsDir)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "console" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TROUPE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "console"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 4271)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.shutdownTimeout", 20)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Runtime defaults
	v.SetDefault("runtime.rootDir", "~/.troupe")
	v.SetDefault("runtime.assistantCommand", "claude")
	v.SetDefault("runtime.assistantArgs", []string{})
	v.SetDefault("runtime.agentsDir", "")
	v.SetDefault("runtime.spawnTimeout", 10)
	v.SetDefault("runtime.abortGrace", 2)
	v.SetDefault("runtime.inboxSize", 64)
	v.SetDefault("runtime.fanoutBuffer", 256)
	v.SetDefault("runtime.maxSpawnDepth", 3)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "troupe")
	v.SetDefault("nats.maxReconnects", 10)

	// History defaults
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.driver", "sqlite")
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.retentionDays", 0)

	// App runtime defaults
	v.SetDefault("apps.backend", "process")
	v.SetDefault("apps.defaultCommand", "")
	v.SetDefault("apps.logBufferBytes", 2*1024*1024)
	v.SetDefault("apps.stopGrace", 5)
	v.SetDefault("apps.dockerHost", "unix:///var/run/docker.sock")
	v.SetDefault("apps.dockerApi", "1.41")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.serviceName", "troupe")
	v.SetDefault("telemetry.sampleRatio", 1.0)
	v.SetDefault("telemetry.insecure", true)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TROUPE_ with snake_case naming.
// The config file is troupe.yaml in the current directory, ~/.troupe/, or /etc/troupe/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("TROUPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("runtime.rootDir", "TROUPE_RUNTIME_ROOT_DIR")
	_ = v.BindEnv("runtime.assistantCommand", "TROUPE_ASSISTANT_COMMAND")
	_ = v.BindEnv("history.dsn", "TROUPE_HISTORY_DSN")
	_ = v.BindEnv("history.retentionDays", "TROUPE_HISTORY_RETENTION_DAYS")
	_ = v.BindEnv("telemetry.endpoint", "TROUPE_TELEMETRY_ENDPOINT")

	// Configure config file
	v.SetConfigName("troupe")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".troupe"))
	}
	v.AddConfigPath("/etc/troupe/")

	// Read config file (ignore if not found)
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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdownTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console")
	}

	if cfg.Runtime.RootDir == "" {
		errs = append(errs, "runtime.rootDir is required")
	}
	if cfg.Runtime.AssistantCommand == "" {
		errs = append(errs, "runtime.assistantCommand is required")
	}
	if cfg.Runtime.SpawnTimeout <= 0 {
		errs = append(errs, "runtime.spawnTimeout must be positive")
	}
	if cfg.Runtime.AbortGrace <= 0 {
		errs = append(errs, "runtime.abortGrace must be positive")
	}
	if cfg.Runtime.InboxSize <= 0 {
		errs = append(errs, "runtime.inboxSize must be positive")
	}
	if cfg.Runtime.FanoutBuffer <= 0 {
		errs = append(errs, "runtime.fanoutBuffer must be positive")
	}
	if cfg.Runtime.MaxSpawnDepth <= 0 {
		errs = append(errs, "runtime.maxSpawnDepth must be positive")
	}

	if cfg.History.Enabled {
		switch cfg.History.Driver {
		case "sqlite":
			// empty DSN defaults to <rootDir>/history.db
		case "postgres":
			if cfg.History.DSN == "" {
				errs = append(errs, "history.dsn is required for the postgres driver")
			}
		default:
			errs = append(errs, "history.driver must be one of: sqlite, postgres")
		}
		if cfg.History.RetentionDays < 0 {
			errs = append(errs, "history.retentionDays cannot be negative")
		}
	}

	switch cfg.Apps.Backend {
	case "process", "docker":
	default:
		errs = append(errs, "apps.backend must be one of: process, docker")
	}
	if cfg.Apps.LogBufferBytes <= 0 {
		errs = append(errs, "apps.logBufferBytes must be positive")
	}

	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		errs = append(errs, "telemetry.sampleRatio must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
