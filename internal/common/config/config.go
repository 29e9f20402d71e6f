// Package config provides configuration management for Loom.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Loom.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backend: "sqlite" (default) or "postgres".
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlitePath"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
	MaxConns   int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AgentConfig holds worker process configuration.
type AgentConfig struct {
	// Binary is the CLI executable spawned for each run.
	Binary string `mapstructure:"binary"`

	// DefaultModel is used when a thread does not specify a model.
	DefaultModel string `mapstructure:"defaultModel"`

	// DefaultPermissionMode is used when a thread does not specify one.
	DefaultPermissionMode string `mapstructure:"defaultPermissionMode"`

	// WorkspaceRoot is the base directory for per-thread working directories.
	WorkspaceRoot string `mapstructure:"workspaceRoot"`

	// HandshakeTimeout is how long to wait for the worker's init message, in seconds.
	// A slow handshake is logged but does not fail the run.
	HandshakeTimeout int `mapstructure:"handshakeTimeout"`

	// ToolProfilesPath points to a YAML file with named allowed/disallowed tool sets.
	ToolProfilesPath string `mapstructure:"toolProfilesPath"`
}

// HandshakeTimeoutDuration returns the handshake timeout as a time.Duration.
func (a *AgentConfig) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(a.HandshakeTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("LOOM_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlitePath", "loom.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "loom")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "loom")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "loom-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.defaultModel", "")
	v.SetDefault("agent.defaultPermissionMode", "default")
	v.SetDefault("agent.workspaceRoot", "")
	v.SetDefault("agent.handshakeTimeout", 30)
	v.SetDefault("agent.toolProfilesPath", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix LOOM_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/loom/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.sqlitePath", "LOOM_DATABASE_SQLITE_PATH")
	_ = v.BindEnv("database.dbName", "LOOM_DATABASE_DB_NAME")
	_ = v.BindEnv("agent.defaultModel", "LOOM_AGENT_DEFAULT_MODEL")
	_ = v.BindEnv("agent.defaultPermissionMode", "LOOM_AGENT_DEFAULT_PERMISSION_MODE")
	_ = v.BindEnv("agent.workspaceRoot", "LOOM_AGENT_WORKSPACE_ROOT")
	_ = v.BindEnv("agent.handshakeTimeout", "LOOM_AGENT_HANDSHAKE_TIMEOUT")
	_ = v.BindEnv("agent.toolProfilesPath", "LOOM_AGENT_TOOL_PROFILES_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/loom/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.SQLitePath == "" {
			errs = append(errs, "database.sqlitePath is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}
	if cfg.Agent.HandshakeTimeout <= 0 {
		errs = append(errs, "agent.handshakeTimeout must be positive")
	}

	// NATS validation - optional (uses in-memory event bus if not set)

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
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
