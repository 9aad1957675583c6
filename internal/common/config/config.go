// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Events     EventsConfig     `mapstructure:"events"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Watchdog   WatchdogConfig   `mapstructure:"watchdog"`
	Planning   PlanningConfig   `mapstructure:"planning"`
	Automation AutomationConfig `mapstructure:"automation"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration. Driver selects
// between embedded SQLite (default) and Postgres (via the pgx driver) for
// the single *sql.DB the Task Store and Activity Log share.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
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

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WatchdogConfig holds the default timer durations for the five layered
// execution watchdogs. Workspaces
// do not currently override these; they are process-wide defaults.
type WatchdogConfig struct {
	NoFirstEvent      time.Duration `mapstructure:"noFirstEvent"`
	StreamSilence     time.Duration `mapstructure:"streamSilence"`
	ToolExecution     time.Duration `mapstructure:"toolExecution"`
	PostTool          time.Duration `mapstructure:"postTool"`
	MaxTurnDuration   time.Duration `mapstructure:"maxTurnDuration"`
	EchoDedupWindow   time.Duration `mapstructure:"echoDedupWindow"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
}

// PlanningConfig holds default guardrails for the planning pipeline.
type PlanningConfig struct {
	MaxToolCalls          int           `mapstructure:"maxToolCalls"`
	TimeoutMs             int           `mapstructure:"timeoutMs"`
	CompactionTimeout     time.Duration `mapstructure:"compactionTimeout"`
	MaxAcceptanceCriteria int           `mapstructure:"maxAcceptanceCriteria"`
}

// AutomationConfig holds the global default workflow policy; workspaces and
// tasks may override any field (nil override means "inherit").
type AutomationConfig struct {
	ReadyLimit       int  `mapstructure:"readyLimit"`
	ExecutingLimit   int  `mapstructure:"executingLimit"`
	BacklogToReady   bool `mapstructure:"backlogToReady"`
	ReadyToExecuting bool `mapstructure:"readyToExecuting"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ORCH_ENV"); env == "production" || env == "prod" {
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
	v.SetDefault("database.path", "./orchestrator.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "orchestrator")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "orchestrator")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "orchestrator-cluster")
	v.SetDefault("nats.clientId", "orchestrator-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Watchdog defaults.
	v.SetDefault("watchdog.noFirstEvent", 20*time.Second)
	v.SetDefault("watchdog.streamSilence", 60*time.Second)
	v.SetDefault("watchdog.toolExecution", 120*time.Second)
	v.SetDefault("watchdog.postTool", 120*time.Second)
	v.SetDefault("watchdog.maxTurnDuration", 600*time.Second)
	v.SetDefault("watchdog.echoDedupWindow", 2500*time.Millisecond)
	v.SetDefault("watchdog.heartbeatInterval", 15*time.Second)

	// Planning guardrail defaults.
	v.SetDefault("planning.maxToolCalls", 25)
	v.SetDefault("planning.timeoutMs", int((10 * time.Minute).Milliseconds()))
	v.SetDefault("planning.compactionTimeout", 90*time.Second)
	v.SetDefault("planning.maxAcceptanceCriteria", 7)

	// Automation defaults.
	v.SetDefault("automation.readyLimit", 5)
	v.SetDefault("automation.executingLimit", 1)
	v.SetDefault("automation.backlogToReady", false)
	v.SetDefault("automation.readyToExecuting", false)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ORCH_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "ORCH_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "ORCH_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchestrator/")

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
	} else if cfg.Database.Driver != "sqlite" {
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Automation.ExecutingLimit <= 0 {
		errs = append(errs, "automation.executingLimit must be positive")
	}
	if cfg.Automation.ReadyLimit <= 0 {
		errs = append(errs, "automation.readyLimit must be positive")
	}
	if cfg.Planning.MaxToolCalls <= 0 {
		errs = append(errs, "planning.maxToolCalls must be positive")
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
