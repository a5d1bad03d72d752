// Package config provides configuration management for Kagan.
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

// Config holds all configuration sections for the Kagan core service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	General  GeneralConfig  `mapstructure:"general"`
	Plugins  PluginsConfig  `mapstructure:"plugins"`
}

// ServerConfig holds the IPC endpoint configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database configuration. Driver is sqlite or postgres.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
}

// EventsConfig holds event bus configuration. Empty NATSUrl selects the
// in-memory bus.
type EventsConfig struct {
	NATSUrl       string `mapstructure:"natsUrl"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
}

// PluginsConfig holds plugin discovery configuration.
type PluginsConfig struct {
	Dir string `mapstructure:"dir"`
}

// GeneralConfig holds the orchestration options recognized by the core.
type GeneralConfig struct {
	MaxConcurrentAgents           int               `mapstructure:"maxConcurrentAgents"`
	DefaultBaseBranch             string            `mapstructure:"defaultBaseBranch"`
	DefaultWorkerAgent            string            `mapstructure:"defaultWorkerAgent"`
	DefaultPairTerminalBackend    string            `mapstructure:"defaultPairTerminalBackend"`
	WorktreeBaseRefStrategy       string            `mapstructure:"worktreeBaseRefStrategy"`
	AutoReview                    bool              `mapstructure:"autoReview"`
	AutoApprove                   bool              `mapstructure:"autoApprove"`
	RequireReviewApproval         bool              `mapstructure:"requireReviewApproval"`
	SerializeMerges               bool              `mapstructure:"serializeMerges"`
	DefaultModels                 map[string]string `mapstructure:"defaultModels"`
	CoreIdleTimeoutSeconds        int               `mapstructure:"coreIdleTimeoutSeconds"`
	TasksWaitDefaultTimeoutSecs   int               `mapstructure:"tasksWaitDefaultTimeoutSeconds"`
	TasksWaitMaxTimeoutSecs       int               `mapstructure:"tasksWaitMaxTimeoutSeconds"`
	ScratchpadLimitBytes          int               `mapstructure:"scratchpadLimitBytes"`
	AutomationGraceSeconds        int               `mapstructure:"automationGraceSeconds"`
	ProcessDefaultTimeoutSeconds  int               `mapstructure:"processDefaultTimeoutSeconds"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleTimeout returns the idle-exit timer duration; zero disables it.
func (g *GeneralConfig) IdleTimeout() time.Duration {
	return time.Duration(g.CoreIdleTimeoutSeconds) * time.Second
}

// AutomationGrace returns the grace period for agent cancellation.
func (g *GeneralConfig) AutomationGrace() time.Duration {
	return time.Duration(g.AutomationGraceSeconds) * time.Second
}

// ProcessTimeout returns the default subprocess timeout.
func (g *GeneralConfig) ProcessTimeout() time.Duration {
	return time.Duration(g.ProcessDefaultTimeoutSeconds) * time.Second
}

// DefaultModel returns the configured model override for an agent, if any.
func (g *GeneralConfig) DefaultModel(agent string) string {
	if g.DefaultModels == nil {
		return ""
	}
	return g.DefaultModels[strings.ToLower(agent)]
}

// detectDefaultLogFormat returns json for production, text for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("KAGAN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./kagan.db"
	}
	return filepath.Join(home, ".kagan", "kagan.db")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7117)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", defaultDBPath())
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "kagan")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "kagan")
	v.SetDefault("database.sslMode", "disable")

	// Empty URL means use the in-memory event bus
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clientId", "kagan-core")
	v.SetDefault("events.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlpEndpoint", "localhost:4318")

	v.SetDefault("plugins.dir", "")

	v.SetDefault("general.maxConcurrentAgents", 3)
	v.SetDefault("general.defaultBaseBranch", "main")
	v.SetDefault("general.defaultWorkerAgent", "claude")
	v.SetDefault("general.defaultPairTerminalBackend", "")
	v.SetDefault("general.worktreeBaseRefStrategy", "remote")
	v.SetDefault("general.autoReview", true)
	v.SetDefault("general.autoApprove", false)
	v.SetDefault("general.requireReviewApproval", false)
	v.SetDefault("general.serializeMerges", true)
	v.SetDefault("general.coreIdleTimeoutSeconds", 0)
	v.SetDefault("general.tasksWaitDefaultTimeoutSeconds", 60)
	v.SetDefault("general.tasksWaitMaxTimeoutSeconds", 600)
	v.SetDefault("general.scratchpadLimitBytes", 65536)
	v.SetDefault("general.automationGraceSeconds", 10)
	v.SetDefault("general.processDefaultTimeoutSeconds", 0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KAGAN_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.kagan/, or /etc/kagan/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("KAGAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	_ = v.BindEnv("database.driver", "KAGAN_DB_DRIVER")
	_ = v.BindEnv("database.path", "KAGAN_DB_PATH")
	_ = v.BindEnv("events.natsUrl", "KAGAN_NATS_URL")
	_ = v.BindEnv("general.maxConcurrentAgents", "KAGAN_MAX_CONCURRENT_AGENTS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".kagan"))
	}
	v.AddConfigPath("/etc/kagan/")

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

// validate checks configuration consistency. Most fields are optional and
// defaulted; only values that would break the service are rejected.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "database.driver must be sqlite or postgres")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.General.MaxConcurrentAgents <= 0 {
		errs = append(errs, "general.maxConcurrentAgents must be positive")
	}
	switch cfg.General.WorktreeBaseRefStrategy {
	case "remote", "local", "local_if_ahead":
	default:
		errs = append(errs, "general.worktreeBaseRefStrategy must be one of: remote, local, local_if_ahead")
	}
	switch cfg.General.DefaultPairTerminalBackend {
	case "", "tmux", "vscode", "cursor":
	default:
		errs = append(errs, "general.defaultPairTerminalBackend must be one of: tmux, vscode, cursor")
	}
	if cfg.General.TasksWaitMaxTimeoutSecs < cfg.General.TasksWaitDefaultTimeoutSecs {
		errs = append(errs, "general.tasksWaitMaxTimeoutSeconds must be >= tasksWaitDefaultTimeoutSeconds")
	}
	if cfg.General.ScratchpadLimitBytes <= 0 {
		errs = append(errs, "general.scratchpadLimitBytes must be positive")
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
