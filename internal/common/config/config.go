// Package config provides configuration management for agentmux.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentmux.
type Config struct {
	Logging  LoggingConfig          `mapstructure:"logging"`
	Database DatabaseConfig         `mapstructure:"database"`
	Bus      BusConfig              `mapstructure:"bus"`
	Session  SessionConfig          `mapstructure:"session"`
	Agents   map[string]AgentConfig `mapstructure:"agents"`
	Task     TaskConfig             `mapstructure:"task"`
	Bridge   BridgeConfig           `mapstructure:"bridge"`
	Recovery RecoveryConfig         `mapstructure:"recovery"`
	Watchdog WatchdogConfig         `mapstructure:"watchdog"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DatabaseConfig holds persistence configuration.
// Driver "sqlite" uses Path; driver "postgres" uses the connection fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// BusConfig holds message bus configuration.
// An empty NATS URL selects the in-memory event bus.
type BusConfig struct {
	SubjectSeparator string     `mapstructure:"subject_separator"`
	NATS             NATSConfig `mapstructure:"nats"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	Name          string `mapstructure:"name"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// SessionConfig holds terminal session adapter configuration.
// Backend "tmux" shells out to the tmux binary; "local" embeds PTY sessions.
type SessionConfig struct {
	Backend string          `mapstructure:"backend"`
	Tmux    TmuxConfig      `mapstructure:"tmux"`
	Local   LocalPaneConfig `mapstructure:"local"`
}

// TmuxConfig holds tmux client configuration.
type TmuxConfig struct {
	Socket string `mapstructure:"socket"` // optional -L socket name
}

// LocalPaneConfig holds pane dimensions for the embedded PTY backend.
type LocalPaneConfig struct {
	Cols int `mapstructure:"cols"`
	Rows int `mapstructure:"rows"`
}

// AgentConfig maps an agent id to its session and per-agent overrides.
type AgentConfig struct {
	Session        string `mapstructure:"session"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
}

// TaskConfig holds task-level defaults.
type TaskConfig struct {
	Timeout TimeoutConfig `mapstructure:"timeout"`
	Retry   RetryConfig   `mapstructure:"retry"`
}

// TimeoutConfig holds the default task deadline.
type TimeoutConfig struct {
	DefaultSeconds int `mapstructure:"default_seconds"`
}

// RetryConfig holds the retry policy applied by the agent bridge.
type RetryConfig struct {
	MaxAttempts        int `mapstructure:"max_attempts"`
	BackoffBaseSeconds int `mapstructure:"backoff_base_seconds"`
	BackoffCapSeconds  int `mapstructure:"backoff_cap_seconds"`
}

// BridgeConfig holds completion detection and output parsing configuration.
type BridgeConfig struct {
	CapturePollMs   int      `mapstructure:"capture_poll_ms"`
	StableSamples   int      `mapstructure:"stable_samples"`
	InterLineMs     int      `mapstructure:"inter_line_ms"`
	ErrorSignatures []string `mapstructure:"error_signatures"`
	PromptRegex     string   `mapstructure:"prompt_regex"`
}

// RecoveryConfig holds staleness thresholds for the recovery coordinator.
type RecoveryConfig struct {
	StaleTaskSeconds      int `mapstructure:"stale_task_seconds"`
	StaleExecutionSeconds int `mapstructure:"stale_execution_seconds"`
}

// WatchdogConfig holds heartbeat monitoring configuration.
type WatchdogConfig struct {
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"`
	TickSeconds           int `mapstructure:"tick_seconds"`
}

// DefaultErrorSignatures are the error patterns the bridge scans pane output
// for when no explicit list is configured. Entries are regexes, compiled
// case-insensitive and anchored at word or line boundaries; false positives
// and negatives are possible since pane text is heuristic.
var DefaultErrorSignatures = []string{
	"command not found",
	"No such file or directory",
	"Permission denied",
	"fatal:",
	`Traceback \(most recent call last\):`,
	"SyntaxError:",
	"NameError:",
	"ImportError:",
}

// DefaultPromptRegex strips interactive shell prompt lines from captured panes.
const DefaultPromptRegex = `^\w+@\S+\s*[#$]`

// DefaultTimeout returns the default task deadline as a time.Duration.
func (t *TaskConfig) DefaultTimeout() time.Duration {
	return time.Duration(t.Timeout.DefaultSeconds) * time.Second
}

// BackoffBase returns the retry backoff base as a time.Duration.
func (r *RetryConfig) BackoffBase() time.Duration {
	return time.Duration(r.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the retry backoff cap as a time.Duration.
func (r *RetryConfig) BackoffCap() time.Duration {
	return time.Duration(r.BackoffCapSeconds) * time.Second
}

// CapturePoll returns the pane capture poll interval as a time.Duration.
func (b *BridgeConfig) CapturePoll() time.Duration {
	return time.Duration(b.CapturePollMs) * time.Millisecond
}

// InterLine returns the inter-line send pause as a time.Duration.
func (b *BridgeConfig) InterLine() time.Duration {
	return time.Duration(b.InterLineMs) * time.Millisecond
}

// StaleTaskAge returns the pending-task staleness threshold.
func (r *RecoveryConfig) StaleTaskAge() time.Duration {
	return time.Duration(r.StaleTaskSeconds) * time.Second
}

// StaleExecutionAge returns the execution staleness threshold.
func (r *RecoveryConfig) StaleExecutionAge() time.Duration {
	return time.Duration(r.StaleExecutionSeconds) * time.Second
}

// DefaultTimeout returns the watchdog heartbeat timeout as a time.Duration.
func (w *WatchdogConfig) DefaultTimeout() time.Duration {
	return time.Duration(w.DefaultTimeoutSeconds) * time.Second
}

// Tick returns the watchdog tick interval as a time.Duration.
func (w *WatchdogConfig) Tick() time.Duration {
	return time.Duration(w.TickSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTMUX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")

	// Database defaults - embedded sqlite unless a driver is selected
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./agentmux.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentmux")
	v.SetDefault("database.password", "")
	v.SetDefault("database.db_name", "agentmux")
	v.SetDefault("database.ssl_mode", "disable")

	// Bus defaults - empty NATS URL means use the in-memory event bus
	v.SetDefault("bus.subject_separator", ":")
	v.SetDefault("bus.nats.url", "")
	v.SetDefault("bus.nats.name", "agentmux")
	v.SetDefault("bus.nats.max_reconnects", 10)

	// Session defaults
	v.SetDefault("session.backend", "tmux")
	v.SetDefault("session.tmux.socket", "")
	v.SetDefault("session.local.cols", 200)
	v.SetDefault("session.local.rows", 50)

	// Task defaults
	v.SetDefault("task.timeout.default_seconds", 300)
	v.SetDefault("task.retry.max_attempts", 3)
	v.SetDefault("task.retry.backoff_base_seconds", 2)
	v.SetDefault("task.retry.backoff_cap_seconds", 30)

	// Bridge defaults
	v.SetDefault("bridge.capture_poll_ms", 500)
	v.SetDefault("bridge.stable_samples", 3)
	v.SetDefault("bridge.inter_line_ms", 200)
	v.SetDefault("bridge.error_signatures", DefaultErrorSignatures)
	v.SetDefault("bridge.prompt_regex", DefaultPromptRegex)

	// Recovery defaults
	v.SetDefault("recovery.stale_task_seconds", 300)
	v.SetDefault("recovery.stale_execution_seconds", 600)

	// Watchdog defaults - three missed 30s heartbeats
	v.SetDefault("watchdog.default_timeout_seconds", 90)
	v.SetDefault("watchdog.tick_seconds", 5)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTMUX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentmux/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names predate the prefix scheme.
	_ = v.BindEnv("database.driver", "AGENTMUX_DB_DRIVER", "AGENTMUX_DATABASE_DRIVER")
	_ = v.BindEnv("database.path", "AGENTMUX_DB_PATH", "AGENTMUX_DATABASE_PATH")
	_ = v.BindEnv("bus.nats.url", "AGENTMUX_NATS_URL", "AGENTMUX_BUS_NATS_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmux/")

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

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	// Database validation
	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.db_name is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	// Bus validation
	if cfg.Bus.SubjectSeparator == "" {
		errs = append(errs, "bus.subject_separator must not be empty")
	}

	// Session validation
	validBackends := map[string]bool{"tmux": true, "local": true}
	if !validBackends[cfg.Session.Backend] {
		errs = append(errs, "session.backend must be one of: tmux, local")
	}
	if cfg.Session.Backend == "local" {
		if cfg.Session.Local.Cols <= 0 || cfg.Session.Local.Rows <= 0 {
			errs = append(errs, "session.local.cols and session.local.rows must be positive")
		}
	}

	// Agent validation - every configured agent needs a session name
	for id, agent := range cfg.Agents {
		if agent.Session == "" {
			errs = append(errs, fmt.Sprintf("agents.%s.session must not be empty", id))
		}
	}

	// Task validation
	if cfg.Task.Timeout.DefaultSeconds <= 0 {
		errs = append(errs, "task.timeout.default_seconds must be positive")
	}
	if cfg.Task.Retry.MaxAttempts < 1 {
		errs = append(errs, "task.retry.max_attempts must be at least 1")
	}
	if cfg.Task.Retry.BackoffBaseSeconds < 1 {
		errs = append(errs, "task.retry.backoff_base_seconds must be at least 1")
	}
	if cfg.Task.Retry.BackoffCapSeconds < cfg.Task.Retry.BackoffBaseSeconds {
		errs = append(errs, "task.retry.backoff_cap_seconds must be >= backoff_base_seconds")
	}

	// Bridge validation
	if cfg.Bridge.CapturePollMs <= 0 {
		errs = append(errs, "bridge.capture_poll_ms must be positive")
	}
	if cfg.Bridge.StableSamples < 1 {
		errs = append(errs, "bridge.stable_samples must be at least 1")
	}
	if cfg.Bridge.InterLineMs < 0 {
		errs = append(errs, "bridge.inter_line_ms must not be negative")
	}
	if _, err := regexp.Compile(cfg.Bridge.PromptRegex); err != nil {
		errs = append(errs, fmt.Sprintf("bridge.prompt_regex is not a valid regex: %v", err))
	}
	for _, sig := range cfg.Bridge.ErrorSignatures {
		if sig == "" {
			errs = append(errs, "bridge.error_signatures must not contain empty entries")
			break
		}
	}

	// Recovery validation
	if cfg.Recovery.StaleTaskSeconds <= 0 {
		errs = append(errs, "recovery.stale_task_seconds must be positive")
	}
	if cfg.Recovery.StaleExecutionSeconds <= 0 {
		errs = append(errs, "recovery.stale_execution_seconds must be positive")
	}

	// Watchdog validation
	if cfg.Watchdog.DefaultTimeoutSeconds <= 0 {
		errs = append(errs, "watchdog.default_timeout_seconds must be positive")
	}
	if cfg.Watchdog.TickSeconds <= 0 {
		errs = append(errs, "watchdog.tick_seconds must be positive")
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
