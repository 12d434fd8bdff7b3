// Package config provides configuration management for dbgbridge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for dbgbridge.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Debugger  DebuggerConfig  `mapstructure:"debugger"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Extension ExtensionConfig `mapstructure:"extension"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the extension-callback HTTP server configuration.
// The server only ever serves loopback clients, so the default host is 127.0.0.1.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// MCPConfig holds the MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means notifications are delivered via the in-memory bus only.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DebuggerConfig holds the debugger session configuration.
type DebuggerConfig struct {
	// Path is the explicit debugger executable path. When empty the session
	// probes well-known install locations and then PATH.
	Path string `mapstructure:"path"`

	// SymbolPath is exported to the child via _NT_SYMBOL_PATH when set.
	SymbolPath string `mapstructure:"symbolPath"`

	// SymbolServerTimeoutMs bounds individual symbol server requests.
	SymbolServerTimeoutMs int `mapstructure:"symbolServerTimeoutMs"`

	// SymbolServerRetries is the per-request retry budget for symbol downloads.
	SymbolServerRetries int `mapstructure:"symbolServerRetries"`

	// CommandTimeoutMs bounds a single command execution, and the end-to-end
	// session start.
	CommandTimeoutMs int `mapstructure:"commandTimeoutMs"`

	// StartupDelayMs is an optional settle delay after spawning the process.
	StartupDelayMs int `mapstructure:"startupDelayMs"`

	// HeartbeatIntervalMs is the period of in-flight progress notifications.
	HeartbeatIntervalMs int `mapstructure:"heartbeatIntervalMs"`
}

// QueueConfig holds the per-session command queue configuration.
type QueueConfig struct {
	MaxSize int `mapstructure:"maxSize"`
}

// CacheConfig holds the per-session result cache configuration.
type CacheConfig struct {
	MaxMemoryBytes          int64   `mapstructure:"maxMemoryBytes"`
	MaxResults              int     `mapstructure:"maxResults"`
	MemoryPressureThreshold float64 `mapstructure:"memoryPressureThreshold"`
}

// RecoveryConfig holds the session recovery policy.
type RecoveryConfig struct {
	CancellationTimeoutMs     int `mapstructure:"cancellationTimeoutMs"`
	RestartDelayMs            int `mapstructure:"restartDelayMs"`
	HealthCheckIntervalMs     int `mapstructure:"healthCheckIntervalMs"`
	MaxRecoveryAttempts       int `mapstructure:"maxRecoveryAttempts"`
	RecoveryAttemptCooldownMs int `mapstructure:"recoveryAttemptCooldownMs"`
}

// ExtensionConfig holds the extension callback token and request policy.
type ExtensionConfig struct {
	TokenTTLMs        int `mapstructure:"tokenTtlMs"`
	CleanupCooldownMs int `mapstructure:"cleanupCooldownMs"`
	RequestDeadlineMs int `mapstructure:"requestDeadlineMs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CommandTimeout returns the command timeout as a time.Duration.
func (d *DebuggerConfig) CommandTimeout() time.Duration {
	return time.Duration(d.CommandTimeoutMs) * time.Millisecond
}

// StartupDelay returns the startup delay as a time.Duration.
func (d *DebuggerConfig) StartupDelay() time.Duration {
	return time.Duration(d.StartupDelayMs) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat interval as a time.Duration.
func (d *DebuggerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(d.HeartbeatIntervalMs) * time.Millisecond
}

// CancellationTimeout returns the cancellation timeout as a time.Duration.
func (r *RecoveryConfig) CancellationTimeout() time.Duration {
	return time.Duration(r.CancellationTimeoutMs) * time.Millisecond
}

// RestartDelay returns the base restart delay as a time.Duration.
func (r *RecoveryConfig) RestartDelay() time.Duration {
	return time.Duration(r.RestartDelayMs) * time.Millisecond
}

// HealthCheckInterval returns the health check interval as a time.Duration.
func (r *RecoveryConfig) HealthCheckInterval() time.Duration {
	return time.Duration(r.HealthCheckIntervalMs) * time.Millisecond
}

// RecoveryAttemptCooldown returns the per-incident cooldown as a time.Duration.
func (r *RecoveryConfig) RecoveryAttemptCooldown() time.Duration {
	return time.Duration(r.RecoveryAttemptCooldownMs) * time.Millisecond
}

// TokenTTL returns the extension token lifetime as a time.Duration.
func (e *ExtensionConfig) TokenTTL() time.Duration {
	return time.Duration(e.TokenTTLMs) * time.Millisecond
}

// CleanupCooldown returns the token sweep cooldown as a time.Duration.
func (e *ExtensionConfig) CleanupCooldown() time.Duration {
	return time.Duration(e.CleanupCooldownMs) * time.Millisecond
}

// RequestDeadline returns the per-request extension wait deadline as a time.Duration.
func (e *ExtensionConfig) RequestDeadline() time.Duration {
	return time.Duration(e.RequestDeadlineMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DBGBRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults - loopback only
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8474)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 330)

	// MCP defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)

	// NATS defaults - empty URL means use in-memory notification bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "dbgbridge")
	v.SetDefault("nats.maxReconnects", 10)

	// Debugger defaults
	v.SetDefault("debugger.path", "")
	v.SetDefault("debugger.symbolPath", "")
	v.SetDefault("debugger.symbolServerTimeoutMs", 5000)
	v.SetDefault("debugger.symbolServerRetries", 2)
	v.SetDefault("debugger.commandTimeoutMs", 180000) // 3 minutes
	v.SetDefault("debugger.startupDelayMs", 0)
	v.SetDefault("debugger.heartbeatIntervalMs", 10000)

	// Queue defaults
	v.SetDefault("queue.maxSize", 100)

	// Cache defaults
	v.SetDefault("cache.maxMemoryBytes", 100*1024*1024) // 100 MiB
	v.SetDefault("cache.maxResults", 1000)
	v.SetDefault("cache.memoryPressureThreshold", 0.8)

	// Recovery defaults
	v.SetDefault("recovery.cancellationTimeoutMs", 5000)
	v.SetDefault("recovery.restartDelayMs", 2000)
	v.SetDefault("recovery.healthCheckIntervalMs", 60000)
	v.SetDefault("recovery.maxRecoveryAttempts", 3)
	v.SetDefault("recovery.recoveryAttemptCooldownMs", 300000) // 5 minutes

	// Extension defaults
	v.SetDefault("extension.tokenTtlMs", 3600000) // 1 hour
	v.SetDefault("extension.cleanupCooldownMs", 300000)
	v.SetDefault("extension.requestDeadlineMs", 300000) // 5 minutes

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DBGBRIDGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/dbgbridge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("DBGBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("debugger.path", "DBGBRIDGE_DEBUGGER_PATH", "CDB_PATH")
	_ = v.BindEnv("debugger.symbolPath", "DBGBRIDGE_DEBUGGER_SYMBOL_PATH", "_NT_SYMBOL_PATH")
	_ = v.BindEnv("debugger.commandTimeoutMs", "DBGBRIDGE_DEBUGGER_COMMAND_TIMEOUT_MS")
	_ = v.BindEnv("mcp.port", "DBGBRIDGE_MCP_PORT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/dbgbridge/")

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
	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	if cfg.Debugger.CommandTimeoutMs <= 0 {
		errs = append(errs, "debugger.commandTimeoutMs must be positive")
	}
	if cfg.Debugger.HeartbeatIntervalMs <= 0 {
		errs = append(errs, "debugger.heartbeatIntervalMs must be positive")
	}

	if cfg.Queue.MaxSize <= 0 {
		errs = append(errs, "queue.maxSize must be positive")
	}

	if cfg.Cache.MaxMemoryBytes <= 0 {
		errs = append(errs, "cache.maxMemoryBytes must be positive")
	}
	if cfg.Cache.MaxResults <= 0 {
		errs = append(errs, "cache.maxResults must be positive")
	}
	if cfg.Cache.MemoryPressureThreshold < 0.1 || cfg.Cache.MemoryPressureThreshold > 1.0 {
		errs = append(errs, "cache.memoryPressureThreshold must be between 0.1 and 1.0")
	}

	if cfg.Recovery.MaxRecoveryAttempts <= 0 {
		errs = append(errs, "recovery.maxRecoveryAttempts must be positive")
	}
	if cfg.Recovery.RestartDelayMs <= 0 {
		errs = append(errs, "recovery.restartDelayMs must be positive")
	}

	if cfg.Extension.TokenTTLMs <= 0 {
		errs = append(errs, "extension.tokenTtlMs must be positive")
	}
	if cfg.Extension.RequestDeadlineMs <= 0 {
		errs = append(errs, "extension.requestDeadlineMs must be positive")
	}

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
