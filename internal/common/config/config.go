// Package config provides configuration management for the soulstream server.
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

// Config holds all configuration sections for the server.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Execution   ExecutionConfig   `mapstructure:"execution"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	AuthToken   string `mapstructure:"authToken"`
	Environment string `mapstructure:"environment"` // development, production
}

// ExecutionConfig holds task execution configuration.
type ExecutionConfig struct {
	MaxConcurrentSessions  int    `mapstructure:"maxConcurrentSessions"`
	WorkspaceDir           string `mapstructure:"workspaceDir"`
	DataDir                string `mapstructure:"dataDir"`
	CleanupIntervalHours   int    `mapstructure:"cleanupIntervalHours"`
	TaskMaxAgeHours        int    `mapstructure:"taskMaxAgeHours"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdownTimeoutSeconds"`
}

// PoolConfig holds runner pool configuration.
type PoolConfig struct {
	MaxSize                    int `mapstructure:"maxSize"`
	IdleTTLSeconds             int `mapstructure:"idleTtlSeconds"`
	PreWarm                    int `mapstructure:"preWarm"`
	MinGeneric                 int `mapstructure:"minGeneric"`
	MaintenanceIntervalSeconds int `mapstructure:"maintenanceIntervalSeconds"`
}

// AgentConfig holds agent CLI configuration.
type AgentConfig struct {
	Binary         string   `mapstructure:"binary"`
	PermissionMode string   `mapstructure:"permissionMode"`
	ExtraArgs      []string `mapstructure:"extraArgs"`
}

// CredentialsConfig holds credential profile configuration.
type CredentialsConfig struct {
	// CredentialsPath is the OS-level agent credentials file profiles swap into.
	CredentialsPath string `mapstructure:"credentialsPath"`
}

// NATSConfig holds NATS messaging configuration. An empty URL disables
// the lifecycle notifier.
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

// IdleTTL returns the pool idle TTL as a time.Duration.
func (p *PoolConfig) IdleTTL() time.Duration {
	return time.Duration(p.IdleTTLSeconds) * time.Second
}

// MaintenanceInterval returns the pool maintenance interval as a time.Duration.
func (p *PoolConfig) MaintenanceInterval() time.Duration {
	return time.Duration(p.MaintenanceIntervalSeconds) * time.Second
}

// ShutdownTimeout returns the graceful shutdown budget as a time.Duration.
func (e *ExecutionConfig) ShutdownTimeout() time.Duration {
	return time.Duration(e.ShutdownTimeoutSeconds) * time.Second
}

// CleanupInterval returns the periodic task cleanup interval.
func (e *ExecutionConfig) CleanupInterval() time.Duration {
	return time.Duration(e.CleanupIntervalHours) * time.Hour
}

// IsProduction reports whether the server runs in production mode.
func (s *ServerConfig) IsProduction() bool {
	return strings.EqualFold(s.Environment, "production")
}

// detectDefaultLogFormat returns "json" for Kubernetes or production
// environments, "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SOULSTREAM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3105)
	v.SetDefault("server.authToken", "")
	v.SetDefault("server.environment", "development")

	// Execution defaults; workspaceDir has no default and must be set
	v.SetDefault("execution.maxConcurrentSessions", 3)
	v.SetDefault("execution.workspaceDir", "")
	v.SetDefault("execution.dataDir", "")
	v.SetDefault("execution.cleanupIntervalHours", 1)
	v.SetDefault("execution.taskMaxAgeHours", 24)
	v.SetDefault("execution.shutdownTimeoutSeconds", 5)

	// Pool defaults
	v.SetDefault("pool.maxSize", 5)
	v.SetDefault("pool.idleTtlSeconds", 300)
	v.SetDefault("pool.preWarm", 2)
	v.SetDefault("pool.minGeneric", 1)
	v.SetDefault("pool.maintenanceIntervalSeconds", 60)

	// Agent defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.permissionMode", "bypassPermissions")
	v.SetDefault("agent.extraArgs", []string{})

	// Credentials defaults
	v.SetDefault("credentials.credentialsPath", defaultCredentialsPath())

	// NATS defaults - empty URL disables the notifier
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "soulstream")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".claude", ".credentials.json")
	}
	return filepath.Join(home, ".claude", ".credentials.json")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SOULSTREAM_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/soulstream/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SOULSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("server.authToken", "SOULSTREAM_AUTH_TOKEN", "SOULSTREAM_SERVER_AUTH_TOKEN")
	_ = v.BindEnv("server.environment", "SOULSTREAM_ENV", "SOULSTREAM_SERVER_ENVIRONMENT")
	_ = v.BindEnv("execution.workspaceDir", "SOULSTREAM_WORKSPACE_DIR")
	_ = v.BindEnv("execution.dataDir", "SOULSTREAM_DATA_DIR")
	_ = v.BindEnv("execution.maxConcurrentSessions", "SOULSTREAM_MAX_CONCURRENT_SESSIONS")
	_ = v.BindEnv("credentials.credentialsPath", "SOULSTREAM_CREDENTIALS_PATH")
	_ = v.BindEnv("nats.clientId", "SOULSTREAM_NATS_CLIENT_ID")
	_ = v.BindEnv("nats.maxReconnects", "SOULSTREAM_NATS_MAX_RECONNECTS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/soulstream/")

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

	if cfg.Execution.DataDir == "" && cfg.Execution.WorkspaceDir != "" {
		cfg.Execution.DataDir = filepath.Join(cfg.Execution.WorkspaceDir, "data")
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

	if cfg.Execution.WorkspaceDir == "" {
		errs = append(errs, "execution.workspaceDir is required (SOULSTREAM_WORKSPACE_DIR)")
	}
	if cfg.Execution.MaxConcurrentSessions <= 0 {
		errs = append(errs, "execution.maxConcurrentSessions must be positive")
	}
	if cfg.Execution.TaskMaxAgeHours <= 0 {
		errs = append(errs, "execution.taskMaxAgeHours must be positive")
	}

	if cfg.Pool.MaxSize <= 0 {
		errs = append(errs, "pool.maxSize must be positive")
	}
	if cfg.Pool.MinGeneric < 0 || cfg.Pool.MinGeneric > cfg.Pool.MaxSize {
		errs = append(errs, "pool.minGeneric must be between 0 and pool.maxSize")
	}
	if cfg.Pool.PreWarm < 0 || cfg.Pool.PreWarm > cfg.Pool.MaxSize {
		errs = append(errs, "pool.preWarm must be between 0 and pool.maxSize")
	}

	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
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
