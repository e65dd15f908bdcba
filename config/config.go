package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/isdmx/codemode/sandbox"
)

// EnvPrefix is the prefix of environment overrides, e.g. CODEMODE_SANDBOX_MODE
const EnvPrefix = "CODEMODE"

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox" yaml:"sandbox"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig holds MCP server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport" yaml:"transport"`
	HTTPPort  int    `mapstructure:"http_port" yaml:"http_port"`
}

// SandboxConfig holds sandbox and pool configuration
type SandboxConfig struct {
	Mode             string        `mapstructure:"mode" yaml:"mode"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Console          string        `mapstructure:"console" yaml:"console"`
	MaxCallStackSize int           `mapstructure:"max_call_stack_size" yaml:"max_call_stack_size"`
	MemoryLimitMB    int           `mapstructure:"memory_limit_mb" yaml:"memory_limit_mb"`
	MaxToolCalls     int           `mapstructure:"max_tool_calls" yaml:"max_tool_calls"`
	FallbackKeys     []string      `mapstructure:"fallback_keys" yaml:"fallback_keys"`
	Pool             PoolConfig    `mapstructure:"pool" yaml:"pool"`
}

// PoolConfig holds sandbox pool configuration
type PoolConfig struct {
	Min            int           `mapstructure:"min" yaml:"min"`
	Max            int           `mapstructure:"max" yaml:"max"`
	Backpressure   string        `mapstructure:"backpressure" yaml:"backpressure"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
}

// DatabaseConfig holds the SQLite database configuration
type DatabaseConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	ReadOnly      bool   `mapstructure:"read_only" yaml:"read_only"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms" yaml:"busy_timeout_ms"`
	MaxOpenConns  int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode" yaml:"mode"`
	Level string `mapstructure:"level" yaml:"level"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// New loads and validates the configuration from config.yaml in . or
// ./config, falling back to defaults when no file exists.
func New() (*Config, error) {
	return Load("")
}

// Load reads the configuration from path, or searches for config.yaml when
// path is empty. Environment variables prefixed with CODEMODE_ override
// file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("sandbox.mode", string(sandbox.ModeShared))
	v.SetDefault("sandbox.timeout", sandbox.DefaultTimeout)
	v.SetDefault("sandbox.console", string(sandbox.ConsoleBuffer))
	v.SetDefault("sandbox.max_call_stack_size", sandbox.DefaultMaxCallStackSize)
	v.SetDefault("sandbox.memory_limit_mb", sandbox.DefaultMemoryLimitMB)
	v.SetDefault("sandbox.max_tool_calls", 0)
	v.SetDefault("sandbox.fallback_keys", []string{})
	v.SetDefault("sandbox.pool.min", 0)
	v.SetDefault("sandbox.pool.max", 4)
	v.SetDefault("sandbox.pool.backpressure", string(sandbox.BackpressureWait))
	v.SetDefault("sandbox.pool.acquire_timeout", 10*time.Second)

	v.SetDefault("database.path", "codemode.db")
	v.SetDefault("database.read_only", false)
	v.SetDefault("database.busy_timeout_ms", 5000)
	v.SetDefault("database.max_open_conns", 0)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if _, err := sandbox.ParseMode(c.Sandbox.Mode); err != nil {
		return fmt.Errorf("invalid sandbox.mode: %w", err)
	}

	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive, got: %s", c.Sandbox.Timeout)
	}

	switch sandbox.ConsoleMode(c.Sandbox.Console) {
	case sandbox.ConsoleBuffer, sandbox.ConsoleForward:
	default:
		return fmt.Errorf("invalid sandbox.console: %s, must be 'buffer' or 'forward'", c.Sandbox.Console)
	}

	if c.Sandbox.MaxCallStackSize <= 0 {
		return fmt.Errorf("sandbox.max_call_stack_size must be positive, got: %d", c.Sandbox.MaxCallStackSize)
	}

	if c.Sandbox.MemoryLimitMB <= 0 {
		return fmt.Errorf("sandbox.memory_limit_mb must be positive, got: %d", c.Sandbox.MemoryLimitMB)
	}

	if c.Sandbox.MaxToolCalls < 0 {
		return fmt.Errorf("sandbox.max_tool_calls must not be negative, got: %d", c.Sandbox.MaxToolCalls)
	}

	pool := c.Sandbox.Pool
	if pool.Max <= 0 {
		return fmt.Errorf("sandbox.pool.max must be positive, got: %d", pool.Max)
	}
	if pool.Min < 0 || pool.Min > pool.Max {
		return fmt.Errorf("sandbox.pool.min must be between 0 and sandbox.pool.max, got: %d", pool.Min)
	}
	switch sandbox.Backpressure(pool.Backpressure) {
	case sandbox.BackpressureWait, sandbox.BackpressureReject:
	default:
		return fmt.Errorf("invalid sandbox.pool.backpressure: %s, must be 'wait' or 'reject'", pool.Backpressure)
	}
	if pool.AcquireTimeout < 0 {
		return fmt.Errorf("sandbox.pool.acquire_timeout must not be negative, got: %s", pool.AcquireTimeout)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Database.BusyTimeoutMs < 0 {
		return fmt.Errorf("database.busy_timeout_ms must not be negative, got: %d", c.Database.BusyTimeoutMs)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("invalid metrics.path: %q, must start with '/'", c.Metrics.Path)
	}

	return nil
}

// SandboxOptions returns the sandbox options the configuration describes
func (c *Config) SandboxOptions() sandbox.Options {
	opts := sandbox.DefaultOptions()
	opts.Timeout = c.Sandbox.Timeout
	opts.Console = sandbox.ConsoleMode(c.Sandbox.Console)
	opts.MaxCallStackSize = c.Sandbox.MaxCallStackSize
	opts.MemoryLimitMB = c.Sandbox.MemoryLimitMB
	return opts
}

// PoolOptions returns the pool options the configuration describes
func (c *Config) PoolOptions() sandbox.PoolOptions {
	return sandbox.PoolOptions{
		Min:            c.Sandbox.Pool.Min,
		Max:            c.Sandbox.Pool.Max,
		Backpressure:   sandbox.Backpressure(c.Sandbox.Pool.Backpressure),
		AcquireTimeout: c.Sandbox.Pool.AcquireTimeout,
	}
}

// GetTimeout returns the execution timeout
func (c *Config) GetTimeout() time.Duration {
	return c.Sandbox.Timeout
}
