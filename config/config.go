package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Session SessionConfig `mapstructure:"session"`
	Janitor JanitorConfig `mapstructure:"janitor"`
	Relay   RelayConfig   `mapstructure:"relay"`
	MCP     MCPConfig     `mapstructure:"mcp"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPPort       int     `mapstructure:"http_port"`
	CORSOrigin     string  `mapstructure:"cors_origin"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Runtime            string `mapstructure:"runtime"`
	WorkDir            string `mapstructure:"work_dir"`
	MountPath          string `mapstructure:"mount_path"`
	User               string `mapstructure:"user"`
	MemoryMB           int    `mapstructure:"memory_mb"`
	PidsLimit          int    `mapstructure:"pids_limit"`
	BufferedTimeoutSec int    `mapstructure:"buffered_timeout_sec"`
	StreamTimeoutSec   int    `mapstructure:"stream_timeout_sec"`
	PullTimeoutSec     int    `mapstructure:"pull_timeout_sec"`
	PullPolicy         string `mapstructure:"pull_policy"`
	TeardownGraceSec   int    `mapstructure:"teardown_grace_sec"`
	ContainerPrefix    string `mapstructure:"container_prefix"`
	MaxConcurrentJobs  int    `mapstructure:"max_concurrent_jobs"`
}

// SessionConfig holds event channel configuration
type SessionConfig struct {
	HeartbeatIntervalSec int `mapstructure:"heartbeat_interval_sec"`
	BufferSize           int `mapstructure:"buffer_size"`
	// SendTimeoutSec is how long a full buffer may stay full before the
	// session is dropped
	SendTimeoutSec int `mapstructure:"send_timeout_sec"`
}

// JanitorConfig controls the background cleanup of leftover containers and artifacts
type JanitorConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	IntervalSec    int  `mapstructure:"interval_sec"`
	ArtifactTTLSec int  `mapstructure:"artifact_ttl_sec"`
}

// RelayConfig holds the optional Redis relay configuration
type RelayConfig struct {
	RedisAddr string `mapstructure:"redis_addr"`
	Channel   string `mapstructure:"channel"`
	IDKey     string `mapstructure:"id_key"`
	JobIDKey  string `mapstructure:"job_id_key"`
}

// MCPConfig toggles the MCP tool endpoint
type MCPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path, or from config.yaml in the usual
// search locations when path is empty.
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

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
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

	// docker -v requires an absolute host path
	absWorkDir, err := filepath.Abs(config.Sandbox.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("error resolving sandbox.work_dir: %w", err)
	}
	config.Sandbox.WorkDir = absWorkDir

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 3000)
	v.SetDefault("server.cors_origin", "*")
	v.SetDefault("server.rate_limit_rps", 0)
	v.SetDefault("server.rate_limit_burst", 5)

	v.SetDefault("sandbox.runtime", "docker")
	v.SetDefault("sandbox.work_dir", "./code")
	v.SetDefault("sandbox.mount_path", "/code")
	v.SetDefault("sandbox.user", "nobody")
	v.SetDefault("sandbox.memory_mb", 50)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.buffered_timeout_sec", 10)
	v.SetDefault("sandbox.stream_timeout_sec", 30)
	v.SetDefault("sandbox.pull_timeout_sec", 30)
	v.SetDefault("sandbox.pull_policy", "always")
	v.SetDefault("sandbox.teardown_grace_sec", 5)
	v.SetDefault("sandbox.container_prefix", "runner")
	v.SetDefault("sandbox.max_concurrent_jobs", 8)

	v.SetDefault("session.heartbeat_interval_sec", 5)
	v.SetDefault("session.buffer_size", 64)
	v.SetDefault("session.send_timeout_sec", 10)

	v.SetDefault("janitor.enabled", false)
	v.SetDefault("janitor.interval_sec", 60)
	v.SetDefault("janitor.artifact_ttl_sec", 3600)

	v.SetDefault("relay.redis_addr", "")
	v.SetDefault("relay.channel", "runbox:events")
	v.SetDefault("relay.id_key", "runbox:session-id")
	v.SetDefault("relay.job_id_key", "runbox:job-id")

	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.path", "/mcp")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("server.rate_limit_rps must not be negative, got: %v", c.Server.RateLimitRPS)
	}

	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		return fmt.Errorf("server.rate_limit_burst must be positive when rate limiting is enabled, got: %d", c.Server.RateLimitBurst)
	}

	supportedRuntimes := map[string]bool{
		"docker": true,
		"podman": true,
	}
	if !supportedRuntimes[c.Sandbox.Runtime] {
		return fmt.Errorf("unsupported sandbox.runtime: %s", c.Sandbox.Runtime)
	}

	if c.Sandbox.WorkDir == "" {
		return fmt.Errorf("sandbox.work_dir must not be empty")
	}

	if !strings.HasPrefix(c.Sandbox.MountPath, "/") {
		return fmt.Errorf("sandbox.mount_path must be absolute, got: %q", c.Sandbox.MountPath)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.BufferedTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.buffered_timeout_sec must be positive, got: %d", c.Sandbox.BufferedTimeoutSec)
	}

	if c.Sandbox.StreamTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.stream_timeout_sec must be positive, got: %d", c.Sandbox.StreamTimeoutSec)
	}

	if c.Sandbox.PullTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.pull_timeout_sec must be positive, got: %d", c.Sandbox.PullTimeoutSec)
	}

	if c.Sandbox.PullPolicy != "always" && c.Sandbox.PullPolicy != "if-not-present" {
		return fmt.Errorf("invalid sandbox.pull_policy: %s, must be 'always' or 'if-not-present'", c.Sandbox.PullPolicy)
	}

	if c.Sandbox.TeardownGraceSec < 0 {
		return fmt.Errorf("sandbox.teardown_grace_sec must not be negative, got: %d", c.Sandbox.TeardownGraceSec)
	}

	if c.Sandbox.ContainerPrefix == "" {
		return fmt.Errorf("sandbox.container_prefix must not be empty")
	}

	if c.Sandbox.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("sandbox.max_concurrent_jobs must be positive, got: %d", c.Sandbox.MaxConcurrentJobs)
	}

	if c.Session.HeartbeatIntervalSec <= 0 {
		return fmt.Errorf("session.heartbeat_interval_sec must be positive, got: %d", c.Session.HeartbeatIntervalSec)
	}

	// connect frame and first heartbeat are queued before the transport reads
	if c.Session.BufferSize < 2 {
		return fmt.Errorf("session.buffer_size must be at least 2, got: %d", c.Session.BufferSize)
	}

	if c.Session.SendTimeoutSec <= 0 {
		return fmt.Errorf("session.send_timeout_sec must be positive, got: %d", c.Session.SendTimeoutSec)
	}

	if c.RelayEnabled() && (c.Relay.IDKey == "" || c.Relay.JobIDKey == "" || c.Relay.IDKey == c.Relay.JobIDKey) {
		return fmt.Errorf("relay.id_key and relay.job_id_key must be set and distinct, got: %q, %q", c.Relay.IDKey, c.Relay.JobIDKey)
	}

	if c.Janitor.Enabled && c.Janitor.IntervalSec <= 0 {
		return fmt.Errorf("janitor.interval_sec must be positive, got: %d", c.Janitor.IntervalSec)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// BufferedTimeout returns the wall-clock budget of a buffered run
func (c *Config) BufferedTimeout() time.Duration {
	return time.Duration(c.Sandbox.BufferedTimeoutSec) * time.Second
}

// StreamTimeout returns the wall-clock budget of a streaming run
func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.Sandbox.StreamTimeoutSec) * time.Second
}

// PullTimeout returns the image pull deadline
func (c *Config) PullTimeout() time.Duration {
	return time.Duration(c.Sandbox.PullTimeoutSec) * time.Second
}

// TeardownGrace returns how long a teardown command may take
func (c *Config) TeardownGrace() time.Duration {
	return time.Duration(c.Sandbox.TeardownGraceSec) * time.Second
}

// HeartbeatInterval returns the keep-alive period of event channels
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Session.HeartbeatIntervalSec) * time.Second
}

// SendTimeout returns how long delivery to a session may wait for room
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.Session.SendTimeoutSec) * time.Second
}

// RelayEnabled reports whether events fan out through Redis
func (c *Config) RelayEnabled() bool {
	return c.Relay.RedisAddr != ""
}
