package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       3000,
			RateLimitBurst: 5,
		},
		Sandbox: SandboxConfig{
			Runtime:            "docker",
			WorkDir:            "/tmp/runbox",
			MountPath:          "/code",
			User:               "nobody",
			MemoryMB:           50,
			PidsLimit:          64,
			BufferedTimeoutSec: 10,
			StreamTimeoutSec:   30,
			PullTimeoutSec:     30,
			PullPolicy:         "always",
			TeardownGraceSec:   5,
			ContainerPrefix:    "runner",
			MaxConcurrentJobs:  4,
		},
		Session: SessionConfig{
			HeartbeatIntervalSec: 5,
			BufferSize:           64,
			SendTimeoutSec:       10,
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		require.NoError(t, validConfig().validate())
	})

	t.Run("PodmanRuntime", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Runtime = "podman"
		require.NoError(t, cfg.validate())
	})

	testCases := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{"InvalidPort", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid server.http_port"},
		{"NegativeRateLimit", func(c *Config) { c.Server.RateLimitRPS = -1 }, "server.rate_limit_rps must not be negative"},
		{"RateLimitWithoutBurst", func(c *Config) { c.Server.RateLimitRPS = 1; c.Server.RateLimitBurst = 0 }, "server.rate_limit_burst must be positive"},
		{"UnsupportedRuntime", func(c *Config) { c.Sandbox.Runtime = "kubernetes" }, "unsupported sandbox.runtime"},
		{"RelativeMountPath", func(c *Config) { c.Sandbox.MountPath = "code" }, "sandbox.mount_path must be absolute"},
		{"InvalidMemory", func(c *Config) { c.Sandbox.MemoryMB = 0 }, "sandbox.memory_mb must be positive"},
		{"InvalidBufferedTimeout", func(c *Config) { c.Sandbox.BufferedTimeoutSec = 0 }, "sandbox.buffered_timeout_sec must be positive"},
		{"InvalidStreamTimeout", func(c *Config) { c.Sandbox.StreamTimeoutSec = -3 }, "sandbox.stream_timeout_sec must be positive"},
		{"InvalidPullTimeout", func(c *Config) { c.Sandbox.PullTimeoutSec = 0 }, "sandbox.pull_timeout_sec must be positive"},
		{"InvalidPullPolicy", func(c *Config) { c.Sandbox.PullPolicy = "never" }, "invalid sandbox.pull_policy"},
		{"EmptyPrefix", func(c *Config) { c.Sandbox.ContainerPrefix = "" }, "sandbox.container_prefix must not be empty"},
		{"InvalidConcurrency", func(c *Config) { c.Sandbox.MaxConcurrentJobs = 0 }, "sandbox.max_concurrent_jobs must be positive"},
		{"InvalidHeartbeat", func(c *Config) { c.Session.HeartbeatIntervalSec = 0 }, "session.heartbeat_interval_sec must be positive"},
		{"TinySessionBuffer", func(c *Config) { c.Session.BufferSize = 1 }, "session.buffer_size must be at least 2"},
		{"InvalidSendTimeout", func(c *Config) { c.Session.SendTimeoutSec = 0 }, "session.send_timeout_sec must be positive"},
		{"RelaySharedIDKeys", func(c *Config) {
			c.Relay = RelayConfig{RedisAddr: "redis:6379", IDKey: "runbox:ids", JobIDKey: "runbox:ids"}
		}, "must be set and distinct"},
		{"JanitorWithoutInterval", func(c *Config) { c.Janitor.Enabled = true }, "janitor.interval_sec must be positive"},
		{"InvalidLoggingMode", func(c *Config) { c.Logging.Mode = "invalid_mode" }, "invalid logging.mode"},
		{"InvalidLogLevel", func(c *Config) { c.Logging.Level = "invalid_level" }, "invalid logging.level"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)

			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("DefaultsWithoutFile", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg, err := New()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.HTTPPort)
		assert.Equal(t, "docker", cfg.Sandbox.Runtime)
		assert.Equal(t, 10*time.Second, cfg.BufferedTimeout())
		assert.Equal(t, 30*time.Second, cfg.StreamTimeout())
		assert.Equal(t, 30*time.Second, cfg.PullTimeout())
		assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval())
		assert.Equal(t, 10*time.Second, cfg.SendTimeout())
		assert.True(t, filepath.IsAbs(cfg.Sandbox.WorkDir))
		assert.False(t, cfg.RelayEnabled())
	})

	t.Run("FromYAMLFile", func(t *testing.T) {
		dir := t.TempDir()
		raw, err := yaml.Marshal(map[string]any{
			"sandbox": map[string]any{
				"runtime":     "podman",
				"memory_mb":   128,
				"pull_policy": "if-not-present",
			},
			"relay": map[string]any{
				"redis_addr": "localhost:6379",
			},
			"logging": map[string]any{
				"mode":  "development",
				"level": "debug",
			},
		})
		require.NoError(t, err)

		path := filepath.Join(dir, "runbox.yaml")
		require.NoError(t, os.WriteFile(path, raw, 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "podman", cfg.Sandbox.Runtime)
		assert.Equal(t, 128, cfg.Sandbox.MemoryMB)
		assert.Equal(t, "if-not-present", cfg.Sandbox.PullPolicy)
		assert.Equal(t, "development", cfg.Logging.Mode)
		assert.True(t, cfg.RelayEnabled())
		assert.Equal(t, "runbox:job-id", cfg.Relay.JobIDKey)
		// untouched keys keep their defaults
		assert.Equal(t, 10, cfg.Sandbox.BufferedTimeoutSec)
	})

	t.Run("EnvironmentOverride", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("RUNBOX_SANDBOX_MEMORY_MB", "256")

		cfg, err := New()
		require.NoError(t, err)
		assert.Equal(t, 256, cfg.Sandbox.MemoryMB)
	})

	t.Run("InvalidFile", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "runbox.yaml")
		require.NoError(t, os.WriteFile(path, []byte("sandbox:\n  runtime: lxc\n"), 0o600))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported sandbox.runtime")
	})
}
