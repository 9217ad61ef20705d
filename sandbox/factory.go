package sandbox

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
)

// DefaultTeardownGrace bounds a teardown command when none is configured
const DefaultTeardownGrace = 5 * time.Second

// Config holds the execution settings shared by the sandbox components
type Config struct {
	Runtime         string
	WorkDir         string
	MountPath       string
	User            string
	MemoryMB        int
	PidsLimit       int
	PullPolicy      PullPolicy
	TeardownGrace   time.Duration
	ContainerPrefix string
}

// NewConfig derives the sandbox settings from the application configuration
func NewConfig(cfg *config.Config) (*Config, error) {
	switch cfg.Sandbox.Runtime {
	case "docker", "podman":
	default:
		return nil, fmt.Errorf("unsupported runtime: %s", cfg.Sandbox.Runtime)
	}

	grace := cfg.TeardownGrace()
	if grace <= 0 {
		grace = DefaultTeardownGrace
	}

	return &Config{
		Runtime:         cfg.Sandbox.Runtime,
		WorkDir:         cfg.Sandbox.WorkDir,
		MountPath:       cfg.Sandbox.MountPath,
		User:            cfg.Sandbox.User,
		MemoryMB:        cfg.Sandbox.MemoryMB,
		PidsLimit:       cfg.Sandbox.PidsLimit,
		PullPolicy:      PullPolicy(cfg.Sandbox.PullPolicy),
		TeardownGrace:   grace,
		ContainerPrefix: cfg.Sandbox.ContainerPrefix,
	}, nil
}

// NewRuntime creates the engine and the image provisioner for the configured
// runtime binary, both driving the same CommandRunner
func NewRuntime(logger *zap.Logger, config *Config, cmdRunner CommandRunner) (*Engine, *Provisioner) {
	if cmdRunner == nil {
		cmdRunner = RealCommandRunner{}
	}
	logger = logger.With(zap.String("runtime", config.Runtime))

	engine := NewEngine(logger, config, WithEngineCommandRunner(cmdRunner))
	provisioner := NewProvisioner(logger, config.Runtime, config.PullPolicy, WithProvisionerCommandRunner(cmdRunner))
	return engine, provisioner
}
