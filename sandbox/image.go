package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PullPolicy decides when EnsureImage contacts the registry
type PullPolicy string

// Pull policies
const (
	PullAlways       PullPolicy = "always"
	PullIfNotPresent PullPolicy = "if-not-present"
)

// maxDiagnosticLen caps runtime stderr copied into errors
const maxDiagnosticLen = 512

// Provisioner makes sure an image is available locally before a run
type Provisioner struct {
	logger    *zap.Logger
	runtime   string
	policy    PullPolicy
	cmdRunner CommandRunner
}

// ProvisionerOption defines a functional option for Provisioner
type ProvisionerOption func(*Provisioner)

// WithProvisionerCommandRunner sets the CommandRunner for Provisioner
func WithProvisionerCommandRunner(cmdRunner CommandRunner) ProvisionerOption {
	return func(p *Provisioner) {
		p.cmdRunner = cmdRunner
	}
}

// NewProvisioner creates a Provisioner that drives the given runtime binary
func NewProvisioner(logger *zap.Logger, runtime string, policy PullPolicy, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		logger:    logger,
		runtime:   runtime,
		policy:    policy,
		cmdRunner: RealCommandRunner{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EnsureImage pulls ref, bounded by timeout. A pull killed at the deadline
// yields ErrPullTimeout; a pull that exits nonzero yields ErrPull carrying
// the runtime's diagnostic output.
func (p *Provisioner) EnsureImage(ctx context.Context, ref string, timeout time.Duration) error {
	log := p.logger.With(zap.String("image", ref))

	if p.policy == PullIfNotPresent && p.present(ctx, ref) {
		log.Debug("image already present, skipping pull")
		return nil
	}

	pullCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	_, stderr, exitCode, err := p.cmdRunner.RunCommand(pullCtx, []string{p.runtime, "pull", ref})
	elapsed := time.Since(start)

	switch {
	case errors.Is(pullCtx.Err(), context.DeadlineExceeded):
		log.Warn("image pull timed out", zap.Duration("timeout", timeout))
		return fmt.Errorf("%w: %s after %s", ErrPullTimeout, ref, timeout)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %s: %w", ErrPull, ref, ctx.Err())
	case err != nil:
		log.Error("image pull could not run", zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrPull, ref, err)
	case exitCode != 0:
		diagnostic := truncate(strings.TrimSpace(stderr), maxDiagnosticLen)
		log.Warn("image pull failed", zap.Int("exit_code", exitCode), zap.String("stderr", diagnostic))
		if diagnostic == "" {
			diagnostic = fmt.Sprintf("exit code %d", exitCode)
		}
		return fmt.Errorf("%w: %s: %s", ErrPull, ref, diagnostic)
	}

	log.Info("image pulled", zap.Duration("elapsed", elapsed))
	return nil
}

func (p *Provisioner) present(ctx context.Context, ref string) bool {
	_, _, exitCode, err := p.cmdRunner.RunCommand(ctx, []string{p.runtime, "image", "inspect", ref})
	return err == nil && exitCode == 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
