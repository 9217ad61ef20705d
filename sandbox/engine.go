package sandbox

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Mode selects how a job's output is delivered
type Mode string

// Execution modes
const (
	ModeBuffered  Mode = "buffered"
	ModeStreaming Mode = "streaming"
)

// ParseMode validates a mode name; empty selects buffered
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeBuffered:
		return ModeBuffered, nil
	case ModeStreaming:
		return ModeStreaming, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// OutcomeKind classifies how a run ended
type OutcomeKind int

// Outcome kinds in priority order: a forced termination wins over error
// output, which wins over a nonzero exit.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTimeout
	OutcomeCanceled
	OutcomeRuntimeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeRuntimeError:
		return "runtime_error"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one run
type Outcome struct {
	Kind     OutcomeKind
	Output   string // buffered mode only
	ExitCode int
	Duration time.Duration
	Err      error // nil on success
}

// Engine runs containers and guarantees their teardown
type Engine struct {
	logger    *zap.Logger
	config    *Config
	cmdRunner CommandRunner
}

// EngineOption defines a functional option for Engine
type EngineOption func(*Engine)

// WithEngineCommandRunner sets the CommandRunner for Engine
func WithEngineCommandRunner(cmdRunner CommandRunner) EngineOption {
	return func(e *Engine) {
		e.cmdRunner = cmdRunner
	}
}

// NewEngine creates an Engine with default implementations and optional interfaces
func NewEngine(logger *zap.Logger, config *Config, opts ...EngineOption) *Engine {
	e := &Engine{
		logger:    logger,
		config:    config,
		cmdRunner: RealCommandRunner{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewContainer prepares the container handle of a job. Only the job's
// artifact is mounted, read-only, under the configured mount path.
func (e *Engine) NewContainer(jobID int64, profile Profile, imageRef, artifactPath string) *Container {
	filename := path.Base(artifactPath)
	return &Container{
		Name:  ContainerName(e.config.ContainerPrefix, jobID),
		Image: imageRef,
		Mount: Mount{
			HostPath:      artifactPath,
			ContainerPath: path.Join(e.config.MountPath, filename),
			ReadOnly:      true,
		},
		Command: profile.Command,
		Env:     profile.Env,
		Limits: Limits{
			User:      e.config.User,
			MemoryMB:  e.config.MemoryMB,
			PidsLimit: e.config.PidsLimit,
		},
	}
}

// RunBuffered runs c to completion and returns its captured output. Killing
// the launching CLI does not reliably kill the container, so a supervisor
// force-removes the container by name once timeout elapses.
func (e *Engine) RunBuffered(ctx context.Context, c *Container, timeout time.Duration) Outcome {
	log := e.logger.With(zap.String("container", c.Name), zap.String("mode", string(ModeBuffered)))
	start := time.Now()

	if !c.transition(StatePending, StateRunning) {
		return Outcome{Kind: OutcomeRuntimeError, ExitCode: -1, Err: fmt.Errorf("%w: container %s already used", ErrExecutionRuntime, c.Name)}
	}

	supervisor := time.AfterFunc(timeout, func() {
		if c.transition(StateRunning, StateTimedOut) {
			log.Warn("execution timed out, stopping container", zap.Duration("timeout", timeout))
			e.teardown(c)
		}
	})

	// backstop for a launcher the forced stop cannot reach
	runCtx, cancel := context.WithTimeout(ctx, timeout+e.config.TeardownGrace)
	log.Debug("starting container", zap.Strings("args", c.RunArgs(e.config.Runtime)))
	stdout, stderr, exitCode, err := e.cmdRunner.RunCommand(runCtx, c.RunArgs(e.config.Runtime))
	cancel()
	supervisor.Stop()

	completed := c.transition(StateRunning, StateCompleted)
	e.finish(c)

	outcome := Outcome{ExitCode: exitCode, Duration: time.Since(start)}
	switch {
	case !completed:
		outcome.Kind = OutcomeTimeout
		outcome.Output = preferStderr(stdout, stderr)
		outcome.Err = fmt.Errorf("%w: %s after %s", ErrExecutionTimeout, c.Name, timeout)
	case ctx.Err() != nil:
		outcome.Kind = OutcomeCanceled
		outcome.Err = fmt.Errorf("%w: %w", ErrExecutionCanceled, ctx.Err())
	case err != nil:
		outcome.Kind = OutcomeRuntimeError
		outcome.Err = fmt.Errorf("%w: %w", ErrExecutionRuntime, err)
	case stderr != "":
		outcome.Kind = OutcomeRuntimeError
		outcome.Output = stderr
		outcome.Err = fmt.Errorf("%w: exit code %d with error output", ErrExecutionRuntime, exitCode)
	case exitCode != 0:
		outcome.Kind = OutcomeRuntimeError
		outcome.Output = stdout
		outcome.Err = fmt.Errorf("%w: exit code %d", ErrExecutionRuntime, exitCode)
	default:
		outcome.Kind = OutcomeSuccess
		outcome.Output = stdout
	}

	log.Info("container finished",
		zap.Stringer("outcome", outcome.Kind),
		zap.Int("exit_code", exitCode),
		zap.Duration("elapsed", outcome.Duration))
	return outcome
}

// RunStreaming runs c with its merged output written to out as it is
// produced. At the deadline out is detached and the launching process
// killed; teardown runs once after the process is gone.
func (e *Engine) RunStreaming(ctx context.Context, c *Container, timeout time.Duration, out io.Writer) Outcome {
	log := e.logger.With(zap.String("container", c.Name), zap.String("mode", string(ModeStreaming)))
	start := time.Now()

	if !c.transition(StatePending, StateRunning) {
		return Outcome{Kind: OutcomeRuntimeError, ExitCode: -1, Err: fmt.Errorf("%w: container %s already used", ErrExecutionRuntime, c.Name)}
	}

	gate := &gateWriter{w: out}
	proc, err := e.cmdRunner.StartCommand(ctx, c.RunArgs(e.config.Runtime), gate)
	if err != nil {
		c.transition(StateRunning, StateCompleted)
		e.finish(c)
		log.Error("container failed to start", zap.Error(err))
		return Outcome{Kind: OutcomeRuntimeError, ExitCode: -1, Duration: time.Since(start), Err: fmt.Errorf("%w: %w", ErrExecutionRuntime, err)}
	}

	killer := time.AfterFunc(timeout, func() {
		if c.transition(StateRunning, StateTimedOut) {
			gate.detach()
			log.Warn("execution timed out, killing process", zap.Duration("timeout", timeout))
			if killErr := proc.Kill(); killErr != nil {
				log.Warn("failed to kill process", zap.Error(killErr))
			}
		}
	})

	exitCode, waitErr := proc.Wait()
	killer.Stop()

	completed := c.transition(StateRunning, StateCompleted)
	if !completed || ctx.Err() != nil {
		gate.detach()
	}
	e.finish(c)

	outcome := Outcome{ExitCode: exitCode, Duration: time.Since(start)}
	switch {
	case !completed:
		outcome.Kind = OutcomeTimeout
		outcome.Err = fmt.Errorf("%w: %s after %s", ErrExecutionTimeout, c.Name, timeout)
	case ctx.Err() != nil:
		outcome.Kind = OutcomeCanceled
		outcome.Err = fmt.Errorf("%w: %w", ErrExecutionCanceled, ctx.Err())
	case waitErr != nil:
		outcome.Kind = OutcomeRuntimeError
		outcome.Err = fmt.Errorf("%w: %w", ErrExecutionRuntime, waitErr)
	case exitCode != 0:
		outcome.Kind = OutcomeRuntimeError
		outcome.Err = fmt.Errorf("%w: exit code %d", ErrExecutionRuntime, exitCode)
	default:
		outcome.Kind = OutcomeSuccess
	}

	log.Info("container finished",
		zap.Stringer("outcome", outcome.Kind),
		zap.Int("exit_code", exitCode),
		zap.Duration("elapsed", outcome.Duration))
	return outcome
}

// finish tears the container down, if nothing has yet, and marks it stopped
func (e *Engine) finish(c *Container) {
	e.teardown(c)
	c.stopped()
}

// teardown force-removes the container at most once per handle. Failures
// are logged only: a container started with --rm is usually gone already.
func (e *Engine) teardown(c *Container) {
	c.teardown.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.config.TeardownGrace)
		defer cancel()

		_, stderr, exitCode, err := e.cmdRunner.RunCommand(ctx, c.TeardownArgs(e.config.Runtime))
		switch {
		case err != nil:
			e.logger.Warn("container teardown failed", zap.String("container", c.Name), zap.Error(err))
		case exitCode != 0:
			e.logger.Debug("container teardown reported an error",
				zap.String("container", c.Name),
				zap.Int("exit_code", exitCode),
				zap.String("stderr", truncate(stderr, maxDiagnosticLen)))
		default:
			e.logger.Debug("container removed", zap.String("container", c.Name))
		}
	})
}

func preferStderr(stdout, stderr string) string {
	if stderr != "" {
		return stderr
	}
	return stdout
}

// gateWriter forwards writes until detached, then discards them
type gateWriter struct {
	w        io.Writer
	detached atomic.Bool
}

func (g *gateWriter) Write(p []byte) (int, error) {
	if g.detached.Load() {
		return len(p), nil
	}
	return g.w.Write(p)
}

func (g *gateWriter) detach() {
	g.detached.Store(true)
}
