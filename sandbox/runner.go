package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// CommandRunner defines an interface for executing container runtime commands
type CommandRunner interface {
	// RunCommand runs args to completion and captures both output streams.
	// A nonzero exit is reported through exitCode, not err.
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)

	// StartCommand starts args with stdout and stderr merged into out.
	StartCommand(ctx context.Context, args []string, out io.Writer) (Process, error)
}

// Process is a started command
type Process interface {
	// Wait blocks until the process exits. A nonzero or signalled exit is
	// reported through exitCode, not err.
	Wait() (exitCode int, err error)
	// Kill forcibly terminates the process
	Kill() error
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct {
	// WaitDelay bounds how long Wait keeps draining output after the
	// process is gone. Zero uses DefaultWaitDelay.
	WaitDelay time.Duration
}

// DefaultWaitDelay is the output drain bound of a killed process
const DefaultWaitDelay = 2 * time.Second

// RunCommand executes the given command with arguments
func (r RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // argv is built from validated profiles
	cmd.WaitDelay = r.waitDelay()

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return stdoutBuf.String(), stderrBuf.String(), -1, err
		}
		exitCode = exitError.ExitCode()
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// StartCommand starts the command with both output streams written to out
func (r RealCommandRunner) StartCommand(ctx context.Context, args []string, out io.Writer) (Process, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // argv is built from validated profiles
	cmd.WaitDelay = r.waitDelay()
	// same comparable writer: exec serializes the writes of both streams
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

func (r RealCommandRunner) waitDelay() time.Duration {
	if r.WaitDelay > 0 {
		return r.WaitDelay
	}
	return DefaultWaitDelay
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return exitError.ExitCode(), nil
	}
	return -1, err
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
