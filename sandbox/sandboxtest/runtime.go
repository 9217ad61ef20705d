// Package sandboxtest provides a scripted container runtime for tests of
// packages built on sandbox.
package sandboxtest

import (
	"context"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/isdmx/runbox/sandbox"
)

// KilledExitCode is reported by runs ended through rm -f or Kill
const KilledExitCode = 137

// Runtime is an in-memory CommandRunner that understands the runtime verbs
// the sandbox issues: pull, image inspect, run and rm -f.
type Runtime struct {
	// pull
	PullDelay    time.Duration
	PullExitCode int
	PullStderr   string
	// image inspect
	Present bool

	// run, buffered
	Stdout   string
	Stderr   string
	ExitCode int
	// run, streaming; Chunks are written to the output one by one
	Chunks     []string
	ChunkDelay time.Duration
	// Hang keeps a run alive until it is removed or killed
	Hang bool

	mu       sync.Mutex
	calls    [][]string
	released map[string]chan struct{}
}

var _ sandbox.CommandRunner = (*Runtime)(nil)

// RunCommand implements sandbox.CommandRunner
func (r *Runtime) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	r.record(args)

	switch verb(args) {
	case "pull":
		select {
		case <-time.After(r.PullDelay):
			return "", r.PullStderr, r.PullExitCode, nil
		case <-ctx.Done():
			return "", "", -1, ctx.Err()
		}
	case "image":
		if r.Present {
			return "[]", "", 0, nil
		}
		return "", "Error: No such image", 1, nil
	case "run":
		if !r.Hang {
			return r.Stdout, r.Stderr, r.ExitCode, nil
		}
		select {
		case <-r.release(nameOf(args)):
			return r.Stdout, r.Stderr, KilledExitCode, nil
		case <-ctx.Done():
			return r.Stdout, r.Stderr, -1, ctx.Err()
		}
	case "rm":
		r.closeRelease(args[len(args)-1])
		return args[len(args)-1] + "\n", "", 0, nil
	default:
		return "", "unknown command", 125, nil
	}
}

// StartCommand implements sandbox.CommandRunner
func (r *Runtime) StartCommand(_ context.Context, args []string, out io.Writer) (sandbox.Process, error) {
	r.record(args)

	p := &process{killed: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(p.done)
		for _, chunk := range r.Chunks {
			select {
			case <-time.After(r.ChunkDelay):
			case <-p.killed:
				p.exitCode = KilledExitCode
				return
			}
			if _, err := io.WriteString(out, chunk); err != nil {
				p.exitCode = 1
				return
			}
		}
		if r.Hang {
			<-p.killed
			p.exitCode = KilledExitCode
			return
		}
		p.exitCode = r.ExitCode
	}()
	return p, nil
}

// Calls returns every argv received so far
func (r *Runtime) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// Count returns how many commands with the given verb were received
func (r *Runtime) Count(v string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, args := range r.calls {
		if verb(args) == v {
			n++
		}
	}
	return n
}

// Removed returns the names of force-removed containers, in order
func (r *Runtime) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, args := range r.calls {
		if verb(args) == "rm" {
			names = append(names, args[len(args)-1])
		}
	}
	return names
}

func (r *Runtime) record(args []string) {
	r.mu.Lock()
	r.calls = append(r.calls, slices.Clone(args))
	r.mu.Unlock()
}

func (r *Runtime) release(name string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released == nil {
		r.released = make(map[string]chan struct{})
	}
	ch, ok := r.released[name]
	if !ok {
		ch = make(chan struct{})
		r.released[name] = ch
	}
	return ch
}

func (r *Runtime) closeRelease(name string) {
	ch := r.release(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func verb(args []string) string {
	if len(args) < 2 {
		return ""
	}
	return args[1]
}

func nameOf(args []string) string {
	i := slices.Index(args, "--name")
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

type process struct {
	killOnce sync.Once
	killed   chan struct{}
	done     chan struct{}
	exitCode int
}

func (p *process) Wait() (int, error) {
	<-p.done
	return p.exitCode, nil
}

func (p *process) Kill() error {
	p.killOnce.Do(func() { close(p.killed) })
	return nil
}
