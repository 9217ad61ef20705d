package sandbox

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
)

// State is the lifecycle position of a container
type State int

// Container states. A container moves Pending -> Running -> Completed or
// TimedOut -> Stopped; a container that never starts goes straight to Stopped.
const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateStopped:
		return "stopped"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Mount binds one host file into the container
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Limits are the resource constraints applied to every run
type Limits struct {
	User      string
	MemoryMB  int
	PidsLimit int
}

// Container is the handle of one job's container. It is used for exactly
// one run and torn down at most once.
type Container struct {
	Name    string
	Image   string
	Mount   Mount
	Command []string
	Env     map[string]string
	Limits  Limits

	mu       sync.Mutex
	state    State
	teardown sync.Once
}

// ContainerName derives the container name of a job
func ContainerName(prefix string, jobID int64) string {
	return fmt.Sprintf("%s-%d", prefix, jobID)
}

// State returns the current lifecycle state
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves the container from one state to another and reports
// whether it was in the expected state. It is the arbiter between the exit
// path and the deadline path: whichever transitions out of Running first
// decides the outcome.
func (c *Container) transition(from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

func (c *Container) stopped() {
	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
}

// RunArgs builds the runtime argv that starts the container
func (c *Container) RunArgs(runtime string) []string {
	memory := fmt.Sprintf("%dm", c.Limits.MemoryMB)

	args := []string{
		runtime, "run",
		"--rm",
		"--name", c.Name,
		"--network", "none",
		"--memory", memory,
		"--memory-swap", memory, // no swap on top of the memory ceiling
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges:true",
	}
	if c.Limits.User != "" {
		args = append(args, "--user", c.Limits.User)
	}
	if c.Limits.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(c.Limits.PidsLimit))
	}

	for _, key := range slices.Sorted(maps.Keys(c.Env)) {
		args = append(args, "-e", key+"="+c.Env[key])
	}

	volume := c.Mount.HostPath + ":" + c.Mount.ContainerPath
	if c.Mount.ReadOnly {
		volume += ":ro"
	}
	args = append(args, "-v", volume, c.Image)
	args = append(args, c.Command...)
	return append(args, c.Mount.ContainerPath)
}

// TeardownArgs builds the argv that force-removes the container
func (c *Container) TeardownArgs(runtime string) []string {
	return []string{runtime, "rm", "-f", c.Name}
}
