package janitor

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/metrics"
)

// ContainerAPI is the part of the Docker Engine API the janitor uses
type ContainerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// NewDockerAPI connects to the engine named by the DOCKER_HOST environment,
// which may also be a podman socket
func NewDockerAPI(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}
	return cli, nil
}

// artifactPattern matches files written by sandbox.ArtifactWriter
var artifactPattern = regexp.MustCompile(`^main-\d+\.[a-z]+$`)

// Janitor periodically removes what crashed or interrupted jobs left
// behind: containers older than any run budget and expired artifacts.
type Janitor struct {
	logger       *zap.Logger
	metrics      *metrics.Metrics
	api          ContainerAPI
	fs           afero.Fs
	workDir      string
	prefix       string
	namePattern  *regexp.Regexp
	containerAge time.Duration
	artifactTTL  time.Duration
	interval     time.Duration
	now          func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option defines a functional option for Janitor
type Option func(*Janitor)

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) {
		j.now = now
	}
}

// New creates a Janitor. api may be nil, in which case only artifacts are
// cleaned up.
func New(logger *zap.Logger, m *metrics.Metrics, cfg *config.Config, api ContainerAPI, fsys afero.Fs, opts ...Option) *Janitor {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	prefix := cfg.Sandbox.ContainerPrefix

	j := &Janitor{
		logger:       logger.With(zap.String("component", "janitor")),
		metrics:      m,
		api:          api,
		fs:           fsys,
		workDir:      cfg.Sandbox.WorkDir,
		prefix:       prefix,
		namePattern:  regexp.MustCompile(`^/?` + regexp.QuoteMeta(prefix) + `-\d+$`),
		containerAge: max(cfg.BufferedTimeout(), cfg.StreamTimeout()) + cfg.TeardownGrace(),
		artifactTTL:  time.Duration(cfg.Janitor.ArtifactTTLSec) * time.Second,
		interval:     time.Duration(cfg.Janitor.IntervalSec) * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start runs a sweep on every interval until Stop
func (j *Janitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	j.mu.Lock()
	j.cancel = cancel
	j.done = done
	j.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := j.Sweep(ctx); err != nil {
					j.logger.Warn("sweep finished with errors", zap.Error(err))
				}
			}
		}
	}()

	j.logger.Info("janitor started", zap.Duration("interval", j.interval))
}

// Stop ends the sweep loop and waits for a running sweep
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sweep runs one cleanup pass. Every candidate is attempted; the errors of
// all failed removals are combined.
func (j *Janitor) Sweep(ctx context.Context) error {
	containers, containerErr := j.reapContainers(ctx)
	artifacts, artifactErr := j.reapArtifacts()

	if containers > 0 || artifacts > 0 {
		j.logger.Info("sweep removed leftovers",
			zap.Int("containers", containers),
			zap.Int("artifacts", artifacts))
	}
	return multierr.Append(containerErr, artifactErr)
}

func (j *Janitor) reapContainers(ctx context.Context) (int, error) {
	if j.api == nil {
		return 0, nil
	}

	list, err := j.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", j.prefix+"-")),
	})
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}

	var (
		removed int
		errs    error
	)
	now := j.now()
	for _, c := range list {
		name := j.jobName(c.Names)
		if name == "" {
			continue
		}
		if now.Sub(time.Unix(c.Created, 0)) <= j.containerAge {
			continue
		}

		if err := j.api.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("remove container %s: %w", name, err))
			continue
		}
		removed++
		j.metrics.ContainersReaped.Inc()
		j.logger.Info("removed leftover container", zap.String("container", name), zap.String("state", c.State))
	}
	return removed, errs
}

// jobName returns the container name when it is one the sandbox created
func (j *Janitor) jobName(names []string) string {
	for _, n := range names {
		if j.namePattern.MatchString(n) {
			return strings.TrimPrefix(n, "/")
		}
	}
	return ""
}

func (j *Janitor) reapArtifacts() (int, error) {
	if j.artifactTTL <= 0 {
		return 0, nil
	}

	entries, err := afero.ReadDir(j.fs, j.workDir)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", j.workDir, err)
	}

	var (
		removed int
		errs    error
	)
	cutoff := j.now().Add(-j.artifactTTL)
	for _, entry := range entries {
		if entry.IsDir() || !artifactPattern.MatchString(entry.Name()) || entry.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.workDir, entry.Name())
		if err := j.fs.Remove(path); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("remove artifact %s: %w", path, err))
			continue
		}
		removed++
		j.metrics.ArtifactsReaped.Inc()
	}
	return removed, errs
}
