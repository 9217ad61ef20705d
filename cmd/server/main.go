package main

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/dispatcher"
	"github.com/isdmx/runbox/httpserver"
	"github.com/isdmx/runbox/janitor"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/relay"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/session"
)

// connectTimeout bounds the connection checks against Redis and the engine
const connectTimeout = 5 * time.Second

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			metrics.New,

			// Container runtime
			sandbox.NewConfig,
			newRuntime,
			newArtifactFs,
			sandbox.NewArtifactWriter,

			// Sessions, optionally shared through Redis
			newRelay,
			newRegistry,
			newNotifier,

			newDispatcher,
			newJanitor,

			// Transports
			newMCPServer,
			newHTTPServer,
		),

		fx.Invoke(
			func(cfg *config.Config, log *zap.Logger, _ *httpserver.Server, _ *janitor.Janitor) {
				log.Info("configuration loaded",
					zap.Int("server.http_port", cfg.Server.HTTPPort),
					zap.Float64("server.rate_limit_rps", cfg.Server.RateLimitRPS),
					zap.String("sandbox.runtime", cfg.Sandbox.Runtime),
					zap.String("sandbox.work_dir", cfg.Sandbox.WorkDir),
					zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
					zap.Int("sandbox.buffered_timeout_sec", cfg.Sandbox.BufferedTimeoutSec),
					zap.Int("sandbox.stream_timeout_sec", cfg.Sandbox.StreamTimeoutSec),
					zap.Int("sandbox.pull_timeout_sec", cfg.Sandbox.PullTimeoutSec),
					zap.String("sandbox.pull_policy", cfg.Sandbox.PullPolicy),
					zap.Int("sandbox.max_concurrent_jobs", cfg.Sandbox.MaxConcurrentJobs),
					zap.Bool("janitor.enabled", cfg.Janitor.Enabled),
					zap.Bool("relay.enabled", cfg.RelayEnabled()),
					zap.Bool("mcp.enabled", cfg.MCP.Enabled),
				)
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func newRuntime(log *zap.Logger, cfg *sandbox.Config) (*sandbox.Engine, *sandbox.Provisioner) {
	return sandbox.NewRuntime(log, cfg, nil)
}

func newArtifactFs() afero.Fs {
	return afero.NewOsFs()
}

// newRelay returns nil when no Redis address is configured
func newRelay(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, m *metrics.Metrics) (*relay.Relay, error) {
	if !cfg.RelayEnabled() {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	broker, err := relay.NewRedisBroker(ctx, cfg.Relay.RedisAddr)
	if err != nil {
		return nil, err
	}

	r := relay.New(log, m, broker, cfg.Relay, nil)
	lc.Append(fx.Hook{
		OnStart: r.Start,
		OnStop: func(context.Context) error {
			r.Stop()
			return broker.Close()
		},
	})
	return r, nil
}

func newRegistry(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, m *metrics.Metrics, r *relay.Relay) *session.Registry {
	var opts []session.Option
	if r != nil {
		opts = append(opts, session.WithIDSource(r))
	}
	registry := session.New(log, cfg, opts...)
	if r != nil {
		r.SetLocal(registry)
	}
	m.ObserveSessions(registry.Len)

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			registry.Close()
			return nil
		},
	})
	return registry
}

// newNotifier publishes through the relay when there is one, so the
// instance holding the session delivers
func newNotifier(registry *session.Registry, r *relay.Relay) session.Notifier {
	if r != nil {
		return r
	}
	return registry
}

func newDispatcher(
	lc fx.Lifecycle,
	log *zap.Logger,
	cfg *config.Config,
	m *metrics.Metrics,
	notifier session.Notifier,
	writer *sandbox.ArtifactWriter,
	provisioner *sandbox.Provisioner,
	engine *sandbox.Engine,
	r *relay.Relay,
) *dispatcher.Dispatcher {
	var jobIDs session.IDSource
	if r != nil {
		jobIDs = r.JobIDs()
	}
	d := dispatcher.New(dispatcher.Params{
		Logger:            log,
		Metrics:           m,
		Notifier:          notifier,
		Writer:            writer,
		Provisioner:       provisioner,
		Engine:            engine,
		WorkDir:           cfg.Sandbox.WorkDir,
		Timeouts:          dispatcher.TimeoutsFrom(cfg),
		JobIDs:            jobIDs,
		MaxConcurrentJobs: cfg.Sandbox.MaxConcurrentJobs,
	})
	lc.Append(fx.Hook{OnStop: d.Close})
	return d
}

// newJanitor returns nil when cleanup is disabled. Without a reachable
// engine API only artifacts are cleaned up.
func newJanitor(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, m *metrics.Metrics, fsys afero.Fs) *janitor.Janitor {
	if !cfg.Janitor.Enabled {
		return nil
	}

	var api janitor.ContainerAPI
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	cli, err := janitor.NewDockerAPI(ctx)
	if err != nil {
		log.Warn("container cleanup disabled", zap.Error(err))
	} else {
		api = cli
	}

	j := janitor.New(log, m, cfg, api, fsys)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			j.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			j.Stop()
			if cli != nil {
				return cli.Close()
			}
			return nil
		},
	})
	return j
}

func newMCPServer(cfg *config.Config, log *zap.Logger, d *dispatcher.Dispatcher) *mcpserver.MCPServer {
	return mcpserver.New(cfg, log, d)
}

func newHTTPServer(
	lc fx.Lifecycle,
	log *zap.Logger,
	cfg *config.Config,
	m *metrics.Metrics,
	registry *session.Registry,
	d *dispatcher.Dispatcher,
	tools *mcpserver.MCPServer,
	level zap.AtomicLevel,
) *httpserver.Server {
	if cfg.Logging.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := httpserver.New(log, cfg, m, registry, d,
		httpserver.WithMCPHandler(tools.Handler()),
		httpserver.WithLogLevelHandler(level))
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return srv.Start()
		},
		OnStop: srv.Stop,
	})
	return srv
}
