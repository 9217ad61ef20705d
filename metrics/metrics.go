package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "runbox"

// Metrics holds the Prometheus collectors of the service
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Jobs
	JobsTotal      *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	JobsInFlight   prometheus.Gauge
	JobsRejected   *prometheus.CounterVec
	PullDuration   *prometheus.HistogramVec
	ChunksStreamed prometheus.Counter

	// Sessions
	SessionsOpened prometheus.Counter

	// Cleanup
	ContainersReaped prometheus.Counter
	ArtifactsReaped  prometheus.Counter

	// Relay
	RelayFrames *prometheus.CounterVec
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests by endpoint, method, and status code",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"endpoint", "method"},
		),

		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "job",
				Name:      "total",
				Help:      "Total number of finished jobs by language, mode, and result",
			},
			[]string{"language", "mode", "result"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "job",
				Name:      "run_duration_seconds",
				Help:      "Container run duration in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"language", "mode"},
		),
		JobsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "job",
				Name:      "in_flight",
				Help:      "Number of jobs currently being processed",
			},
		),
		JobsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "job",
				Name:      "rejected_total",
				Help:      "Jobs that failed before reaching the container, by error kind",
			},
			[]string{"kind"},
		),
		PullDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "image",
				Name:      "pull_duration_seconds",
				Help:      "Image provisioning duration in seconds",
				Buckets:   []float64{.05, .25, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"result"},
		),
		ChunksStreamed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "job",
				Name:      "chunks_streamed_total",
				Help:      "Output chunks forwarded to sessions",
			},
		),

		SessionsOpened: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "opened_total",
				Help:      "Total number of event channels opened",
			},
		),

		ContainersReaped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "janitor",
				Name:      "containers_removed_total",
				Help:      "Leftover containers removed by the janitor",
			},
		),
		ArtifactsReaped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "janitor",
				Name:      "artifacts_removed_total",
				Help:      "Expired artifact files removed by the janitor",
			},
		),

		RelayFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "frames_total",
				Help:      "Frames relayed through Redis by direction",
			},
			[]string{"direction"},
		),
	}
}

// ObserveSessions exports the number of connected sessions, read from
// count at scrape time
func (m *Metrics) ObserveSessions(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connected",
			Help:      "Number of currently connected event channels",
		},
		func() float64 { return float64(count()) },
	))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// RecordJob records a job that reached the container
func (m *Metrics) RecordJob(language, mode, result string, duration time.Duration) {
	m.JobsTotal.WithLabelValues(language, mode, result).Inc()
	m.JobDuration.WithLabelValues(language, mode).Observe(duration.Seconds())
}

// RecordRejectedJob records a job stopped before execution
func (m *Metrics) RecordRejectedJob(kind string) {
	m.JobsRejected.WithLabelValues(kind).Inc()
}

// RecordPull records one image provisioning attempt
func (m *Metrics) RecordPull(err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PullDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// Registry returns the registry the collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler exposing the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
