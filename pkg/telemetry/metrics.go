package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the deployment engine.
// Every Record/Set method is safe to call on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	// Workflow metrics
	operationsStarted  *prometheus.CounterVec
	operationsFinished *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	activeOperations   prometheus.Gauge

	// Tool metrics
	toolSteps        *prometheus.CounterVec
	toolStepDuration *prometheus.HistogramVec

	// Workspace metrics
	workspaceWait prometheus.Histogram

	// Streaming metrics
	logSubscribers prometheus.Gauge

	// Error metrics
	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		operationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Total number of create and destroy workflows started",
			},
			[]string{"operation"},
		),
		operationsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_finished_total",
				Help:      "Total number of workflows finished, by final status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of create and destroy workflows in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "status"},
		),
		activeOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_operations",
				Help:      "Current number of running workflows",
			},
		),

		toolSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_steps_total",
				Help:      "Total number of provisioning tool invocations",
			},
			[]string{"step", "exit_code"},
		),
		toolStepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_step_duration_seconds",
				Help:      "Duration of provisioning tool invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"step"},
		),

		workspaceWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workspace_wait_seconds",
				Help:      "Time spent waiting for the shared tool directory",
				Buckets:   buckets,
			},
		),

		logSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "log_subscribers",
				Help:      "Current number of live log subscribers",
			},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of engine errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.operationsStarted,
		m.operationsFinished,
		m.operationDuration,
		m.activeOperations,
		m.toolSteps,
		m.toolStepDuration,
		m.workspaceWait,
		m.logSubscribers,
		m.errorsByCode,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordOperationStarted increments the started counter and the active gauge.
func (m *Metrics) RecordOperationStarted(operation string) {
	if !m.enabled() {
		return
	}
	m.operationsStarted.WithLabelValues(operation).Inc()
	m.activeOperations.Inc()
}

// RecordOperationFinished records a finished workflow with its final status.
func (m *Metrics) RecordOperationFinished(operation, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.operationsFinished.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
	m.activeOperations.Dec()
}

// RecordToolStep records one tool invocation. A cancelled step is recorded
// with exit code "cancelled".
func (m *Metrics) RecordToolStep(step string, exitCode int, cancelled bool, duration time.Duration) {
	if !m.enabled() {
		return
	}
	code := strconv.Itoa(exitCode)
	if cancelled {
		code = "cancelled"
	}
	m.toolSteps.WithLabelValues(step, code).Inc()
	m.toolStepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordWorkspaceWait records how long a workflow waited for the shared directory.
func (m *Metrics) RecordWorkspaceWait(d time.Duration) {
	if !m.enabled() {
		return
	}
	m.workspaceWait.Observe(d.Seconds())
}

// AddLogSubscribers adjusts the live subscriber gauge.
func (m *Metrics) AddLogSubscribers(delta int) {
	if !m.enabled() {
		return
	}
	m.logSubscribers.Add(float64(delta))
}

// RecordError records an engine error by code.
func (m *Metrics) RecordError(code string) {
	if !m.enabled() || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Registry exposes the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts a dedicated metrics listener when one is configured.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// The API keeps serving without the dedicated listener
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server stopped")
		}
	}()

	return nil
}
