package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for mostd.
// Every Record/Set method is safe to call on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	// Route metrics
	routeReports *prometheus.CounterVec
	routesState  *prometheus.GaugeVec

	// Job metrics
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec

	// Device metrics
	deviceRequests *prometheus.CounterVec
	resourceEvents *prometheus.CounterVec
	scriptRuns     *prometheus.CounterVec

	// Admission metrics
	admissions *prometheus.CounterVec

	// Pool metrics
	poolUsage *prometheus.GaugeVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
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

		routeReports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "route_reports_total",
				Help:      "Total number of route reports by outcome",
			},
			[]string{"info"},
		),
		routesState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "routes",
				Help:      "Current number of routes per state",
			},
			[]string{"state"},
		),

		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Total number of construct and teardown jobs completed",
			},
			[]string{"operation", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of construct and teardown jobs in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		deviceRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_requests_total",
				Help:      "Total number of device requests by operation and result",
			},
			[]string{"operation", "result"},
		),
		resourceEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_events_total",
				Help:      "Total number of device resource diagnostics",
			},
			[]string{"type", "info"},
		),
		scriptRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_script_runs_total",
				Help:      "Total number of node configuration script runs",
			},
			[]string{"result"},
		),

		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "route_admissions_total",
				Help:      "Total number of route admission decisions",
			},
			[]string{"decision"},
		),

		poolUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_slots_used",
				Help:      "Current number of used resource pool slots",
			},
			[]string{"table"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.routeReports,
		m.routesState,
		m.jobsCompleted,
		m.jobDuration,
		m.deviceRequests,
		m.resourceEvents,
		m.scriptRuns,
		m.admissions,
		m.poolUsage,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Route Metrics

// RecordRouteReport counts a report delivered to the application.
func (m *Metrics) RecordRouteReport(info string) {
	if m == nil || m.routeReports == nil {
		return
	}
	m.routeReports.WithLabelValues(info).Inc()
}

// SetRoutesInState sets the number of routes in a state.
func (m *Metrics) SetRoutesInState(state string, count int) {
	if m == nil || m.routesState == nil {
		return
	}
	m.routesState.WithLabelValues(state).Set(float64(count))
}

// Job Metrics

// RecordJob records a completed job with its outcome and duration.
func (m *Metrics) RecordJob(operation, outcome string, duration time.Duration) {
	if m == nil || m.jobsCompleted == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(operation, outcome).Inc()
	m.jobDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Device Metrics

// RecordDeviceRequest counts a device request result.
func (m *Metrics) RecordDeviceRequest(operation, result string) {
	if m == nil || m.deviceRequests == nil {
		return
	}
	m.deviceRequests.WithLabelValues(operation, result).Inc()
}

// RecordResourceEvent counts a resource diagnostic.
func (m *Metrics) RecordResourceEvent(resourceType, info string) {
	if m == nil || m.resourceEvents == nil {
		return
	}
	m.resourceEvents.WithLabelValues(resourceType, info).Inc()
}

// RecordScriptRun counts a node script run.
func (m *Metrics) RecordScriptRun(result string) {
	if m == nil || m.scriptRuns == nil {
		return
	}
	m.scriptRuns.WithLabelValues(result).Inc()
}

// RecordAdmission counts a route admission decision ("admitted", "denied" or
// "advisory").
func (m *Metrics) RecordAdmission(decision string) {
	if m == nil || m.admissions == nil {
		return
	}
	m.admissions.WithLabelValues(decision).Inc()
}

// Pool Metrics

// SetPoolUsage sets the used slot count of a pool table ("jobs" or "handles").
func (m *Metrics) SetPoolUsage(table string, used int) {
	if m == nil || m.poolUsage == nil {
		return
	}
	m.poolUsage.WithLabelValues(table).Set(float64(used))
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the private registry, or nil when metrics are disabled.
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
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
// Serve errors are passed to onError when it is non-nil.
func (m *Metrics) StartMetricsServer(onError func(error)) error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()

	return nil
}

// StopMetricsServer shuts the metrics server down.
func (m *Metrics) StopMetricsServer(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
