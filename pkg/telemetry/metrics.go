package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the fleetmend engine. All record
// methods are safe on a nil receiver and on a disabled instance, so callers
// never guard their instrumentation.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Phase metrics
	phasesExecuted *prometheus.CounterVec
	phaseDuration  *prometheus.HistogramVec

	// Incident metrics
	incidentsOpened   *prometheus.CounterVec
	incidentsResolved *prometheus.CounterVec

	// Redeploy sweep metrics
	servicesRedeployed *prometheus.CounterVec

	// Provider metrics
	providerCalls  *prometheus.CounterVec
	providerErrors *prometheus.CounterVec

	// System metrics
	activeRuns prometheus.Gauge
	queueDepth prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance
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

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of provisioning runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of provisioning runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of provisioning run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		phasesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phases_executed_total",
				Help:      "Total number of configuration phases executed",
			},
			[]string{"phase", "status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of configuration phase execution in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),

		incidentsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "incidents_opened_total",
				Help:      "Total number of incidents opened",
			},
			[]string{"type"},
		),
		incidentsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "incidents_resolved_total",
				Help:      "Total number of incidents resolved",
			},
			[]string{"type"},
		),

		servicesRedeployed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "services_redeployed_total",
				Help:      "Total number of service redeployments attempted during recovery sweeps",
			},
			[]string{"status"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of control-plane API calls",
			},
			[]string{"operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of control-plane API errors",
			},
			[]string{"operation"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of in-flight provisioning runs",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of pending provisioning requests",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.phasesExecuted,
		m.phaseDuration,
		m.incidentsOpened,
		m.incidentsResolved,
		m.servicesRedeployed,
		m.providerCalls,
		m.providerErrors,
		m.activeRuns,
		m.queueDepth,
	)

	return m, nil
}

// RunStarted increments the counter for started runs.
func (m *Metrics) RunStarted() {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RunCompleted records a completed run with its status and duration.
func (m *Metrics) RunCompleted(status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// PhaseCompleted records the execution of a configuration phase.
func (m *Metrics) PhaseCompleted(phase string, success bool, duration time.Duration) {
	if m == nil || m.phasesExecuted == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.phasesExecuted.WithLabelValues(phase, status).Inc()
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// IncidentOpened records a newly opened incident.
func (m *Metrics) IncidentOpened(incidentType string) {
	if m == nil || m.incidentsOpened == nil {
		return
	}
	m.incidentsOpened.WithLabelValues(incidentType).Inc()
}

// IncidentResolved records a resolved incident.
func (m *Metrics) IncidentResolved(incidentType string) {
	if m == nil || m.incidentsResolved == nil {
		return
	}
	m.incidentsResolved.WithLabelValues(incidentType).Inc()
}

// ServiceRedeployed records one redeploy attempt from a recovery sweep.
func (m *Metrics) ServiceRedeployed(success bool) {
	if m == nil || m.servicesRedeployed == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.servicesRedeployed.WithLabelValues(status).Inc()
}

// ProviderCall records a control-plane API call.
func (m *Metrics) ProviderCall(operation string) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(operation).Inc()
}

// ProviderError records a control-plane API error.
func (m *Metrics) ProviderError(operation string) {
	if m == nil || m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(operation).Inc()
}

// SetQueueDepth sets the current number of pending requests.
func (m *Metrics) SetQueueDepth(count float64) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(count)
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
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
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
