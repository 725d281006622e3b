package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Backend call outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeTimeout     = "timeout"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
	OutcomeFallback    = "fallback"
	OutcomeDisabled    = "disabled"
)

// Metrics provides Prometheus metrics for eshu. A nil or disabled Metrics
// records nothing.
type Metrics struct {
	config MetricsConfig

	searches       *prometheus.CounterVec
	searchDuration prometheus.Histogram

	backendCalls    *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec

	profileProbes    prometheus.Counter
	profileDuration  prometheus.Histogram
	profileCacheHits *prometheus.CounterVec

	languageModelCalls    *prometheus.CounterVec
	languageModelDuration *prometheus.HistogramVec

	installs        *prometheus.CounterVec
	installDuration *prometheus.HistogramVec
	activeInstalls  prometheus.Gauge
	remediations    *prometheus.CounterVec
	policyDenials   *prometheus.CounterVec

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

		searches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "searches_total",
				Help:      "Total number of aggregated searches",
			},
			[]string{"status"},
		),
		searchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_duration_seconds",
				Help:      "Duration of aggregated searches in seconds",
				Buckets:   buckets,
			},
		),

		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Total number of backend operations by outcome",
			},
			[]string{"backend", "operation", "outcome"},
		),
		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Duration of backend operations in seconds",
				Buckets:   buckets,
			},
			[]string{"backend", "operation"},
		),

		profileProbes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "profile_probes_total",
				Help:      "Total number of full system probes",
			},
		),
		profileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "profile_probe_duration_seconds",
				Help:      "Duration of full system probes in seconds",
				Buckets:   buckets,
			},
		),
		profileCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "profile_cache_hits_total",
				Help:      "Total number of profile requests served from cache",
			},
			[]string{"source"},
		),

		languageModelCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "language_model_calls_total",
				Help:      "Total number of language model requests by outcome",
			},
			[]string{"operation", "outcome"},
		),
		languageModelDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "language_model_duration_seconds",
				Help:      "Duration of language model requests in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		installs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "installs_total",
				Help:      "Total number of installation runs by final state",
			},
			[]string{"state"},
		),
		installDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "install_duration_seconds",
				Help:      "Duration of installation runs in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),
		activeInstalls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_installs",
				Help:      "Current number of running installations",
			},
		),
		remediations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remediations_total",
				Help:      "Total number of remediation attempts by outcome",
			},
			[]string{"outcome"},
		),
		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of commands rejected by policy",
			},
			[]string{"stage"},
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
		m.searches,
		m.searchDuration,
		m.backendCalls,
		m.backendDuration,
		m.profileProbes,
		m.profileDuration,
		m.profileCacheHits,
		m.languageModelCalls,
		m.languageModelDuration,
		m.installs,
		m.installDuration,
		m.activeInstalls,
		m.remediations,
		m.policyDenials,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordSearch records a completed aggregated search.
func (m *Metrics) RecordSearch(partial bool, duration time.Duration) {
	if !m.enabled() {
		return
	}
	status := "complete"
	if partial {
		status = "partial"
	}
	m.searches.WithLabelValues(status).Inc()
	m.searchDuration.Observe(duration.Seconds())
}

// RecordBackendCall records one backend operation and its outcome.
func (m *Metrics) RecordBackendCall(backend, operation, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.backendCalls.WithLabelValues(backend, operation, outcome).Inc()
	m.backendDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordProfileProbe records a full system probe.
func (m *Metrics) RecordProfileProbe(duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.profileProbes.Inc()
	m.profileDuration.Observe(duration.Seconds())
}

// RecordProfileCacheHit records a profile served without probing.
// Source is "memory" or "disk".
func (m *Metrics) RecordProfileCacheHit(source string) {
	if !m.enabled() {
		return
	}
	m.profileCacheHits.WithLabelValues(source).Inc()
}

// RecordLanguageModelCall records a language model request.
func (m *Metrics) RecordLanguageModelCall(operation, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.languageModelCalls.WithLabelValues(operation, outcome).Inc()
	m.languageModelDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// InstallStarted increments the active install gauge.
func (m *Metrics) InstallStarted() {
	if !m.enabled() {
		return
	}
	m.activeInstalls.Inc()
}

// RecordInstall records a finished installation run.
func (m *Metrics) RecordInstall(state string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.installs.WithLabelValues(state).Inc()
	m.installDuration.WithLabelValues(state).Observe(duration.Seconds())
	m.activeInstalls.Dec()
}

// RecordRemediation records a remediation attempt outcome
// (declined, denied, succeeded, failed).
func (m *Metrics) RecordRemediation(outcome string) {
	if !m.enabled() {
		return
	}
	m.remediations.WithLabelValues(outcome).Inc()
}

// RecordPolicyDenial records a command rejected by policy.
func (m *Metrics) RecordPolicyDenial(stage string) {
	if !m.enabled() {
		return
	}
	m.policyDenials.WithLabelValues(stage).Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) error {
	if !m.enabled() {
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
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
