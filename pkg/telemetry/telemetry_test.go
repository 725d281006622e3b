package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestConfigValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty service", func(c *Config) { c.ServiceName = "" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 1.5 }},
		{"metrics without address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddress = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)

	m.RecordSearch(true, time.Second)
	m.RecordBackendCall("apt", "search", OutcomeTimeout, time.Second)
	m.RecordInstall("failed", time.Second)
	assert.Nil(t, m.Registry())

	var nilMetrics *Metrics
	nilMetrics.RecordRemediation("declined")
	assert.NoError(t, nilMetrics.Shutdown(context.Background()))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsRecord(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	require.NoError(t, err)

	m.RecordBackendCall("apt", "search", OutcomeTimeout, 2*time.Second)
	m.RecordBackendCall("apt", "search", OutcomeTimeout, time.Second)
	m.RecordBackendCall("pacman", "search", OutcomeOK, time.Millisecond)
	m.RecordProfileCacheHit("memory")
	m.InstallStarted()
	m.RecordInstall("succeeded", time.Minute)
	m.RecordError("transient", "BACKEND_TIMEOUT")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.backendCalls.WithLabelValues("apt", "search", OutcomeTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backendCalls.WithLabelValues("pacman", "search", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.profileCacheHits.WithLabelValues("memory")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeInstalls))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByCode.WithLabelValues("BACKEND_TIMEOUT")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "eshu_installs_total")
}

func TestNilTracerStartsNoopSpans(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.StartBackendSpan(context.Background(), "apt", "search")
	defer span.End()

	assert.NotNil(t, ctx)
	assert.False(t, span.SpanContext().IsValid())
	assert.Empty(t, TraceID(ctx))
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestNop(t *testing.T) {
	tel := Nop()
	logger := tel.Logger.Component("test")
	logger.Info().Msg("discarded")
	require.NoError(t, tel.StartMetricsServer())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNewLoggerToFile(t *testing.T) {
	path := t.TempDir() + "/eshu.log"
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	zl := logger.Component("search")
	zl.Debug().Str("term", "firefox").Msg("hello")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"search"`)
	assert.Contains(t, string(data), `"term":"firefox"`)
}
