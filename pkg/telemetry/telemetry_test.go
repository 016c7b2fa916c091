package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cfg = DefaultConfig()
	cfg.ServiceName = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty service name")
	}

	cfg = DefaultConfig()
	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid log level")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Exporter = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid trace exporter")
	}

	cfg = DefaultConfig()
	cfg.Tracing.SamplingRate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for out-of-range sampling rate")
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics

	// None of these may panic on a nil receiver.
	m.RunStarted()
	m.RunCompleted("success", time.Second)
	m.PhaseCompleted("access_setup", true, time.Second)
	m.IncidentOpened("server_unreachable")
	m.IncidentResolved("server_unreachable")
	m.ServiceRedeployed(false)
	m.ProviderCall("reinstall")
	m.ProviderError("reinstall")
	m.SetQueueDepth(3)
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create disabled metrics: %v", err)
	}

	m.RunStarted()
	m.RunCompleted("failed", time.Minute)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled metrics handler returned %d, want 404", rec.Code)
	}
}

func TestMetricsRecordAndExpose(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{
		Enabled:   true,
		Namespace: "fleetmend",
		Path:      "/metrics",
	})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RunStarted()
	m.RunCompleted("success", 90*time.Second)
	m.PhaseCompleted("software_setup", false, 30*time.Second)
	m.IncidentOpened("provisioning_failed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics handler returned %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"fleetmend_runs_started_total",
		"fleetmend_runs_completed_total",
		"fleetmend_phases_executed_total",
		"fleetmend_incidents_opened_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestLoggerFields(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{
		Level:  "debug",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	// Chained field helpers must not panic and must return new instances.
	child := logger.WithRequestID("req-1").WithHandle("srv-01").WithPhase("access_setup")
	if child == logger {
		t.Error("field helper returned the same logger instance")
	}
	child.Debug("field helpers work")
}

func TestNewTelemetryDisabledTracing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = false
	cfg.Metrics.Enabled = false

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	}()

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("telemetry not retrievable from context")
	}

	_, span := tel.Tracer.StartRunSpan(ctx, "req-42")
	span.End()
}
