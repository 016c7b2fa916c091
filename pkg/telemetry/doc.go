// Package telemetry provides observability instrumentation for fleetmend.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), and metrics (Prometheus) into a unified system for
// monitoring and debugging provisioning and recovery runs.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "fleetmend"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithRequestID("req-123").WithHandle("srv-web-01")
//	logger.Info("starting provisioning run")
//	logger.WithError(err).Error("provisioning failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into run flow and timing:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, requestID)
//	defer span.End()
//
// Supported exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Prometheus metrics cover runs, configuration phases, incidents, recovery
// sweeps, and control-plane calls. All record methods are safe to call on a
// nil or disabled Metrics instance.
package telemetry
