// Package telemetry provides observability instrumentation for eshu.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus). Every collector is usable when
// disabled: a disabled Metrics records nothing and a disabled Tracer hands
// out no-op spans, so components never need to check for nil.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
// Components receive a zerolog.Logger scoped with a component field:
//
//	logger := tel.Logger.Component("search")
//	logger.Info().Str("term", term).Msg("Searching backends")
//
// # Distributed Tracing
//
//	ctx, span := tel.Tracer.StartBackendSpan(ctx, "pacman", "search")
//	defer span.End()
//
// # Metrics
//
// Metrics cover searches, backend latency and failures, profile probes and
// cache hits, language model calls, installs and remediations:
//
//	tel.Metrics.RecordBackendSearch("apt", telemetry.OutcomeTimeout, elapsed)
//	tel.Metrics.RecordInstall("succeeded", elapsed)
//
// Expose them over HTTP with StartMetricsServer.
package telemetry
