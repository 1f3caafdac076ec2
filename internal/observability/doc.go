// Package observability provides the logging, metrics and tracing used
// across intentgate.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts credentials from
// every string attribute and adds request and session ids carried in the
// context. Components take a *slog.Logger and default to
// slog.Default().With("component", ...).
//
// # Metrics
//
// Metrics wraps the Prometheus collectors for intent transitions,
// confirmation outcomes, executor latency, sweeps and the HTTP API. Every
// method is safe on a nil *Metrics so callers never need to check.
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordTransition("pending", "executing")
//
// # Tracing
//
// NewTracer configures an OpenTelemetry tracer that exports over OTLP/gRPC
// when an endpoint is set and is a no-op otherwise.
//
//	tracer, shutdown, err := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "intentgate",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	if err != nil {
//	    return err
//	}
//	defer shutdown(context.Background())
package observability
