// Package telemetry wires OpenTelemetry tracing and metrics for consensusd.
//
// Traces and metrics are exported over OTLP (gRPC or HTTP/protobuf) to a
// collector. When telemetry is disabled, Tracer and Meter fall back to the
// global no-op providers so instrumented code never checks for nil.
//
// Exporter setup failures never stop the daemon. The instance records the
// failure, reports itself degraded through Health, and keeps serving no-op
// providers for the part that failed.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "consensus.run")
//	span.End()
//	tt.AssertSpanExists(t, "consensus.run")
package telemetry
