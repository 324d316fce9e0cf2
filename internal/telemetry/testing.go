package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans and metrics in memory.
type TestTelemetry struct {
	*Telemetry

	SpanRecorder *tracetest.SpanRecorder
	MetricReader *sdkmetric.ManualReader
}

// NewTestTelemetry returns an enabled instance backed by in-memory readers.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	rec := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()

	t := &Telemetry{
		config:         cfg,
		tracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)),
		meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
	t.healthy.Store(true)

	return &TestTelemetry{Telemetry: t, SpanRecorder: rec, MetricReader: reader}
}

// Spans returns the ended spans.
func (tt *TestTelemetry) Spans() []sdktrace.ReadOnlySpan {
	return tt.SpanRecorder.Ended()
}

// SpanByName returns the first ended span called name, or nil.
func (tt *TestTelemetry) SpanByName(name string) sdktrace.ReadOnlySpan {
	for _, s := range tt.Spans() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// AssertSpanExists fails tb when no span called name has ended.
func (tt *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if tt.SpanByName(name) == nil {
		names := make([]string, 0)
		for _, s := range tt.Spans() {
			names = append(names, s.Name())
		}
		tb.Errorf("span %q not found, have %v", name, names)
	}
}

// AssertSpanAttribute fails tb unless the named span carries key=want.
func (tt *TestTelemetry) AssertSpanAttribute(tb testing.TB, name string, key attribute.Key, want attribute.Value) {
	tb.Helper()
	s := tt.SpanByName(name)
	if s == nil {
		tb.Errorf("span %q not found", name)
		return
	}
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			if kv.Value.Emit() != want.Emit() || kv.Value.Type() != want.Type() {
				tb.Errorf("span %q attribute %s = %v, want %v", name, key, kv.Value.Emit(), want.Emit())
			}
			return
		}
	}
	tb.Errorf("span %q has no attribute %s", name, key)
}

// Metric collects and returns the named metric.
func (tt *TestTelemetry) Metric(ctx context.Context, name string) (metricdata.Metrics, bool) {
	var rm metricdata.ResourceMetrics
	if err := tt.MetricReader.Collect(ctx, &rm); err != nil {
		return metricdata.Metrics{}, false
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}
