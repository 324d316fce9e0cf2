package intelligence

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/consensusd/internal/intelligence"

var tracer = otel.Tracer(InstrumentationName)

// Metrics provides OpenTelemetry metrics for decisions.
type Metrics struct {
	decisionsTotal        metric.Int64Counter
	degradedTotal         metric.Int64Counter
	producerFailuresTotal metric.Int64Counter
	historyFailuresTotal  metric.Int64Counter
	persistFailuresTotal  metric.Int64Counter
	cacheHitsTotal        metric.Int64Counter

	analysisDuration metric.Float64Histogram
	confidence       metric.Float64Histogram
	risk             metric.Float64Histogram

	initialized bool
}

// NewMetrics creates Metrics with meter, or the global meter when nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	m := &Metrics{}
	var err error

	if m.decisionsTotal, err = meter.Int64Counter("intelligence.decisions.total",
		metric.WithDescription("Auto-execute decisions by mode and reason"),
		metric.WithUnit("{decision}")); err != nil {
		return nil, err
	}
	if m.degradedTotal, err = meter.Int64Counter("intelligence.degraded.total",
		metric.WithDescription("Decisions made with at least one producer unavailable"),
		metric.WithUnit("{decision}")); err != nil {
		return nil, err
	}
	if m.producerFailuresTotal, err = meter.Int64Counter("intelligence.producer.failures.total",
		metric.WithDescription("Unavailable producers by name"),
		metric.WithUnit("{failure}")); err != nil {
		return nil, err
	}
	if m.historyFailuresTotal, err = meter.Int64Counter("intelligence.history.failures.total",
		metric.WithDescription("Failed history lookups"),
		metric.WithUnit("{failure}")); err != nil {
		return nil, err
	}
	if m.persistFailuresTotal, err = meter.Int64Counter("intelligence.persist.failures.total",
		metric.WithDescription("Failed analysis writes"),
		metric.WithUnit("{failure}")); err != nil {
		return nil, err
	}
	if m.cacheHitsTotal, err = meter.Int64Counter("intelligence.cache.hits.total",
		metric.WithDescription("Analyses served from cache"),
		metric.WithUnit("{hit}")); err != nil {
		return nil, err
	}
	if m.analysisDuration, err = meter.Float64Histogram("intelligence.analysis.duration.seconds",
		metric.WithDescription("Duration of ShouldAutoExecute"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30)); err != nil {
		return nil, err
	}
	if m.confidence, err = meter.Float64Histogram("intelligence.confidence",
		metric.WithDescription("Unified confidence"),
		metric.WithExplicitBucketBoundaries(10, 20, 30, 40, 50, 60, 70, 80, 90, 100)); err != nil {
		return nil, err
	}
	if m.risk, err = meter.Float64Histogram("intelligence.risk",
		metric.WithDescription("Unified risk"),
		metric.WithExplicitBucketBoundaries(10, 20, 30, 40, 50, 60, 70, 80, 90, 100)); err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordDecision records a completed decision.
func (m *Metrics) RecordDecision(ctx context.Context, a *operation.Analysis, d time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", string(a.Mode)),
		attribute.String("reason", string(a.Reason)),
	)
	m.decisionsTotal.Add(ctx, 1, attrs)
	m.analysisDuration.Record(ctx, d.Seconds(), attrs)
	m.confidence.Record(ctx, a.Unified.Confidence)
	m.risk.Record(ctx, a.Unified.Risk)
	if a.Unified.Degraded {
		m.degradedTotal.Add(ctx, 1)
	}
}

// RecordProducerFailure records an unavailable producer.
func (m *Metrics) RecordProducerFailure(ctx context.Context, p operation.Producer) {
	if m == nil || !m.initialized {
		return
	}
	m.producerFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("producer", string(p))))
}

// RecordHistoryFailure records a failed history lookup.
func (m *Metrics) RecordHistoryFailure(ctx context.Context) {
	if m == nil || !m.initialized {
		return
	}
	m.historyFailuresTotal.Add(ctx, 1)
}

// RecordPersistFailure records a failed analysis write.
func (m *Metrics) RecordPersistFailure(ctx context.Context) {
	if m == nil || !m.initialized {
		return
	}
	m.persistFailuresTotal.Add(ctx, 1)
}

// RecordCacheHit records an analysis served from cache.
func (m *Metrics) RecordCacheHit(ctx context.Context) {
	if m == nil || !m.initialized {
		return
	}
	m.cacheHitsTotal.Add(ctx, 1)
}
