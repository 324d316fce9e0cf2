package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// HTTPMetrics records request metrics for every route.
type HTTPMetrics struct {
	logger         *zap.Logger
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	responseSize   metric.Int64Histogram
	activeRequests metric.Int64UpDownCounter
	activeRuns     metric.Int64UpDownCounter
}

// NewHTTPMetrics creates the instruments on meter, or on the global meter
// when meter is nil. Instruments that fail to register are skipped.
func NewHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	m := &HTTPMetrics{logger: logger}
	var err error

	m.requestsTotal, err = meter.Int64Counter(
		"consensusd.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status"),
		metric.WithUnit("{request}"),
	)
	m.warn("requests_total", err)

	m.requestDur, err = meter.Float64Histogram(
		"consensusd.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration by method, route and status. Streaming runs last as long as the pipeline."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300),
	)
	m.warn("request_duration_seconds", err)

	m.responseSize, err = meter.Int64Histogram(
		"consensusd.http.response_size_bytes",
		metric.WithDescription("HTTP response body size"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000, 100000, 500000),
	)
	m.warn("response_size_bytes", err)

	m.activeRequests, err = meter.Int64UpDownCounter(
		"consensusd.http.active_requests",
		metric.WithDescription("HTTP requests in flight"),
		metric.WithUnit("{request}"),
	)
	m.warn("active_requests", err)

	m.activeRuns, err = meter.Int64UpDownCounter(
		"consensusd.http.active_runs",
		metric.WithDescription("Consensus runs started over HTTP and not yet finished"),
		metric.WithUnit("{run}"),
	)
	m.warn("active_runs", err)

	return m
}

func (m *HTTPMetrics) warn(name string, err error) {
	if err != nil {
		m.logger.Warn("failed to create http instrument", zap.String("instrument", name), zap.Error(err))
	}
}

// runStarted counts a run in flight and returns the matching decrement.
func (m *HTTPMetrics) runStarted(c echo.Context) func() {
	if m.activeRuns == nil {
		return func() {}
	}
	ctx := c.Request().Context()
	m.activeRuns.Add(ctx, 1)
	return func() { m.activeRuns.Add(ctx, -1) }
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()

			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
				defer m.activeRequests.Add(ctx, -1)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", normalizePath(c.Path())),
				attribute.Int("status", status),
			)
			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, attrs)
			}
			if m.requestDur != nil {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.responseSize != nil {
				m.responseSize.Record(ctx, c.Response().Size, attrs)
			}
			return err
		}
	}
}

// normalizePath returns the matched route template. Requests that matched
// no route share one label.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
