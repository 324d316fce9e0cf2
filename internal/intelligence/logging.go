package intelligence

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Logger wraps zap.Logger with decision-specific structured logging.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a Logger. A nil logger is replaced by a no-op logger.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("intelligence")}
}

// Decision logs a completed decision.
func (l *Logger) Decision(ctx context.Context, a *operation.Analysis) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.analysisFields(ctx, a)
	fields = append(fields,
		zap.Bool("decision", a.Decision),
		zap.String("reason", string(a.Reason)),
		zap.String("recommendation", string(a.Recommendation)),
		zap.Float64("confidence", a.Unified.Confidence),
		zap.Float64("risk", a.Unified.Risk),
		zap.Bool("degraded", a.Unified.Degraded),
		zap.Duration("duration", a.Duration),
	)
	if a.SafetyOverride {
		l.logger.Warn("safety override", fields...)
		return
	}
	l.logger.Info("operation analysed", fields...)
}

// ProducerFailed logs an unavailable producer.
func (l *Logger) ProducerFailed(ctx context.Context, p operation.Producer, err error, d time.Duration) {
	if l == nil || l.logger == nil {
		return
	}
	fields := append(l.traceFields(ctx),
		zap.String("producer", string(p)),
		zap.Duration("duration", d),
		zap.Error(err),
	)
	l.logger.Warn("producer unavailable", fields...)
}

// HistoryUnavailable logs a failed history lookup.
func (l *Logger) HistoryUnavailable(ctx context.Context, err error) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Warn("history unavailable, using live signals only", append(l.traceFields(ctx), zap.Error(err))...)
}

// PersistFailed logs a failed history write.
func (l *Logger) PersistFailed(ctx context.Context, id string, err error) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Error("failed to persist analysis", append(l.traceFields(ctx), zap.String("analysis_id", id), zap.Error(err))...)
}

// Debug logs a debug message with trace context.
func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Debug(msg, append(l.traceFields(ctx), fields...)...)
}

// Warn logs a warning with trace context.
func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Warn(msg, append(l.traceFields(ctx), fields...)...)
}

func (l *Logger) analysisFields(ctx context.Context, a *operation.Analysis) []zap.Field {
	fields := []zap.Field{
		zap.String("analysis_id", a.ID),
		zap.String("operation", string(a.Operation.Kind)),
		zap.String("path", a.Operation.Path),
		zap.String("mode", string(a.Mode)),
	}
	if a.Context.SessionID != "" {
		fields = append(fields, zap.String("session_id", a.Context.SessionID))
	}
	return append(fields, l.traceFields(ctx)...)
}

func (l *Logger) traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
