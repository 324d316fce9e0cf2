// Package logging provides structured logging with OpenTelemetry
// correlation.
//
// Logger wraps zap. Every entry written through its context-aware methods
// carries the trace and span of the active span plus the run, session and
// request stored in the context:
//
//	ctx = logging.WithRun(ctx, &logging.Run{ID: runID, Profile: "balanced"})
//	ctx = logging.WithSessionID(ctx, "sess_123")
//	logger.Info(ctx, "stage completed", zap.String("stage", "refiner"))
//
//	{"level":"info","ts":"2026-03-02T10:15:30Z","msg":"stage completed",
//	 "trace_id":"...","run.id":"0b7c1d7e-...","run.profile":"balanced",
//	 "session.id":"sess_123","stage":"refiner"}
//
// Output goes to stdout, to the OTEL log bridge, or both. Values under
// sensitive keys and values that look like credentials are redacted by the
// encoder. Entries below Error are sampled; errors never are.
//
// Domain packages take a plain *zap.Logger (Logger.Zap) and name it after
// themselves.
package logging
