// Package http exposes the consensusd engine over HTTP.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/cancel"
	"github.com/fyrsmithlabs/consensusd/internal/consensus"
	"github.com/fyrsmithlabs/consensusd/internal/engine"
	"github.com/fyrsmithlabs/consensusd/internal/history"
	"github.com/fyrsmithlabs/consensusd/internal/logging"
	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"github.com/fyrsmithlabs/consensusd/internal/pool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/consensusd/internal/http"

var tracer = otel.Tracer(instrumentationName)

// Backend is the engine surface the server drives.
type Backend interface {
	Ask(ctx context.Context, req consensus.Request, token *cancel.Token) (*consensus.RunResult, error)
	Decide(ctx context.Context, op operation.FileOperation, octx operation.Context, mode string) (bool, *operation.Analysis, error)
	RecordOutcome(ctx context.Context, id string, outcome operation.Outcome) error
	AddFeedback(ctx context.Context, id string, satisfaction float64, helpful bool, comment string) error
	Statistics(ctx context.Context) (*history.Statistics, error)
	Search(ctx context.Context, f history.Filters) ([]*history.Record, error)
	Health(ctx context.Context) engine.Health
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Stream is the default for consensus requests that do not say.
	Stream bool
	// Heartbeat is the interval of SSE keep-alive comments.
	Heartbeat time.Duration
	// Meter records request metrics; nil uses the global meter provider.
	Meter metric.Meter
}

// Server serves the consensusd API.
type Server struct {
	echo    *echo.Echo
	backend Backend
	pools   *pool.Set
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics

	mu     sync.Mutex
	active map[*cancel.Token]struct{}
}

// NewServer creates a server. pools may be nil.
func NewServer(backend Backend, pools *pool.Set, logger *zap.Logger, cfg *Config) (*Server, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9191}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if pools == nil {
		pools = pool.NewSet(pool.DefaultSetConfig())
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		backend: backend,
		pools:   pools,
		logger:  logger.Named("http"),
		config:  cfg,
		metrics: NewHTTPMetrics(cfg.Meter, logger),
		active:  make(map[*cancel.Token]struct{}),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.traceMiddleware)
	e.Use(s.logMiddleware)
	e.Use(s.metrics.MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/consensus", s.handleConsensus)
	v1.POST("/operations/decide", s.handleDecide)
	v1.POST("/operations/:id/outcome", s.handleOutcome)
	v1.POST("/operations/:id/feedback", s.handleFeedback)
	v1.GET("/history/stats", s.handleStats)
	v1.GET("/history/search", s.handleSearch)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// traceMiddleware continues any incoming trace and carries the request id
// into the request context.
func (s *Server) traceMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
		ctx, span := tracer.Start(ctx, "http "+req.Method+" "+c.Path(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.route", c.Path()),
			))
		defer span.End()

		if rid := c.Response().Header().Get(echo.HeaderXRequestID); logging.ValidID(rid) {
			ctx = logging.WithRequestID(ctx, rid)
		}
		c.SetRequest(req.WithContext(ctx))

		err := next(c)
		status := c.Response().Status
		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
		}
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		return err
	}
}

func (s *Server) logMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.logger.Info("http request", append(logging.ContextFields(c.Request().Context()),
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)...)
		return err
	}
}

// track registers a run token so Shutdown can cancel it.
func (s *Server) track(t *cancel.Token) func() {
	s.mu.Lock()
	s.active[t] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.active, t)
		s.mu.Unlock()
	}
}

// ActiveRuns returns the number of runs in progress.
func (s *Server) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// cancelActive cancels every run in progress with reason.
func (s *Server) cancelActive(reason cancel.Reason) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for t := range s.active {
		if t.Cancel(reason) {
			n++
		}
	}
	return n
}

// Start serves until ctx is done, then shuts down within shutdownTimeout.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelFn()
	return s.Shutdown(sctx)
}

// Shutdown cancels runs in progress with a system shutdown reason, then
// stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	n := s.cancelActive(cancel.ReasonSystemShutdown)
	s.logger.Info("shutting down http server", zap.Int("cancelled_runs", n))
	return s.echo.Shutdown(ctx)
}
