package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/cancel"
	"github.com/fyrsmithlabs/consensusd/internal/consensus"
	"github.com/fyrsmithlabs/consensusd/internal/engine"
	"github.com/fyrsmithlabs/consensusd/internal/history"
	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// statusFor maps a backend error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, consensus.ErrEmptyQuery),
		errors.Is(err, consensus.ErrUnknownProfile),
		errors.Is(err, operation.ErrUnknownMode),
		errors.Is(err, history.ErrInvalidSatisfaction),
		errors.Is(err, history.ErrEmptyID):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, cancel.ErrCancelled), errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, consensus.ErrStageFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.JSON(status, ErrorResponse{Error: err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

// consensusRequest converts the wire request, reporting whether to stream.
func (s *Server) consensusRequest(body ConsensusRequest) (consensus.Request, bool, error) {
	req := consensus.Request{
		Query:     body.Query,
		Context:   body.Context,
		Profile:   body.Profile,
		Operation: body.Operation,
		SessionID: body.SessionID,
	}
	if body.Mode != "" {
		m, err := operation.ParseMode(body.Mode)
		if err != nil {
			return req, false, err
		}
		req.Mode = m
	}
	stream := s.config.Stream
	if body.Stream != nil {
		stream = *body.Stream
	}
	req.Stream = stream
	return req, stream, nil
}

func (s *Server) handleConsensus(c echo.Context) error {
	var body ConsensusRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(body.Query) == "" {
		return s.fail(c, consensus.ErrEmptyQuery)
	}
	req, stream, err := s.consensusRequest(body)
	if err != nil {
		return s.fail(c, err)
	}

	token := cancel.New()
	defer s.track(token)()
	defer s.metrics.runStarted(c)()

	if stream {
		return s.streamConsensus(c, req, token)
	}

	res, err := s.backend.Ask(c.Request().Context(), req, token)
	if err != nil {
		if res == nil {
			return s.fail(c, err)
		}
		return c.JSON(statusFor(err), ConsensusResponse{Result: res, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, ConsensusResponse{Result: res})
}

func (s *Server) handleDecide(c echo.Context) error {
	var body DecideRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := body.Operation.Validate(); err != nil {
		return badRequest(c, err.Error())
	}
	ok, analysis, err := s.backend.Decide(c.Request().Context(), body.Operation, body.Context, body.Mode)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, DecideResponse{AutoExecute: ok, Analysis: analysis})
}

func (s *Server) handleOutcome(c echo.Context) error {
	var body OutcomeRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.DurationMS < 0 {
		return badRequest(c, "duration_ms must be non-negative")
	}
	outcome := operation.Outcome{
		Success:          body.Success,
		Error:            body.Error,
		Duration:         time.Duration(body.DurationMS) * time.Millisecond,
		RollbackRequired: body.RollbackRequired,
		Satisfaction:     body.Satisfaction,
		QualityMetrics:   body.QualityMetrics,
		CompletedAt:      time.Now(),
	}
	if err := s.backend.RecordOutcome(c.Request().Context(), c.Param("id"), outcome); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleFeedback(c echo.Context) error {
	var body FeedbackRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.backend.AddFeedback(c.Request().Context(), c.Param("id"), body.Satisfaction, body.Helpful, body.Comment); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.backend.Statistics(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleSearch(c echo.Context) error {
	f, err := parseFilters(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	records, err := s.backend.Search(c.Request().Context(), f)
	if err != nil {
		return s.fail(c, err)
	}
	if records == nil {
		records = []*history.Record{}
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) handleHealth(c echo.Context) error {
	h := s.backend.Health(c.Request().Context())
	status := http.StatusOK
	if h.Status != engine.StatusOK {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, h)
}

// parseFilters reads history.Filters from query parameters: kind, path,
// success, min_confidence, max_confidence, min_risk, max_risk, after,
// before (RFC 3339) and limit.
func parseFilters(c echo.Context) (history.Filters, error) {
	var f history.Filters
	var err error

	if v := c.QueryParam("kind"); v != "" {
		f.Kind = operation.Kind(v)
		if !f.Kind.Valid() {
			return f, errors.New("unknown kind " + strconv.Quote(v))
		}
	}
	f.PathPattern = c.QueryParam("path")

	if v := c.QueryParam("success"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return f, errors.New("success must be a boolean")
		}
		f.Success = &b
	}

	floats := []struct {
		name string
		dst  **float64
	}{
		{"min_confidence", &f.MinConfidence},
		{"max_confidence", &f.MaxConfidence},
		{"min_risk", &f.MinRisk},
		{"max_risk", &f.MaxRisk},
	}
	for _, p := range floats {
		v := c.QueryParam(p.name)
		if v == "" {
			continue
		}
		x, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return f, errors.New(p.name + " must be a number")
		}
		*p.dst = &x
	}

	if f.After, err = parseTime(c.QueryParam("after")); err != nil {
		return f, errors.New("after must be an RFC 3339 time")
	}
	if f.Before, err = parseTime(c.QueryParam("before")); err != nil {
		return f, errors.New("before must be an RFC 3339 time")
	}

	if v := c.QueryParam("limit"); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
