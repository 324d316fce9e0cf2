package http

import (
	"github.com/fyrsmithlabs/consensusd/internal/consensus"
	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

// ConsensusRequest is the body of POST /api/v1/consensus.
type ConsensusRequest struct {
	Query   string `json:"query"`
	Context string `json:"context,omitempty"`
	Profile string `json:"profile,omitempty"`
	Mode    string `json:"mode,omitempty"`
	// Stream selects a text/event-stream response. Nil uses the server
	// default.
	Stream    *bool              `json:"stream,omitempty"`
	Operation *operation.Context `json:"operation_context,omitempty"`
	SessionID string             `json:"session_id,omitempty"`
}

// ConsensusResponse is the non-streaming response of a run. Result is set
// for failed and cancelled runs too.
type ConsensusResponse struct {
	Result *consensus.RunResult `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// DecideRequest is the body of POST /api/v1/operations/decide.
type DecideRequest struct {
	Operation operation.FileOperation `json:"operation"`
	Context   operation.Context       `json:"context"`
	Mode      string                  `json:"mode,omitempty"`
}

// DecideResponse carries the decision and the full analysis.
type DecideResponse struct {
	AutoExecute bool                `json:"auto_execute"`
	Analysis    *operation.Analysis `json:"analysis"`
}

// OutcomeRequest is the body of POST /api/v1/operations/:id/outcome.
type OutcomeRequest struct {
	Success          bool               `json:"success"`
	Error            string             `json:"error,omitempty"`
	DurationMS       int64              `json:"duration_ms"`
	RollbackRequired bool               `json:"rollback_required"`
	Satisfaction     *float64           `json:"satisfaction,omitempty"`
	QualityMetrics   map[string]float64 `json:"quality_metrics,omitempty"`
}

// FeedbackRequest is the body of POST /api/v1/operations/:id/feedback.
type FeedbackRequest struct {
	Satisfaction float64 `json:"satisfaction"`
	Helpful      bool    `json:"helpful"`
	Comment      string  `json:"comment,omitempty"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}
