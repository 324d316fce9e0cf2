// Package history persists analysed operations and their realised outcomes.
//
// It is the learning substrate for the intelligence coordinator: similar
// past operations and their success rates bias new decisions, and aggregate
// statistics are exposed for audit surfaces.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

// Errors.
var (
	// ErrPersistence wraps every storage failure.
	ErrPersistence = errors.New("history persistence error")

	// ErrInvalidSatisfaction is returned for satisfaction outside 0..5.
	ErrInvalidSatisfaction = errors.New("satisfaction must be between 0 and 5")

	// ErrEmptyID is returned when an operation id is required but missing.
	ErrEmptyID = errors.New("operation id is required")
)

// Defaults.
const (
	DefaultStatsTTL     = 5 * time.Minute
	DefaultSimilarLimit = 10
	MinSimilarity       = 0.3
	MaxSatisfaction     = 5.0
)

// Record is one analysed operation, with its outcome once known.
type Record struct {
	ID           string                  `json:"id"`
	Operation    operation.FileOperation `json:"operation"`
	Context      operation.Context       `json:"context"`
	Details      operation.Details       `json:"details"`
	Analysis     *operation.Analysis     `json:"analysis,omitempty"`
	AutoExecuted bool                    `json:"auto_executed"`
	Outcome      *operation.Outcome      `json:"outcome,omitempty"`
	Feedback     *Feedback               `json:"feedback,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// Confidence returns the unified confidence, or -1 without an analysis.
func (r *Record) Confidence() float64 {
	if r.Analysis == nil {
		return -1
	}
	return r.Analysis.Unified.Confidence
}

// Risk returns the unified risk, or -1 without an analysis.
func (r *Record) Risk() float64 {
	if r.Analysis == nil {
		return -1
	}
	return r.Analysis.Unified.Risk
}

// Feedback is user feedback attached to a record.
type Feedback struct {
	Satisfaction float64   `json:"satisfaction"`
	Helpful      bool      `json:"helpful"`
	Comment      string    `json:"comment,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Similar pairs a past record with its similarity to the query operation.
type Similar struct {
	Record *Record `json:"record"`
	Score  float64 `json:"score"`
}

// Filters narrows SearchOperations. Zero values mean "any".
type Filters struct {
	Kind operation.Kind `json:"kind,omitempty"`
	// PathPattern is a glob when it contains *, ? or [, else a substring.
	PathPattern   string     `json:"path_pattern,omitempty"`
	Success       *bool      `json:"success,omitempty"`
	MinConfidence *float64   `json:"min_confidence,omitempty"`
	MaxConfidence *float64   `json:"max_confidence,omitempty"`
	MinRisk       *float64   `json:"min_risk,omitempty"`
	MaxRisk       *float64   `json:"max_risk,omitempty"`
	After         *time.Time `json:"after,omitempty"`
	Before        *time.Time `json:"before,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}

// KindStats is the per-kind breakdown in Statistics.
type KindStats struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Statistics aggregates every recorded operation.
type Statistics struct {
	Total             int                          `json:"total"`
	Successful        int                          `json:"successful"`
	Failed            int                          `json:"failed"`
	Pending           int                          `json:"pending"`
	AutoExecuted      int                          `json:"auto_executed"`
	Rollbacks         int                          `json:"rollbacks"`
	AverageConfidence float64                      `json:"average_confidence"`
	AverageRisk       float64                      `json:"average_risk"`
	ByKind            map[operation.Kind]KindStats `json:"by_kind"`

	FeedbackCount       int     `json:"feedback_count"`
	HelpfulCount        int     `json:"helpful_count"`
	AverageSatisfaction float64 `json:"average_satisfaction"`

	ComputedAt time.Time `json:"computed_at"`
}

// SuccessRate returns Successful / (Successful + Failed), or 0.
func (s *Statistics) SuccessRate() float64 {
	done := s.Successful + s.Failed
	if done == 0 {
		return 0
	}
	return float64(s.Successful) / float64(done)
}

// Store is the persistence boundary for operation history. Implementations
// must be safe for concurrent use.
type Store interface {
	// Record writes rec, replacing any record with the same id. An empty id
	// is assigned. The stored id is returned.
	Record(ctx context.Context, rec *Record) (string, error)

	// Get returns the record with the given id.
	Get(ctx context.Context, id string) (*Record, error)

	// FindSimilarOperations returns up to limit records scoring at least
	// MinSimilarity, best first.
	FindSimilarOperations(ctx context.Context, op operation.FileOperation, octx operation.Context, limit int) ([]Similar, error)

	// FindSimilarOutcomes is FindSimilarOperations restricted to records
	// that have an outcome. Records still awaiting one never displace
	// those that do.
	FindSimilarOutcomes(ctx context.Context, op operation.FileOperation, octx operation.Context, limit int) ([]Similar, error)

	// UpdateOutcome attaches an outcome. Unknown ids are kept pending and
	// attached when the record is written.
	UpdateOutcome(ctx context.Context, id string, outcome operation.Outcome) error

	// AddUserFeedback attaches user feedback.
	AddUserFeedback(ctx context.Context, id string, satisfaction float64, helpful bool, comment string) error

	// GetStatistics returns aggregate statistics.
	GetStatistics(ctx context.Context) (*Statistics, error)

	// SearchOperations returns matching records, newest first.
	SearchOperations(ctx context.Context, f Filters) ([]*Record, error)

	Close() error
}

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("operation not found")

func validateSatisfaction(s float64) error {
	if s < 0 || s > MaxSatisfaction {
		return ErrInvalidSatisfaction
	}
	return nil
}
