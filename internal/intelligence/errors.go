package intelligence

import "errors"

// Analysis errors. None of these are returned from ShouldAutoExecute; they
// are recorded on the analysis or logged.
var (
	// ErrAnalysisDegraded indicates one or more producers were unavailable.
	ErrAnalysisDegraded = errors.New("analysis degraded")

	// ErrSafetyOverride indicates an operation touched a critical path.
	ErrSafetyOverride = errors.New("safety override: critical path")

	// ErrNoEvidence is returned by producers whose parallel task produced
	// no report.
	ErrNoEvidence = errors.New("no evidence for producer")

	// ErrNoKnowledge is returned by knowledge producers without an index.
	ErrNoKnowledge = errors.New("knowledge base not configured")
)

// Configuration errors.
var (
	// ErrNilStore is returned when the coordinator has no history store.
	ErrNilStore = errors.New("history store is required")

	// ErrInvalidWeights is returned for negative or all-zero weights.
	ErrInvalidWeights = errors.New("producer weights must be non-negative and not all zero")
)
