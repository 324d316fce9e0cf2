package operation

import "time"

// Producer identifies one of the signal producers.
type Producer string

const (
	ProducerKnowledgeIndexer     Producer = "knowledge_indexer"
	ProducerContextRetriever     Producer = "context_retriever"
	ProducerPatternRecognizer    Producer = "pattern_recognizer"
	ProducerQualityAnalyzer      Producer = "quality_analyzer"
	ProducerKnowledgeSynthesizer Producer = "knowledge_synthesizer"
)

// AllProducers returns the producers in scoring order.
func AllProducers() []Producer {
	return []Producer{
		ProducerKnowledgeIndexer,
		ProducerContextRetriever,
		ProducerPatternRecognizer,
		ProducerQualityAnalyzer,
		ProducerKnowledgeSynthesizer,
	}
}

// ComponentScore is one producer's contribution. Confidence and Risk are
// in [0,100].
type ComponentScore struct {
	Producer   Producer `json:"producer"`
	Confidence float64  `json:"confidence"`
	Risk       float64  `json:"risk"`
	Rationale  string   `json:"rationale"`
}

// Clamp returns s with both scores bounded to [0,100].
func (s ComponentScore) Clamp() ComponentScore {
	s.Confidence = Clamp(s.Confidence)
	s.Risk = Clamp(s.Risk)
	return s
}

// UnifiedScore aggregates the component scores.
type UnifiedScore struct {
	Confidence        float64    `json:"confidence"`
	Risk              float64    `json:"risk"`
	Degraded          bool       `json:"degraded"`
	MissingProducers  []Producer `json:"missing_producers,omitempty"`
	HistoryAvailable  bool       `json:"history_available"`
	HistoricalSamples int        `json:"historical_samples"`
}

// Recommendation is the advisory action shown alongside a decision.
type Recommendation string

const (
	RecommendAutoExecute         Recommendation = "auto_execute"
	RecommendRequestConfirmation Recommendation = "request_confirmation"
	RecommendBlock               Recommendation = "block"
)

// DecisionReason explains why an operation was or was not auto-executed.
type DecisionReason string

const (
	DecisionAccepted       DecisionReason = "accepted"
	DecisionLowScore       DecisionReason = "below_threshold"
	DecisionManualMode     DecisionReason = "manual_mode"
	DecisionPlanMode       DecisionReason = "plan_mode"
	DecisionSafetyOverride DecisionReason = "safety_override"
	DecisionInvalid        DecisionReason = "invalid_operation"
)

// HistorySummary describes the precedent consulted for a decision.
type HistorySummary struct {
	SimilarCount int     `json:"similar_count"`
	SuccessRate  float64 `json:"success_rate"`
	RollbackRate float64 `json:"rollback_rate"`
}

// Analysis is the full record of one decision. It is not modified after
// it is returned.
type Analysis struct {
	ID         string                       `json:"id"`
	Operation  FileOperation                `json:"operation"`
	Context    Context                      `json:"context"`
	Mode       Mode                         `json:"mode"`
	Components map[Producer]*ComponentScore `json:"components"`
	Unified    UnifiedScore                 `json:"unified"`
	History    *HistorySummary              `json:"history,omitempty"`

	Decision       bool           `json:"decision"`
	Reason         DecisionReason `json:"reason"`
	SafetyOverride bool           `json:"safety_override"`
	SafetyDetail   string         `json:"safety_detail,omitempty"`
	Recommendation Recommendation `json:"recommendation"`
	Explanation    string         `json:"explanation"`

	Patterns  *PatternReport `json:"patterns,omitempty"`
	Quality   *QualityReport `json:"quality,omitempty"`
	Synthesis *Synthesis     `json:"synthesis,omitempty"`

	AnalyzedAt time.Time     `json:"analyzed_at"`
	Duration   time.Duration `json:"duration"`
}

// Component returns the score of producer p, or nil when it was missing.
func (a *Analysis) Component(p Producer) *ComponentScore {
	if a == nil || a.Components == nil {
		return nil
	}
	return a.Components[p]
}

// Clamp bounds v to [0,100].
func Clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
