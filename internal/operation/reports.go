package operation

import "time"

// Severity grades a detected pattern or quality issue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RiskWeight is the risk added by one finding of this severity.
func (s Severity) RiskWeight() float64 {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 25
	case SeverityHigh:
		return 50
	case SeverityCritical:
		return 80
	}
	return 0
}

// PatternType classifies a recognised code or operation shape.
type PatternType string

const (
	PatternMassDeletion          PatternType = "mass_deletion"
	PatternOverwriteNoBackup     PatternType = "overwrite_without_backup"
	PatternBreakingChange        PatternType = "breaking_change"
	PatternDataLoss              PatternType = "data_loss"
	PatternSecurityVulnerability PatternType = "security_vulnerability"
	PatternPermissionEscalation  PatternType = "permission_escalation"
	PatternResourceExhaustion    PatternType = "resource_exhaustion"
	PatternHistoricalFailure     PatternType = "historical_failure"
)

// PatternMatch is a single dangerous pattern found in an operation.
type PatternMatch struct {
	Type        PatternType `json:"type"`
	Severity    Severity    `json:"severity"`
	Description string      `json:"description"`
	Mitigation  string      `json:"mitigation,omitempty"`
}

// PatternReport is the result of pattern recognition.
type PatternReport struct {
	Dangerous []PatternMatch `json:"dangerous,omitempty"`
	KnownGood []string       `json:"known_good,omitempty"`
	// SafetyScore is in [0,100]; higher is safer.
	SafetyScore float64 `json:"safety_score"`
}

// Risk sums the severity weights of every dangerous match, capped at 100.
func (r *PatternReport) Risk() float64 {
	if r == nil {
		return 0
	}
	total := 0.0
	for _, m := range r.Dangerous {
		total += m.Severity.RiskWeight()
	}
	return Clamp(total)
}

// QualityIssue is one problem found in proposed content.
type QualityIssue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Line     int      `json:"line,omitempty"`
}

// QualityReport is the static quality estimate of proposed content. All
// scores are in [0,100].
type QualityReport struct {
	Overall      float64        `json:"overall"`
	Consistency  float64        `json:"consistency"`
	Completeness float64        `json:"completeness"`
	Accuracy     float64        `json:"accuracy"`
	Clarity      float64        `json:"clarity"`
	Issues       []QualityIssue `json:"issues,omitempty"`
	Secrets      int            `json:"secrets"`
}

// Synthesis is the cross-signal assessment built from pattern and quality
// reports.
type Synthesis struct {
	Confidence      float64  `json:"confidence"`
	Risk            float64  `json:"risk"`
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// IndexedKnowledge is a curator output stored in the knowledge index.
type IndexedKnowledge struct {
	ID             string    `json:"id"`
	Question       string    `json:"question"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	IndexedAt      time.Time `json:"indexed_at"`
	// Novelty is in [0,1]; 1 means nothing similar was indexed before.
	Novelty float64 `json:"novelty"`
}
