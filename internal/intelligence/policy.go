package intelligence

import (
	"fmt"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

// Threshold is an auto-accept rule: confidence above MinConfidence and risk
// below MaxRisk, both strict.
type Threshold struct {
	MinConfidence float64
	MaxRisk       float64
}

var thresholds = map[operation.Mode]Threshold{
	operation.ModeConservative: {MinConfidence: 90, MaxRisk: 15},
	operation.ModeBalanced:     {MinConfidence: 80, MaxRisk: 25},
	operation.ModeAggressive:   {MinConfidence: 70, MaxRisk: 40},
}

// ThresholdFor returns the rule for mode. Manual, Plan and unknown modes
// have none.
func ThresholdFor(mode operation.Mode) (Threshold, bool) {
	t, ok := thresholds[mode]
	return t, ok
}

// Accepts reports whether mode auto-accepts the given scores. Acceptance
// sets are nested: Conservative within Balanced within Aggressive.
func Accepts(mode operation.Mode, confidence, risk float64) bool {
	t, ok := thresholds[mode]
	if !ok {
		return false
	}
	return confidence > t.MinConfidence && risk < t.MaxRisk
}

// decide applies the safety override and then the mode policy.
func decide(mode operation.Mode, score operation.UnifiedScore, override bool) (bool, operation.DecisionReason) {
	switch {
	case override:
		return false, operation.DecisionSafetyOverride
	case mode == operation.ModeManual:
		return false, operation.DecisionManualMode
	case mode == operation.ModePlan:
		return false, operation.DecisionPlanMode
	case Accepts(mode, score.Confidence, score.Risk):
		return true, operation.DecisionAccepted
	default:
		return false, operation.DecisionLowScore
	}
}

// Recommendation thresholds.
const (
	blockRisk       = 70.0
	autoExecuteConf = 85.0
	autoExecuteRisk = 20.0
)

// recommend is advisory and independent of mode.
func recommend(score operation.UnifiedScore, override bool) operation.Recommendation {
	switch {
	case override || score.Risk > blockRisk:
		return operation.RecommendBlock
	case score.Confidence > autoExecuteConf && score.Risk < autoExecuteRisk:
		return operation.RecommendAutoExecute
	default:
		return operation.RecommendRequestConfirmation
	}
}

// explain renders the user-facing summary of a decision.
func explain(a *operation.Analysis) string {
	target := a.Operation.Path
	if a.Operation.Kind == operation.KindRename {
		target = a.Operation.Path + " to " + a.Operation.NewPath
	}
	head := fmt.Sprintf("Operation to %s %s has %.0f%% confidence and %.0f%% risk.",
		a.Operation.Verb(), target, a.Unified.Confidence, a.Unified.Risk)
	return head + " " + reasonText(a)
}

func reasonText(a *operation.Analysis) string {
	switch a.Reason {
	case operation.DecisionSafetyOverride:
		return "Blocked: " + a.SafetyDetail + ". Critical system paths are never modified automatically."
	case operation.DecisionManualMode:
		return "Manual mode requires confirmation for every operation."
	case operation.DecisionPlanMode:
		return "Plan mode analyses operations without executing them."
	case operation.DecisionInvalid:
		return "The operation is malformed and cannot be executed."
	case operation.DecisionAccepted:
		return fmt.Sprintf("Meets the %s mode thresholds and will run automatically.", a.Mode)
	}
	msg := fmt.Sprintf("Below the %s mode thresholds; confirmation required.", a.Mode)
	if a.Unified.Degraded {
		msg += fmt.Sprintf(" Analysis degraded: %d producer(s) unavailable.", len(a.Unified.MissingProducers))
	}
	return msg
}
