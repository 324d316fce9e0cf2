package intelligence

import (
	"github.com/fyrsmithlabs/consensusd/internal/history"
	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

// History folding constants.
const (
	maxHistorySamples   = 10
	maxHistoryInfluence = 0.3
	rollbackRiskWeight  = 20.0
	historyUnavailable  = 0.9
)

// summarizeHistory reduces similar records with outcomes to a summary.
// Records without outcomes are ignored. It returns nil when none remain.
func summarizeHistory(similar []history.Similar) *operation.HistorySummary {
	var n, ok, rollbacks int
	for _, s := range similar {
		if s.Record == nil || s.Record.Outcome == nil {
			continue
		}
		n++
		if s.Record.Outcome.Success {
			ok++
		}
		if s.Record.Outcome.RollbackRequired {
			rollbacks++
		}
		if n == maxHistorySamples {
			break
		}
	}
	if n == 0 {
		return nil
	}
	return &operation.HistorySummary{
		SimilarCount: n,
		SuccessRate:  float64(ok) / float64(n),
		RollbackRate: float64(rollbacks) / float64(n),
	}
}

// applyHistory blends historical success into the score. Influence grows
// with the number of samples up to maxHistoryInfluence.
func applyHistory(score operation.UnifiedScore, h *operation.HistorySummary) operation.UnifiedScore {
	score.HistoryAvailable = true
	if h == nil {
		return score
	}
	n := h.SimilarCount
	if n > maxHistorySamples {
		n = maxHistorySamples
	}
	influence := maxHistoryInfluence * float64(n) / maxHistorySamples
	score.Confidence = operation.Clamp((1-influence)*score.Confidence + influence*100*h.SuccessRate)
	score.Risk = operation.Clamp(score.Risk + rollbackRiskWeight*h.RollbackRate)
	score.HistoricalSamples = h.SimilarCount
	return score
}

// historyFailed penalises the score when history could not be consulted.
func historyFailed(score operation.UnifiedScore) operation.UnifiedScore {
	score.HistoryAvailable = false
	score.Confidence = operation.Clamp(score.Confidence * historyUnavailable)
	return score
}
