package intelligence

import (
	"fmt"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

// MissingProducerRisk is added to the unified risk per unavailable producer.
const MissingProducerRisk = 5.0

// neutralRisk is the base risk when no producer scored at all.
const neutralRisk = 50.0

// Weights maps each producer to its share of the unified score.
type Weights map[operation.Producer]float64

// DefaultWeights returns the standard producer weights. They sum to 1.
func DefaultWeights() Weights {
	return Weights{
		operation.ProducerKnowledgeIndexer:     0.15,
		operation.ProducerContextRetriever:     0.20,
		operation.ProducerPatternRecognizer:    0.25,
		operation.ProducerQualityAnalyzer:      0.25,
		operation.ProducerKnowledgeSynthesizer: 0.15,
	}
}

// Validate rejects negative weights and an all-zero set.
func (w Weights) Validate() error {
	total := 0.0
	for p, v := range w {
		if v < 0 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidWeights, p, v)
		}
		total += v
	}
	if total == 0 {
		return ErrInvalidWeights
	}
	return nil
}

// Unify combines component scores. Confidence is the weighted sum over
// available producers without renormalisation, so a missing producer
// lowers it. Risk is the weighted mean over available producers plus
// MissingProducerRisk per missing producer.
func Unify(components map[operation.Producer]*operation.ComponentScore, weights Weights) operation.UnifiedScore {
	var conf, riskSum, wSum float64
	var missing []operation.Producer

	for _, p := range operation.AllProducers() {
		c := components[p]
		if c == nil {
			missing = append(missing, p)
			continue
		}
		w := weights[p]
		conf += w * c.Confidence
		riskSum += w * c.Risk
		wSum += w
	}

	risk := neutralRisk
	if wSum > 0 {
		risk = riskSum / wSum
	}
	risk += MissingProducerRisk * float64(len(missing))

	return operation.UnifiedScore{
		Confidence:       operation.Clamp(conf),
		Risk:             operation.Clamp(risk),
		Degraded:         len(missing) > 0,
		MissingProducers: missing,
	}
}
