package intelligence

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

// KnowledgeSynthesizer combines the pattern and quality reports into one
// assessment. Agreement between the two raises its certainty; a dangerous
// pattern together with leaked secrets compounds risk.
type KnowledgeSynthesizer struct{}

// NewKnowledgeSynthesizer returns the synthesizer.
func NewKnowledgeSynthesizer() *KnowledgeSynthesizer { return &KnowledgeSynthesizer{} }

// Name implements Producer.
func (s *KnowledgeSynthesizer) Name() operation.Producer {
	return operation.ProducerKnowledgeSynthesizer
}

// Synthesize implements parallel.Synthesizer. quality may be nil.
func (s *KnowledgeSynthesizer) Synthesize(ctx context.Context, op operation.FileOperation, patterns *operation.PatternReport, quality *operation.QualityReport) (*operation.Synthesis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if patterns == nil {
		return nil, fmt.Errorf("%w: synthesis needs patterns", ErrNoEvidence)
	}

	qualityScore := 60.0
	if quality != nil {
		qualityScore = quality.Overall
	}
	patternRisk := patterns.Risk()

	out := &operation.Synthesis{
		Confidence: 0.5*patterns.SafetyScore + 0.5*qualityScore,
		Risk:       0.6*patternRisk + 0.2*(100-qualityScore),
	}

	critical := false
	for _, m := range patterns.Dangerous {
		if m.Severity == operation.SeverityCritical || m.Severity == operation.SeverityHigh {
			critical = true
		}
		if m.Mitigation != "" {
			out.Recommendations = append(out.Recommendations, m.Mitigation)
		}
	}
	if quality != nil {
		if quality.Secrets > 0 {
			out.Recommendations = append(out.Recommendations, "remove credentials from the content")
			if critical {
				out.Risk += 15
			}
		}
		for _, issue := range quality.Issues {
			if issue.Severity == operation.SeverityHigh {
				out.Recommendations = append(out.Recommendations, "fix: "+issue.Message)
			}
		}
		// both signals clean: more certain
		if len(patterns.Dangerous) == 0 && quality.Overall >= 80 {
			out.Confidence += 10
		}
	} else {
		out.Confidence -= 10
	}

	out.Confidence = operation.Clamp(out.Confidence)
	out.Risk = operation.Clamp(out.Risk)
	out.Summary = summarize(op, patterns, quality, out)
	return out, nil
}

func summarize(op operation.FileOperation, p *operation.PatternReport, q *operation.QualityReport, s *operation.Synthesis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: ", op.Describe())
	if len(p.Dangerous) == 0 {
		b.WriteString("no dangerous patterns")
	} else {
		kinds := make([]string, 0, len(p.Dangerous))
		for _, m := range p.Dangerous {
			kinds = append(kinds, string(m.Type))
		}
		fmt.Fprintf(&b, "dangerous patterns [%s]", strings.Join(kinds, ", "))
	}
	if q != nil {
		fmt.Fprintf(&b, "; quality %.0f", q.Overall)
		if q.Secrets > 0 {
			fmt.Fprintf(&b, " with %d possible secrets", q.Secrets)
		}
	} else {
		b.WriteString("; quality unknown")
	}
	fmt.Fprintf(&b, "; overall risk %.0f", s.Risk)
	return b.String()
}

// Analyze implements Producer by scoring the synthesis from the parallel
// phase.
func (s *KnowledgeSynthesizer) Analyze(ctx context.Context, _ operation.FileOperation, _ operation.Context, ev *Evidence) (*operation.ComponentScore, error) {
	res, err := ev.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if res.Synthesis == nil {
		return nil, fmt.Errorf("%w: synthesis", ErrNoEvidence)
	}
	score := operation.ComponentScore{
		Producer:   s.Name(),
		Confidence: res.Synthesis.Confidence,
		Risk:       res.Synthesis.Risk,
		Rationale:  res.Synthesis.Summary,
	}.Clamp()
	return &score, nil
}
