package intelligence

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/consensusd/internal/knowledge"
	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

// Producer scores one aspect of an operation. A nil score or an error both
// mark the producer as unavailable for this decision.
type Producer interface {
	Name() operation.Producer
	Analyze(ctx context.Context, op operation.FileOperation, octx operation.Context, ev *Evidence) (*operation.ComponentScore, error)
}

// KnowledgeBase is the subset of the knowledge index the producers use.
type KnowledgeBase interface {
	Search(ctx context.Context, query string, limit int, where map[string]string) ([]knowledge.Match, error)
	IndexOutcome(ctx context.Context, op operation.FileOperation, outcome operation.Outcome) error
}

// query renders op as knowledge-base search text.
func query(op operation.FileOperation, octx operation.Context) string {
	var b strings.Builder
	b.WriteString(op.Describe())
	if octx.UserQuestion != "" {
		b.WriteString("\n")
		b.WriteString(octx.UserQuestion)
	}
	if op.HasContent() {
		content := op.Content
		if len(content) > 2000 {
			content = content[:2000]
		}
		b.WriteString("\n")
		b.WriteString(content)
	}
	return b.String()
}

// KnowledgeIndexer scores how familiar an operation is relative to curator
// outputs indexed before. Familiar work is more trustworthy than novel work.
type KnowledgeIndexer struct {
	kb KnowledgeBase
}

// NewKnowledgeIndexer returns the knowledge-indexer producer.
func NewKnowledgeIndexer(kb KnowledgeBase) *KnowledgeIndexer {
	return &KnowledgeIndexer{kb: kb}
}

// Name implements Producer.
func (p *KnowledgeIndexer) Name() operation.Producer { return operation.ProducerKnowledgeIndexer }

// Analyze implements Producer.
func (p *KnowledgeIndexer) Analyze(ctx context.Context, op operation.FileOperation, octx operation.Context, _ *Evidence) (*operation.ComponentScore, error) {
	if p.kb == nil {
		return nil, ErrNoKnowledge
	}
	matches, err := p.kb.Search(ctx, query(op, octx), 3, map[string]string{"kind": knowledge.KindOutput})
	if err != nil {
		return nil, fmt.Errorf("searching knowledge: %w", err)
	}

	best := 0.0
	for _, m := range matches {
		if m.Similarity > best {
			best = m.Similarity
		}
	}
	novelty := 1 - best
	score := operation.ComponentScore{
		Producer:   p.Name(),
		Confidence: 90 - 40*novelty,
		Risk:       10 + 30*novelty,
		Rationale:  fmt.Sprintf("novelty %.2f against %d indexed outputs", novelty, len(matches)),
	}.Clamp()
	return &score, nil
}

// ContextRetriever scores the precedent retrieved for an operation: how
// relevant similar recorded outcomes are and how they went.
type ContextRetriever struct {
	kb KnowledgeBase
}

// NewContextRetriever returns the context-retriever producer.
func NewContextRetriever(kb KnowledgeBase) *ContextRetriever {
	return &ContextRetriever{kb: kb}
}

// Name implements Producer.
func (p *ContextRetriever) Name() operation.Producer { return operation.ProducerContextRetriever }

// Analyze implements Producer.
func (p *ContextRetriever) Analyze(ctx context.Context, op operation.FileOperation, octx operation.Context, _ *Evidence) (*operation.ComponentScore, error) {
	if p.kb == nil {
		return nil, ErrNoKnowledge
	}
	matches, err := p.kb.Search(ctx, query(op, octx), 5, map[string]string{"kind": knowledge.KindOutcome})
	if err != nil {
		return nil, fmt.Errorf("retrieving precedent: %w", err)
	}

	conf, risk := 60.0, 25.0
	rationale := "no precedent"

	var weight, success, rollback float64
	for _, m := range matches {
		w := m.Similarity
		if w <= 0 {
			continue
		}
		weight += w
		if m.Metadata["success"] == "true" {
			success += w
		}
		if m.Metadata["rollback"] == "true" {
			rollback += w
		}
	}
	if weight > 0 {
		relevance := weight / float64(len(matches))
		rate := success / weight
		conf = 60 + relevance*(rate*100-60)
		risk = 25 + relevance*(rollback/weight*60-(rate-0.5)*30)
		rationale = fmt.Sprintf("%d precedents, relevance %.2f, success %.0f%%", len(matches), relevance, rate*100)
	}

	for _, f := range octx.RelatedFiles {
		if f == op.Path {
			conf += 10
			rationale += ", target is a related file"
			break
		}
	}

	score := operation.ComponentScore{Producer: p.Name(), Confidence: conf, Risk: risk, Rationale: rationale}.Clamp()
	return &score, nil
}
