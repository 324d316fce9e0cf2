package intelligence

import (
	"github.com/fyrsmithlabs/consensusd/internal/parallel"
)

// Suite is the standard set of producers and the parallel analyzers that
// back them.
type Suite struct {
	Indexer     *KnowledgeIndexer
	Retriever   *ContextRetriever
	Patterns    *PatternRecognizer
	Quality     *QualityAnalyzer
	Synthesizer *KnowledgeSynthesizer
}

// NewSuite builds the standard producers. kb and scanner may be nil; the
// knowledge producers then report themselves unavailable.
func NewSuite(kb KnowledgeBase, scanner SecretScanner) *Suite {
	return &Suite{
		Indexer:     NewKnowledgeIndexer(kb),
		Retriever:   NewContextRetriever(kb),
		Patterns:    NewPatternRecognizer(),
		Quality:     NewQualityAnalyzer(scanner),
		Synthesizer: NewKnowledgeSynthesizer(),
	}
}

// Producers returns the producers in scoring order.
func (s *Suite) Producers() []Producer {
	return []Producer{s.Indexer, s.Retriever, s.Patterns, s.Quality, s.Synthesizer}
}

// Analyzers returns the parallel-phase analyzers. indexer stores curator
// outputs during batch processing and may be nil.
func (s *Suite) Analyzers(indexer parallel.Indexer) parallel.Analyzers {
	return parallel.Analyzers{
		Patterns:  s.Patterns,
		Quality:   s.Quality,
		Synthesis: s.Synthesizer,
		Indexer:   indexer,
	}
}
