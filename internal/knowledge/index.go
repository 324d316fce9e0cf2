// Package knowledge indexes curator outputs and operation outcomes in an
// embedded chromem-go collection so later analyses can measure novelty and
// retrieve precedent.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("consensusd.knowledge")

var timeNow = time.Now

// Document kinds stored in metadata.
const (
	KindOutput  = "output"
	KindOutcome = "outcome"
)

// Errors.
var (
	ErrEmptyContent = errors.New("content is required")
	ErrInvalidLimit = errors.New("limit must be positive")
)

// Config configures the index.
type Config struct {
	Collection string `koanf:"collection" json:"collection"`
	// PersistPath enables on-disk persistence when set.
	PersistPath string `koanf:"persist_path" json:"persist_path"`
	Compress    bool   `koanf:"compress" json:"compress"`
	Dimensions  int    `koanf:"dimensions" json:"dimensions"`
}

// DefaultConfig returns an in-memory index configuration.
func DefaultConfig() Config {
	return Config{
		Collection: "curator_outputs",
		Dimensions: DefaultDimensions,
	}
}

// Match is a search hit.
type Match struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Similarity float64           `json:"similarity"`
	Metadata   map[string]string `json:"metadata"`
}

// Index wraps a chromem collection.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *zap.Logger
}

// New opens or creates the index described by cfg.
func New(cfg Config, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Collection = CollectionName(cfg.Collection)

	var db *chromem.DB
	if cfg.PersistPath != "" {
		path, err := expandPath(cfg.PersistPath)
		if err != nil {
			return nil, err
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening knowledge index at %s: %w", path, err)
		}
	} else {
		db = chromem.NewDB()
	}

	embedder := NewHashEmbedder(cfg.Dimensions)
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embedder.EmbeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	return &Index{
		db:         db,
		collection: collection,
		logger:     logger.Named("knowledge"),
	}, nil
}

// Count returns the number of indexed documents.
func (i *Index) Count() int {
	return i.collection.Count()
}

// IndexOutput stores a curator output and reports how novel it was relative
// to what had been indexed before.
func (i *Index) IndexOutput(ctx context.Context, output, question, conversationID string) (*operation.IndexedKnowledge, error) {
	ctx, span := tracer.Start(ctx, "Index.IndexOutput")
	defer span.End()

	if strings.TrimSpace(output) == "" {
		return nil, ErrEmptyContent
	}

	novelty := 1.0
	if matches, err := i.Search(ctx, output, 1, map[string]string{"kind": KindOutput}); err == nil && len(matches) > 0 {
		novelty = 1 - clampUnit(matches[0].Similarity)
	}

	k := &operation.IndexedKnowledge{
		ID:             uuid.New().String(),
		Question:       question,
		ConversationID: conversationID,
		Content:        output,
		IndexedAt:      timeNow(),
		Novelty:        novelty,
	}

	err := i.collection.AddDocument(ctx, chromem.Document{
		ID:      k.ID,
		Content: output,
		Metadata: map[string]string{
			"kind":            KindOutput,
			"question":        question,
			"conversation_id": conversationID,
			"indexed_at":      k.IndexedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("adding output: %w", err)
	}

	span.SetAttributes(attribute.Float64("novelty", novelty))
	i.logger.Debug("indexed curator output",
		zap.String("id", k.ID),
		zap.String("conversation_id", conversationID),
		zap.Float64("novelty", novelty),
	)
	return k, nil
}

// IndexOutcome records the realised outcome of an operation so that later
// searches for similar operations can see how they went.
func (i *Index) IndexOutcome(ctx context.Context, op operation.FileOperation, outcome operation.Outcome) error {
	ctx, span := tracer.Start(ctx, "Index.IndexOutcome")
	defer span.End()

	content := op.Describe()
	if op.HasContent() {
		content += "\n" + op.Content
	}
	err := i.collection.AddDocument(ctx, chromem.Document{
		ID:      uuid.New().String(),
		Content: content,
		Metadata: map[string]string{
			"kind":     KindOutcome,
			"op_kind":  string(op.Kind),
			"path":     op.Path,
			"success":  strconv.FormatBool(outcome.Success),
			"rollback": strconv.FormatBool(outcome.RollbackRequired),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding outcome: %w", err)
	}
	return nil
}

// Search returns up to limit documents most similar to query. where filters
// on exact metadata values and may be nil.
func (i *Index) Search(ctx context.Context, query string, limit int, where map[string]string) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "Index.Search")
	defer span.End()

	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	// chromem requires nResults <= collection size.
	count := i.collection.Count()
	if count == 0 {
		return []Match{}, nil
	}
	if limit > count {
		limit = count
	}

	results, err := i.collection.Query(ctx, query, limit, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying knowledge: %w", err)
	}

	matches := make([]Match, len(results))
	for n, r := range results {
		matches[n] = Match{
			ID:         r.ID,
			Content:    r.Content,
			Similarity: float64(r.Similarity),
			Metadata:   r.Metadata,
		}
	}
	span.SetAttributes(attribute.Int("results", len(matches)))
	return matches, nil
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expanding %s: %w", path, err)
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}
