package parallel

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BatchItem is one curator output to index and analyse.
type BatchItem struct {
	Output         string `json:"output"`
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id"`
	// Context is used for the per-operation analysis. Its UserQuestion
	// defaults to Question.
	Context operation.Context `json:"context"`
}

// OperationResult is the analysis of one parsed operation.
type OperationResult struct {
	Operation operation.FileOperation `json:"operation"`
	Result    *Result                 `json:"result,omitempty"`
	Err       string                  `json:"error,omitempty"`
}

// BatchResult is the outcome for one BatchItem, in input order.
type BatchResult struct {
	Item       BatchItem                   `json:"item"`
	Knowledge  *operation.IndexedKnowledge `json:"knowledge,omitempty"`
	IndexErr   string                      `json:"index_error,omitempty"`
	Operations []OperationResult           `json:"operations,omitempty"`
}

// ProcessBatch indexes every item in parallel, then parses each indexed
// output into operations and analyses them with ProcessParallel. Items
// that fail to index are reported and skipped.
func (c *Coordinator) ProcessBatch(ctx context.Context, items []BatchItem, opts Options) []BatchResult {
	ctx, span := tracer.Start(ctx, "parallel.ProcessBatch")
	defer span.End()

	results := make([]BatchResult, len(items))
	for i, item := range items {
		results[i].Item = item
	}

	if c.analyzers.Indexer != nil {
		var wg sync.WaitGroup
		for i := range items {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				item := items[i]
				k, _, err := runTask(ctx, c, TaskIndex, func(tctx context.Context) (*operation.IndexedKnowledge, error) {
					return c.analyzers.Indexer.IndexOutput(tctx, item.Output, item.Question, item.ConversationID)
				})
				if err != nil {
					results[i].IndexErr = err.Error()
					c.metrics.recordBatchItem("index_failed")
					return
				}
				results[i].Knowledge = k
				c.metrics.recordBatchItem("indexed")
			}(i)
		}
		wg.Wait()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range results {
		if results[i].IndexErr != "" {
			continue
		}
		g.Go(func() error {
			results[i].Operations = c.analyseOutput(gctx, results[i].Item, opts)
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Debug("batch processed", zap.Int("items", len(items)))
	return results
}

func (c *Coordinator) analyseOutput(ctx context.Context, item BatchItem, opts Options) []OperationResult {
	octx := item.Context
	if octx.UserQuestion == "" {
		octx.UserQuestion = item.Question
	}
	if octx.SessionID == "" {
		octx.SessionID = item.ConversationID
	}

	ops := operation.Operations(item.Output)
	out := make([]OperationResult, 0, len(ops))
	for _, op := range ops {
		res, err := c.ProcessParallel(ctx, Input{Operation: op, Context: octx}, opts)
		r := OperationResult{Operation: op, Result: res}
		if err != nil {
			r.Err = err.Error()
		}
		out = append(out, r)
	}
	return out
}
