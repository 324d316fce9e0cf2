package intelligence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/history"
	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"github.com/fyrsmithlabs/consensusd/internal/parallel"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultProducerTimeout bounds each producer, including the time spent
// waiting for the parallel phase.
const DefaultProducerTimeout = 90 * time.Second

// Config tunes the coordinator.
type Config struct {
	DefaultMode     operation.Mode `koanf:"default_mode" json:"default_mode"`
	Weights         Weights        `koanf:"weights" json:"weights"`
	CriticalPaths   []string       `koanf:"critical_paths" json:"critical_paths"`
	ProducerTimeout time.Duration  `koanf:"producer_timeout" json:"producer_timeout"`
	SimilarLimit    int            `koanf:"similar_limit" json:"similar_limit"`
	CacheSize       int            `koanf:"cache_size" json:"cache_size"`
	CacheTTL        time.Duration  `koanf:"cache_ttl" json:"cache_ttl"`
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		DefaultMode:     operation.ModeConservative,
		Weights:         DefaultWeights(),
		ProducerTimeout: DefaultProducerTimeout,
		SimilarLimit:    history.DefaultSimilarLimit,
		CacheSize:       DefaultCacheSize,
		CacheTTL:        DefaultCacheTTL,
	}
}

// Learner receives realised outcomes.
type Learner interface {
	Learn(op operation.FileOperation, outcome operation.Outcome)
}

// Deps are the collaborators of a Coordinator. Only Store is required.
type Deps struct {
	Producers []Producer
	Parallel  *parallel.Coordinator
	Store     history.Store
	Knowledge KnowledgeBase
	Learner   Learner
}

// Coordinator is the safety gate between proposed operations and automatic
// execution.
type Coordinator struct {
	cfg       Config
	producers []Producer
	parallel  *parallel.Coordinator
	store     history.Store
	kb        KnowledgeBase
	learner   Learner
	safety    *SafetyChecker
	cache     *analysisCache
	logger    *Logger
	metrics   *Metrics
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = NewLogger(l) }
}

// WithMetrics sets the OTEL metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New builds a Coordinator.
func New(cfg Config, deps Deps, opts ...Option) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, ErrNilStore
	}
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if cfg.ProducerTimeout <= 0 {
		cfg.ProducerTimeout = DefaultProducerTimeout
	}
	if cfg.SimilarLimit <= 0 {
		cfg.SimilarLimit = history.DefaultSimilarLimit
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = operation.ModeConservative
	}

	c := &Coordinator{
		cfg:       cfg,
		producers: deps.Producers,
		parallel:  deps.Parallel,
		store:     deps.Store,
		kb:        deps.Knowledge,
		learner:   deps.Learner,
		safety:    NewSafetyChecker(cfg.CriticalPaths...),
		cache:     newAnalysisCache(cfg.CacheSize, cfg.CacheTTL),
		logger:    NewLogger(nil),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DefaultMode returns the configured mode.
func (c *Coordinator) DefaultMode() operation.Mode { return c.cfg.DefaultMode }

// ShouldAutoExecute analyses op and reports whether mode allows it to run
// without confirmation. An empty mode selects the configured default. It
// never fails: producer, history and persistence problems degrade the
// analysis instead.
func (c *Coordinator) ShouldAutoExecute(ctx context.Context, op operation.FileOperation, octx operation.Context, mode operation.Mode) (bool, *operation.Analysis) {
	if mode == "" {
		mode = c.cfg.DefaultMode
	}
	ctx, span := tracer.Start(ctx, "intelligence.ShouldAutoExecute")
	defer span.End()
	span.SetAttributes(
		attribute.String("operation.kind", string(op.Kind)),
		attribute.String("operation.path", op.Path),
		attribute.String("mode", string(mode)),
	)

	start := c.now()
	a := &operation.Analysis{
		ID:         uuid.New().String(),
		Operation:  op,
		Context:    octx,
		Mode:       mode,
		Components: make(map[operation.Producer]*operation.ComponentScore),
		AnalyzedAt: start,
	}

	if err := op.Validate(); err != nil {
		a.Unified = operation.UnifiedScore{Risk: 100, Degraded: true, MissingProducers: operation.AllProducers()}
		a.Reason = operation.DecisionInvalid
		a.Recommendation = operation.RecommendBlock
		a.Explanation = explain(a)
		span.SetStatus(codes.Error, err.Error())
		c.finish(ctx, a, start)
		return false, a
	}

	key := cacheKey(op, octx, mode)
	gen := c.cache.generation()
	if cached, ok := c.cache.get(key); ok {
		cp := *cached
		cp.ID = uuid.New().String()
		cp.AnalyzedAt = start
		c.metrics.RecordCacheHit(ctx)
		c.persist(ctx, &cp)
		c.finish(ctx, &cp, start)
		return cp.Decision, &cp
	}

	ev, wait := c.startEvidence(ctx, op, octx)
	c.runProducers(ctx, op, octx, ev, a)
	wait()
	if res, err := ev.Wait(ctx); err == nil {
		a.Patterns, a.Quality, a.Synthesis = res.Patterns, res.Quality, res.Synthesis
	}

	a.Unified = Unify(a.Components, c.cfg.Weights)

	similar, err := c.store.FindSimilarOutcomes(ctx, op, octx, c.cfg.SimilarLimit)
	if err != nil {
		c.logger.HistoryUnavailable(ctx, err)
		c.metrics.RecordHistoryFailure(ctx)
		a.Unified = historyFailed(a.Unified)
	} else {
		a.History = summarizeHistory(similar)
		a.Unified = applyHistory(a.Unified, a.History)
	}

	if hit, detail := c.safety.Check(op, octx.RepositoryRoot); hit {
		a.SafetyOverride = true
		a.SafetyDetail = detail
		if a.Unified.Risk < SafetyOverrideRisk {
			a.Unified.Risk = SafetyOverrideRisk
		}
		span.SetAttributes(attribute.Bool("safety_override", true))
	}

	a.Decision, a.Reason = decide(mode, a.Unified, a.SafetyOverride)
	a.Recommendation = recommend(a.Unified, a.SafetyOverride)
	a.Explanation = explain(a)

	c.persist(ctx, a)
	c.cache.put(key, a, gen)
	c.finish(ctx, a, start)

	span.SetAttributes(
		attribute.Bool("decision", a.Decision),
		attribute.Float64("confidence", a.Unified.Confidence),
		attribute.Float64("risk", a.Unified.Risk),
		attribute.Bool("degraded", a.Unified.Degraded),
	)
	return a.Decision, a
}

// startEvidence launches the parallel phase. The returned func waits for
// it to finish.
func (c *Coordinator) startEvidence(ctx context.Context, op operation.FileOperation, octx operation.Context) (*Evidence, func()) {
	if c.parallel == nil {
		return ResolvedEvidence(nil, ErrNoEvidence), func() {}
	}
	ev := newEvidence()
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := c.parallel.ProcessParallel(ctx, parallel.Input{Operation: op, Context: octx}, parallel.AllTasks())
		ev.resolve(res, err)
	}()
	return ev, func() { <-done }
}

func (c *Coordinator) runProducers(ctx context.Context, op operation.FileOperation, octx operation.Context, ev *Evidence, a *operation.Analysis) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range c.producers {
		wg.Add(1)
		go func(p Producer) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, c.cfg.ProducerTimeout)
			defer cancel()

			start := time.Now()
			score, err := analyze(pctx, p, op, octx, ev)
			if err == nil && score == nil {
				err = fmt.Errorf("%w: %s returned no score", ErrAnalysisDegraded, p.Name())
			}
			if err != nil {
				c.logger.ProducerFailed(ctx, p.Name(), err, time.Since(start))
				c.metrics.RecordProducerFailure(ctx, p.Name())
				return
			}
			s := score.Clamp()
			s.Producer = p.Name()
			mu.Lock()
			a.Components[p.Name()] = &s
			mu.Unlock()
		}(p)
	}
	wg.Wait()
}

// analyze runs p, reporting a panic as a producer failure.
func analyze(ctx context.Context, p Producer, op operation.FileOperation, octx operation.Context, ev *Evidence) (score *operation.ComponentScore, err error) {
	defer func() {
		if r := recover(); r != nil {
			score, err = nil, fmt.Errorf("%w: %s panicked: %v", ErrAnalysisDegraded, p.Name(), r)
		}
	}()
	return p.Analyze(ctx, op, octx, ev)
}

func (c *Coordinator) persist(ctx context.Context, a *operation.Analysis) {
	_, err := c.store.Record(ctx, &history.Record{
		ID:           a.ID,
		Operation:    a.Operation,
		Context:      a.Context,
		Analysis:     a,
		AutoExecuted: a.Decision,
		CreatedAt:    a.AnalyzedAt,
	})
	if err != nil {
		c.logger.PersistFailed(ctx, a.ID, err)
		c.metrics.RecordPersistFailure(ctx)
	}
}

func (c *Coordinator) finish(ctx context.Context, a *operation.Analysis, start time.Time) {
	a.Duration = c.now().Sub(start)
	c.logger.Decision(ctx, a)
	c.metrics.RecordDecision(ctx, a, a.Duration)
}

// RecordOutcome stores the realised outcome of an analysed operation and
// feeds it to the knowledge index and pattern learner.
func (c *Coordinator) RecordOutcome(ctx context.Context, a *operation.Analysis, outcome operation.Outcome) error {
	ctx, span := tracer.Start(ctx, "intelligence.RecordOutcome")
	defer span.End()

	if a == nil || a.ID == "" {
		return history.ErrEmptyID
	}
	if err := c.store.UpdateOutcome(ctx, a.ID, outcome); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update outcome")
		return fmt.Errorf("recording outcome for %s: %w", a.ID, err)
	}
	c.learn(ctx, a.Operation, outcome)
	return nil
}

// RecordOutcomeByID records an outcome when only the analysis id is known.
// Unknown ids are stored pending.
func (c *Coordinator) RecordOutcomeByID(ctx context.Context, id string, outcome operation.Outcome) error {
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, history.ErrNotFound) {
			c.logger.Warn(ctx, "history lookup failed before outcome", zap.String("analysis_id", id), zap.Error(err))
		}
		if err := c.store.UpdateOutcome(ctx, id, outcome); err != nil {
			return fmt.Errorf("recording outcome for %s: %w", id, err)
		}
		c.invalidateCache(ctx)
		return nil
	}
	a := rec.Analysis
	if a == nil {
		a = &operation.Analysis{Operation: rec.Operation, Context: rec.Context}
	}
	a.ID = rec.ID
	return c.RecordOutcome(ctx, a, outcome)
}

func (c *Coordinator) learn(ctx context.Context, op operation.FileOperation, outcome operation.Outcome) {
	if c.learner != nil {
		c.learner.Learn(op, outcome)
	}
	if c.kb != nil {
		if err := c.kb.IndexOutcome(ctx, op, outcome); err != nil {
			c.logger.Warn(ctx, "failed to index outcome", zap.String("path", op.Path), zap.Error(err))
		}
	}
	c.invalidateCache(ctx)
}

// invalidateCache drops every cached analysis. Any outcome can change the
// history evidence of operations on other paths.
func (c *Coordinator) invalidateCache(ctx context.Context) {
	if n := c.cache.purge(); n > 0 {
		c.logger.Debug(ctx, "analysis cache invalidated", zap.Int("entries", n))
	}
}

// AddUserFeedback attaches user feedback to an analysis.
func (c *Coordinator) AddUserFeedback(ctx context.Context, id string, satisfaction float64, helpful bool, comment string) error {
	return c.store.AddUserFeedback(ctx, id, satisfaction, helpful, comment)
}

// Statistics returns history statistics.
func (c *Coordinator) Statistics(ctx context.Context) (*history.Statistics, error) {
	return c.store.GetStatistics(ctx)
}

// Search returns recorded operations matching f.
func (c *Coordinator) Search(ctx context.Context, f history.Filters) ([]*history.Record, error) {
	return c.store.SearchOperations(ctx, f)
}

// BatchDecision pairs a decision with its analysis.
type BatchDecision struct {
	Decision bool                `json:"decision"`
	Analysis *operation.Analysis `json:"analysis"`
}

// maxBatchConcurrency bounds AnalyzeBatch fan-out. Analysis work is bounded
// again by the parallel coordinator's semaphore.
const maxBatchConcurrency = 4

// AnalyzeBatch decides every operation in ops, preserving order.
func (c *Coordinator) AnalyzeBatch(ctx context.Context, ops []operation.FileOperation, octx operation.Context, mode operation.Mode) []BatchDecision {
	out := make([]BatchDecision, len(ops))
	var g errgroup.Group
	g.SetLimit(maxBatchConcurrency)
	for i, op := range ops {
		g.Go(func() error {
			d, a := c.ShouldAutoExecute(ctx, op, octx, mode)
			out[i] = BatchDecision{Decision: d, Analysis: a}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
