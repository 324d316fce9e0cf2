package intelligence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/history"
	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"github.com/fyrsmithlabs/consensusd/internal/parallel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// staticProducer returns a fixed score or error.
type staticProducer struct {
	name  operation.Producer
	conf  float64
	risk  float64
	err   error
	calls atomic.Int32
}

func (p *staticProducer) Name() operation.Producer { return p.name }

func (p *staticProducer) Analyze(ctx context.Context, _ operation.FileOperation, _ operation.Context, _ *Evidence) (*operation.ComponentScore, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return &operation.ComponentScore{Confidence: p.conf, Risk: p.risk}, nil
}

func staticProducers(conf, risk float64) []*staticProducer {
	var out []*staticProducer
	for _, name := range operation.AllProducers() {
		out = append(out, &staticProducer{name: name, conf: conf, risk: risk})
	}
	return out
}

func asProducers(ps []*staticProducer) []Producer {
	out := make([]Producer, len(ps))
	for i, p := range ps {
		out[i] = p
	}
	return out
}

// MockStore is a testify mock of history.Store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Record(ctx context.Context, rec *history.Record) (string, error) {
	args := m.Called(ctx, rec)
	return args.String(0), args.Error(1)
}

func (m *MockStore) Get(ctx context.Context, id string) (*history.Record, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*history.Record), args.Error(1)
}

func (m *MockStore) FindSimilarOperations(ctx context.Context, op operation.FileOperation, octx operation.Context, limit int) ([]history.Similar, error) {
	args := m.Called(ctx, op, octx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]history.Similar), args.Error(1)
}

func (m *MockStore) FindSimilarOutcomes(ctx context.Context, op operation.FileOperation, octx operation.Context, limit int) ([]history.Similar, error) {
	args := m.Called(ctx, op, octx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]history.Similar), args.Error(1)
}

func (m *MockStore) UpdateOutcome(ctx context.Context, id string, outcome operation.Outcome) error {
	return m.Called(ctx, id, outcome).Error(0)
}

func (m *MockStore) AddUserFeedback(ctx context.Context, id string, satisfaction float64, helpful bool, comment string) error {
	return m.Called(ctx, id, satisfaction, helpful, comment).Error(0)
}

func (m *MockStore) GetStatistics(ctx context.Context) (*history.Statistics, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*history.Statistics), args.Error(1)
}

func (m *MockStore) SearchOperations(ctx context.Context, f history.Filters) ([]*history.Record, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*history.Record), args.Error(1)
}

func (m *MockStore) Close() error { return m.Called().Error(0) }

var goCtx = operation.Context{
	RepositoryRoot: "/src/app",
	Branch:         "main",
	Metadata:       map[string]string{"project_type": "go"},
}

func newCoordinator(t *testing.T, store history.Store, producers []Producer) *Coordinator {
	t.Helper()
	c, err := New(DefaultConfig(), Deps{Producers: producers, Store: store})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.ErrorIs(t, err, ErrNilStore)
}

func TestNew_RejectsInvalidWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = Weights{operation.ProducerQualityAnalyzer: -1}
	_, err := New(cfg, Deps{Store: history.NewMemoryStore()})
	assert.ErrorIs(t, err, ErrInvalidWeights)
}

func TestShouldAutoExecute_Accepts(t *testing.T) {
	store := history.NewMemoryStore()
	c := newCoordinator(t, store, asProducers(staticProducers(95, 5)))

	ok, a := c.ShouldAutoExecute(context.Background(), operation.Create("internal/app/handler_test.go", "package app\n"), goCtx, operation.ModeConservative)

	assert.True(t, ok)
	require.NotNil(t, a)
	assert.Equal(t, operation.DecisionAccepted, a.Reason)
	assert.InDelta(t, 95, a.Unified.Confidence, 0.001)
	assert.InDelta(t, 5, a.Unified.Risk, 0.001)
	assert.False(t, a.Unified.Degraded)
	assert.True(t, a.Unified.HistoryAvailable)
	assert.Equal(t, operation.RecommendAutoExecute, a.Recommendation)
	assert.Contains(t, a.Explanation, "Operation to create internal/app/handler_test.go has 95% confidence and 5% risk.")

	rec, err := store.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, rec.AutoExecuted)
	assert.InDelta(t, 95, rec.Confidence(), 0.001)
}

func TestShouldAutoExecute_CriticalPathNeverAutoExecutes(t *testing.T) {
	modes := []operation.Mode{
		operation.ModeManual,
		operation.ModeConservative,
		operation.ModeBalanced,
		operation.ModeAggressive,
		operation.ModePlan,
	}
	repoCtx := operation.Context{RepositoryRoot: "/home/u/repo"}
	rootCtx := operation.Context{RepositoryRoot: "/"}
	cases := []struct {
		op   operation.FileOperation
		octx operation.Context
	}{
		{operation.Update("/etc/passwd", "root:x:0:0::/root:/bin/sh\n"), goCtx},
		{operation.Delete("/etc/shadow"), goCtx},
		{operation.Create("/home/dev/.ssh/authorized_keys", "ssh-ed25519 AAAA"), goCtx},
		{operation.Rename("notes.txt", "/usr/bin/notes"), goCtx},
		{operation.Delete("../../../etc/passwd"), repoCtx},
		{operation.Delete("etc/passwd"), rootCtx},
		{operation.Update("../../../etc/sudoers", "ALL ALL=(ALL) NOPASSWD: ALL\n"), repoCtx},
		{operation.Rename("a.txt", "../../../../etc/shadow"), repoCtx},
		{operation.Create("../outside.go", "package outside\n"), operation.Context{}},
	}

	for _, tc := range cases {
		for _, mode := range modes {
			t.Run(fmt.Sprintf("%s/%s", tc.op.Describe(), mode), func(t *testing.T) {
				c := newCoordinator(t, history.NewMemoryStore(), asProducers(staticProducers(100, 0)))
				ok, a := c.ShouldAutoExecute(context.Background(), tc.op, tc.octx, mode)

				assert.False(t, ok)
				assert.True(t, a.SafetyOverride)
				assert.Equal(t, operation.DecisionSafetyOverride, a.Reason)
				assert.Equal(t, operation.RecommendBlock, a.Recommendation)
				assert.Greater(t, a.Unified.Risk, 50.0)
				assert.GreaterOrEqual(t, a.Unified.Risk, SafetyOverrideRisk)
				assert.Contains(t, a.Explanation, "Blocked")
			})
		}
	}
}

func TestShouldAutoExecute_DegradedProducerLowersConfidence(t *testing.T) {
	ctx := context.Background()
	op := operation.Create("pkg/util/strings.go", "package util\n")

	full := newCoordinator(t, history.NewMemoryStore(), asProducers(staticProducers(95, 5)))
	_, fullA := full.ShouldAutoExecute(ctx, op, goCtx, operation.ModeConservative)

	ps := staticProducers(95, 5)
	ps[2].err = errors.New("pattern engine offline")
	degraded := newCoordinator(t, history.NewMemoryStore(), asProducers(ps))
	ok, a := degraded.ShouldAutoExecute(ctx, op, goCtx, operation.ModeConservative)

	assert.False(t, ok)
	assert.True(t, a.Unified.Degraded)
	assert.Equal(t, []operation.Producer{operation.ProducerPatternRecognizer}, a.Unified.MissingProducers)
	assert.Less(t, a.Unified.Confidence, fullA.Unified.Confidence)
	assert.InDelta(t, 95*0.75, a.Unified.Confidence, 0.001)
	assert.InDelta(t, 5+MissingProducerRisk, a.Unified.Risk, 0.001)
	assert.Nil(t, a.Component(operation.ProducerPatternRecognizer))
	assert.Contains(t, a.Explanation, "Analysis degraded: 1 producer(s) unavailable.")
}

func TestShouldAutoExecute_NilScoreIsUnavailable(t *testing.T) {
	ps := staticProducers(95, 5)
	c := newCoordinator(t, history.NewMemoryStore(), []Producer{ps[0], ps[1], ps[2], ps[3], nilProducer{}})

	_, a := c.ShouldAutoExecute(context.Background(), operation.Create("a.go", "package a"), goCtx, operation.ModeAggressive)
	assert.True(t, a.Unified.Degraded)
	assert.Contains(t, a.Unified.MissingProducers, operation.ProducerKnowledgeSynthesizer)
}

type panickingProducer struct{}

func (panickingProducer) Name() operation.Producer { return operation.ProducerPatternRecognizer }

func (panickingProducer) Analyze(context.Context, operation.FileOperation, operation.Context, *Evidence) (*operation.ComponentScore, error) {
	var counts map[string]int
	counts["seen"]++
	return nil, nil
}

func TestShouldAutoExecute_PanickingProducerIsUnavailable(t *testing.T) {
	ps := staticProducers(95, 5)
	c := newCoordinator(t, history.NewMemoryStore(), []Producer{ps[0], ps[1], panickingProducer{}, ps[3], ps[4]})

	ok, a := c.ShouldAutoExecute(context.Background(), operation.Create("pkg/a.go", "package a"), goCtx, operation.ModeAggressive)

	assert.False(t, ok)
	assert.True(t, a.Unified.Degraded)
	assert.Equal(t, []operation.Producer{operation.ProducerPatternRecognizer}, a.Unified.MissingProducers)
	assert.Nil(t, a.Component(operation.ProducerPatternRecognizer))
}

type nilProducer struct{}

func (nilProducer) Name() operation.Producer { return operation.ProducerKnowledgeSynthesizer }

func (nilProducer) Analyze(context.Context, operation.FileOperation, operation.Context, *Evidence) (*operation.ComponentScore, error) {
	return nil, nil
}

func TestShouldAutoExecute_HistoryInfluence(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	op := operation.Update("internal/db/migrate.go", "package db\n")

	for i := 0; i < 10; i++ {
		_, err := store.Record(ctx, &history.Record{
			Operation: op,
			Context:   goCtx,
			Outcome:   &operation.Outcome{Success: false, RollbackRequired: i%2 == 0},
		})
		require.NoError(t, err)
	}

	c := newCoordinator(t, store, asProducers(staticProducers(95, 5)))
	ok, a := c.ShouldAutoExecute(ctx, op, goCtx, operation.ModeAggressive)

	assert.False(t, ok)
	require.NotNil(t, a.History)
	assert.Equal(t, 10, a.History.SimilarCount)
	assert.Equal(t, 10, a.Unified.HistoricalSamples)
	assert.InDelta(t, 0.7*95, a.Unified.Confidence, 0.001)
	assert.InDelta(t, 5+20*0.5, a.Unified.Risk, 0.001)
}

func recordFailures(t *testing.T, store history.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.Record(context.Background(), &history.Record{
			Operation: operation.Update(fmt.Sprintf("pkg/b%d.go", i), "package pkg\n"),
			Context:   goCtx,
			Outcome:   &operation.Outcome{Success: false, RollbackRequired: true},
			CreatedAt: time.Now().Add(-time.Hour),
		})
		require.NoError(t, err)
	}
}

func TestShouldAutoExecute_PendingAnalysesDoNotHideOutcomes(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	recordFailures(t, store, 10)
	c := newCoordinator(t, store, asProducers(staticProducers(95, 5)))

	_, before := c.ShouldAutoExecute(ctx, operation.Update("pkg/y.go", "package pkg\n"), goCtx, operation.ModeBalanced)
	require.Equal(t, 10, before.Unified.HistoricalSamples)

	// Each analysis is persisted without an outcome and is more recent
	// than every failure.
	for i := 0; i < 10; i++ {
		c.ShouldAutoExecute(ctx, operation.Update(fmt.Sprintf("pkg/x%d.go", i), "package pkg\n"), goCtx, operation.ModeBalanced)
	}

	ok, a := c.ShouldAutoExecute(ctx, operation.Update("pkg/z.go", "package pkg\n"), goCtx, operation.ModeBalanced)
	assert.False(t, ok)
	assert.Equal(t, 10, a.Unified.HistoricalSamples)
	assert.InDelta(t, before.Unified.Confidence, a.Unified.Confidence, 0.001)
}

func TestShouldAutoExecute_OutcomeElsewhereInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	c := newCoordinator(t, store, asProducers(staticProducers(95, 5)))
	op := operation.Update("pkg/a.go", "package pkg\n")

	ok, first := c.ShouldAutoExecute(ctx, op, goCtx, operation.ModeBalanced)
	require.True(t, ok)

	// Similar operations on other paths fail.
	for i := 0; i < 10; i++ {
		_, b := c.ShouldAutoExecute(ctx, operation.Update(fmt.Sprintf("pkg/b%d.go", i), "package pkg\n"), goCtx, operation.ModeBalanced)
		require.NoError(t, c.RecordOutcome(ctx, b, operation.Outcome{Success: false, RollbackRequired: true}))
	}

	ok, again := c.ShouldAutoExecute(ctx, op, goCtx, operation.ModeBalanced)
	assert.False(t, ok)
	assert.NotZero(t, again.Unified.HistoricalSamples)
	assert.Less(t, again.Unified.Confidence, first.Unified.Confidence)
}

func TestRecordOutcomeByID_PendingInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, history.NewMemoryStore(), asProducers(staticProducers(95, 5)))

	c.ShouldAutoExecute(ctx, operation.Create("pkg/a.go", "package a"), goCtx, operation.ModeBalanced)
	require.Equal(t, 1, c.cache.len())

	require.NoError(t, c.RecordOutcomeByID(ctx, "not-yet-recorded", operation.Outcome{Success: true}))
	assert.Zero(t, c.cache.len())
}

func TestAnalysisCache_StaleGenerationNotStored(t *testing.T) {
	cache := newAnalysisCache(4, time.Minute)
	gen := cache.generation()
	cache.purge()

	cache.put("k", &operation.Analysis{ID: "stale"}, gen)
	_, ok := cache.get("k")
	assert.False(t, ok)

	cache.put("k", &operation.Analysis{ID: "fresh"}, cache.generation())
	got, ok := cache.get("k")
	require.True(t, ok)
	assert.Equal(t, "fresh", got.ID)
}

func TestShouldAutoExecute_HistoryFailureAndPersistFailure(t *testing.T) {
	store := &MockStore{}
	store.On("FindSimilarOutcomes", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("database is locked"))
	store.On("Record", mock.Anything, mock.Anything).Return("", history.ErrPersistence)

	c := newCoordinator(t, store, asProducers(staticProducers(95, 5)))
	ok, a := c.ShouldAutoExecute(context.Background(), operation.Create("cmd/tool/main.go", "package main\n"), goCtx, operation.ModeAggressive)

	assert.True(t, ok, "persistence failure must not block a decision")
	assert.False(t, a.Unified.HistoryAvailable)
	assert.InDelta(t, 95*0.9, a.Unified.Confidence, 0.001)
	store.AssertExpectations(t)
}

func TestShouldAutoExecute_Modes(t *testing.T) {
	tests := []struct {
		mode   operation.Mode
		want   bool
		reason operation.DecisionReason
	}{
		{operation.ModeManual, false, operation.DecisionManualMode},
		{operation.ModePlan, false, operation.DecisionPlanMode},
		{operation.ModeConservative, false, operation.DecisionLowScore},
		{operation.ModeBalanced, true, operation.DecisionAccepted},
		{operation.ModeAggressive, true, operation.DecisionAccepted},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			c := newCoordinator(t, history.NewMemoryStore(), asProducers(staticProducers(85, 10)))
			ok, a := c.ShouldAutoExecute(context.Background(), operation.Create("docs/guide.md", "# Guide\n"), goCtx, tt.mode)
			assert.Equal(t, tt.want, ok)
			assert.Equal(t, tt.reason, a.Reason)
		})
	}
}

func TestShouldAutoExecute_InvalidOperation(t *testing.T) {
	ps := staticProducers(95, 5)
	c := newCoordinator(t, history.NewMemoryStore(), asProducers(ps))

	ok, a := c.ShouldAutoExecute(context.Background(), operation.FileOperation{Kind: operation.KindCreate}, goCtx, operation.ModeAggressive)

	assert.False(t, ok)
	assert.Equal(t, operation.DecisionInvalid, a.Reason)
	assert.Equal(t, operation.RecommendBlock, a.Recommendation)
	assert.Equal(t, 100.0, a.Unified.Risk)
	assert.Zero(t, ps[0].calls.Load())
}

func TestShouldAutoExecute_CacheAndInvalidation(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	ps := staticProducers(95, 5)
	c := newCoordinator(t, store, asProducers(ps))
	op := operation.Create("internal/app/cache_test.go", "package app\n")

	_, first := c.ShouldAutoExecute(ctx, op, goCtx, operation.ModeConservative)
	_, second := c.ShouldAutoExecute(ctx, op, goCtx, operation.ModeConservative)

	assert.Equal(t, int32(1), ps[0].calls.Load())
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.Decision, second.Decision)
	assert.Equal(t, first.Unified, second.Unified)
	_, err := store.Get(ctx, second.ID)
	require.NoError(t, err, "cache hits are still recorded")

	// A different mode is a different decision.
	c.ShouldAutoExecute(ctx, op, goCtx, operation.ModeBalanced)
	assert.Equal(t, int32(2), ps[0].calls.Load())

	require.NoError(t, c.RecordOutcome(ctx, first, operation.Outcome{Success: true}))
	assert.Zero(t, c.cache.len())

	c.ShouldAutoExecute(ctx, op, goCtx, operation.ModeConservative)
	assert.Equal(t, int32(3), ps[0].calls.Load())
}

type recordingLearner struct {
	ops []operation.FileOperation
}

func (l *recordingLearner) Learn(op operation.FileOperation, _ operation.Outcome) {
	l.ops = append(l.ops, op)
}

func TestRecordOutcome(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	learner := &recordingLearner{}
	c, err := New(DefaultConfig(), Deps{Producers: asProducers(staticProducers(95, 5)), Store: store, Learner: learner})
	require.NoError(t, err)

	op := operation.Create("internal/app/thing.go", "package app\n")
	_, a := c.ShouldAutoExecute(ctx, op, goCtx, operation.ModeConservative)

	require.NoError(t, c.RecordOutcome(ctx, a, operation.Outcome{Success: true, Duration: time.Second}))

	rec, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.Outcome)
	assert.True(t, rec.Outcome.Success)
	assert.Equal(t, []operation.FileOperation{op}, learner.ops)

	assert.ErrorIs(t, c.RecordOutcome(ctx, nil, operation.Outcome{}), history.ErrEmptyID)
}

func TestRecordOutcomeByID(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	c := newCoordinator(t, store, asProducers(staticProducers(95, 5)))

	_, a := c.ShouldAutoExecute(ctx, operation.Create("x.go", "package x"), goCtx, operation.ModeBalanced)
	require.NoError(t, c.RecordOutcomeByID(ctx, a.ID, operation.Outcome{Success: false, Error: "compile error"}))

	rec, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.Outcome)
	assert.Equal(t, "compile error", rec.Outcome.Error)

	// Unknown ids are kept pending.
	require.NoError(t, c.RecordOutcomeByID(ctx, "later", operation.Outcome{Success: true}))
	_, err = store.Record(ctx, &history.Record{ID: "later", Operation: operation.Delete("y.go")})
	require.NoError(t, err)
	rec, err = store.Get(ctx, "later")
	require.NoError(t, err)
	require.NotNil(t, rec.Outcome)
	assert.True(t, rec.Outcome.Success)
}

func TestAddUserFeedbackAndStatistics(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, history.NewMemoryStore(), asProducers(staticProducers(95, 5)))

	_, a := c.ShouldAutoExecute(ctx, operation.Create("x.go", "package x"), goCtx, operation.ModeConservative)
	require.NoError(t, c.AddUserFeedback(ctx, a.ID, 4, true, "good call"))
	assert.ErrorIs(t, c.AddUserFeedback(ctx, a.ID, 9, true, ""), history.ErrInvalidSatisfaction)

	stats, err := c.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.FeedbackCount)
	assert.Equal(t, 1, stats.AutoExecuted)
}

func TestAnalyzeBatch_PreservesOrder(t *testing.T) {
	c := newCoordinator(t, history.NewMemoryStore(), asProducers(staticProducers(95, 5)))
	ops := []operation.FileOperation{
		operation.Create("a.go", "package a"),
		operation.Delete("/etc/passwd"),
		operation.Create("c.go", "package c"),
		{Kind: operation.KindUpdate},
	}

	got := c.AnalyzeBatch(context.Background(), ops, goCtx, operation.ModeConservative)

	require.Len(t, got, len(ops))
	assert.True(t, got[0].Decision)
	assert.Equal(t, "a.go", got[0].Analysis.Operation.Path)
	assert.False(t, got[1].Decision)
	assert.True(t, got[1].Analysis.SafetyOverride)
	assert.Equal(t, "c.go", got[2].Analysis.Operation.Path)
	assert.Equal(t, operation.DecisionInvalid, got[3].Analysis.Reason)
}

func TestShouldAutoExecute_WithSuite(t *testing.T) {
	suite := NewSuite(nil, nil)
	pc := parallel.New(parallel.Config{MaxConcurrentTasks: 2, TaskTimeout: time.Second}, suite.Analyzers(nil))
	c, err := New(DefaultConfig(), Deps{
		Producers: suite.Producers(),
		Parallel:  pc,
		Store:     history.NewMemoryStore(),
		Learner:   suite.Patterns,
	})
	require.NoError(t, err)

	op := operation.Create("internal/app/app_test.go", "package app\n\nfunc TestApp(t *testing.T) {}\n")
	ok, a := c.ShouldAutoExecute(context.Background(), op, goCtx, operation.ModeAggressive)

	// Knowledge producers are unavailable without an index.
	assert.False(t, ok)
	assert.True(t, a.Unified.Degraded)
	assert.ElementsMatch(t,
		[]operation.Producer{operation.ProducerKnowledgeIndexer, operation.ProducerContextRetriever},
		a.Unified.MissingProducers)
	require.NotNil(t, a.Patterns)
	require.NotNil(t, a.Quality)
	require.NotNil(t, a.Synthesis)
	assert.Contains(t, a.Patterns.KnownGood, "test change")
	assert.NotNil(t, a.Component(operation.ProducerQualityAnalyzer))
}
