package history

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "history.db")}, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func analysis(conf, risk float64) *operation.Analysis {
	return &operation.Analysis{Unified: operation.UnifiedScore{Confidence: conf, Risk: risk}}
}

var repoCtx = operation.Context{
	RepositoryRoot: "/src/app",
	Branch:         "main",
	Metadata:       map[string]string{"project_type": "go"},
}

func TestStore_RecordAndGet(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			id, err := s.Record(ctx, &Record{
				Operation: operation.Create("internal/app/server.go", "package app\n"),
				Context:   repoCtx,
				Analysis:  analysis(88, 12),
			})
			require.NoError(t, err)
			require.NotEmpty(t, id)

			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, operation.KindCreate, got.Operation.Kind)
			assert.Equal(t, "go", got.Details.Extension)
			assert.Equal(t, 88.0, got.Confidence())
			assert.Nil(t, got.Outcome)

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_RecordReplaysDoNotDuplicate(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			rec := &Record{ID: "op-1", Operation: operation.Delete("tmp/a.txt"), Analysis: analysis(50, 50)}
			_, err := s.Record(ctx, rec)
			require.NoError(t, err)
			_, err = s.Record(ctx, rec)
			require.NoError(t, err)

			stats, err := s.GetStatistics(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Total)
		})
	}
}

func TestStore_UpdateOutcome_UnknownIDIsPending(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			require.NoError(t, s.UpdateOutcome(ctx, "early", operation.Outcome{Success: true}))

			_, err := s.Record(ctx, &Record{ID: "early", Operation: operation.Update("README.md", "x")})
			require.NoError(t, err)

			got, err := s.Get(ctx, "early")
			require.NoError(t, err)
			require.NotNil(t, got.Outcome)
			assert.True(t, got.Outcome.Success)
			assert.False(t, got.Outcome.CompletedAt.IsZero())
		})
	}
}

func TestStore_UpdateOutcome_EmptyID(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, factory(t).UpdateOutcome(context.Background(), "", operation.Outcome{}), ErrEmptyID)
		})
	}
}

func TestStore_AddUserFeedback(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			id, err := s.Record(ctx, &Record{Operation: operation.Create("a.go", "package a")})
			require.NoError(t, err)

			assert.ErrorIs(t, s.AddUserFeedback(ctx, id, 5.5, true, ""), ErrInvalidSatisfaction)
			assert.ErrorIs(t, s.AddUserFeedback(ctx, id, -1, true, ""), ErrInvalidSatisfaction)
			require.NoError(t, s.AddUserFeedback(ctx, id, 4, true, "nice"))

			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, got.Feedback)
			assert.Equal(t, 4.0, got.Feedback.Satisfaction)
			assert.Equal(t, "nice", got.Feedback.Comment)

			stats, err := s.GetStatistics(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.FeedbackCount)
			assert.Equal(t, 1, stats.HelpfulCount)
			assert.Equal(t, 4.0, stats.AverageSatisfaction)
		})
	}
}

func TestStore_GetStatistics(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			seed := []struct {
				op      operation.FileOperation
				conf    float64
				risk    float64
				auto    bool
				outcome *operation.Outcome
			}{
				{operation.Create("a.go", "x"), 90, 10, true, &operation.Outcome{Success: true}},
				{operation.Create("b.go", "x"), 70, 30, false, &operation.Outcome{Success: false, RollbackRequired: true}},
				{operation.Delete("c.go"), 50, 50, false, nil},
			}
			for _, r := range seed {
				_, err := s.Record(ctx, &Record{Operation: r.op, Analysis: analysis(r.conf, r.risk), AutoExecuted: r.auto, Outcome: r.outcome})
				require.NoError(t, err)
			}

			stats, err := s.GetStatistics(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, stats.Total)
			assert.Equal(t, 1, stats.Successful)
			assert.Equal(t, 1, stats.Failed)
			assert.Equal(t, 1, stats.Pending)
			assert.Equal(t, 1, stats.AutoExecuted)
			assert.Equal(t, 1, stats.Rollbacks)
			assert.InDelta(t, 70.0, stats.AverageConfidence, 1e-9)
			assert.InDelta(t, 30.0, stats.AverageRisk, 1e-9)
			assert.Equal(t, KindStats{Total: 2, Successful: 1, Failed: 1}, stats.ByKind[operation.KindCreate])
			assert.Equal(t, KindStats{Total: 1}, stats.ByKind[operation.KindDelete])
			assert.InDelta(t, 0.5, stats.SuccessRate(), 1e-9)
		})
	}
}

func TestStore_StatisticsCacheInvalidatedOnWrite(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			_, err := s.Record(ctx, &Record{Operation: operation.Create("a.go", "x")})
			require.NoError(t, err)
			first, err := s.GetStatistics(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, first.Total)

			_, err = s.Record(ctx, &Record{Operation: operation.Create("b.go", "x")})
			require.NoError(t, err)
			second, err := s.GetStatistics(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, second.Total)
		})
	}
}

func TestStore_FindSimilarOperations(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			base := time.Now().Add(-time.Hour)

			records := []*Record{
				{ID: "same", Operation: operation.Create("internal/app/handler.go", "x"), Context: repoCtx, CreatedAt: base},
				{ID: "same-newer", Operation: operation.Create("internal/app/handler.go", "y"), Context: repoCtx, CreatedAt: base.Add(time.Minute)},
				{ID: "other-kind", Operation: operation.Delete("internal/app/old.go"), Context: repoCtx, CreatedAt: base},
				{ID: "unrelated", Operation: operation.Delete("docs/notes.txt"), CreatedAt: base},
			}
			for _, r := range records {
				_, err := s.Record(ctx, r)
				require.NoError(t, err)
			}

			similar, err := s.FindSimilarOperations(ctx, operation.Create("internal/app/handler.go", "z"), repoCtx, 10)
			require.NoError(t, err)
			require.Len(t, similar, 3)
			assert.Equal(t, "same-newer", similar[0].Record.ID, "ties go to the most recent")
			assert.Equal(t, "same", similar[1].Record.ID)
			assert.Equal(t, "other-kind", similar[2].Record.ID)
			for _, sim := range similar {
				assert.GreaterOrEqual(t, sim.Score, MinSimilarity)
			}

			limited, err := s.FindSimilarOperations(ctx, operation.Create("internal/app/handler.go", "z"), repoCtx, 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestStore_FindSimilarOutcomes(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			base := time.Now().Add(-time.Hour)
			op := operation.Update("internal/app/handler.go", "x")

			for i := 0; i < 3; i++ {
				_, err := s.Record(ctx, &Record{
					ID:        fmt.Sprintf("done-%d", i),
					Operation: op,
					Context:   repoCtx,
					Outcome:   &operation.Outcome{Success: false},
					CreatedAt: base.Add(time.Duration(i) * time.Second),
				})
				require.NoError(t, err)
			}
			// Outcome arrives before the record.
			require.NoError(t, s.UpdateOutcome(ctx, "early", operation.Outcome{Success: true}))
			_, err := s.Record(ctx, &Record{ID: "early", Operation: op, Context: repoCtx, CreatedAt: base.Add(-time.Second)})
			require.NoError(t, err)
			// Newer analyses still awaiting an outcome.
			for i := 0; i < 5; i++ {
				_, err := s.Record(ctx, &Record{
					ID:        fmt.Sprintf("pending-%d", i),
					Operation: op,
					Context:   repoCtx,
					CreatedAt: base.Add(time.Minute + time.Duration(i)*time.Second),
				})
				require.NoError(t, err)
			}

			all, err := s.FindSimilarOperations(ctx, op, repoCtx, 4)
			require.NoError(t, err)
			require.Len(t, all, 4)
			for _, sim := range all {
				assert.Nil(t, sim.Record.Outcome, "newest records are still pending")
			}

			done, err := s.FindSimilarOutcomes(ctx, op, repoCtx, 4)
			require.NoError(t, err)
			require.Len(t, done, 4)
			ids := make([]string, len(done))
			for i, sim := range done {
				require.NotNil(t, sim.Record.Outcome)
				ids[i] = sim.Record.ID
			}
			assert.Equal(t, []string{"done-2", "done-1", "done-0", "early"}, ids)
		})
	}
}

func TestStore_SearchOperations(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			base := time.Now().Add(-time.Hour)

			for i, r := range []*Record{
				{Operation: operation.Create("cmd/main.go", "x"), Analysis: analysis(95, 5), Outcome: &operation.Outcome{Success: true}},
				{Operation: operation.Create("config.yaml", "x"), Analysis: analysis(60, 40), Outcome: &operation.Outcome{Success: false}},
				{Operation: operation.Delete("cmd/old.go"), Analysis: analysis(80, 20)},
			} {
				r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
				_, err := s.Record(ctx, r)
				require.NoError(t, err)
			}

			all, err := s.SearchOperations(ctx, Filters{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "cmd/old.go", all[0].Operation.Path, "newest first")

			creates, err := s.SearchOperations(ctx, Filters{Kind: operation.KindCreate})
			require.NoError(t, err)
			assert.Len(t, creates, 2)

			success := true
			ok, err := s.SearchOperations(ctx, Filters{Success: &success})
			require.NoError(t, err)
			require.Len(t, ok, 1)
			assert.Equal(t, "cmd/main.go", ok[0].Operation.Path)

			glob, err := s.SearchOperations(ctx, Filters{PathPattern: "cmd/*.go"})
			require.NoError(t, err)
			assert.Len(t, glob, 2)

			substr, err := s.SearchOperations(ctx, Filters{PathPattern: "config"})
			require.NoError(t, err)
			assert.Len(t, substr, 1)

			minConf := 75.0
			maxRisk := 10.0
			scored, err := s.SearchOperations(ctx, Filters{MinConfidence: &minConf, MaxRisk: &maxRisk})
			require.NoError(t, err)
			require.Len(t, scored, 1)
			assert.Equal(t, "cmd/main.go", scored[0].Operation.Path)

			after := base.Add(30 * time.Second)
			recent, err := s.SearchOperations(ctx, Filters{After: &after, Limit: 1})
			require.NoError(t, err)
			require.Len(t, recent, 1)
			assert.Equal(t, "cmd/old.go", recent[0].Operation.Path)
		})
	}
}

func TestStore_ConcurrentWriters(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			const writers, perWriter = 8, 10
			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						id := fmt.Sprintf("w%d-%d", w, i)
						_, err := s.Record(ctx, &Record{ID: id, Operation: operation.Create(id+".go", "x"), Analysis: analysis(50, 50)})
						assert.NoError(t, err)
						assert.NoError(t, s.UpdateOutcome(ctx, id, operation.Outcome{Success: i%2 == 0}))
						_, err = s.FindSimilarOperations(ctx, operation.Create("x.go", "x"), operation.Context{}, 5)
						assert.NoError(t, err)
					}
				}(w)
			}
			wg.Wait()

			stats, err := s.GetStatistics(ctx)
			require.NoError(t, err)
			assert.Equal(t, writers*perWriter, stats.Total)
			assert.Equal(t, writers*perWriter/2, stats.Successful)
			assert.Equal(t, writers*perWriter/2, stats.Failed)
		})
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(SQLiteConfig{Path: path}, nil)
	require.NoError(t, err)
	id, err := s.Record(ctx, &Record{Operation: operation.Create("a.go", "x"), Analysis: analysis(70, 20)})
	require.NoError(t, err)
	require.NoError(t, s.UpdateOutcome(ctx, id, operation.Outcome{Success: true}))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(SQLiteConfig{Path: path}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.Outcome)
	assert.True(t, got.Outcome.Success)
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore(SQLiteConfig{}, nil)
	assert.ErrorIs(t, err, ErrPersistence)
}
