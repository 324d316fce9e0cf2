package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	pending  map[string]operation.Outcome
	feedback map[string]Feedback
	stats    *statsCache
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		pending:  make(map[string]operation.Outcome),
		feedback: make(map[string]Feedback),
		stats:    newStatsCache(DefaultStatsTTL),
		now:      time.Now,
	}
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, rec *Record) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("%w: nil record", ErrPersistence)
	}
	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	cp.Details = operation.DetailsOf(cp.Operation)

	s.mu.Lock()
	if o, ok := s.pending[cp.ID]; ok && cp.Outcome == nil {
		cp.Outcome = &o
	}
	delete(s.pending, cp.ID)
	if fb, ok := s.feedback[cp.ID]; ok && cp.Feedback == nil {
		cp.Feedback = &fb
	}
	delete(s.feedback, cp.ID)
	s.records[cp.ID] = &cp
	s.mu.Unlock()

	s.stats.invalidate()
	return cp.ID, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *rec
	return &cp, nil
}

// FindSimilarOperations implements Store.
func (s *MemoryStore) FindSimilarOperations(_ context.Context, op operation.FileOperation, octx operation.Context, limit int) ([]Similar, error) {
	return rankSimilar(op, octx, s.snapshot(), limit), nil
}

// FindSimilarOutcomes implements Store.
func (s *MemoryStore) FindSimilarOutcomes(_ context.Context, op operation.FileOperation, octx operation.Context, limit int) ([]Similar, error) {
	recs := s.snapshot()
	done := recs[:0]
	for _, rec := range recs {
		if rec.Outcome != nil {
			done = append(done, rec)
		}
	}
	return rankSimilar(op, octx, done, limit), nil
}

// UpdateOutcome implements Store.
func (s *MemoryStore) UpdateOutcome(_ context.Context, id string, outcome operation.Outcome) error {
	if id == "" {
		return ErrEmptyID
	}
	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = s.now()
	}

	s.mu.Lock()
	if rec, ok := s.records[id]; ok {
		cp := *rec
		cp.Outcome = &outcome
		cp.UpdatedAt = s.now()
		s.records[id] = &cp
	} else {
		s.pending[id] = outcome
	}
	s.mu.Unlock()

	s.stats.invalidate()
	return nil
}

// AddUserFeedback implements Store.
func (s *MemoryStore) AddUserFeedback(_ context.Context, id string, satisfaction float64, helpful bool, comment string) error {
	if id == "" {
		return ErrEmptyID
	}
	if err := validateSatisfaction(satisfaction); err != nil {
		return err
	}
	fb := Feedback{Satisfaction: satisfaction, Helpful: helpful, Comment: comment, RecordedAt: s.now()}

	s.mu.Lock()
	if rec, ok := s.records[id]; ok {
		cp := *rec
		cp.Feedback = &fb
		s.records[id] = &cp
	} else {
		s.feedback[id] = fb
	}
	s.mu.Unlock()

	s.stats.invalidate()
	return nil
}

// GetStatistics implements Store.
func (s *MemoryStore) GetStatistics(_ context.Context) (*Statistics, error) {
	cached, gen, ok := s.stats.get()
	if ok {
		return cached, nil
	}
	stats := computeStatistics(s.snapshot(), s.now())
	s.stats.set(stats, gen)
	return stats, nil
}

// SearchOperations implements Store.
func (s *MemoryStore) SearchOperations(_ context.Context, f Filters) ([]*Record, error) {
	all := s.snapshot()
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	out := make([]*Record, 0)
	for _, rec := range all {
		if !matches(f, rec) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// snapshot copies the records so callers can read without the lock.
func (s *MemoryStore) snapshot() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
