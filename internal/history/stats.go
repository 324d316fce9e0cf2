package history

import (
	"sync"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

// statsCache holds the last computed Statistics for ttl. Writes invalidate it.
type statsCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	value *Statistics
	gen   uint64
}

func newStatsCache(ttl time.Duration) *statsCache {
	if ttl <= 0 {
		ttl = DefaultStatsTTL
	}
	return &statsCache{ttl: ttl, now: time.Now}
}

// get returns the cached value, or the current generation to pass to set.
func (c *statsCache) get() (*Statistics, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == nil || c.now().Sub(c.value.ComputedAt) > c.ttl {
		return nil, c.gen, false
	}
	cp := *c.value
	return &cp, c.gen, true
}

// set stores s unless a write happened since gen was read.
func (c *statsCache) set(s *Statistics, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	cp := *s
	c.value = &cp
}

func (c *statsCache) invalidate() {
	c.mu.Lock()
	c.value = nil
	c.gen++
	c.mu.Unlock()
}

// computeStatistics aggregates records.
func computeStatistics(records []*Record, now time.Time) *Statistics {
	s := &Statistics{ByKind: make(map[operation.Kind]KindStats), ComputedAt: now}
	var confSum, riskSum float64
	var scored int
	var satSum float64

	for _, r := range records {
		s.Total++
		ks := s.ByKind[r.Operation.Kind]
		ks.Total++
		if r.AutoExecuted {
			s.AutoExecuted++
		}
		switch {
		case r.Outcome == nil:
			s.Pending++
		case r.Outcome.Success:
			s.Successful++
			ks.Successful++
		default:
			s.Failed++
			ks.Failed++
		}
		if r.Outcome != nil && r.Outcome.RollbackRequired {
			s.Rollbacks++
		}
		s.ByKind[r.Operation.Kind] = ks

		if r.Analysis != nil {
			confSum += r.Analysis.Unified.Confidence
			riskSum += r.Analysis.Unified.Risk
			scored++
		}
		if r.Feedback != nil {
			s.FeedbackCount++
			satSum += r.Feedback.Satisfaction
			if r.Feedback.Helpful {
				s.HelpfulCount++
			}
		}
	}
	if scored > 0 {
		s.AverageConfidence = confSum / float64(scored)
		s.AverageRisk = riskSum / float64(scored)
	}
	if s.FeedbackCount > 0 {
		s.AverageSatisfaction = satSum / float64(s.FeedbackCount)
	}
	return s
}
