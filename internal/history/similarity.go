package history

import (
	"path"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

// Similarity weights.
const (
	kindWeight    = 0.4
	shapeWeight   = 0.3
	contextWeight = 0.3
)

// Similarity scores how alike a past record is to op in octx, in [0,1].
// It combines operation kind, path shape and context features.
func Similarity(op operation.FileOperation, octx operation.Context, rec *Record) float64 {
	score := 0.0
	if rec.Operation.Kind == op.Kind {
		score += kindWeight
	}
	score += shapeWeight * pathShape(operation.DetailsOf(op), rec.Details)
	score += contextWeight * contextFeatures(octx, rec.Context)
	return score
}

func pathShape(a, b operation.Details) float64 {
	s := 0.0
	if a.Extension != "" && a.Extension == b.Extension {
		s += 0.4
	}
	if a.Directory == b.Directory {
		s += 0.3
	}
	if a.PathClass() == b.PathClass() {
		s += 0.2
	}
	if a.BaseName == b.BaseName {
		s += 0.1
	}
	return s
}

func contextFeatures(a, b operation.Context) float64 {
	s := 0.0
	if a.RepositoryRoot != "" && a.RepositoryRoot == b.RepositoryRoot {
		s += 0.4
	}
	if a.Branch != "" && a.Branch == b.Branch {
		s += 0.2
	}
	if pt := a.ProjectType(); pt != "unknown" && pt == b.ProjectType() {
		s += 0.4
	}
	return s
}

// rankSimilar scores candidates and keeps the best limit at or above
// MinSimilarity. Ties go to the most recent record.
func rankSimilar(op operation.FileOperation, octx operation.Context, candidates []*Record, limit int) []Similar {
	if limit <= 0 {
		limit = DefaultSimilarLimit
	}
	out := make([]Similar, 0, len(candidates))
	for _, rec := range candidates {
		if s := Similarity(op, octx, rec); s >= MinSimilarity {
			out = append(out, Similar{Record: rec, Score: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Record.CreatedAt.After(out[j].Record.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// matches applies f to rec, excluding Limit.
func matches(f Filters, rec *Record) bool {
	if f.Kind != "" && rec.Operation.Kind != f.Kind {
		return false
	}
	if f.PathPattern != "" && !matchPath(f.PathPattern, rec.Operation.Path) {
		return false
	}
	if f.Success != nil && (rec.Outcome == nil || rec.Outcome.Success != *f.Success) {
		return false
	}
	if !inRange(rec.Confidence(), f.MinConfidence, f.MaxConfidence) {
		return false
	}
	if !inRange(rec.Risk(), f.MinRisk, f.MaxRisk) {
		return false
	}
	if f.After != nil && !rec.CreatedAt.After(*f.After) {
		return false
	}
	if f.Before != nil && !rec.CreatedAt.Before(*f.Before) {
		return false
	}
	return true
}

func inRange(v float64, lo, hi *float64) bool {
	if lo == nil && hi == nil {
		return true
	}
	if v < 0 {
		// no analysis recorded
		return false
	}
	if lo != nil && v < *lo {
		return false
	}
	if hi != nil && v > *hi {
		return false
	}
	return true
}

func matchPath(pattern, p string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return strings.Contains(p, pattern)
	}
	if ok, _ := path.Match(pattern, p); ok {
		return true
	}
	ok, _ := path.Match(pattern, path.Base(p))
	return ok
}
