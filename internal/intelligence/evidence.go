package intelligence

import (
	"context"

	"github.com/fyrsmithlabs/consensusd/internal/parallel"
)

// Evidence is the pending result of the parallel analysis phase. Producers
// that depend on pattern, quality or synthesis reports wait on it; the
// others ignore it.
type Evidence struct {
	done   chan struct{}
	result *parallel.Result
	err    error
}

func newEvidence() *Evidence {
	return &Evidence{done: make(chan struct{})}
}

// ResolvedEvidence returns evidence that is already available.
func ResolvedEvidence(r *parallel.Result, err error) *Evidence {
	e := newEvidence()
	e.resolve(r, err)
	return e
}

func (e *Evidence) resolve(r *parallel.Result, err error) {
	e.result, e.err = r, err
	close(e.done)
}

// Wait blocks until the parallel phase finishes or ctx is done.
func (e *Evidence) Wait(ctx context.Context) (*parallel.Result, error) {
	select {
	case <-e.done:
		if e.err != nil {
			return nil, e.err
		}
		if e.result == nil {
			return nil, ErrNoEvidence
		}
		return e.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
