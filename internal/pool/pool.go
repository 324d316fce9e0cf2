// Package pool provides bounded object pools for the streaming hot path.
//
// Unlike sync.Pool, a Pool never holds more than its configured maximum and
// reports exact statistics, so worst-case retained memory is known up front.
package pool

import (
	"sync"
	"sync/atomic"
)

// Config sizes a pool.
type Config struct {
	// Initial is the number of objects allocated up front.
	Initial int `koanf:"initial" json:"initial"`
	// Max is the upper bound on objects retained between uses.
	Max int `koanf:"max" json:"max"`
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Available int   `json:"available"`
	Max       int   `json:"max"`
	Created   int64 `json:"created"`
	Reused    int64 `json:"reused"`
	Dropped   int64 `json:"dropped"`
}

// Pool is a mutex-guarded bounded collection of reusable objects.
type Pool[T any] struct {
	mu    sync.Mutex
	items []T
	max   int

	newFn   func() T
	resetFn func(T)

	created atomic.Int64
	reused  atomic.Int64
	dropped atomic.Int64
}

// New creates a pool pre-warmed with cfg.Initial objects. resetFn clears an
// object before it is reused and may be nil.
func New[T any](cfg Config, newFn func() T, resetFn func(T)) *Pool[T] {
	if cfg.Max < 0 {
		cfg.Max = 0
	}
	if cfg.Initial > cfg.Max {
		cfg.Initial = cfg.Max
	}

	p := &Pool[T]{
		items:   make([]T, 0, cfg.Max),
		max:     cfg.Max,
		newFn:   newFn,
		resetFn: resetFn,
	}
	for i := 0; i < cfg.Initial; i++ {
		p.items = append(p.items, newFn())
		p.created.Add(1)
	}
	return p
}

// Acquire returns a handle to a pooled or freshly allocated object.
func (p *Pool[T]) Acquire() *Handle[T] {
	p.mu.Lock()
	n := len(p.items)
	if n > 0 {
		obj := p.items[n-1]
		var zero T
		p.items[n-1] = zero
		p.items = p.items[:n-1]
		p.mu.Unlock()

		if p.resetFn != nil {
			p.resetFn(obj)
		}
		p.reused.Add(1)
		return &Handle[T]{pool: p, obj: obj}
	}
	p.mu.Unlock()

	p.created.Add(1)
	return &Handle[T]{pool: p, obj: p.newFn()}
}

// put returns obj to the pool if there is room, otherwise drops it.
func (p *Pool[T]) put(obj T) {
	if p.resetFn != nil {
		p.resetFn(obj)
	}

	p.mu.Lock()
	if len(p.items) < p.max {
		p.items = append(p.items, obj)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.dropped.Add(1)
}

// Available returns the number of idle objects held by the pool.
func (p *Pool[T]) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Available: p.Available(),
		Max:       p.max,
		Created:   p.created.Load(),
		Reused:    p.reused.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Handle scopes one use of a pooled object. Release must be called exactly
// once, normally via defer; extra calls are ignored.
type Handle[T any] struct {
	pool     *Pool[T]
	obj      T
	released atomic.Bool
}

// Value returns the pooled object. It must not be used after Release.
func (h *Handle[T]) Value() T {
	return h.obj
}

// Release clears the object and hands it back to the pool.
func (h *Handle[T]) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.pool.put(h.obj)
	var zero T
	h.obj = zero
}
