package intelligence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache defaults.
const (
	DefaultCacheSize = 512
	DefaultCacheTTL  = 10 * time.Minute
)

// analysisCache holds recent analyses keyed by operation, context and mode.
// gen advances on every purge; an analysis started under an older
// generation is not stored.
type analysisCache struct {
	lru *expirable.LRU[string, *operation.Analysis]
	gen atomic.Uint64
}

func newAnalysisCache(size int, ttl time.Duration) *analysisCache {
	if size <= 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &analysisCache{lru: expirable.NewLRU[string, *operation.Analysis](size, nil, ttl)}
}

func cacheKey(op operation.FileOperation, octx operation.Context, mode operation.Mode) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(op)
	_ = enc.Encode(octx)
	h.Write([]byte(mode))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *analysisCache) get(key string) (*operation.Analysis, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(key)
}

func (c *analysisCache) generation() uint64 {
	if c == nil {
		return 0
	}
	return c.gen.Load()
}

func (c *analysisCache) put(key string, a *operation.Analysis, gen uint64) {
	if c == nil || c.gen.Load() != gen {
		return
	}
	c.lru.Add(key, a)
}

// purge drops every entry and reports how many there were.
func (c *analysisCache) purge() int {
	if c == nil {
		return 0
	}
	c.gen.Add(1)
	n := c.lru.Len()
	c.lru.Purge()
	return n
}

func (c *analysisCache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
