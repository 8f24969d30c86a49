// Package cache holds recently served query results keyed by request
// fingerprint.
//
// Entries carry their own expiry; capacity is bounded by an LRU so a busy
// tenant cannot grow the cache without limit. Tenant-scoped invalidation
// exists because any write to a tenant's concepts may change what its
// queries return.
package cache

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/metric"

	"github.com/shinka-ai/shinka/internal/model"
	"github.com/shinka-ai/shinka/internal/telemetry"
)

type entry struct {
	result    model.Result
	expiresAt time.Time
}

// ResultCache is a bounded TTL cache for query results.
type ResultCache struct {
	lru *lru.Cache[string, entry]
	ttl time.Duration

	// now is swappable for tests.
	now func() time.Time

	hits   atomic.Int64
	misses atomic.Int64

	hitCounter  metric.Int64Counter
	missCounter metric.Int64Counter
}

// New creates a result cache holding at most size entries, each valid for
// ttl after insertion.
func New(size int, ttl time.Duration) (*ResultCache, error) {
	l, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}

	meter := telemetry.Meter("shinka/cache")
	hitCounter, _ := meter.Int64Counter("shinka.cache.hits")
	missCounter, _ := meter.Int64Counter("shinka.cache.misses")

	return &ResultCache{
		lru:         l,
		ttl:         ttl,
		now:         time.Now,
		hitCounter:  hitCounter,
		missCounter: missCounter,
	}, nil
}

// SetClock replaces the cache's notion of time for TTL expiry. Embedders
// use it for deterministic expiry in tests and simulations.
func (c *ResultCache) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Key builds the cache key for a tenant and fingerprint. The tenant prefix
// is what makes Invalidate possible.
func Key(tenantID, fingerprint string) string {
	return tenantID + "/" + fingerprint
}

// Get returns the cached result for key if present and unexpired.
func (c *ResultCache) Get(ctx context.Context, key string) (model.Result, bool) {
	e, ok := c.lru.Get(key)
	if ok && c.now().Before(e.expiresAt) {
		c.hits.Add(1)
		c.hitCounter.Add(ctx, 1)
		return e.result, true
	}
	if ok {
		// Expired entry: drop it now instead of waiting for LRU pressure.
		c.lru.Remove(key)
	}
	c.misses.Add(1)
	c.missCounter.Add(ctx, 1)
	return model.Result{}, false
}

// Put stores a result under key.
func (c *ResultCache) Put(key string, result model.Result) {
	c.lru.Add(key, entry{result: result, expiresAt: c.now().Add(c.ttl)})
}

// Invalidate removes every entry belonging to tenantID and returns how many
// were dropped.
func (c *ResultCache) Invalidate(tenantID string) int {
	prefix := tenantID + "/"
	dropped := 0
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
			dropped++
		}
	}
	return dropped
}

// Purge empties the cache.
func (c *ResultCache) Purge() {
	c.lru.Purge()
}

// Stats reports cumulative hit/miss counts and the current entry count.
func (c *ResultCache) Stats() (hits, misses int64, size int) {
	return c.hits.Load(), c.misses.Load(), c.lru.Len()
}
