// Package ratelimit provides a pluggable token bucket.
//
// The OSS distribution ships an in-memory bucket (MemoryLimiter). Multi
// instance deployments can substitute a Redis-backed implementation for
// cross-instance coordination; the Limiter interface is the contract.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one token from the bucket for key. rate is tokens per
	// second, burst the bucket capacity; both travel with the call because
	// different keys carry different limits. When denied, retryAfter is how
	// long until a token becomes available. Returning an error signals a
	// limiter malfunction; callers should treat errors as fail-open rather
	// than blocking traffic.
	Allow(ctx context.Context, key string, rate float64, burst int64) (allowed bool, retryAfter time.Duration, err error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string, float64, int64) (bool, time.Duration, error) {
	return true, 0, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
