// Package ratelimit implements a token-bucket rate limiter used as admission
// control in front of LLM calls and chat runs.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned by callers when an admission attempt fails.
var ErrRateLimited = errors.New("rate limited")

// pollInterval is how often Acquire re-checks the bucket while waiting.
const pollInterval = 100 * time.Millisecond

// Bucket is a thread-safe token bucket. Tokens refill continuously at
// refillPerSec up to capacity; each admission consumes one token.
type Bucket struct {
	mu           sync.Mutex
	capacity     float64
	refillPerSec float64
	tokens       float64
	lastRefill   time.Time

	now func() time.Time // overridable for tests
}

// NewBucket creates a bucket holding capacity tokens, starting full.
// A refillPerSec of zero disables refill entirely.
func NewBucket(capacity int, refillPerSec float64) *Bucket {
	if capacity < 0 {
		capacity = 0
	}
	b := &Bucket{
		capacity:     float64(capacity),
		refillPerSec: refillPerSec,
		tokens:       float64(capacity),
		now:          time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// refill credits tokens for the time elapsed since the last refill.
// Caller must hold b.mu. The refill only applies once at least one whole
// token has accumulated, so lastRefill does not advance on tiny intervals.
func (b *Bucket) refill() {
	elapsed := b.now().Sub(b.lastRefill).Seconds()
	earned := elapsed * b.refillPerSec
	if earned < 1 {
		return
	}
	b.tokens += earned
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = b.now()
}

// TryAcquire attempts to take one token without blocking.
func (b *Bucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Acquire polls TryAcquire until it succeeds, the timeout elapses, or ctx is
// canceled. It returns true only when a token was taken.
func (b *Bucket) Acquire(ctx context.Context, timeout time.Duration) bool {
	if b.TryAcquire() {
		return true
	}

	deadline := b.now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if b.TryAcquire() {
				return true
			}
			if b.now().After(deadline) {
				return false
			}
		}
	}
}

// Available returns the current token count after refill. Intended for
// metrics and tests.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}
