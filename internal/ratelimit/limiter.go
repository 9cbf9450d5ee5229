// Implements a thread-safe per-key token bucket pacer.

// Package ratelimit paces repeated operations per key with token buckets.
// The tracking client uses it to throttle buffered metric appends per run.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter manages one token bucket per key. All buckets share the same rate
// and burst; keys that go idle are dropped once their bucket has refilled.
type Limiter struct {
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter refilling perSec tokens per second per key with the
// given burst capacity. perSec <= 0 disables pacing entirely: every call
// proceeds immediately.
func New(perSec float64, burst int) *Limiter {
	limit := rate.Limit(perSec)
	if perSec <= 0 {
		limit = rate.Inf
	}
	l := &Limiter{
		rate:    limit,
		burst:   burst,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether the key may proceed now, consuming a token if so.
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// Wait blocks until the key may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	return l.bucket(key).Wait(ctx)
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

// cleanup removes buckets that haven't been touched for a full interval and
// have refilled to capacity.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	stale := time.Now().Add(-cleanupInterval)
	for key, b := range l.buckets {
		if b.lastSeen.Before(stale) && b.limiter.Tokens() >= float64(l.burst) {
			delete(l.buckets, key)
		}
	}
}

// Close stops the cleanup goroutine. The limiter itself stays usable.
func (l *Limiter) Close() {
	close(l.stop)
}

const cleanupInterval = 10 * time.Minute
