// Package ratelimit throttles verification traffic with fixed windows
// keyed by caller identity. Throttling is advisory: when the backing
// store is unreachable the limiter fails open rather than blocking
// legitimate recipients.
package ratelimit

import (
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// pruneEvery bounds how often the memory limiter sweeps stale windows.
const pruneEvery = 256

type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	calls   int
	buckets map[string]bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{window: window, buckets: map[string]bucket{}}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%pruneEvery == 0 {
		for k, b := range l.buckets {
			if now.After(b.resetAt) {
				delete(l.buckets, k)
			}
		}
	}

	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = bucket{resetAt: now.Add(l.window)}
	}
	b.count++
	l.buckets[key] = b

	remaining := limit - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   b.count <= limit,
		Remaining: remaining,
		ResetAt:   b.resetAt,
	}
}
