// Package rate provides fixed-window request limiting keyed by caller.
//
// MemoryLimiter serves a single instance. RedisLimiter shares counters across
// replicas and is selected when a Redis address is configured.
package rate

import (
	"context"
	"sync"
	"time"
)

type Limiter interface {
	// Allow counts one hit for key and reports whether it is within limit
	// hits per window, plus the time until the window resets.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration)
}

// pruneEvery is how many Allow calls pass between sweeps of expired buckets.
const pruneEvery = 1024

type MemoryLimiter struct {
	mu    sync.Mutex
	store map[string]*bucket
	calls int
	now   func() time.Time
}

type bucket struct {
	count   int
	resetAt time.Time
	window  time.Duration
}

func NewMemory() *MemoryLimiter {
	return &MemoryLimiter{store: make(map[string]*bucket), now: time.Now}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	m.calls++
	if m.calls%pruneEvery == 0 {
		for k, b := range m.store {
			if now.After(b.resetAt) {
				delete(m.store, k)
			}
		}
	}

	b, ok := m.store[key]
	if !ok || now.After(b.resetAt) || b.window != window {
		b = &bucket{count: 0, resetAt: now.Add(window), window: window}
		m.store[key] = b
	}

	if b.count >= limit {
		return false, b.resetAt.Sub(now)
	}

	b.count++
	return true, b.resetAt.Sub(now)
}

// Len reports how many keys are tracked.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.store)
}
