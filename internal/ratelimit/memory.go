package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket tracks the token balance for one rate-limit key.
type bucket struct {
	tokens    float64
	updatedAt time.Time
}

// take refills the bucket for the elapsed time, then attempts to consume
// one token. Caller holds the limiter lock.
func (b *bucket) take(now time.Time, rate, burst float64) bool {
	b.tokens += now.Sub(b.updatedAt).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.updatedAt = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// MemoryLimiter implements Limiter with an in-memory token bucket per key.
//
// Each key gets an independent bucket refilled at rate tokens per second up
// to burst capacity. A janitor goroutine evicts idle keys to bound memory;
// an evicted key simply restarts with a full bucket on its next request.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

const (
	evictInterval = time.Minute
	idleThreshold = 10 * time.Minute
)

// NewMemoryLimiter creates a token bucket limiter.
//   - rate: sustained requests per second per key
//   - burst: maximum burst size (token bucket capacity)
//
// Call Close to stop the janitor goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Allow consumes one token from the bucket for key. Returns true if a token
// was available (request should proceed), false otherwise (rate limited).
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		// First request for this key: full bucket minus the token just spent.
		m.buckets[key] = &bucket{tokens: m.burst - 1, updatedAt: now}
		return true, nil
	}
	return b.take(now, m.rate, m.burst), nil
}

// Close stops the janitor goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) janitor() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleThreshold)
	for key, b := range m.buckets {
		if b.updatedAt.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
