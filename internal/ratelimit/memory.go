package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	sweepInterval = time.Minute
	idleEviction  = 10 * time.Minute
)

// tokenBucket tracks the remaining allowance for one key.
type tokenBucket struct {
	level float64
	seen  time.Time
}

// MemoryLimiter is an in-process token-bucket Limiter. Every key (one per
// bearer token or client IP) refills at rate tokens per second up to burst.
// Buckets idle past idleEviction are dropped by a background sweep so the
// map stays bounded by the active caller set.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryLimiter builds a limiter allowing a sustained rate (requests per
// second) with bursts up to burst. Call Close to stop the eviction sweep.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	l := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*tokenBucket),
		done:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow takes one token from the key's bucket, reporting whether one was
// available. New keys start full, so the first request always passes.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &tokenBucket{level: l.burst - 1, seen: now}
		return true, nil
	}

	b.level += now.Sub(b.seen).Seconds() * l.rate
	if b.level > l.burst {
		b.level = l.burst
	}
	b.seen = now

	if b.level < 1 {
		return false, nil
	}
	b.level--
	return true, nil
}

// Close stops the eviction sweep. Safe to call more than once.
func (l *MemoryLimiter) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictIdle(time.Now().Add(-idleEviction))
		}
	}
}

func (l *MemoryLimiter) evictIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
