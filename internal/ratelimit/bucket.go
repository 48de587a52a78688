// Package ratelimit enforces per-(workspace, user) token buckets.
package ratelimit

import (
	"sync"
	"time"
)

type key struct {
	workspace string
	user      string
}

type bucket struct {
	tokens   float64
	last     time.Time
	capacity float64
}

// Limiter holds one token bucket per workspace and user. Each bucket refills
// at perMinute/60 tokens per second with a burst of perMinute.
type Limiter struct {
	mu      sync.Mutex
	buckets map[key]*bucket
	now     func() time.Time
}

// New creates an empty limiter.
func New() *Limiter {
	return &Limiter{buckets: make(map[key]*bucket), now: time.Now}
}

// NewWithClock creates a limiter using now as its time source.
func NewWithClock(now func() time.Time) *Limiter {
	l := New()
	l.now = now
	return l
}

// Allow takes one token for (workspace, user). perMinute <= 0 disables limiting.
func (l *Limiter) Allow(workspace, user string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	now := l.now()
	capacity := float64(perMinute)
	rate := capacity / 60.0

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{workspace, user}
	b, ok := l.buckets[k]
	if !ok {
		b = &bucket{tokens: capacity, last: now, capacity: capacity}
		l.buckets[k] = b
	}
	if b.capacity != capacity {
		// Tenant limit changed; clamp to the new burst.
		b.capacity = capacity
		if b.tokens > capacity {
			b.tokens = capacity
		}
	}

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * rate
		if b.tokens > capacity {
			b.tokens = capacity
		}
		b.last = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Refund returns a token taken by Allow when the request it paid for was
// not admitted. The bucket never exceeds its burst.
func (l *Limiter) Refund(workspace, user string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key{workspace, user}]; ok {
		b.tokens = min(b.tokens+1, b.capacity)
	}
}

// Forget drops every bucket of workspace.
func (l *Limiter) Forget(workspace string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.buckets {
		if k.workspace == workspace {
			delete(l.buckets, k)
		}
	}
}

// Sweep removes buckets untouched for at least idle.
func (l *Limiter) Sweep(idle time.Duration) int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if now.Sub(b.last) >= idle {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}
