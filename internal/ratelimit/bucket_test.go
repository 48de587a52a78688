package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestLimiter_BurstThenRefill(t *testing.T) {
	now := time.Unix(0, 0)
	l := NewWithClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if !l.Allow("w1", "u1", 3) {
			t.Fatalf("request %d rejected within burst", i)
		}
	}
	if l.Allow("w1", "u1", 3) {
		t.Fatal("fourth request should be rejected")
	}

	now = now.Add(20 * time.Second) // 3/min → one token per 20s
	if !l.Allow("w1", "u1", 3) {
		t.Fatal("token should have refilled")
	}
	if l.Allow("w1", "u1", 3) {
		t.Fatal("only one token should have refilled")
	}
}

func TestLimiter_KeyedByWorkspaceAndUser(t *testing.T) {
	l := New()
	if !l.Allow("w1", "u1", 1) {
		t.Fatal("first request rejected")
	}
	if !l.Allow("w2", "u1", 1) {
		t.Fatal("same user in another workspace must have its own bucket")
	}
	if !l.Allow("w1", "u2", 1) {
		t.Fatal("other user must have its own bucket")
	}
	if l.Allow("w1", "u1", 1) {
		t.Fatal("w1/u1 should be exhausted")
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("w1", "u1", 10) {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Fatalf("allowed = %d, want 10", allowed)
	}
}

func TestLimiter_DisabledAndForget(t *testing.T) {
	l := New()
	for i := 0; i < 100; i++ {
		if !l.Allow("w1", "u1", 0) {
			t.Fatal("perMinute=0 must not limit")
		}
	}
	l.Allow("w1", "u1", 1)
	l.Forget("w1")
	if !l.Allow("w1", "u1", 1) {
		t.Fatal("Forget should reset buckets")
	}
}

func TestLimiter_RefundRestoresOneToken(t *testing.T) {
	now := time.Unix(0, 0)
	l := NewWithClock(func() time.Time { return now })

	if !l.Allow("w1", "u1", 1) {
		t.Fatal("first request rejected")
	}
	l.Refund("w1", "u1")
	if !l.Allow("w1", "u1", 1) {
		t.Fatal("refunded token was not available")
	}
	if l.Allow("w1", "u1", 1) {
		t.Fatal("bucket should be empty again")
	}

	// Refunds never grow the bucket past its burst.
	l.Refund("w1", "u1")
	l.Refund("w1", "u1")
	l.Allow("w1", "u1", 1)
	if l.Allow("w1", "u1", 1) {
		t.Fatal("refund exceeded burst")
	}
	l.Refund("w9", "nobody") // unknown bucket is a no-op
}
