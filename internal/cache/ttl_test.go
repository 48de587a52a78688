package cache

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTTL_Expiry(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := NewTTL[string, int](time.Minute, 10, WithClock(clk.Now))

	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v; want 1, true", v, ok)
	}

	clk.Advance(59 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("entry expired early")
	}

	clk.Advance(time.Second)
	if _, ok := c.Get("a"); ok {
		t.Fatal("entry should have expired")
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", c.Len())
	}
}

func TestTTL_LRUEviction(t *testing.T) {
	c := NewTTL[string, int](time.Hour, 2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // a becomes most recent
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Fatal("b should have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a should survive")
	}
	if s := c.Stats(); s.Evictions != 1 {
		t.Fatalf("Evictions = %d, want 1", s.Evictions)
	}
}

func TestTTL_PurgeAndDeleteFunc(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	c := NewTTL[string, bool](time.Second, 10, WithClock(clk.Now))
	c.Set("w1:u1", true)
	c.Set("w1:u2", true)
	c.Set("w2:u1", true)

	if n := c.DeleteFunc(func(k string) bool { return k[:2] == "w1" }); n != 2 {
		t.Fatalf("DeleteFunc removed %d, want 2", n)
	}

	clk.Advance(2 * time.Second)
	if n := c.Purge(); n != 1 {
		t.Fatalf("Purge removed %d, want 1", n)
	}
}
