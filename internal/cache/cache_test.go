package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(ttl time.Duration) (*TTLCache[string], *fakeClock) {
	clk := &fakeClock{now: time.Date(2025, 6, 18, 0, 0, 0, 0, time.UTC)}
	c := New[string](ttl)
	c.now = clk.Now
	return c, clk
}

func TestTTLCache_Miss(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	r := c.Get("nope")
	if r.Hit || r.Found || r.NeedsRefresh {
		t.Fatalf("expected clean miss, got %+v", r)
	}
}

func TestTTLCache_FreshHit(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Set("alice", "developer")

	r := c.Get("alice")
	if !r.Hit || !r.Found || r.Value != "developer" {
		t.Fatalf("expected fresh hit, got %+v", r)
	}
	if r.NeedsRefresh {
		t.Error("fresh entry should not need refresh")
	}
}

func TestTTLCache_StaleHitSignalsRefreshOnce(t *testing.T) {
	c, clk := newTestCache(time.Minute)
	c.Set("alice", "developer")
	clk.Advance(2 * time.Minute)

	first := c.Get("alice")
	if !first.Hit || first.Value != "developer" || !first.NeedsRefresh {
		t.Fatalf("expected stale hit with refresh, got %+v", first)
	}
	second := c.Get("alice")
	if !second.Hit || second.NeedsRefresh {
		t.Fatalf("second stale read must not refresh again, got %+v", second)
	}

	c.ReleaseRefresh("alice")
	if !c.Get("alice").NeedsRefresh {
		t.Error("expected refresh to be claimable after release")
	}
}

func TestTTLCache_ConcurrentStaleReadsSingleRefresher(t *testing.T) {
	c, clk := newTestCache(time.Minute)
	c.Set("k", "v")
	clk.Advance(time.Hour)

	var refreshers atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Get("k").NeedsRefresh {
				refreshers.Add(1)
			}
		}()
	}
	wg.Wait()

	if refreshers.Load() != 1 {
		t.Fatalf("expected exactly one refresher, got %d", refreshers.Load())
	}
}

func TestTTLCache_NegativeEntry(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.SetMissing("ghost")

	r := c.Get("ghost")
	if !r.Hit || r.Found {
		t.Fatalf("expected negative hit, got %+v", r)
	}
}

func TestTTLCache_SetResetsExpiry(t *testing.T) {
	c, clk := newTestCache(time.Minute)
	c.Set("k", "old")
	clk.Advance(2 * time.Minute)
	c.Set("k", "new")

	r := c.Get("k")
	if r.NeedsRefresh || r.Value != "new" {
		t.Fatalf("expected fresh new value, got %+v", r)
	}
}

func TestTTLCache_Delete(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Set("k", "v")
	c.Delete("k")
	if c.Get("k").Hit {
		t.Fatal("expected miss after delete")
	}
}
