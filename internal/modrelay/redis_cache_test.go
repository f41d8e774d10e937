package modrelay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newRedisCache(t *testing.T) (*miniredis.Miniredis, SelectionCache) {
	t.Helper()
	srv := miniredis.RunT(t)
	cache, err := NewRedisSelectionCache("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("NewRedisSelectionCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return srv, cache
}

func TestRedisSelectionCacheRoundTrip(t *testing.T) {
	_, cache := newRedisCache(t)
	ctx := context.Background()

	if _, ok, err := cache.Get(ctx, "u-1"); err != nil || ok {
		t.Fatalf("empty Get = %v, %v", ok, err)
	}

	if err := cache.Put(ctx, "u-1", "ws-alpha"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := cache.Get(ctx, "u-1")
	if err != nil || !ok || got != "ws-alpha" {
		t.Fatalf("Get = %q, %v, %v", got, ok, err)
	}

	if err := cache.Forget(ctx, "u-1"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "u-1"); ok {
		t.Fatal("forgotten entry still hit")
	}
}

func TestRedisSelectionCacheRecentlyExpired(t *testing.T) {
	srv, cache := newRedisCache(t)
	ctx := context.Background()

	if recently, err := cache.RecentlyExpired(ctx, "u-1"); err != nil || recently {
		t.Fatalf("unknown user = %v, %v", recently, err)
	}

	if err := cache.Put(ctx, "u-1", "ws-alpha"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if recently, _ := cache.RecentlyExpired(ctx, "u-1"); recently {
		t.Fatal("live entry marked recently expired")
	}

	// Let the entry lapse while the marker survives.
	srv.FastForward(DefaultSelectionTTL + time.Minute)
	if recently, err := cache.RecentlyExpired(ctx, "u-1"); err != nil || !recently {
		t.Fatalf("lapsed entry = %v, %v", recently, err)
	}

	// Marker gone too.
	srv.FastForward(DefaultSelectionTTL + time.Minute)
	if recently, _ := cache.RecentlyExpired(ctx, "u-1"); recently {
		t.Fatal("stale marker still reported")
	}
}

func TestRedisAlertDeduperWindow(t *testing.T) {
	srv := miniredis.RunT(t)
	dedup, err := NewRedisAlertDeduper("redis://"+srv.Addr(), 30*time.Second)
	if err != nil {
		t.Fatalf("NewRedisAlertDeduper: %v", err)
	}
	defer dedup.Close()
	ctx := context.Background()

	fresh, err := dedup.MarkAlerted(ctx, 7, "staff-1")
	if err != nil || !fresh {
		t.Fatalf("first mark = %v, %v", fresh, err)
	}
	fresh, err = dedup.MarkAlerted(ctx, 7, "staff-1")
	if err != nil || fresh {
		t.Fatalf("repeat mark inside window = %v, %v", fresh, err)
	}

	// A different thread or subscriber is independent.
	if fresh, _ := dedup.MarkAlerted(ctx, 8, "staff-1"); !fresh {
		t.Fatal("other thread suppressed")
	}
	if fresh, _ := dedup.MarkAlerted(ctx, 7, "staff-2"); !fresh {
		t.Fatal("other subscriber suppressed")
	}

	srv.FastForward(31 * time.Second)
	if fresh, _ := dedup.MarkAlerted(ctx, 7, "staff-1"); !fresh {
		t.Fatal("mark suppressed after window lapsed")
	}

	// Unmark re-arms the slot inside the window.
	if err := dedup.Unmark(ctx, 7, "staff-1"); err != nil {
		t.Fatalf("Unmark: %v", err)
	}
	if fresh, _ := dedup.MarkAlerted(ctx, 7, "staff-1"); !fresh {
		t.Fatal("mark suppressed after unmark")
	}
}
