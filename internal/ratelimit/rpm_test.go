package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRPMLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, _ := newTestRedis(t)

	const limit = 10
	limiter := NewRPMLimiter(rdb, limit, nil)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		d, err := limiter.Allow(ctx, "key-1")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("expected allowed at iteration %d", i)
		}
		if d.Remaining != limit-i-1 {
			t.Fatalf("remaining = %d at iteration %d, want %d", d.Remaining, i, limit-i-1)
		}
	}
}

func TestRPMLimiter_BlocksOverLimit(t *testing.T) {
	rdb, _ := newTestRedis(t)

	const limit = 3
	limiter := NewRPMLimiter(rdb, limit, nil)
	base := time.Now()
	limiter.now = func() time.Time { return base }
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if d, _ := limiter.Allow(ctx, "key-1"); !d.Allowed {
			t.Fatalf("expected allowed at iteration %d", i)
		}
	}

	limiter.now = func() time.Time { return base.Add(20 * time.Second) }
	d, err := limiter.Allow(ctx, "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected the request over the limit to be blocked")
	}
	if d.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", d.Remaining)
	}
	if d.RetryAfter < 39*time.Second || d.RetryAfter > 41*time.Second {
		t.Errorf("retry after = %v, want about 40s", d.RetryAfter)
	}

	// Keys are limited independently.
	if d, _ := limiter.Allow(ctx, "key-2"); !d.Allowed {
		t.Error("another key must not share the window")
	}

	// Once the window slides past the first requests they stop counting.
	limiter.now = func() time.Time { return base.Add(61 * time.Second) }
	if d, _ := limiter.Allow(ctx, "key-1"); !d.Allowed {
		t.Error("expected allowed after the window slid")
	}
}

func TestRPMLimiter_DegradesWhenRedisDown(t *testing.T) {
	rdb, mr := newTestRedis(t)
	mr.Close()

	limiter := NewRPMLimiter(rdb, 5, nil)
	d, err := limiter.Allow(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Error("expected allowed when Redis is unavailable")
	}
}
