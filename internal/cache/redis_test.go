package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func TestRedis_GetMiss(t *testing.T) {
	c, _ := newRedisCache(t)

	data, ok := c.Get(context.Background(), "nonexistent-key")
	if ok || data != nil {
		t.Fatalf("expected miss, got (%q, %v)", data, ok)
	}
}

func TestRedis_SetGet(t *testing.T) {
	c, _ := newRedisCache(t)
	want := []byte(`{"answer":42}`)

	if err := c.Set(context.Background(), "k", want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := c.Get(context.Background(), "k")
	if !ok || string(got) != string(want) {
		t.Fatalf("Get = (%q, %v), want %q", got, ok, want)
	}
}

func TestRedis_TTL(t *testing.T) {
	c, mr := newRedisCache(t)
	ttl := 10 * time.Second

	if err := c.Set(context.Background(), "ttl-key", []byte("payload"), ttl); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := c.Get(context.Background(), "ttl-key"); !ok {
		t.Fatal("key should exist before TTL expires")
	}

	mr.FastForward(ttl + time.Second)

	if _, ok := c.Get(context.Background(), "ttl-key"); ok {
		t.Fatal("key should have expired after TTL")
	}
}

func TestRedis_SetNX(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "lock", []byte("a"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = c.SetNX(ctx, "lock", []byte("b"), time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX = (%v, %v), want (false, nil)", ok, err)
	}
	if got, _ := c.Get(ctx, "lock"); string(got) != "a" {
		t.Fatalf("value = %q, want %q", got, "a")
	}

	mr.FastForward(2 * time.Minute)
	ok, _ = c.SetNX(ctx, "lock", []byte("c"), time.Minute)
	if !ok {
		t.Fatal("SetNX after expiry should succeed")
	}
}

func TestRedis_Delete(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Hour)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("key should be gone after Delete")
	}
	if err := c.Delete(ctx, "ghost-key"); err != nil {
		t.Fatalf("Delete of missing key: %v", err)
	}
}

// With the server gone reads miss and writes are swallowed, but claims fail.
func TestRedis_Degradation(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}
	defer func() { _ = c.Close() }()

	mr.Close()

	if data, ok := c.Get(context.Background(), "any-key"); ok || data != nil {
		t.Fatalf("expected miss when Redis is down, got (%q, %v)", data, ok)
	}
	if err := c.Set(context.Background(), "any-key", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set must not fail when Redis is down: %v", err)
	}
	if _, err := c.SetNX(context.Background(), "any-key", []byte("v"), time.Hour); err == nil {
		t.Fatal("SetNX must report Redis errors")
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("Ping must fail when Redis is down")
	}
}

func TestNewRedisCache_InvalidURL(t *testing.T) {
	if _, err := NewRedisCacheFromURL(context.Background(), "not-a-valid-url"); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

func TestCacheImplementations(t *testing.T) {
	var _ Cache = (*RedisCache)(nil)
	var _ Cache = (*MemoryCache)(nil)
}
