package cache

import (
	"context"
	"sync"
	"time"
)

const (
	defaultMemoryTTL = time.Hour
	sweepInterval    = 5 * time.Minute
)

type memItem struct {
	data      []byte
	expiresAt time.Time
}

func (it memItem) expired(now time.Time) bool { return now.After(it.expiresAt) }

// MemoryCache is an in-process Cache with per-entry TTL. Expired entries
// are dropped on access and by a periodic sweep.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memItem
	now   func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache starts the sweep loop, which stops when ctx is cancelled
// or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]memItem),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	go c.sweep(ctx)
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if item.expired(c.now()) {
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && cur.expired(c.now()) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return item.data, true
}

// Set stores value under key. A non-positive ttl means one hour.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.items[key] = c.item(value, ttl)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.items[key]; ok && !cur.expired(c.now()) {
		return false, nil
	}
	c.items[key] = c.item(value, ttl)
	return true, nil
}

func (c *MemoryCache) item(value []byte, ttl time.Duration) memItem {
	if ttl <= 0 {
		ttl = defaultMemoryTTL
	}
	return memItem{data: value, expiresAt: c.now().Add(ttl)}
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len counts entries, including expired ones not yet swept.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the sweep loop.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *MemoryCache) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := c.now()
	c.mu.Lock()
	for k, v := range c.items {
		if v.expired(now) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
