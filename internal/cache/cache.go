// Package cache is the shared byte store behind idempotent replay.
//
// Two backends are available:
//   - RedisCache: shared by every replica, required for multi-instance
//     deployments.
//   - MemoryCache: in-process, for single instances and development.
//
// Both implement Cache so they are interchangeable.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}
