package cache

import (
	"context"
	"time"
)

// Cache is the key-value surface the worker needs from redis.
type Cache interface {
	// Get returns "" with a nil error when the key does not exist
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value. A zero ttl means no expiry
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	Del(ctx context.Context, keys ...string) error

	LockOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// LockOps defines owner-checked leases.
type LockOps interface {
	// TryLock acquires key for owner. It returns false if someone holds it.
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Unlock releases key only if owner still holds it.
	Unlock(ctx context.Context, key, owner string) error
}
