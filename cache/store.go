// Package cache provides the ephemeral key/value store backing the
// dedup, cooldown and notification-throttle keys. The production
// implementation is Redis; MemoryStore backs tests and degraded runs.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("cache: key not found")

// Store is the ephemeral key/value contract. All values are strings;
// every key carries a TTL set at write time.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes value under key with the given TTL. TTL <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime of key, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// Keys returns all keys matching a glob pattern (e.g. "cooldown:buy:*").
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
