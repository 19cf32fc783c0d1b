package domain

import (
	"context"
	"time"
)

// Store is the shared atomic key-value store behind every engine component.
// Memory (single node) and Redis (fleet) implementations share one contract:
// each method is atomic with respect to its key, and keys expire by TTL.
type Store interface {
	// Get retrieves a value.
	// Returns nil, nil if key not found or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with expiration. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// Increment atomically increments a counter and returns the new value.
	// The TTL is applied when the counter is created.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// IncrementBy atomically adds delta (which may be negative) to a counter
	// and returns the new value. The TTL is applied when the counter is created.
	IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Take atomically reads and deletes a value. Of several concurrent
	// callers exactly one receives it; the rest get nil, nil.
	Take(ctx context.Context, key string) ([]byte, error)

	// SlidingWindow atomically trims entries older than now-window, counts
	// the rest and, when the count is below limit, records a new entry at now.
	SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (*WindowResult, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// WindowResult is the outcome of one SlidingWindow call.
type WindowResult struct {
	Allowed bool `json:"allowed"`

	// Count is the number of entries in the window after the call.
	Count int64 `json:"count"`

	// Oldest is the timestamp of the oldest entry still in the window.
	Oldest time.Time `json:"oldest"`
}

// StoreConfig holds configuration for store initialization.
type StoreConfig struct {
	// Type is the store type: "memory" or "redis"
	Type string `koanf:"type" json:"type" validate:"oneof=memory redis"`

	// Namespace prefixes every key.
	Namespace string `koanf:"namespace" json:"namespace"`

	// In-process store settings (Community tier)
	LocalMaxSize int `koanf:"local_max_size" json:"localMaxSize"`

	// Redis settings (Pro tier)
	RedisAddr     string        `koanf:"redis_addr" json:"redisAddr"`
	RedisPassword string        `koanf:"redis_password" json:"-"`
	RedisDB       int           `koanf:"redis_db" json:"redisDb"`
	RedisPoolSize int           `koanf:"redis_pool_size" json:"redisPoolSize"`
	OpTimeout     time.Duration `koanf:"op_timeout" json:"opTimeout"`
}
