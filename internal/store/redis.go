package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/warden/internal/domain"
	"github.com/opensource-finance/warden/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// incrementScript adds ARGV[2] to a counter and sets its TTL on creation.
var incrementScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[2])
	if tonumber(ARGV[1]) > 0 and redis.call('PTTL', KEYS[1]) == -1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// slidingWindowScript runs trim, count and conditional insert as one unit so
// concurrent callers on any instance can never over-admit.
//
// KEYS[1] window key
// ARGV[1] now (ms), ARGV[2] window (ms), ARGV[3] limit, ARGV[4] member, ARGV[5] ttl (ms)
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
	local count = redis.call('ZCARD', key)

	local oldest = now
	if count > 0 then
		local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		oldest = tonumber(first[2])
	end

	if count >= limit then
		return {0, count, oldest}
	end

	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, ARGV[5])
	return {1, count + 1, oldest}
`)

// RedisStore implements domain.Store using Redis.
// Used as the Pro tier store so limits hold across the fleet.
type RedisStore struct {
	client    *redis.Client
	namespace string
	timeout   time.Duration
}

// NewRedisStore creates a new Redis store and verifies the connection.
func NewRedisStore(cfg domain.StoreConfig) (*RedisStore, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, namespace: cfg.Namespace, timeout: cfg.OpTimeout}, nil
}

// Get retrieves a value from Redis.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, s.makeKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("get", err)
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Set(ctx, s.makeKey(key), value, ttl).Err(); err != nil {
		return s.fail("set", err)
	}
	return nil
}

// Delete removes a value from Redis.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Del(ctx, s.makeKey(key)).Err(); err != nil {
		return s.fail("delete", err)
	}
	return nil
}

// Increment atomically increments a counter using INCRBY with PEXPIRE.
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.IncrementBy(ctx, key, 1, ttl)
}

// IncrementBy atomically adds delta to a counter.
func (s *RedisStore) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	result, err := incrementScript.Run(ctx, s.client, []string{s.makeKey(key)}, ttl.Milliseconds(), delta).Int64()
	if err != nil {
		return 0, s.fail("increment", err)
	}
	return result, nil
}

// Take reads and deletes a value with GETDEL.
func (s *RedisStore) Take(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	val, err := s.client.GetDel(ctx, s.makeKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("take", err)
	}
	return val, nil
}

// SlidingWindow runs the window script against a sorted set of request
// timestamps.
func (s *RedisStore) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (*domain.WindowResult, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
	ttl := (window + windowTTLBuffer).Milliseconds()

	vals, err := slidingWindowScript.Run(ctx, s.client, []string{s.makeKey(key)},
		nowMs, window.Milliseconds(), limit, member, ttl).Int64Slice()
	if err != nil {
		return nil, s.fail("sliding_window", err)
	}
	if len(vals) != 3 {
		return nil, s.fail("sliding_window", fmt.Errorf("unexpected script reply of length %d", len(vals)))
	}

	return &domain.WindowResult{
		Allowed: vals[0] == 1,
		Count:   vals[1],
		Oldest:  time.UnixMilli(vals[2]),
	}, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.fail("ping", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) makeKey(key string) string {
	return namespaced(s.namespace, key)
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RedisStore) fail(op string, err error) error {
	metrics.StoreErrors.WithLabelValues("redis", op).Inc()
	return unavailable(err)
}
