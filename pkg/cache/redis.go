package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/logger"
)

// RedisStore is a Redis-backed Store implementation.
type RedisStore struct {
	client *redis.Client
	log    *logger.Logger

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg config.RedisConfig, log *logger.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	opts.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info("cache backend: redis", "addr", opts.Addr)
	return &RedisStore{client: client, log: log}, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Get retrieves a value. A miss returns (nil, nil).
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		s.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		s.misses.Add(1)
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	s.hits.Add(1)
	return val, nil
}

// Set stores a value with the given TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	s.sets.Add(1)
	return nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	s.deletes.Add(1)
	return nil
}

// DeleteByPrefix removes all keys with the given prefix using SCAN so the
// server is never blocked by a KEYS call.
func (s *RedisStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	// Prefix scans may touch many keys; allow more than one op budget.
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	removed := 0
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	batch := make([]string, 0, 100)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis del failed: %w", err)
		}
		removed += len(batch)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis scan failed: %w", err)
	}
	if err := flush(); err != nil {
		return removed, err
	}

	s.deletes.Add(int64(removed))
	return removed, nil
}

// Incr increments a counter, setting its TTL on first increment.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incr failed: %w", err)
	}
	return incr.Val(), nil
}

// RateLimitCheck increments the window counter for key and reports whether
// the request is allowed.
func (s *RedisStore) RateLimitCheck(ctx context.Context, key string, maxRequests int, window time.Duration) (*RateLimitResult, error) {
	count, err := s.Incr(ctx, key, window)
	if err != nil {
		return nil, err
	}

	ttlCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	resetAt := time.Now().Add(window)
	if ttl, err := s.client.TTL(ttlCtx, key).Result(); err == nil && ttl > 0 {
		resetAt = time.Now().Add(ttl)
	}

	remaining := int64(maxRequests) - count
	if remaining < 0 {
		remaining = 0
	}

	return &RateLimitResult{
		Allowed:   count <= int64(maxRequests),
		Count:     count,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Health pings the backend.
func (s *RedisStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Stats returns cache statistics.
func (s *RedisStore) Stats() *Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return &Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    s.sets.Load(),
		Deletes: s.deletes.Load(),
		HitRate: hitRate,
	}
}
