// Package cache provides the TTL key/value store backing judgment results
// and rate-limit counters. Backends are pluggable: in-memory for
// development, Redis for production. Callers treat every cache failure as
// a miss; correctness never depends on cache contents.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/logger"
)

// opTimeout bounds every backend round-trip.
const opTimeout = 100 * time.Millisecond

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the cache operations the core depends on.
type Store interface {
	// Get retrieves a value. A miss returns (nil, nil).
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// DeleteByPrefix removes all keys with the given prefix and returns
	// how many were removed.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// Incr increments a counter, setting its TTL on first increment.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// RateLimitCheck increments the counter for key and reports whether
	// the request is within maxRequests per window.
	RateLimitCheck(ctx context.Context, key string, maxRequests int, window time.Duration) (*RateLimitResult, error)

	// Health checks backend availability.
	Health(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() *Stats
}

// RateLimitResult is the outcome of a rate-limit check.
type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Count     int64     `json:"count"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Stats contains cache statistics.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	HitRate float64 `json:"hit_rate"`
}

// New selects the backend from configuration: Redis when a URL is set,
// in-memory otherwise.
func New(cfg config.RedisConfig, log *logger.Logger) (Store, error) {
	if cfg.URL == "" {
		log.Info("cache backend: in-memory")
		return NewMemoryStore(nil), nil
	}
	return NewRedisStore(cfg, log)
}

// =============================================================================
// Judgment Cache Entries
// =============================================================================

// JudgmentEntry is the payload stored for a cached judgment result.
type JudgmentEntry struct {
	Result     json.RawMessage `json:"result"`
	Confidence float64         `json:"confidence"`
	CachedAt   time.Time       `json:"cached_at"`
	InputHash  string          `json:"input_hash"`
	RulesetID  string          `json:"ruleset_id"`
}

// JudgmentKey builds the cache key for one judgment input.
func JudgmentKey(tenantID string, rulesetID uuid.UUID, inputHash string) string {
	return fmt.Sprintf("judgment:%s:%s:%s", tenantID, rulesetID.String(), inputHash)
}

// JudgmentPrefix is the invalidation prefix covering every cached judgment
// of one ruleset.
func JudgmentPrefix(tenantID string, rulesetID uuid.UUID) string {
	return fmt.Sprintf("judgment:%s:%s:", tenantID, rulesetID.String())
}

// RateLimitKey builds the counter key for tenant+endpoint flow control.
func RateLimitKey(tenantID, endpoint string) string {
	return fmt.Sprintf("ratelimit:%s:%s", tenantID, endpoint)
}

// InputHash computes the stable hash of a judgment input: sha256 over the
// canonical JSON form, truncated to 32 hex chars. Equivalent inputs that
// differ only in key order hash identically.
func InputHash(input json.RawMessage) (string, error) {
	canonical, err := CanonicalJSON(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:32], nil
}

// CanonicalJSON re-encodes raw JSON with object keys sorted and
// insignificant whitespace removed.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON input: %w", err)
	}
	// encoding/json sorts map keys on marshal
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize failed: %w", err)
	}
	return out, nil
}
