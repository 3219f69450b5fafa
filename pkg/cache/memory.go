package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// entry is an internal cache entry.
type entry struct {
	value     []byte
	counter   int64
	expiresAt time.Time
	createdAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryStore is an in-memory Store implementation.
// Suitable for development/testing or single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// Stats
	hits    int64
	misses  int64
	sets    int64
	deletes int64

	// Config
	maxEntries int
}

// MemoryStoreConfig configures the memory store.
type MemoryStoreConfig struct {
	// MaxEntries is the maximum number of cached entries.
	MaxEntries int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(config *MemoryStoreConfig) *MemoryStore {
	if config == nil {
		config = &MemoryStoreConfig{MaxEntries: 10000}
	}
	return &MemoryStore{
		entries:    make(map[string]*entry),
		maxEntries: config.MaxEntries,
	}
}

// Get retrieves a value. A miss returns (nil, nil).
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, nil
	}

	if e.expired(time.Now()) {
		delete(s.entries, key)
		s.misses++
		return nil, nil
	}

	s.hits++
	return e.value, nil
}

// Set stores a value with the given TTL.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= s.maxEntries {
		s.evictOldest()
	}

	now := time.Now()
	s.entries[key] = &entry{
		value:     value,
		expiresAt: now.Add(ttl),
		createdAt: now,
	}
	s.sets++
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	s.deletes++
	return nil
}

// DeleteByPrefix removes all keys with the given prefix.
func (s *MemoryStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
			removed++
		}
	}
	s.deletes += int64(removed)
	return removed, nil
}

// Incr increments a counter, setting its TTL on first increment.
func (s *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		s.entries[key] = &entry{
			counter:   1,
			expiresAt: now.Add(ttl),
			createdAt: now,
		}
		return 1, nil
	}

	e.counter++
	return e.counter, nil
}

// RateLimitCheck increments the window counter for key and reports whether
// the request is allowed.
func (s *MemoryStore) RateLimitCheck(ctx context.Context, key string, maxRequests int, window time.Duration) (*RateLimitResult, error) {
	count, err := s.Incr(ctx, key, window)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	resetAt := time.Now().Add(window)
	if e, ok := s.entries[key]; ok {
		resetAt = e.expiresAt
	}
	s.mu.RUnlock()

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

// Health always succeeds for the in-memory store.
func (s *MemoryStore) Health(ctx context.Context) error {
	return nil
}

// Stats returns cache statistics.
func (s *MemoryStore) Stats() *Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := s.hits + s.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(s.hits) / float64(total)
	}

	return &Stats{
		Hits:    s.hits,
		Misses:  s.misses,
		Sets:    s.sets,
		Deletes: s.deletes,
		HitRate: hitRate,
	}
}

// Size returns the number of cached entries.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear removes all entries.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
}

// evictOldest removes the oldest entry. Caller holds the lock.
func (s *MemoryStore) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for k, e := range s.entries {
		if oldestKey == "" || e.createdAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.createdAt
		}
	}

	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}
