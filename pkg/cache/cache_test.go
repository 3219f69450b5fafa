package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestJudgmentKey(t *testing.T) {
	rulesetID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	key := JudgmentKey("acme", rulesetID, "abc123")

	expected := "judgment:acme:11111111-1111-1111-1111-111111111111:abc123"
	if key != expected {
		t.Errorf("expected %q, got %q", expected, key)
	}
}

func TestJudgmentPrefix_CoversKey(t *testing.T) {
	rulesetID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	key := JudgmentKey("acme", rulesetID, "deadbeef")
	prefix := JudgmentPrefix("acme", rulesetID)

	if len(prefix) >= len(key) || key[:len(prefix)] != prefix {
		t.Errorf("prefix %q does not cover key %q", prefix, key)
	}
}

func TestInputHash_KeyOrderIndependent(t *testing.T) {
	a := json.RawMessage(`{"temperature": 87.5, "line": "L1"}`)
	b := json.RawMessage(`{"line":"L1","temperature":87.5}`)

	ha, err := InputHash(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hb, err := InputHash(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ha != hb {
		t.Errorf("equivalent inputs hash differently: %q vs %q", ha, hb)
	}
	if len(ha) != 32 {
		t.Errorf("expected hash length 32, got %d", len(ha))
	}
}

func TestInputHash_DifferentInputs(t *testing.T) {
	h1, err := InputHash(json.RawMessage(`{"line":"L1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := InputHash(json.RawMessage(`{"line":"L2"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if h1 == h2 {
		t.Error("different inputs should produce different hashes")
	}
}

func TestInputHash_InvalidJSON(t *testing.T) {
	if _, err := InputHash(json.RawMessage(`{not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestMemoryStore_GetSet(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	// Miss on empty store
	val, err := s.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != nil {
		t.Error("expected nil on miss")
	}

	if err := s.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	val, err = s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(val) != "v1" {
		t.Errorf("expected %q, got %q", "v1", string(val))
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	if err := s.Set(ctx, "k1", []byte("v1"), 10*time.Millisecond); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	val, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != nil {
		t.Error("expected expired entry to miss")
	}
}

func TestMemoryStore_DeleteByPrefix(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	rulesetID := uuid.New()
	otherID := uuid.New()

	_ = s.Set(ctx, JudgmentKey("acme", rulesetID, "h1"), []byte("a"), time.Minute)
	_ = s.Set(ctx, JudgmentKey("acme", rulesetID, "h2"), []byte("b"), time.Minute)
	_ = s.Set(ctx, JudgmentKey("acme", otherID, "h3"), []byte("c"), time.Minute)

	removed, err := s.DeleteByPrefix(ctx, JudgmentPrefix("acme", rulesetID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}

	// Unrelated ruleset untouched
	val, _ := s.Get(ctx, JudgmentKey("acme", otherID, "h3"))
	if val == nil {
		t.Error("unrelated entry should survive prefix delete")
	}
}

func TestMemoryStore_Incr(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := s.Incr(ctx, "counter", time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != int64(i) {
			t.Errorf("expected %d, got %d", i, n)
		}
	}
}

func TestMemoryStore_IncrResetAfterExpiry(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	if _, err := s.Incr(ctx, "counter", 10*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	n, err := s.Incr(ctx, "counter", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected counter reset to 1 after expiry, got %d", n)
	}
}

func TestMemoryStore_RateLimit(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	key := RateLimitKey("acme", "/judgment/execute")

	for i := 0; i < 3; i++ {
		res, err := s.RateLimitCheck(ctx, key, 3, time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	res, err := s.RateLimitCheck(ctx, key, 3, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Error("4th request should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", res.Remaining)
	}
}

func TestMemoryStore_Eviction(t *testing.T) {
	s := NewMemoryStore(&MemoryStoreConfig{MaxEntries: 2})
	ctx := context.Background()

	_ = s.Set(ctx, "k1", []byte("a"), time.Minute)
	time.Sleep(time.Millisecond)
	_ = s.Set(ctx, "k2", []byte("b"), time.Minute)
	time.Sleep(time.Millisecond)
	_ = s.Set(ctx, "k3", []byte("c"), time.Minute)

	if s.Size() != 2 {
		t.Errorf("expected size 2 after eviction, got %d", s.Size())
	}

	// Oldest entry evicted
	val, _ := s.Get(ctx, "k1")
	if val != nil {
		t.Error("expected oldest entry evicted")
	}
}

func TestMemoryStore_Stats(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	_ = s.Set(ctx, "k1", []byte("a"), time.Minute)
	_, _ = s.Get(ctx, "k1")
	_, _ = s.Get(ctx, "missing")

	stats := s.Stats()
	if stats.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("expected hit rate 0.5, got %f", stats.HitRate)
	}
}
