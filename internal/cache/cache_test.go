package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/jihwankim/promptevo/internal/domain"
	"github.com/jihwankim/promptevo/internal/fingerprint"
)

func TestPutThenGetRoundTrips(t *testing.T) {
	c, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key := fingerprint.OfEval(domain.New("hello", domain.OriginSeed, 3).Fingerprint, "ex-1", 1)
	result := domain.EvaluationResult{
		Objectives: map[string]float64{"quality": 0.8, "neg_cost": -0.1, "tokens": 42},
		Trace:      []byte("trace payload"),
	}
	if err := c.Put(key, result); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if !got.Equal(result) {
		t.Fatalf("expected round-tripped result to equal original, got %+v", got)
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	c, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key := fingerprint.OfEval(domain.New("absent", domain.OriginSeed, 1).Fingerprint, "ex-1", 1)
	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestPutEqualValueIsNoOp(t *testing.T) {
	c, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key := fingerprint.OfEval(domain.New("dup", domain.OriginSeed, 1).Fingerprint, "ex-1", 1)
	result := domain.EvaluationResult{Objectives: map[string]float64{"quality": 1}}
	if err := c.Put(key, result); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Put(key, result); err != nil {
		t.Fatalf("expected equal re-put to be a no-op, got %v", err)
	}
}

func TestPutConflictingValueIsRejected(t *testing.T) {
	c, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key := fingerprint.OfEval(domain.New("conflict", domain.OriginSeed, 1).Fingerprint, "ex-1", 1)
	first := domain.EvaluationResult{Objectives: map[string]float64{"quality": 1}}
	second := domain.EvaluationResult{Objectives: map[string]float64{"quality": 0}}
	if err := c.Put(key, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Put(key, second); err == nil {
		t.Fatal("expected conflicting re-put to be rejected")
	}
}

func TestWarmRateReflectsHitsAndMisses(t *testing.T) {
	c, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key := fingerprint.OfEval(domain.New("warm", domain.OriginSeed, 1).Fingerprint, "ex-1", 1)
	c.Get(key) // miss
	if err := c.Put(key, domain.EvaluationResult{Objectives: map[string]float64{"quality": 1}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Get(key) // hit
	c.Get(key) // hit
	if rate := c.WarmRate(); rate < 0.6 || rate > 0.7 {
		t.Fatalf("expected warm rate around 2/3, got %v", rate)
	}
}

func TestInspectCountsWrittenEntries(t *testing.T) {
	c, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 3; i++ {
		key := fingerprint.OfEval(domain.New("entry", domain.OriginSeed, 1).Fingerprint, fmt.Sprintf("ex-%d", i), 1)
		if err := c.Put(key, domain.EvaluationResult{Objectives: map[string]float64{"quality": 1}}); err != nil {
			t.Fatalf("unexpected put error: %v", err)
		}
	}
	stats, err := c.Inspect()
	if err != nil {
		t.Fatalf("unexpected inspect error: %v", err)
	}
	if stats.Entries != 3 {
		t.Fatalf("expected 3 entries, got %d", stats.Entries)
	}
	if stats.TotalSize <= 0 {
		t.Fatalf("expected a positive total size, got %d", stats.TotalSize)
	}
}

func TestGCRemovesNothingWithinWindow(t *testing.T) {
	c, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key := fingerprint.OfEval(domain.New("fresh", domain.OriginSeed, 1).Fingerprint, "ex-1", 1)
	if err := c.Put(key, domain.EvaluationResult{Objectives: map[string]float64{"quality": 1}}); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	removed, err := c.GC(24 * time.Hour)
	if err != nil {
		t.Fatalf("unexpected gc error: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected nothing removed within the window, got %d", removed)
	}
	stats, err := c.Inspect()
	if err != nil {
		t.Fatalf("unexpected inspect error: %v", err)
	}
	if stats.Entries != 1 {
		t.Fatalf("expected the fresh entry to survive gc, got %d entries", stats.Entries)
	}
}
