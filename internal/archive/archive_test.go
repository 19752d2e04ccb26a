package archive

import (
	"math/rand"
	"testing"

	"github.com/jihwankim/promptevo/internal/domain"
)

func resultOf(quality, negCost, tokens float64) domain.ShardResult {
	return domain.ShardResult{
		Means: map[string]float64{"quality": quality, "neg_cost": negCost, "tokens": tokens},
		Count: 1,
	}
}

func TestInsertDominatedCandidateRejectedFromPareto(t *testing.T) {
	a := New(DefaultQDConfig(2048), "quality")
	strong := domain.New("strong candidate", domain.OriginSeed, 10)
	weak := domain.New("weak candidate text that differs", domain.OriginSeed, 10)

	if inserted, _ := a.Insert(strong, resultOf(0.9, -0.1, 50)); !inserted {
		t.Fatal("expected first candidate to enter the frontier")
	}
	inserted, _ := a.Insert(weak, resultOf(0.5, -0.5, 100))
	if inserted {
		t.Fatal("expected dominated candidate to be rejected from the frontier")
	}
	if a.ParetoSize() != 1 {
		t.Fatalf("expected frontier size 1, got %d", a.ParetoSize())
	}
}

func TestInsertRemovesDominatedIncumbent(t *testing.T) {
	a := New(DefaultQDConfig(2048), "quality")
	weak := domain.New("weak one", domain.OriginSeed, 10)
	strong := domain.New("strictly better one", domain.OriginSeed, 10)

	a.Insert(weak, resultOf(0.5, -0.5, 100))
	inserted, _ := a.Insert(strong, resultOf(0.9, -0.1, 50))
	if !inserted {
		t.Fatal("expected strictly-better candidate to enter the frontier")
	}
	if a.Contains(weak.Fingerprint) {
		t.Fatal("expected dominated incumbent to be removed")
	}
	if a.ParetoSize() != 1 {
		t.Fatalf("expected frontier size 1 after replacement, got %d", a.ParetoSize())
	}
}

func TestInsertKeepsNonDominatedTradeoffs(t *testing.T) {
	a := New(DefaultQDConfig(2048), "quality")
	cheap := domain.New("cheap but lower quality", domain.OriginSeed, 10)
	premium := domain.New("premium higher quality text", domain.OriginSeed, 10)

	a.Insert(cheap, resultOf(0.4, -0.1, 20))
	a.Insert(premium, resultOf(0.95, -0.9, 200))
	if a.ParetoSize() != 2 {
		t.Fatalf("expected both non-dominated tradeoffs to coexist, got size %d", a.ParetoSize())
	}
}

func TestQDReplacementRequiresStrictlyBetterScore(t *testing.T) {
	cfg := QDConfig{LengthBins: 1, BulletBins: 1, MaxTokens: 2048, Flags: nil}
	a := New(cfg, "quality")
	first := domain.New("first entrant in the sole bin", domain.OriginSeed, 10)
	tie := domain.New("a tie on score but different text", domain.OriginSeed, 10)

	_, qdIn := a.Insert(first, resultOf(0.7, -0.1, 10))
	if !qdIn {
		t.Fatal("expected first entrant to populate its bin")
	}
	_, qdIn = a.Insert(tie, resultOf(0.7, -0.1, 10))
	if qdIn {
		t.Fatal("expected a tie to leave the incumbent in place")
	}
	if a.QDPopulatedBins() != 1 {
		t.Fatalf("expected exactly one populated bin, got %d", a.QDPopulatedBins())
	}
}

func TestInsertPrunesCandidateDominatedByEarlierEntrant(t *testing.T) {
	a := New(DefaultQDConfig(2048), "quality")
	first := domain.New("first candidate text", domain.OriginSeed, 10)
	second := domain.New("second candidate text, pricier", domain.OriginSeed, 10)
	third := domain.New("third candidate text, dominated", domain.OriginSeed, 10)

	a.Insert(first, resultOf(0.8, -1, 10))
	a.Insert(second, resultOf(0.9, -2, 10))
	a.Insert(third, resultOf(0.7, -1, 10))

	if a.ParetoSize() != 2 {
		t.Fatalf("expected the (0.7,-1) candidate dominated by (0.8,-1) to be excluded, got size %d", a.ParetoSize())
	}
	if !a.Contains(first.Fingerprint) || !a.Contains(second.Fingerprint) {
		t.Fatal("expected both non-dominated tradeoffs (0.8,-1) and (0.9,-2) to survive")
	}
	if a.Contains(third.Fingerprint) {
		t.Fatal("expected (0.7,-1) to be excluded as dominated")
	}
}

func TestSampleQDNeverExceedsPopulation(t *testing.T) {
	a := New(DefaultQDConfig(2048), "quality")
	a.Insert(domain.New("one entry only", domain.OriginSeed, 5), resultOf(0.5, -0.1, 10))
	got := a.SampleQD(5, rand.New(rand.NewSource(1)))
	if len(got) != 1 {
		t.Fatalf("expected sample capped at population size 1, got %d", len(got))
	}
}

func TestSampleQDReturnsEmptyOnEmptyArchive(t *testing.T) {
	a := New(DefaultQDConfig(2048), "quality")
	if got := a.SampleQD(5, rand.New(rand.NewSource(1))); got != nil {
		t.Fatalf("expected nil sample on empty archive, got %v", got)
	}
}
