package migration

import (
	"path/filepath"
	"testing"

	"github.com/jihwankim/promptevo/internal/domain"
	"github.com/jihwankim/promptevo/internal/fingerprint"
)

func TestRingNextWraps(t *testing.T) {
	if got := RingNext(0, 3); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := RingNext(2, 3); got != 0 {
		t.Fatalf("expected wraparound to 0, got %d", got)
	}
	if got := RingNext(0, 1); got != 0 {
		t.Fatalf("expected self-loop for n_islands=1, got %d", got)
	}
}

func TestPushThenDrainRoundTrips(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewTransport(dir, 10)
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	c := domain.New("migrant text", domain.OriginSeed, 3)
	envs := []Envelope{{Candidate: c, Objectives: map[string]float64{"quality": 0.9}}}

	if err := tr.Push("1", envs); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	drained, err := tr.Drain("1")
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(drained) != 1 || drained[0].Candidate.Fingerprint != c.Fingerprint {
		t.Fatalf("expected 1 migrant with matching fingerprint, got %v", drained)
	}
	if drained[0].HopCount != 1 {
		t.Fatalf("expected hop count incremented to 1, got %d", drained[0].HopCount)
	}

	again, err := tr.Drain("1")
	if err != nil {
		t.Fatalf("second Drain failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected inbox empty after drain, got %v", again)
	}
}

func TestPushDropsOldestWhenQueueFull(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewTransport(dir, 2)
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	first := domain.New("first", domain.OriginSeed, 1)
	second := domain.New("second", domain.OriginSeed, 1)
	third := domain.New("third", domain.OriginSeed, 1)

	if err := tr.Push("1", []Envelope{{Candidate: first}}); err != nil {
		t.Fatalf("push 1 failed: %v", err)
	}
	if err := tr.Push("1", []Envelope{{Candidate: second}}); err != nil {
		t.Fatalf("push 2 failed: %v", err)
	}
	if err := tr.Push("1", []Envelope{{Candidate: third}}); err != nil {
		t.Fatalf("push 3 failed: %v", err)
	}

	drained, err := tr.Drain("1")
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(drained) != 2 {
		t.Fatalf("expected queue bounded at 2, got %d", len(drained))
	}
	for _, e := range drained {
		if e.Candidate.Fingerprint == first.Fingerprint {
			t.Fatal("expected oldest migrant to be dropped")
		}
	}
}

func TestDrainOnEmptyInboxReturnsNilWithoutError(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewTransport(dir, 5)
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	drained, err := tr.Drain("nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if drained != nil {
		t.Fatalf("expected nil, got %v", drained)
	}
}

type fakeDedupChecker struct {
	known map[fingerprint.Fingerprint]bool
}

func (f *fakeDedupChecker) Contains(fp fingerprint.Fingerprint) bool { return f.known[fp] }

func TestDedupAdmitDropsKnownAndDuplicateFingerprints(t *testing.T) {
	known := domain.New("already known", domain.OriginSeed, 2)
	fresh := domain.New("brand new", domain.OriginSeed, 2)
	cache := &fakeDedupChecker{known: map[fingerprint.Fingerprint]bool{known.Fingerprint: true}}
	archive := &fakeDedupChecker{known: map[fingerprint.Fingerprint]bool{}}

	migrants := []Envelope{
		{Candidate: known},
		{Candidate: fresh},
		{Candidate: fresh}, // duplicate within the same batch
	}
	out := DedupAdmit(migrants, cache, archive)
	if len(out) != 1 || out[0].Fingerprint != fresh.Fingerprint {
		t.Fatalf("expected only the fresh candidate once, got %v", out)
	}
	if out[0].Origin != domain.OriginMigrant {
		t.Fatalf("expected OriginMigrant tag, got %v", out[0].Origin)
	}
}

func TestNewTransportCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "migration")
	if _, err := NewTransport(dir, 5); err != nil {
		t.Fatalf("expected NewTransport to create nested directory, got %v", err)
	}
}
