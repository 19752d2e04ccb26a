// Package sampler selects per-round example IDs for a shard. It generalizes
// the teacher's pkg/fuzz.Sampler — a seeded *rand.Rand producing
// near-threshold fault parameters — from fault-parameter sampling to
// example-ID sampling: the same rand.New(rand.NewSource(seed)) idiom, but
// the seed is now derived deterministically from (island, round) via the
// Fingerprint primitive so that two islands evaluating the same round never
// draw the same stream, and two runs of the same island/round always do.
package sampler

import (
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/jihwankim/promptevo/internal/fingerprint"
)

// SeedFor derives a reproducible RNG seed from an island identifier and a
// round number. Distinct islands never collide on the same stream because
// the island identifier is folded into the fingerprint before round mixing.
func SeedFor(islandID string, round int) int64 {
	fp := fingerprint.OfText(fmt.Sprintf("%s:%d", islandID, round))
	b := []byte(fp)
	return int64(binary.BigEndian.Uint64(b[:8])) //nolint:gosec
}

// Sampler holds a seeded RNG and draws example IDs for one shard.
type Sampler struct {
	rng *rand.Rand
}

// New creates a Sampler seeded with the given value.
func New(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))} //nolint:gosec
}

// ForRound creates a Sampler deterministically seeded for (islandID, round).
func ForRound(islandID string, round int) *Sampler {
	return New(SeedFor(islandID, round))
}

// shuffle returns a shuffled copy of ids using the sampler's RNG.
func (s *Sampler) shuffle(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	s.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Select draws n example IDs for one shard by blending three sources, in
// priority order: the stable coreset (always included, in full, up to n),
// the HardnessSet (examples that have previously produced failures or low
// scores, weighted toward resampling), and a uniform random draw from the
// remaining pool. The result is deduplicated and capped at n.
func (s *Sampler) Select(coreset []string, hardness *HardnessSet, pool []string, n int) []string {
	if n <= 0 {
		return nil
	}
	seen := make(map[string]bool, n)
	out := make([]string, 0, n)

	add := func(id string) bool {
		if seen[id] || len(out) >= n {
			return false
		}
		seen[id] = true
		out = append(out, id)
		return true
	}

	for _, id := range coreset {
		if len(out) >= n {
			return out
		}
		add(id)
	}

	if hardness != nil {
		hardSlots := (n - len(out) + 1) / 2 // up to half of the remaining budget
		for _, id := range hardness.Sample(s.rng, hardSlots) {
			if len(out) >= n {
				return out
			}
			add(id)
		}
	}

	for _, id := range s.shuffle(pool) {
		if len(out) >= n {
			break
		}
		add(id)
	}
	return out
}

// HardnessSet is a bounded reservoir of example IDs that have produced
// failures or low objective scores, following the teacher's fixed-capacity,
// index-wraparound slice idiom but replacing naive overwrite with
// Algorithm R reservoir sampling so that the most recent entries are not
// systematically favored as the stream grows past capacity.
type HardnessSet struct {
	capacity int
	items    []string
	seen     int
}

// NewHardnessSet creates an empty reservoir of the given capacity.
func NewHardnessSet(capacity int) *HardnessSet {
	if capacity < 1 {
		capacity = 1
	}
	return &HardnessSet{capacity: capacity, items: make([]string, 0, capacity)}
}

// Add offers one example ID to the reservoir. Below capacity it is always
// kept; at or above capacity it replaces a uniformly random existing slot
// with probability capacity/seen.
func (h *HardnessSet) Add(id string, rng *rand.Rand) {
	h.seen++
	if len(h.items) < h.capacity {
		h.items = append(h.items, id)
		return
	}
	j := rng.Intn(h.seen)
	if j < h.capacity {
		h.items[j] = id
	}
}

// Sample returns up to n example IDs drawn without replacement from the
// reservoir's current contents.
func (h *HardnessSet) Sample(rng *rand.Rand, n int) []string {
	if n <= 0 || len(h.items) == 0 {
		return nil
	}
	shuffled := make([]string, len(h.items))
	copy(shuffled, h.items)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	if n > len(shuffled) {
		n = len(shuffled)
	}
	return shuffled[:n]
}

// Len reports the current number of items held in the reservoir.
func (h *HardnessSet) Len() int { return len(h.items) }
