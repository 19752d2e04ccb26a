// Package archive holds the Pareto frontier (a multi-objective
// non-dominated set over quality/neg_cost/tokens) and the Quality-Diversity
// grid (a discretized behavioral-descriptor space, at most one occupant per
// cell). Both structures are protected by a single mutex so that, within
// one island, Archive insertions are serialized and Pareto/QD updates are
// linearizable — the ordering guarantee the specification requires.
package archive

import (
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/jihwankim/promptevo/internal/domain"
	"github.com/jihwankim/promptevo/internal/fingerprint"
)

// utilityDirection reports whether higher raw values are better for an
// objective. Tokens counts as negative utility per the specification: fewer
// tokens is better, so it is not maximized like quality and neg_cost are.
var utilityDirection = map[string]bool{
	"quality":  true,
	"neg_cost": true,
	"tokens":   false,
}

func utility(objective string, value float64) float64 {
	if utilityDirection[objective] {
		return value
	}
	return -value
}

// dominates reports whether a dominates b: at least as good on every
// objective, strictly better on at least one.
func dominates(a, b map[string]float64) bool {
	strictlyBetter := false
	for _, obj := range domain.RequiredObjectives {
		ua, ub := utility(obj, a[obj]), utility(obj, b[obj])
		if ua < ub {
			return false
		}
		if ua > ub {
			strictlyBetter = true
		}
	}
	return strictlyBetter
}

// Entry is a candidate plus its highest-rung ShardResult, its QD-bin
// coordinates, and a materialized (not authoritative) dominated flag.
type Entry struct {
	Candidate domain.Candidate
	Result    domain.ShardResult
	Bin       Bin
	Dominated bool
}

// QDConfig parameterizes the behavioral-descriptor discretization.
type QDConfig struct {
	LengthBins  int
	BulletBins  int
	MaxTokens   int
	Flags       []FlagDetector
}

// FlagDetector is one boolean feature flag over candidate text.
type FlagDetector struct {
	Name  string
	Check func(text string) bool
}

var bulletLine = regexp.MustCompile(`(?m)^\s*([-*•]|\d+[.)])\s`)

// DefaultFlags is the specification's fixed 3-flag set: worked example
// present, explicit numbered structure present, explicit output-format
// instruction present.
func DefaultFlags() []FlagDetector {
	return []FlagDetector{
		{Name: "has_example", Check: func(t string) bool {
			return strings.Contains(strings.ToLower(t), "example")
		}},
		{Name: "has_numbered_steps", Check: func(t string) bool {
			return regexp.MustCompile(`(?m)^\s*\d+[.)]\s`).MatchString(t)
		}},
		{Name: "has_format_instruction", Check: func(t string) bool {
			lower := strings.ToLower(t)
			return strings.Contains(lower, "format:") || strings.Contains(lower, "respond in")
		}},
	}
}

// DefaultQDConfig returns the specification's default bin counts with the
// default flag set.
func DefaultQDConfig(maxTokens int) QDConfig {
	return QDConfig{LengthBins: 8, BulletBins: 6, MaxTokens: maxTokens, Flags: DefaultFlags()}
}

// Bin is the discrete coordinate a candidate maps to.
type Bin struct {
	Length int
	Bullet int
	Flags  uint64 // bitset packed into a uint64; 2^|F| is small by construction
}

func bucket(value, bins, max int) int {
	if max <= 0 || bins <= 1 {
		return 0
	}
	b := value * bins / max
	if b >= bins {
		b = bins - 1
	}
	if b < 0 {
		b = 0
	}
	return b
}

// BinOf computes the QD coordinate for a candidate given cfg.
func BinOf(candidate domain.Candidate, cfg QDConfig) Bin {
	bulletCount := len(bulletLine.FindAllString(candidate.Text, -1))
	flagBits := bitset.New(uint(len(cfg.Flags)))
	for i, f := range cfg.Flags {
		if f.Check(candidate.Text) {
			flagBits.Set(uint(i))
		}
	}
	packed := uint64(0)
	for i := 0; i < len(cfg.Flags) && i < 64; i++ {
		if flagBits.Test(uint(i)) {
			packed |= 1 << uint(i)
		}
	}
	return Bin{
		Length: bucket(candidate.TokenEstimate, cfg.LengthBins, cfg.MaxTokens),
		Bullet: bucket(bulletCount, cfg.BulletBins, cfg.BulletBins*4),
		Flags:  packed,
	}
}

// Archive holds the Pareto frontier and the QD grid.
type Archive struct {
	mu     sync.Mutex
	cfg    QDConfig
	objective string

	frontier map[fingerprint.Fingerprint]Entry
	qd       map[Bin]Entry
}

// New builds an empty Archive. promoteObjective names the scalar used for
// QD replacement comparisons.
func New(cfg QDConfig, promoteObjective string) *Archive {
	return &Archive{
		cfg:       cfg,
		objective: promoteObjective,
		frontier:  make(map[fingerprint.Fingerprint]Entry),
		qd:        make(map[Bin]Entry),
	}
}

// Insert admits one FullyEvaluated candidate into the archive, updating
// the Pareto frontier and attempting the QD grid. Returns whether the
// candidate entered the Pareto frontier and whether it entered/replaced a
// QD bin.
func (a *Archive) Insert(candidate domain.Candidate, result domain.ShardResult) (paretoInserted, qdInserted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	paretoInserted = a.insertPareto(candidate, result)

	bin := BinOf(candidate, a.cfg)
	incumbent, occupied := a.qd[bin]
	score := result.Promotion(a.objective)
	if !occupied || score > incumbent.Result.Promotion(a.objective) {
		a.qd[bin] = Entry{Candidate: candidate, Result: result, Bin: bin}
		qdInserted = true
	}
	return paretoInserted, qdInserted
}

func (a *Archive) insertPareto(candidate domain.Candidate, result domain.ShardResult) bool {
	for fp, existing := range a.frontier {
		if dominates(existing.Result.Means, result.Means) {
			return false // an incumbent dominates the newcomer: reject
		}
		if dominates(result.Means, existing.Result.Means) {
			delete(a.frontier, fp) // newcomer dominates an incumbent: remove it
		}
	}
	a.frontier[candidate.Fingerprint] = Entry{Candidate: candidate, Result: result, Bin: BinOf(candidate, a.cfg)}
	return true
}

// ParetoCandidates returns a snapshot of the Pareto frontier, sorted by
// fingerprint for deterministic iteration.
func (a *Archive) ParetoCandidates() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, 0, len(a.frontier))
	for _, e := range a.frontier {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Candidate.Fingerprint < out[j].Candidate.Fingerprint })
	return out
}

// QDEntries returns a snapshot of all populated QD bins.
func (a *Archive) QDEntries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, 0, len(a.qd))
	for _, e := range a.qd {
		out = append(out, e)
	}
	return out
}

// QDPopulatedBins reports the number of occupied QD cells.
func (a *Archive) QDPopulatedBins() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.qd)
}

// ParetoSize reports the current frontier size.
func (a *Archive) ParetoSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.frontier)
}

// Contains reports whether fp is present in the Pareto frontier, used by
// the Mutator/Migration dedup check against the Archive.
func (a *Archive) Contains(fp fingerprint.Fingerprint) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.frontier[fp]
	return ok
}

// SampleQD returns up to k entries drawn from the QD grid, weighted toward
// underpopulated regions (bins whose length bucket is shared by few other
// occupants are given proportionally more weight) so that elites from
// sparsely explored behavioral regions surface more often than ones from
// crowded, over-sampled regions. rng is caller-supplied so callers can seed
// it deterministically (e.g. via internal/sampler).
func (a *Archive) SampleQD(k int, rng *rand.Rand) []Entry {
	entries := a.QDEntries()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Candidate.Fingerprint < entries[j].Candidate.Fingerprint
	})
	if k <= 0 || len(entries) == 0 {
		return nil
	}
	if k > len(entries) {
		k = len(entries)
	}

	densityByLength := make(map[int]int, len(entries))
	for _, e := range entries {
		densityByLength[e.Bin.Length]++
	}
	weights := make([]int, len(entries))
	for i, e := range entries {
		weights[i] = len(entries) - densityByLength[e.Bin.Length] + 1 // inverse density, floor 1
	}

	picked := make([]Entry, 0, k)
	remaining := append([]Entry(nil), entries...)
	remainingWeights := append([]int(nil), weights...)
	for len(picked) < k && len(remaining) > 0 {
		total := 0
		for _, w := range remainingWeights {
			total += w
		}
		r := rng.Intn(total)
		idx := 0
		for i, w := range remainingWeights {
			r -= w
			if r < 0 {
				idx = i
				break
			}
		}
		picked = append(picked, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		remainingWeights = append(remainingWeights[:idx], remainingWeights[idx+1:]...)
	}
	return picked
}
