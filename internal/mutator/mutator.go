// Package mutator produces offspring candidates from parents selected by
// the Orchestrator: a fixed library of deterministic rule-based text edits,
// reflection-oracle calls batching recent failure traces, and periodic
// merges of Pareto elites. It generalizes the teacher's fault-injection
// dispatch shape — a small registry of named operators chosen by weighted
// probability — from network/container faults to text transformations.
package mutator

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/jihwankim/promptevo/internal/domain"
	"github.com/jihwankim/promptevo/internal/fingerprint"
)

// ReflectionOracle proposes candidate texts given a parent's recent failure
// traces. It returns zero or more candidate texts.
type ReflectionOracle interface {
	Reflect(ctx context.Context, parentText string, failureTraces [][]byte) ([]string, error)
}

// DedupChecker reports whether a fingerprint is already known, so offspring
// can be dropped instead of re-raced. Cache and Archive both implement the
// shape this interface needs.
type DedupChecker interface {
	Contains(fp fingerprint.Fingerprint) bool
}

// Config tunes operator mix and budgets.
type Config struct {
	AmortizedRate       float64 // probability of a rule-based edit vs. reflection
	ReflectionBatchSize int
	MaxMutationsPerRound int
	MergeUpliftMin      float64
}

// Mutator produces offspring candidates.
type Mutator struct {
	cfg     Config
	oracle  ReflectionOracle
	rules   []RuleEdit
}

// RuleEdit is one named, deterministic local text transformation.
type RuleEdit struct {
	Name  string
	Apply func(rng *rand.Rand, text string) string
}

// New builds a Mutator over the given reflection oracle (nil is valid: the
// reflection operator becomes a no-op, rule-based edits still fire).
func New(cfg Config, oracle ReflectionOracle) *Mutator {
	return &Mutator{cfg: cfg, oracle: oracle, rules: DefaultRuleEdits()}
}

// DefaultRuleEdits is the fixed library of rule-based transformations: trim,
// bulletize, reorder, header insertion.
func DefaultRuleEdits() []RuleEdit {
	return []RuleEdit{
		{Name: "trim", Apply: trimEdit},
		{Name: "bulletize", Apply: bulletizeEdit},
		{Name: "reorder", Apply: reorderEdit},
		{Name: "header_insertion", Apply: headerInsertionEdit},
	}
}

func trimEdit(_ *rand.Rand, text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n")
}

func bulletizeEdit(_ *rand.Rand, text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if strings.HasPrefix(l, "-") {
			out = append(out, l)
			continue
		}
		out = append(out, "- "+l)
	}
	return strings.Join(out, "\n")
}

func reorderEdit(rng *rand.Rand, text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) < 2 {
		return text
	}
	rng.Shuffle(len(lines), func(i, j int) { lines[i], lines[j] = lines[j], lines[i] })
	return strings.Join(lines, "\n")
}

func headerInsertionEdit(_ *rand.Rand, text string) string {
	return "Instructions:\n" + text
}

// MutateRuleBased applies a deterministic, seeded rule-based edit drawn
// from the fixed library, tagging the resulting Candidate with its origin
// and parent fingerprint.
func (m *Mutator) MutateRuleBased(seed int64, parent domain.Candidate) domain.Candidate {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec
	rule := m.rules[rng.Intn(len(m.rules))]
	text := rule.Apply(rng, parent.Text)
	return domain.New(text, domain.OriginRuleEdit, estimateTokens(text), parent.Fingerprint)
}

// MutateReflection batches up to ReflectionBatchSize failure traces from
// the parent's most recent ShardResult and invokes the reflection oracle,
// returning zero or more offspring Candidates tagged OriginReflection.
func (m *Mutator) MutateReflection(ctx context.Context, parent domain.Candidate, shard domain.ShardResult) ([]domain.Candidate, error) {
	if m.oracle == nil {
		return nil, nil
	}
	traces := shard.FailureTraces
	if len(traces) > m.cfg.ReflectionBatchSize {
		traces = traces[:m.cfg.ReflectionBatchSize]
	}
	texts, err := m.oracle.Reflect(ctx, parent.Text, traces)
	if err != nil {
		return nil, fmt.Errorf("reflection oracle failed: %w", err)
	}
	offspring := make([]domain.Candidate, 0, len(texts))
	for _, text := range texts {
		offspring = append(offspring, domain.New(text, domain.OriginReflection, estimateTokens(text), parent.Fingerprint))
	}
	return offspring, nil
}

// Merge combines two Pareto elites into a single candidate by interleaving
// their lines (dropping repeated lines), deterministic given seed. The caller is
// responsible for validating the merged candidate against
// merge_uplift_min before admission — Merge only proposes.
func (m *Mutator) Merge(seed int64, a, b domain.Candidate) domain.Candidate {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec
	linesA := strings.Split(strings.TrimSpace(a.Text), "\n")
	linesB := strings.Split(strings.TrimSpace(b.Text), "\n")
	aFirst := rng.Intn(2) == 0
	merged := make([]string, 0, len(linesA)+len(linesB))
	seen := make(map[string]bool, len(linesA)+len(linesB))
	add := func(line string) {
		if !seen[line] {
			merged = append(merged, line)
			seen[line] = true
		}
	}
	for i := 0; i < len(linesA) || i < len(linesB); i++ {
		first, second := linesA, linesB
		if !aFirst {
			first, second = linesB, linesA
		}
		if i < len(first) {
			add(first[i])
		}
		if i < len(second) {
			add(second[i])
		}
	}
	text := strings.Join(merged, "\n")
	return domain.New(text, domain.OriginMerge, estimateTokens(text), a.Fingerprint, b.Fingerprint)
}

// AcceptMerge reports whether a merged candidate's top-shard quality beats
// the better of its two parents by at least merge_uplift_min.
func (m *Mutator) AcceptMerge(mergedQuality, parentAQuality, parentBQuality float64) bool {
	better := parentAQuality
	if parentBQuality > better {
		better = parentBQuality
	}
	return mergedQuality-better >= m.cfg.MergeUpliftMin
}

// Dedup filters offspring whose fingerprint is already known to cache or
// archive — duplicates are dropped, not re-raced.
func Dedup(offspring []domain.Candidate, cache, archive DedupChecker) []domain.Candidate {
	out := make([]domain.Candidate, 0, len(offspring))
	for _, c := range offspring {
		if cache.Contains(c.Fingerprint) || archive.Contains(c.Fingerprint) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// ChooseOperator picks rule-based edit vs. reflection by amortized_rate.
func (m *Mutator) ChooseOperator(rng *rand.Rand) string {
	if rng.Float64() < m.cfg.AmortizedRate {
		return "rule_edit"
	}
	return "reflection"
}

func estimateTokens(text string) int {
	return len(strings.Fields(text))
}
