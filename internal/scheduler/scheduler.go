// Package scheduler implements the ASHA (asynchronous successive halving)
// ladder: candidates race through monotonically larger shards, with each
// rung promoting a quantile of the cohort plus anyone clearing an absolute
// uplift bar, and pruning the rest. It generalizes the teacher's
// pkg/core/orchestrator state-machine idiom (a fixed sequence of named
// states, transitioned one at a time, with a terminal Failed/Completed
// pair) from a single linear test lifecycle to a per-candidate ladder with
// branching Promoted/Pruned/FullyEvaluated terminals.
package scheduler

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/jihwankim/promptevo/internal/domain"
)

// State mirrors the specification's per-candidate state machine:
// Admitted -> Racing(r) -> {Promoted(r+1) | Pruned(r) | FullyEvaluated}.
type State int

const (
	StateRacing State = iota
	StatePromoted
	StatePruned
	StateFullyEvaluated
)

func (s State) String() string {
	switch s {
	case StatePromoted:
		return "promoted"
	case StatePruned:
		return "pruned"
	case StateFullyEvaluated:
		return "fully_evaluated"
	default:
		return "racing"
	}
}

// Evaluator is the subset of internal/evaluator.Evaluator the scheduler
// needs: evaluate one candidate on one rung's example IDs.
type Evaluator interface {
	EvaluateShard(ctx context.Context, candidate domain.Candidate, exampleIDs []string, rung int) (domain.ShardResult, error)
}

// Entry is one candidate entering a round of racing at a given rung, along
// with the baseline mean its eps_improve uplift is measured against (its
// own previous rung for a continuing candidate, or its parent's final rung
// for a freshly admitted child — the caller decides which).
type Entry struct {
	Candidate domain.Candidate
	Rung      int
	PriorMean float64
	HasPrior  bool
}

// Outcome is one candidate's result after one round of racing.
type Outcome struct {
	Candidate domain.Candidate
	Rung      int
	Result    domain.ShardResult
	State     State
}

// Scheduler drives one rung of ASHA racing per call to RunRound.
type Scheduler struct {
	rungs            []domain.Rung
	cohortQuantile   float64 // fraction of the cohort PRUNED, per the configuration surface
	epsImprove       float64
	promoteObjective string
}

// New builds a Scheduler over the given rung ladder.
func New(rungs []domain.Rung, cohortQuantile, epsImprove float64, promoteObjective string) *Scheduler {
	return &Scheduler{
		rungs:            rungs,
		cohortQuantile:   cohortQuantile,
		epsImprove:       epsImprove,
		promoteObjective: promoteObjective,
	}
}

// NumRungs reports the length of the rung ladder.
func (s *Scheduler) NumRungs() int { return len(s.rungs) }

// RunRound evaluates every entry in the cohort on its current rung,
// computes the promotion cutoff over non-structurally-failed scores, and
// classifies each entry as Promoted, Pruned, or FullyEvaluated. All cohort
// results are observed before any promotion decision is made, so decisions
// within one call are linearizable with respect to each other.
func (s *Scheduler) RunRound(ctx context.Context, entries []Entry, eval Evaluator) ([]Outcome, error) {
	outcomes := make([]Outcome, len(entries))
	errs := make([]error, len(entries))

	var wg sync.WaitGroup
	for i, entry := range entries {
		i, entry := i, entry
		wg.Add(1)
		go func() {
			defer wg.Done()
			rung := s.rungs[entry.Rung]
			result, err := eval.EvaluateShard(ctx, entry.Candidate, rung.ExampleIDs, entry.Rung)
			outcomes[i] = Outcome{Candidate: entry.Candidate, Rung: entry.Rung, Result: result}
			errs[i] = err
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	isTopRung := func(r int) bool { return r == len(s.rungs)-1 }

	// scored carries the full tie-break key for the quantile cutoff: the
	// promotion-objective score first, then higher quality, then higher
	// neg_cost, then lower fingerprint lexicographically, so candidates
	// tied on score resolve to a strict total order instead of all
	// crossing the cutoff together.
	type scored struct {
		index       int
		score       float64
		quality     float64
		negCost     float64
		fingerprint string
	}
	var candidates []scored
	for i, o := range outcomes {
		if o.Result.StructuralFail {
			outcomes[i].State = StatePruned
			continue
		}
		candidates = append(candidates, scored{
			index:       i,
			score:       o.Result.Promotion(s.promoteObjective),
			quality:     o.Result.Promotion("quality"),
			negCost:     o.Result.Promotion("neg_cost"),
			fingerprint: string(entries[i].Candidate.Fingerprint),
		})
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		ca, cb := candidates[a], candidates[b]
		if ca.score != cb.score {
			return ca.score > cb.score
		}
		if ca.quality != cb.quality {
			return ca.quality > cb.quality
		}
		if ca.negCost != cb.negCost {
			return ca.negCost > cb.negCost
		}
		return ca.fingerprint < cb.fingerprint
	})

	n := len(candidates)
	promoteCount := int(math.Floor(float64(n) * (1 - s.cohortQuantile)))
	if promoteCount < 0 {
		promoteCount = 0
	}
	if promoteCount > n {
		promoteCount = n
	}

	for rank, c := range candidates {
		entry := entries[c.index]
		if isTopRung(entry.Rung) {
			outcomes[c.index].State = StateFullyEvaluated
			continue
		}
		withinQuantile := rank < promoteCount
		upliftClears := entry.HasPrior && (c.score-entry.PriorMean) >= s.epsImprove
		if withinQuantile || upliftClears {
			outcomes[c.index].State = StatePromoted
			outcomes[c.index].Rung = entry.Rung + 1
		} else {
			outcomes[c.index].State = StatePruned
		}
	}

	return outcomes, nil
}
