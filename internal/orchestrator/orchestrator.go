// Package orchestrator drives one island's per-round optimization loop:
// Drain, Select, Mutate, Race, Archive, Merge, Compress, Migrate,
// Summarize. It generalizes the teacher's pkg/core/orchestrator.Orchestrator
// state-machine shape (a fixed sequence of named states, transitioned one
// at a time, with deferred cleanup and panic recovery around the whole
// run) from the chaos-test lifecycle
// (Parse->Discover->Prepare->Warmup->Inject->Monitor->Cooldown->Teardown->
// Detect->Report) to the per-round evolutionary loop named above.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/jihwankim/promptevo/internal/archive"
	"github.com/jihwankim/promptevo/internal/cache"
	"github.com/jihwankim/promptevo/internal/config"
	"github.com/jihwankim/promptevo/internal/domain"
	"github.com/jihwankim/promptevo/internal/eventlog"
	"github.com/jihwankim/promptevo/internal/evaluator"
	"github.com/jihwankim/promptevo/internal/lifecycle"
	"github.com/jihwankim/promptevo/internal/metrics"
	"github.com/jihwankim/promptevo/internal/migration"
	"github.com/jihwankim/promptevo/internal/mutator"
	"github.com/jihwankim/promptevo/internal/orcherr"
	"github.com/jihwankim/promptevo/internal/sampler"
	"github.com/jihwankim/promptevo/internal/scheduler"
	"github.com/jihwankim/promptevo/internal/tokencontroller"
)

// Deps are the externally-supplied collaborators an Orchestrator cannot
// construct for itself: the task oracle, the (optional) reflection
// oracle, and the dataset's full example-ID list.
type Deps struct {
	Oracle           evaluator.Oracle
	ReflectionOracle mutator.ReflectionOracle // nil disables the reflection operator
	ExampleIDs       []string
	Seeds            []string        // initial prompt texts, admitted as rung-0 racers before round 0
	Metrics          *metrics.Registry // nil disables metrics export for this island
}

// Orchestrator owns one island's full component graph and runs its
// per-round loop until a termination condition or stop request fires.
type Orchestrator struct {
	islandIndex int
	islandID    string
	cfg         *config.Config

	cache     *cache.Cache
	arch      *archive.Archive
	eval      *evaluator.Evaluator
	mut       *mutator.Mutator
	tokenCtrl *tokencontroller.Controller
	transport *migration.Transport
	sink      *eventlog.Sink
	life      *lifecycle.Controller
	budget    *lifecycle.Budget

	coreset []string
	pool    []string
	hard    *sampler.HardnessSet

	racers           []scheduler.Entry
	round            int
	totalEvaluations int
	metrics          *metrics.Registry
}

// New wires every component per cfg, grounded on the same dataset and
// oracle dependencies, for island islandIndex of cfg.Islands.N.
func New(islandIndex int, cfg *config.Config, deps Deps) (*Orchestrator, error) {
	islandID := strconv.Itoa(islandIndex)

	c, err := cache.Open(cfg.Paths.CachePath, cfg.Islands.FastcacheBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	sink, err := eventlog.NewSink(cfg.Paths.LogPath, islandID)
	if err != nil {
		return nil, fmt.Errorf("failed to open event sink: %w", err)
	}
	transport, err := migration.NewTransport(cfg.Paths.TransportDir, cfg.Framework.QueueLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to open migration transport: %w", err)
	}

	ev := evaluator.New(deps.Oracle, c, evaluator.Config{
		Concurrency:   cfg.Evaluation.EvalConcurrency,
		MaxRetries:    cfg.Evaluation.MaxRetries,
		RetryBaseWait: cfg.Evaluation.RetryBaseDelay,
		ShardVersion:  1,
	})

	qdCfg := archive.DefaultQDConfig(cfg.Mutation.MaxTokens)
	qdCfg.LengthBins = cfg.QD.BinsLength
	qdCfg.BulletBins = cfg.QD.BinsBullets

	coresetSize := len(deps.ExampleIDs) / 4
	if coresetSize < 1 && len(deps.ExampleIDs) > 0 {
		coresetSize = 1
	}

	o := &Orchestrator{
		islandIndex: islandIndex,
		islandID:    islandID,
		cfg:         cfg,
		cache:       c,
		arch:        archive.New(qdCfg, cfg.ASHA.PromoteObjective),
		eval:        ev,
		mut:         mutator.New(mutator.Config{
			AmortizedRate:        cfg.Mutation.AmortizedRate,
			ReflectionBatchSize:  cfg.Mutation.ReflectionBatchSize,
			MaxMutationsPerRound: cfg.Mutation.MaxMutationsPerRound,
			MergeUpliftMin:       cfg.Mutation.MergeUpliftMin,
		}, deps.ReflectionOracle),
		tokenCtrl: tokencontroller.New(cfg.Compression.PruneDelta),
		transport: transport,
		sink:      sink,
		life:      lifecycle.New(),
		budget:    &lifecycle.Budget{MaxRounds: cfg.Framework.MaxRounds, MaxEvaluations: cfg.Framework.MaxEvaluations},
		coreset:   append([]string(nil), deps.ExampleIDs[:coresetSize]...),
		pool:      deps.ExampleIDs,
		hard:      sampler.NewHardnessSet(64),
		metrics:   deps.Metrics,
	}

	for _, text := range deps.Seeds {
		c := domain.New(text, domain.OriginSeed, estimateTokens(text))
		o.racers = append(o.racers, scheduler.Entry{Candidate: c, Rung: 0})
	}
	return o, nil
}

func estimateTokens(text string) int {
	return len(strings.Fields(text))
}

// Lifecycle exposes the stop controller so a caller (cmd/promptevo) can
// wire signal handling before calling Run.
func (o *Orchestrator) Lifecycle() *lifecycle.Controller { return o.life }

// Close flushes and closes the event sink.
func (o *Orchestrator) Close() error { return o.sink.Close() }

// Run executes rounds until termination. A recovered panic (raised only
// by an InvariantViolation, per the error-handling design) is logged as a
// fatal event, the sink is closed, and Run returns a non-nil error
// (cmd/promptevo then exits non-zero).
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.sink.Emit(eventlog.KindFatal, o.round, map[string]interface{}{"reason": fmt.Sprintf("%v", r)})
			log.Error().Interface("panic", r).Msg("invariant violation, aborting island")
			_ = o.sink.Close()
			err = fmt.Errorf("fatal invariant violation: %v", r)
		}
	}()

	for {
		if o.life.Stopped() || ctx.Err() != nil {
			return ctx.Err()
		}
		if err := o.runRound(ctx); err != nil {
			if orcherr.Is(err, orcherr.KindInvariantViolation) {
				panic(err)
			}
			return err
		}
		o.round++
		o.budget.RecordRound(o.life)
		if o.life.Stopped() {
			return nil
		}
	}
}

func (o *Orchestrator) opsRand(salt string) *rand.Rand {
	seed := sampler.SeedFor(fmt.Sprintf("%s:%s", o.islandID, salt), o.round)
	return rand.New(rand.NewSource(seed)) //nolint:gosec
}

// runRound executes the nine-step sequence for one round.
func (o *Orchestrator) runRound(ctx context.Context) error {
	// 1. Drain inbox migrants.
	migrants, err := o.transport.Drain(o.islandID)
	if err != nil {
		return fmt.Errorf("migration drain failed: %w", err)
	}
	admitted := migration.DedupAdmit(migrants, o.cache, o.arch)
	o.sink.Emit(eventlog.KindMigrateIn, o.round, map[string]interface{}{
		"count":    len(migrants),
		"admitted": len(admitted),
	})
	for _, c := range admitted {
		o.racers = append(o.racers, scheduler.Entry{Candidate: c, Rung: 0})
	}

	// 2. Draw parents: top of Pareto union sample from QD.
	parents := o.selectParents()

	// 3. Request offspring from Mutator up to budget.
	offspring, err := o.produceOffspring(ctx, parents)
	if err != nil {
		return err
	}
	for _, c := range offspring {
		o.sink.Emit(eventlog.KindMutationProposed, o.round, map[string]interface{}{
			"fingerprint": string(c.Fingerprint),
			"origin":      string(c.Origin),
		})
	}
	offspring = mutator.Dedup(offspring, o.cache, o.arch)
	if len(offspring) > o.cfg.Mutation.MaxMutationsPerRound {
		offspring = offspring[:o.cfg.Mutation.MaxMutationsPerRound]
	}
	for _, c := range offspring {
		o.sink.Emit(eventlog.KindMutationAccepted, o.round, map[string]interface{}{
			"fingerprint": string(c.Fingerprint),
			"origin":      string(c.Origin),
		})
	}

	// 4. Submit cohort (offspring + held-over racers) to the Scheduler.
	cohort := make([]scheduler.Entry, 0, len(offspring)+len(o.racers))
	for _, c := range offspring {
		cohort = append(cohort, scheduler.Entry{Candidate: c, Rung: 0})
	}
	cohort = append(cohort, o.racers...)
	if len(cohort) == 0 {
		o.maybeSummarize()
		return nil
	}

	rungs := o.buildRungs()
	sch := scheduler.New(rungs, o.cfg.ASHA.CohortQuantile, o.cfg.ASHA.EpsImprove, o.cfg.ASHA.PromoteObjective)
	o.sink.Emit(eventlog.KindEvalStart, o.round, map[string]interface{}{"cohort_size": len(cohort)})
	outcomes, err := sch.RunRound(ctx, cohort, o.eval)
	if err != nil {
		return fmt.Errorf("scheduler round failed: %w", err)
	}

	evalCount := 0
	for _, oc := range outcomes {
		evalCount += oc.Result.Count
	}
	o.sink.Emit(eventlog.KindEvalDone, o.round, map[string]interface{}{"evaluations": evalCount})
	o.totalEvaluations += evalCount
	o.budget.RecordEvaluations(o.life, evalCount)

	// 5. Insert newly FullyEvaluated candidates into the Archive; carry
	// forward racers that were promoted; drop the pruned.
	o.racers = o.racers[:0]
	var freshlyArchived []archive.Entry
	for _, oc := range outcomes {
		switch oc.State {
		case scheduler.StatePromoted:
			o.racers = append(o.racers, scheduler.Entry{
				Candidate: oc.Candidate,
				Rung:      oc.Rung,
				PriorMean: oc.Result.Promotion(o.cfg.ASHA.PromoteObjective),
				HasPrior:  true,
			})
			o.sink.Emit(eventlog.KindPromote, o.round, map[string]interface{}{
				"fingerprint": string(oc.Candidate.Fingerprint),
				"rung":        oc.Rung,
			})
		case scheduler.StateFullyEvaluated:
			paretoIn, qdIn := o.arch.Insert(oc.Candidate, oc.Result)
			freshlyArchived = append(freshlyArchived, archive.Entry{Candidate: oc.Candidate, Result: oc.Result})
			o.sink.Emit(eventlog.KindArchiveUpdate, o.round, map[string]interface{}{
				"fingerprint": string(oc.Candidate.Fingerprint),
				"pareto":      paretoIn,
				"qd":          qdIn,
			})
		case scheduler.StatePruned:
			// dropped: not re-raced, not archived
		}
	}
	o.growHardness(outcomes)

	// 6. Every merge_period rounds: attempt merges.
	if o.cfg.Mutation.MergePeriod > 0 && o.round%o.cfg.Mutation.MergePeriod == 0 {
		if err := o.attemptMerge(ctx); err != nil {
			return err
		}
	}

	// 7. Every round: opportunistically dispatch TokenController on newly
	// archived elites.
	if err := o.compressArchived(ctx, freshlyArchived); err != nil {
		return err
	}

	// 8. Every migration_period rounds: emit outbox.
	if o.cfg.Migration.Period > 0 && o.round%o.cfg.Migration.Period == 0 {
		if err := o.emitOutbox(); err != nil {
			return err
		}
	}

	// 9. Every log_summary_interval rounds: emit a summary event.
	o.maybeSummarize()
	return nil
}

func (o *Orchestrator) selectParents() []domain.Candidate {
	pareto := o.arch.ParetoCandidates()
	sort.Slice(pareto, func(i, j int) bool {
		return pareto[i].Result.Promotion(o.cfg.ASHA.PromoteObjective) > pareto[j].Result.Promotion(o.cfg.ASHA.PromoteObjective)
	})
	topN := o.cfg.Mutation.MaxMutationsPerRound / 2
	if topN > len(pareto) {
		topN = len(pareto)
	}
	parents := make([]domain.Candidate, 0, o.cfg.Mutation.MaxMutationsPerRound)
	for i := 0; i < topN; i++ {
		parents = append(parents, pareto[i].Candidate)
	}

	qdBudget := o.cfg.Mutation.MaxMutationsPerRound - len(parents)
	if qdBudget > 0 {
		for _, e := range o.arch.SampleQD(qdBudget, o.opsRand("qd-sample")) {
			parents = append(parents, e.Candidate)
		}
	}
	return parents
}

func (o *Orchestrator) produceOffspring(ctx context.Context, parents []domain.Candidate) ([]domain.Candidate, error) {
	rng := o.opsRand("operator-choice")
	var offspring []domain.Candidate
	for i, parent := range parents {
		op := o.mut.ChooseOperator(rng)
		switch op {
		case "rule_edit":
			seed := sampler.SeedFor(fmt.Sprintf("%s:rule:%d", o.islandID, i), o.round)
			offspring = append(offspring, o.mut.MutateRuleBased(seed, parent))
		case "reflection":
			// Reflection draws on the parent's most recent shard result; a
			// fresh Pareto/QD elite carries one from its archive.Entry, but
			// parents selected here are plain Candidates, so reflection is
			// skipped for parents with no recorded failure traces.
			for _, e := range o.arch.ParetoCandidates() {
				if e.Candidate.Fingerprint == parent.Fingerprint && len(e.Result.FailureTraces) > 0 {
					children, err := o.mut.MutateReflection(ctx, parent, e.Result)
					if err != nil {
						return nil, fmt.Errorf("reflection mutation failed: %w", err)
					}
					offspring = append(offspring, children...)
					break
				}
			}
		}
	}
	return offspring, nil
}

func (o *Orchestrator) buildRungs() []domain.Rung {
	rungs := make([]domain.Rung, len(o.cfg.ASHA.Shards))
	for i, frac := range o.cfg.ASHA.Shards {
		size := int(frac * float64(len(o.pool)))
		if size < 1 {
			size = 1
		}
		if size > len(o.pool) {
			size = len(o.pool)
		}
		s := sampler.ForRound(fmt.Sprintf("%s:rung%d", o.islandID, i), o.round)
		ids := s.Select(o.coreset, o.hard, o.pool, size)
		rungs[i] = domain.Rung{
			Index:             i,
			Fraction:          frac,
			ExampleIDs:        ids,
			PromotionQuantile: o.cfg.ASHA.CohortQuantile,
			EpsImprove:        o.cfg.ASHA.EpsImprove,
		}
	}
	return rungs
}

func (o *Orchestrator) growHardness(outcomes []scheduler.Outcome) {
	rng := o.opsRand("hardness")
	rungs := o.buildRungs()
	for _, oc := range outcomes {
		if !oc.Result.StructuralFail || oc.Rung >= len(rungs) {
			continue
		}
		for _, id := range rungs[oc.Rung].ExampleIDs {
			o.hard.Add(id, rng)
		}
	}
}

func (o *Orchestrator) attemptMerge(ctx context.Context) error {
	pareto := o.arch.ParetoCandidates()
	if len(pareto) < 2 {
		return nil
	}
	sort.Slice(pareto, func(i, j int) bool {
		return pareto[i].Result.Promotion(o.cfg.ASHA.PromoteObjective) > pareto[j].Result.Promotion(o.cfg.ASHA.PromoteObjective)
	})
	a, b := pareto[0], pareto[1]
	seed := sampler.SeedFor(o.islandID+":merge", o.round)
	merged := o.mut.Merge(seed, a.Candidate, b.Candidate)
	o.sink.Emit(eventlog.KindMergeProposed, o.round, map[string]interface{}{"fingerprint": string(merged.Fingerprint)})

	topRung := o.cfg.ASHA.Shards[len(o.cfg.ASHA.Shards)-1]
	size := int(topRung * float64(len(o.pool)))
	if size < 1 {
		size = 1
	}
	result, err := o.eval.EvaluateShard(ctx, merged, o.pool[:min(size, len(o.pool))], len(o.cfg.ASHA.Shards)-1)
	if err != nil {
		return fmt.Errorf("merge candidate evaluation failed: %w", err)
	}
	o.totalEvaluations += result.Count
	o.budget.RecordEvaluations(o.life, result.Count)

	accepted := o.mut.AcceptMerge(
		result.Promotion(o.cfg.ASHA.PromoteObjective),
		a.Result.Promotion(o.cfg.ASHA.PromoteObjective),
		b.Result.Promotion(o.cfg.ASHA.PromoteObjective),
	)
	if accepted {
		o.arch.Insert(merged, result)
		o.sink.Emit(eventlog.KindMergeAccepted, o.round, map[string]interface{}{"fingerprint": string(merged.Fingerprint)})
	} else {
		o.sink.Emit(eventlog.KindMergeRejected, o.round, map[string]interface{}{"fingerprint": string(merged.Fingerprint)})
	}
	return nil
}

func (o *Orchestrator) compressArchived(ctx context.Context, freshlyArchived []archive.Entry) error {
	for i, elite := range freshlyArchived {
		seed := sampler.SeedFor(fmt.Sprintf("%s:compress:%d", o.islandID, i), o.round)
		compressed := o.tokenCtrl.Propose(seed, elite.Candidate)
		if compressed.Fingerprint == elite.Candidate.Fingerprint {
			continue // rules produced no change
		}

		size := int(o.cfg.Compression.ShardFraction * float64(len(o.pool)))
		if size < 1 {
			size = 1
		}
		result, err := o.eval.EvaluateShard(ctx, compressed, o.pool[:min(size, len(o.pool))], len(o.cfg.ASHA.Shards)-1)
		if err != nil {
			return fmt.Errorf("compression candidate evaluation failed: %w", err)
		}
		o.totalEvaluations += result.Count
		o.budget.RecordEvaluations(o.life, result.Count)

		objective := o.cfg.Compression.CompressionObjective
		if o.tokenCtrl.Accept(elite.Result.Promotion(objective), result.Promotion(objective)) {
			o.arch.Insert(compressed, result)
			o.sink.Emit(eventlog.KindCompressionApplied, o.round, map[string]interface{}{
				"original":   string(elite.Candidate.Fingerprint),
				"compressed": string(compressed.Fingerprint),
			})
		}
	}
	return nil
}

func (o *Orchestrator) emitOutbox() error {
	pareto := o.arch.ParetoCandidates()
	sort.Slice(pareto, func(i, j int) bool {
		return pareto[i].Result.Promotion(o.cfg.ASHA.PromoteObjective) > pareto[j].Result.Promotion(o.cfg.ASHA.PromoteObjective)
	})
	k := o.cfg.Migration.K
	if k > len(pareto) {
		k = len(pareto)
	}
	envelopes := make([]migration.Envelope, 0, k)
	for i := 0; i < k; i++ {
		envelopes = append(envelopes, migration.Envelope{
			Candidate:  pareto[i].Candidate,
			Objectives: pareto[i].Result.Means,
		})
	}
	target := strconv.Itoa(migration.RingNext(o.islandIndex, o.cfg.Islands.N))
	if err := o.transport.Push(target, envelopes); err != nil {
		return fmt.Errorf("migration push failed: %w", err)
	}
	o.sink.Emit(eventlog.KindMigrateOut, o.round, map[string]interface{}{"count": len(envelopes), "target": target})
	return nil
}

func (o *Orchestrator) maybeSummarize() {
	interval := o.cfg.Framework.LogSummaryInterval
	if interval <= 0 || o.round%interval != 0 {
		return
	}
	pareto := o.arch.ParetoCandidates()
	objectiveStats := make(map[string]eventlog.Stats, len(domain.RequiredObjectives))
	for _, obj := range domain.RequiredObjectives {
		values := make([]float64, 0, len(pareto))
		for _, e := range pareto {
			values = append(values, e.Result.Promotion(obj))
		}
		objectiveStats[obj] = eventlog.ComputeStats(values)
	}
	summary := eventlog.Summary{
		PendingQueueDepth: len(o.racers),
		ParetoSize:        o.arch.ParetoSize(),
		QDPopulatedBins:   o.arch.QDPopulatedBins(),
		TotalEvaluations:  o.totalEvaluations,
		CacheHitRate:      o.cache.WarmRate(),
		ObjectiveStats:    objectiveStats,
	}
	o.sink.EmitSummary(o.round, summary)
	if o.metrics != nil {
		o.metrics.Observe(o.round, summary)
	}
}
