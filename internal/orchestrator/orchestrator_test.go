package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jihwankim/promptevo/internal/archive"
	"github.com/jihwankim/promptevo/internal/config"
	"github.com/jihwankim/promptevo/internal/domain"
)

// instructionsOracle scores quality=1.0 iff the candidate text begins with
// "Instructions:" — reachable deterministically via the header_insertion
// rule edit, so tests can assert convergence without depending on which
// specific rule a seeded rng happens to pick.
type instructionsOracle struct{}

func (instructionsOracle) Evaluate(_ context.Context, candidate domain.Candidate, _ string) (domain.EvaluationResult, error) {
	quality := 0.0
	if strings.HasPrefix(candidate.Text, "Instructions:") {
		quality = 1.0
	}
	return domain.EvaluationResult{
		Objectives: map[string]float64{
			"quality":  quality,
			"neg_cost": 1.0,
			"tokens":   float64(len(strings.Fields(candidate.Text))),
		},
	}, nil
}

func testExampleIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("ex-%d", i)
	}
	return ids
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.CachePath = filepath.Join(t.TempDir(), "cache")
	cfg.Paths.LogPath = filepath.Join(t.TempDir(), "logs")
	cfg.Paths.TransportDir = filepath.Join(t.TempDir(), "transport")
	cfg.ASHA.Shards = []float64{1.0} // single rung: every candidate is top-rung
	cfg.Mutation.MergePeriod = 0
	cfg.Migration.Period = 0
	cfg.Framework.LogSummaryInterval = 1
	cfg.Islands.N = 1
	return cfg
}

func TestRunRoundArchivesSingleSeedOnSingleRung(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(0, cfg, Deps{
		Oracle:     instructionsOracle{},
		ExampleIDs: testExampleIDs(10),
		Seeds:      []string{"answer the question"},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer o.Close()

	if err := o.runRound(context.Background()); err != nil {
		t.Fatalf("runRound failed: %v", err)
	}
	if got := o.arch.ParetoSize(); got != 1 {
		t.Fatalf("expected 1 archived seed candidate, got %d", got)
	}
	entries := o.arch.ParetoCandidates()
	if entries[0].Result.Promotion("quality") != 0 {
		t.Fatalf("expected seed quality 0, got %v", entries[0].Result.Promotion("quality"))
	}
	if entries[0].Candidate.Origin != domain.OriginSeed {
		t.Fatalf("expected OriginSeed, got %v", entries[0].Candidate.Origin)
	}
}

func TestRunStopsAtMaxRounds(t *testing.T) {
	cfg := testConfig(t)
	cfg.Framework.MaxRounds = 3
	o, err := New(0, cfg, Deps{
		Oracle:     instructionsOracle{},
		ExampleIDs: testExampleIDs(10),
		Seeds:      []string{"answer the question"},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer o.Close()

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if o.round != 3 {
		t.Fatalf("expected exactly 3 rounds recorded, got %d", o.round)
	}
	if !o.life.Stopped() {
		t.Fatal("expected lifecycle to report stopped after max_rounds exhausted")
	}
}

func TestProduceOffspringAlwaysRuleEditsWhenAmortizedRateIsOne(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mutation.AmortizedRate = 1.0
	o, err := New(0, cfg, Deps{
		Oracle:     instructionsOracle{},
		ExampleIDs: testExampleIDs(10),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer o.Close()

	parents := []domain.Candidate{
		domain.New("first parent line", domain.OriginSeed, 3),
		domain.New("second parent line", domain.OriginSeed, 3),
	}
	offspring, err := o.produceOffspring(context.Background(), parents)
	if err != nil {
		t.Fatalf("produceOffspring failed: %v", err)
	}
	if len(offspring) != len(parents) {
		t.Fatalf("expected one rule-edit child per parent, got %d", len(offspring))
	}
	for _, c := range offspring {
		if c.Origin != domain.OriginRuleEdit {
			t.Fatalf("expected OriginRuleEdit with amortized_rate=1.0, got %v", c.Origin)
		}
	}
}

func TestAttemptMergeRejectsWhenNoUplift(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mutation.MergeUpliftMin = 0.01
	o, err := New(0, cfg, Deps{
		Oracle:     instructionsOracle{},
		ExampleIDs: testExampleIDs(10),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer o.Close()

	a := domain.New("alpha line", domain.OriginSeed, 2)
	b := domain.New("beta line", domain.OriginSeed, 2)
	zero := domain.ShardResult{Means: map[string]float64{"quality": 0, "neg_cost": 1, "tokens": 2}, Count: 1}
	o.arch.Insert(a, zero)
	o.arch.Insert(b, zero)

	if err := o.attemptMerge(context.Background()); err != nil {
		t.Fatalf("attemptMerge failed: %v", err)
	}
	// Neither parent's text starts with "Instructions:", so the merged
	// candidate's quality stays 0 regardless of interleaving order: a
	// zero-uplift merge must not enter the archive.
	for _, e := range o.arch.ParetoCandidates() {
		if e.Candidate.Origin == domain.OriginMerge {
			t.Fatalf("expected rejected merge to stay out of the archive, found %v", e.Candidate)
		}
	}
}

func TestCompressArchivedAcceptsWithinPruneDelta(t *testing.T) {
	cfg := testConfig(t)
	cfg.Compression.PruneDelta = 0.5
	cfg.Compression.CompressionObjective = "quality"
	o, err := New(0, cfg, Deps{
		Oracle:     instructionsOracle{},
		ExampleIDs: testExampleIDs(10),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer o.Close()

	elite := domain.New("Please note that you should answer.\n\n\nIn order to succeed, be concise.", domain.OriginSeed, 12)
	result := domain.ShardResult{Means: map[string]float64{"quality": 0, "neg_cost": 1, "tokens": 12}, Count: 1}
	o.arch.Insert(elite, result)

	if err := o.compressArchived(context.Background(), []archive.Entry{{Candidate: elite, Result: result}}); err != nil {
		t.Fatalf("compressArchived failed: %v", err)
	}
	found := false
	for _, e := range o.arch.ParetoCandidates() {
		if e.Candidate.Origin == domain.OriginCompression {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a compressed variant to enter the archive")
	}
}

func TestMigrationDrainAdmitsPushedElite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Islands.N = 2
	cfg.Migration.Period = 1
	cfg.Migration.K = 5

	cfg0 := *cfg
	cfg0.Paths.CachePath = filepath.Join(cfg.Paths.CachePath, "island0")
	island0, err := New(0, &cfg0, Deps{Oracle: instructionsOracle{}, ExampleIDs: testExampleIDs(10), Seeds: []string{"seed text"}})
	if err != nil {
		t.Fatalf("New island0 failed: %v", err)
	}
	defer island0.Close()

	cfg1 := *cfg
	cfg1.Paths.CachePath = filepath.Join(cfg.Paths.CachePath, "island1")
	island1, err := New(1, &cfg1, Deps{Oracle: instructionsOracle{}, ExampleIDs: testExampleIDs(10)})
	if err != nil {
		t.Fatalf("New island1 failed: %v", err)
	}
	defer island1.Close()

	ctx := context.Background()
	if err := island0.runRound(ctx); err != nil {
		t.Fatalf("island0 runRound failed: %v", err)
	}
	if island0.arch.ParetoSize() == 0 {
		t.Fatal("expected island0 to have archived its seed before migrating")
	}

	if err := island1.runRound(ctx); err != nil {
		t.Fatalf("island1 runRound failed: %v", err)
	}
	if island1.arch.ParetoSize() == 0 && len(island1.racers) == 0 {
		t.Fatal("expected island1 to admit the migrant either as an archived or racing candidate")
	}
}
