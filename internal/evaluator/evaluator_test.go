package evaluator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jihwankim/promptevo/internal/cache"
	"github.com/jihwankim/promptevo/internal/domain"
	"github.com/jihwankim/promptevo/internal/orcherr"
)

type fakeOracle struct {
	calls       atomic.Int64
	failUntil   int64
	permanentOn string
}

func (f *fakeOracle) Evaluate(ctx context.Context, candidate domain.Candidate, exampleID string) (domain.EvaluationResult, error) {
	n := f.calls.Add(1)
	if exampleID == f.permanentOn {
		return domain.EvaluationResult{}, orcherr.New(orcherr.KindPermanentOracle, nil)
	}
	if n <= f.failUntil {
		return domain.EvaluationResult{}, orcherr.New(orcherr.KindTransientOracle, nil)
	}
	return domain.EvaluationResult{Objectives: map[string]float64{"quality": 1, "neg_cost": -1, "tokens": 10}}, nil
}

func newTestEvaluator(t *testing.T, oracle Oracle) *Evaluator {
	t.Helper()
	c, err := cache.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return New(oracle, c, Config{Concurrency: 4, MaxRetries: 3, RetryBaseWait: time.Millisecond, ShardVersion: 1})
}

func TestEvaluateShardAggregatesMeans(t *testing.T) {
	e := newTestEvaluator(t, &fakeOracle{})
	candidate := domain.New("hello world", domain.OriginSeed, 2)
	sr, err := e.EvaluateShard(context.Background(), candidate, []string{"a", "b", "c"}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sr.Count != 3 {
		t.Fatalf("expected count 3, got %d", sr.Count)
	}
	if sr.Means["quality"] != 1 {
		t.Fatalf("expected mean quality 1, got %v", sr.Means["quality"])
	}
}

func TestEvaluateShardRetriesTransientFailures(t *testing.T) {
	oracle := &fakeOracle{failUntil: 2}
	e := newTestEvaluator(t, oracle)
	candidate := domain.New("retry me", domain.OriginSeed, 2)
	sr, err := e.EvaluateShard(context.Background(), candidate, []string{"x"}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sr.Count != 1 {
		t.Fatalf("expected eventual success after retries, got count %d", sr.Count)
	}
}

func TestEvaluateShardMarksStructuralFailureOnPermanentError(t *testing.T) {
	oracle := &fakeOracle{permanentOn: "bad"}
	e := newTestEvaluator(t, oracle)
	candidate := domain.New("permanent", domain.OriginSeed, 2)
	sr, err := e.EvaluateShard(context.Background(), candidate, []string{"bad", "good"}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sr.StructuralFail {
		t.Fatal("expected structural failure to be recorded")
	}
	if sr.Count != 2 {
		t.Fatalf("expected both examples recorded (the permanent failure as quality=0), got count %d", sr.Count)
	}
	if sr.Means["quality"] != 0.5 {
		t.Fatalf("expected the permanent failure's quality=0 to pull the mean down to 0.5, got %v", sr.Means["quality"])
	}
	if len(sr.FailureTraces) != 1 {
		t.Fatalf("expected a synthetic trace captured for the permanent failure, got %d traces", len(sr.FailureTraces))
	}
}

func TestEvaluateShardRecoversTransientRetryExhaustion(t *testing.T) {
	// failUntil exceeds MaxRetries (3 retries => 4 attempts), so every
	// attempt returns TransientOracle and retries are exhausted.
	oracle := &fakeOracle{failUntil: 100}
	e := newTestEvaluator(t, oracle)
	candidate := domain.New("exhausted", domain.OriginSeed, 2)
	sr, err := e.EvaluateShard(context.Background(), candidate, []string{"x"}, 0)
	if err != nil {
		t.Fatalf("expected retry exhaustion to be recovered as a structural failure, not a hard error: %v", err)
	}
	if !sr.StructuralFail {
		t.Fatal("expected structural failure to be recorded on retry exhaustion")
	}
	if sr.Count != 1 {
		t.Fatalf("expected the exhausted example recorded with quality=0, got count %d", sr.Count)
	}
	if len(sr.FailureTraces) != 1 {
		t.Fatalf("expected a synthetic trace captured for the exhausted retry, got %d traces", len(sr.FailureTraces))
	}
}

func TestEvaluateShardUsesCacheOnSecondCall(t *testing.T) {
	oracle := &fakeOracle{}
	e := newTestEvaluator(t, oracle)
	candidate := domain.New("cached", domain.OriginSeed, 2)
	ctx := context.Background()
	if _, err := e.EvaluateShard(ctx, candidate, []string{"a"}, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstCalls := oracle.calls.Load()
	if _, err := e.EvaluateShard(ctx, candidate, []string{"a"}, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if oracle.calls.Load() != firstCalls {
		t.Fatalf("expected second evaluation to hit cache, oracle calls grew from %d to %d", firstCalls, oracle.calls.Load())
	}
}
