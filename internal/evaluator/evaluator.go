// Package evaluator runs candidates against examples through the cache and
// the external task oracle under bounded concurrency. It generalizes the
// teacher's pkg/core/orchestrator executeInject fan-out (one goroutine per
// job, a WaitGroup barrier, per-job result slots indexed by position) from
// "inject N faults simultaneously" to "evaluate N (candidate, example)
// pairs under a concurrency cap with cache-first lookup, retries, and
// cancellation".
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/jihwankim/promptevo/internal/cache"
	"github.com/jihwankim/promptevo/internal/domain"
	"github.com/jihwankim/promptevo/internal/fingerprint"
	"github.com/jihwankim/promptevo/internal/orcherr"
)

// Oracle is the external judge for one (candidate, example) pair.
// Implementations classify failures via orcherr: orcherr.KindTransientOracle is
// retried, orcherr.KindPermanentOracle marks the shard as structurally
// failed and is not retried.
type Oracle interface {
	Evaluate(ctx context.Context, candidate domain.Candidate, exampleID string) (domain.EvaluationResult, error)
}

// Config tunes the evaluator's concurrency and retry behavior.
type Config struct {
	Concurrency   int
	MaxRetries    int
	RetryBaseWait time.Duration
	ShardVersion  int
}

// Evaluator evaluates candidates against shards of examples.
type Evaluator struct {
	oracle Oracle
	cache  *cache.Cache
	sem    *semaphore.Weighted
	lim    *rate.Limiter
	cfg    Config
}

// New builds an Evaluator. concurrency must be >= 1.
func New(oracle Oracle, c *cache.Cache, cfg Config) *Evaluator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseWait <= 0 {
		cfg.RetryBaseWait = 200 * time.Millisecond
	}
	return &Evaluator{
		oracle: oracle,
		cache:  c,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		lim:    rate.NewLimiter(rate.Every(cfg.RetryBaseWait), cfg.Concurrency),
		cfg:    cfg,
	}
}

// EvaluateShard evaluates candidate against every exampleID in the shard,
// cache-first, under the evaluator's concurrency cap, and aggregates the
// results into a ShardResult. ctx is passed to every oracle call; once all
// per-example calls have returned, a canceled ctx makes EvaluateShard
// return ctx.Err() instead of a result.
func (e *Evaluator) EvaluateShard(ctx context.Context, candidate domain.Candidate, exampleIDs []string, rung int) (domain.ShardResult, error) {
	start := time.Now()

	type outcome struct {
		result         domain.EvaluationResult
		structuralFail bool
	}
	outcomes := make([]outcome, len(exampleIDs))
	errs := make([]error, len(exampleIDs))

	var wg sync.WaitGroup
	for i, exampleID := range exampleIDs {
		i, exampleID := i, exampleID
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, structuralFail, err := e.evaluateOne(ctx, candidate, exampleID)
			outcomes[i] = outcome{result: result, structuralFail: structuralFail}
			errs[i] = err
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return domain.ShardResult{}, err
	}

	sr := domain.ShardResult{Rung: rung, Means: map[string]float64{}}
	sums := map[string]float64{}
	var failureTraces [][]byte
	for i, o := range outcomes {
		if errs[i] != nil {
			// PermanentOracle and exhausted TransientOracle failures are
			// fully recovered in evaluateOne and never reach here as an
			// error; anything that does is a hard failure for the cohort.
			return domain.ShardResult{}, errs[i]
		}
		if o.structuralFail {
			sr.StructuralFail = true
		}
		for k, v := range o.result.Objectives {
			sums[k] += v
		}
		sr.Count++
		if o.result.Failure && len(failureTraces) < domain.MaxFailureTraces && len(o.result.Trace) > 0 {
			failureTraces = append(failureTraces, o.result.Trace)
		}
	}
	for k, v := range sums {
		if sr.Count > 0 {
			sr.Means[k] = v / float64(sr.Count)
		}
	}
	sr.FailureTraces = failureTraces
	sr.Duration = time.Since(start).Seconds()
	return sr, nil
}

// evaluateOne resolves one (candidate, example) pair: cache lookup first,
// then a semaphore-bounded, retried oracle call on miss.
func (e *Evaluator) evaluateOne(ctx context.Context, candidate domain.Candidate, exampleID string) (domain.EvaluationResult, bool, error) {
	key := fingerprint.OfEval(candidate.Fingerprint, exampleID, e.cfg.ShardVersion)
	if result, ok := e.cache.Get(key); ok {
		e.cache.MarkSeen(candidate.Fingerprint)
		return result, false, nil
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return domain.EvaluationResult{}, false, ctx.Err()
	}
	defer e.sem.Release(1)

	result, err := e.callWithRetries(ctx, candidate, exampleID)
	if err != nil {
		if orcherr.Is(err, orcherr.KindPermanentOracle) || orcherr.Is(err, orcherr.KindTransientOracle) {
			// A permanent failure, or a transient one that exhausted every
			// retry, is fully recovered here: the shard records a
			// structural failure with a synthetic trace instead of
			// aborting the cohort, so the reflection operator can still
			// react to it.
			return structuralFailureResult(err), true, nil
		}
		return domain.EvaluationResult{}, false, err
	}

	if putErr := e.cache.Put(key, result); putErr != nil && !errors.Is(putErr, cache.ErrConflict) {
		return domain.EvaluationResult{}, false, fmt.Errorf("cache put failed: %w", putErr)
	}
	e.cache.MarkSeen(candidate.Fingerprint)
	return result, false, nil
}

// structuralFailureResult synthesizes the EvaluationResult recorded for a
// PermanentOracle failure or TransientOracle retry exhaustion: quality=0
// and a trace describing the failure, so it flows into the HardnessSet and
// the reflection batch the same way a genuine oracle-reported Failure does.
func structuralFailureResult(err error) domain.EvaluationResult {
	return domain.EvaluationResult{
		Objectives: map[string]float64{"quality": 0},
		Trace:      []byte(fmt.Sprintf("oracle failure: %v", err)),
		Failure:    true,
	}
}

func (e *Evaluator) callWithRetries(ctx context.Context, candidate domain.Candidate, exampleID string) (domain.EvaluationResult, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.lim.Wait(ctx); err != nil {
				return domain.EvaluationResult{}, err
			}
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * e.cfg.RetryBaseWait
			select {
			case <-ctx.Done():
				return domain.EvaluationResult{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
		result, err := e.oracle.Evaluate(ctx, candidate, exampleID)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !orcherr.Is(err, orcherr.KindTransientOracle) {
			return domain.EvaluationResult{}, err
		}
	}
	return domain.EvaluationResult{}, lastErr
}
