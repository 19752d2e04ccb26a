// Package oracle defines the external-collaborator contracts the core
// treats as black boxes (task scorer, reflection generator, dataset
// iterator), plus one deterministic in-memory implementation of each for
// use by tests and by cmd/promptevo's built-in demo oracle. These are
// test/demo collaborators, not production scoring backends — a real
// deployment supplies its own TaskOracle and ReflectionOracle.
package oracle

import (
	"context"
	"fmt"

	"github.com/jihwankim/promptevo/internal/domain"
	"github.com/jihwankim/promptevo/internal/orcherr"
)

// TaskOracle scores one (candidate, example) pair. Implementations classify
// failures via orcherr: a transient failure (orcherr.KindTransientOracle) is
// retried by the Evaluator; a permanent one (orcherr.KindPermanentOracle)
// marks the shard structurally failed without retry.
type TaskOracle interface {
	Score(ctx context.Context, candidateText string, examplePayload string) (domain.EvaluationResult, error)
}

// ReflectionOracle proposes candidate texts given a parent's recent failure
// traces, matching internal/mutator.ReflectionOracle's contract.
type ReflectionOracle interface {
	Reflect(ctx context.Context, parentText string, failureTraces [][]byte) ([]string, error)
}

// DatasetIterator enumerates example IDs and their opaque payloads. It must
// be finite and stably ordered: two calls to IDs must return the same
// sequence.
type DatasetIterator interface {
	IDs() []string
	Payload(id string) (string, bool)
}

// SliceDatasetIterator is a DatasetIterator backed by an in-memory, stably
// ordered slice of (id, payload) pairs.
type SliceDatasetIterator struct {
	ids      []string
	payloads map[string]string
}

// NewSliceDatasetIterator builds a SliceDatasetIterator from parallel id and
// payload slices, which must be the same length.
func NewSliceDatasetIterator(ids, payloads []string) (*SliceDatasetIterator, error) {
	if len(ids) != len(payloads) {
		return nil, fmt.Errorf("oracle: ids and payloads must be the same length, got %d and %d", len(ids), len(payloads))
	}
	m := make(map[string]string, len(ids))
	for i, id := range ids {
		m[id] = payloads[i]
	}
	return &SliceDatasetIterator{ids: append([]string(nil), ids...), payloads: m}, nil
}

// IDs returns the stable example-ID ordering.
func (s *SliceDatasetIterator) IDs() []string { return append([]string(nil), s.ids...) }

// Payload returns the opaque payload for id, if present.
func (s *SliceDatasetIterator) Payload(id string) (string, bool) {
	p, ok := s.payloads[id]
	return p, ok
}

// ScoreFunc computes a deterministic objective map for a (candidate text,
// example payload) pair. StaticTaskOracle wraps one as a TaskOracle.
type ScoreFunc func(candidateText, examplePayload string) map[string]float64

// StaticTaskOracle is a deterministic, in-memory TaskOracle: every call
// invokes score synchronously and never returns a transient/permanent
// oracle error, making it suitable for reproducible tests and for the
// demo oracle cmd/promptevo's run and island commands use when no
// devoracle image is given.
type StaticTaskOracle struct {
	score            ScoreFunc
	failureThreshold float64
}

// NewStaticTaskOracle builds a StaticTaskOracle. failureThreshold is the
// quality cutoff below which a result is flagged domain.EvaluationResult.Failure,
// per spec's "failure flag derived from quality < failure_threshold".
func NewStaticTaskOracle(score ScoreFunc, failureThreshold float64) *StaticTaskOracle {
	return &StaticTaskOracle{score: score, failureThreshold: failureThreshold}
}

// Score evaluates candidateText against examplePayload synchronously.
func (o *StaticTaskOracle) Score(_ context.Context, candidateText, examplePayload string) (domain.EvaluationResult, error) {
	objectives := o.score(candidateText, examplePayload)
	quality := objectives["quality"]
	return domain.EvaluationResult{
		Objectives: objectives,
		Failure:    quality < o.failureThreshold,
	}, nil
}

// TemplateReflectionOracle is a deterministic ReflectionOracle: it proposes
// one rewritten candidate per call by prefixing the parent text with a
// fixed template line, ignoring the specific trace contents (which the core
// must treat as opaque per spec.md §9) beyond their count.
type TemplateReflectionOracle struct {
	template string
}

// NewTemplateReflectionOracle builds a TemplateReflectionOracle. template is
// prefixed to the parent text, e.g. "Avoid prior mistakes:\n".
func NewTemplateReflectionOracle(template string) *TemplateReflectionOracle {
	return &TemplateReflectionOracle{template: template}
}

// Reflect proposes one candidate text per call, or none if there were no
// failure traces to react to.
func (o *TemplateReflectionOracle) Reflect(_ context.Context, parentText string, failureTraces [][]byte) ([]string, error) {
	if len(failureTraces) == 0 {
		return nil, nil
	}
	return []string{o.template + parentText}, nil
}

// AdaptEvaluator wraps a TaskOracle + DatasetIterator pair as an
// internal/evaluator.Oracle, resolving each exampleID to its payload via the
// iterator before delegating to Score. Returns orcherr.KindPermanentOracle
// for an exampleID absent from the iterator, since that indicates a
// structural mismatch between the Sampler's view of the pool and the
// dataset, not a transient scoring failure.
func AdaptEvaluator(task TaskOracle, dataset DatasetIterator) *EvaluatorAdapter {
	return &EvaluatorAdapter{task: task, dataset: dataset}
}

// EvaluatorAdapter implements internal/evaluator.Oracle over a TaskOracle
// and a DatasetIterator.
type EvaluatorAdapter struct {
	task    TaskOracle
	dataset DatasetIterator
}

// Evaluate resolves exampleID to its payload and delegates to the wrapped
// TaskOracle.
func (a *EvaluatorAdapter) Evaluate(ctx context.Context, candidate domain.Candidate, exampleID string) (domain.EvaluationResult, error) {
	payload, ok := a.dataset.Payload(exampleID)
	if !ok {
		return domain.EvaluationResult{}, orcherr.New(orcherr.KindPermanentOracle,
			fmt.Errorf("example id %q not found in dataset", exampleID))
	}
	return a.task.Score(ctx, candidate.Text, payload)
}
