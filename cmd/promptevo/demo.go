package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jihwankim/promptevo/internal/devoracle"
	"github.com/jihwankim/promptevo/internal/oracle"
	"github.com/jihwankim/promptevo/internal/orchestrator"
)

// toyDataset builds a deterministic dataset of n examples, matching the
// specification's scenario-1 toy oracle: quality is 1.0 whenever the
// candidate contains "step by step", independent of which example it is
// scored against.
func toyDataset(n int) (ids, payloads []string) {
	ids = make([]string, n)
	payloads = make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("ex-%d", i)
		payloads[i] = fmt.Sprintf("question %d", i)
	}
	return ids, payloads
}

func toyScore(candidateText, _ string) map[string]float64 {
	quality := 0.0
	if strings.Contains(candidateText, "step by step") {
		quality = 1.0
	}
	return map[string]float64{
		"quality":  quality,
		"neg_cost": 1.0,
		"tokens":   float64(len(strings.Fields(candidateText))),
	}
}

// buildDeps wires an orchestrator.Deps from either the in-memory toy oracle
// (the default demo path) or a devoracle.Oracle when devoracleImage is set.
// The returned cleanup func tears down any container devoracle started; it
// is a no-op for the toy oracle.
func buildDeps(ctx context.Context, seeds []string, datasetSize int, devoracleImage string) (orchestrator.Deps, func() error, error) {
	ids, payloads := toyDataset(datasetSize)
	dataset, err := oracle.NewSliceDatasetIterator(ids, payloads)
	if err != nil {
		return orchestrator.Deps{}, nil, fmt.Errorf("failed to build dataset: %w", err)
	}
	reflection := oracle.NewTemplateReflectionOracle("Avoid prior mistakes. Think step by step.\n")

	var task oracle.TaskOracle
	cleanup := func() error { return nil }
	if devoracleImage != "" {
		dev, err := devoracle.New(ctx, devoracleImage)
		if err != nil {
			return orchestrator.Deps{}, nil, fmt.Errorf("failed to start devoracle: %w", err)
		}
		task = dev
		cleanup = func() error { return dev.Close(context.Background()) }
	} else {
		task = oracle.NewStaticTaskOracle(toyScore, 0.5)
	}

	deps := orchestrator.Deps{
		Oracle:           oracle.AdaptEvaluator(task, dataset),
		ReflectionOracle: reflection,
		ExampleIDs:       ids,
		Seeds:            seeds,
	}
	return deps, cleanup, nil
}
