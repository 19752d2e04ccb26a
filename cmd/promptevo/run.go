package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jihwankim/promptevo/internal/metrics"
	"github.com/jihwankim/promptevo/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Args:  cobra.NoArgs,
	Short: "Run n_islands islands as goroutines sharing one process",
	Long:  `The default demo path: every island runs as its own goroutine in this process, each with its own in-memory Archive, sharing only the on-disk cache and migration directories.`,
	RunE:  runAllIslands,
}

func init() {
	runCmd.Flags().StringArray("seed", []string{"answer"}, "initial prompt text (repeatable)")
	runCmd.Flags().Int("examples", 10, "number of toy dataset examples")
	runCmd.Flags().String("devoracle-image", "", "docker image to score against instead of the built-in toy oracle")
}

func runAllIslands(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initLogging(cfg)

	seeds, _ := cmd.Flags().GetStringArray("seed")
	examples, _ := cmd.Flags().GetInt("examples")
	devoracleImage, _ := cmd.Flags().GetString("devoracle-image")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := uuid.New().String()
	log.Info().Str("run_id", runID).Int("n_islands", cfg.Islands.N).Msg("starting run")

	// Only island 0 serves the metrics HTTP endpoint: every island in this
	// goroutine-per-island mode would otherwise race to bind the same
	// metrics_addr.
	var metricsSrv *http.Server

	var wg sync.WaitGroup
	errs := make([]error, cfg.Islands.N)
	for i := 0; i < cfg.Islands.N; i++ {
		deps, cleanup, err := buildDeps(ctx, seeds, examples, devoracleImage)
		if err != nil {
			return fmt.Errorf("island %d: %w", i, err)
		}
		reg := metrics.New(fmt.Sprintf("%d", i))
		deps.Metrics = reg

		orch, err := orchestrator.New(i, cfg, deps)
		if err != nil {
			_ = cleanup()
			return fmt.Errorf("island %d: failed to construct orchestrator: %w", i, err)
		}
		orch.Lifecycle().WatchSignals(ctx)

		if i == 0 {
			metricsSrv = reg.Server(cfg.Paths.MetricsAddr)
		}

		wg.Add(1)
		go func(i int, orch *orchestrator.Orchestrator, cleanup func() error) {
			defer wg.Done()
			defer cleanup()
			defer orch.Close()
			if err := orch.Run(ctx); err != nil {
				log.Error().Err(err).Int("island", i).Msg("island terminated with an error")
				errs[i] = err
			}
		}(i, orch, cleanup)
	}
	wg.Wait()
	_ = metrics.Shutdown(context.Background(), metricsSrv)

	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("run failed: %w", err)
		}
	}
	log.Info().Str("run_id", runID).Msg("run completed")
	return nil
}
