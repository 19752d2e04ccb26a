package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jihwankim/promptevo/internal/metrics"
	"github.com/jihwankim/promptevo/internal/orchestrator"
)

var islandCmd = &cobra.Command{
	Use:   "island",
	Args:  cobra.NoArgs,
	Short: "Run exactly one island as its own OS process",
	Long:  `For a genuine multi-process deployment: run this once per island, all pointed at the same cache and transport directories on disk.`,
	RunE:  runOneIsland,
}

func init() {
	islandCmd.Flags().Int("island-id", 0, "this process's island index")
	islandCmd.Flags().Int("n-islands", 0, "total island count (overrides islands.n_islands in config)")
	islandCmd.Flags().StringArray("seed", []string{"answer"}, "initial prompt text (repeatable)")
	islandCmd.Flags().Int("examples", 10, "number of toy dataset examples")
	islandCmd.Flags().String("devoracle-image", "", "docker image to score against instead of the built-in toy oracle")
}

func runOneIsland(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initLogging(cfg)

	islandID, _ := cmd.Flags().GetInt("island-id")
	nIslands, _ := cmd.Flags().GetInt("n-islands")
	if nIslands > 0 {
		cfg.Islands.N = nIslands
	}
	seeds, _ := cmd.Flags().GetStringArray("seed")
	examples, _ := cmd.Flags().GetInt("examples")
	devoracleImage, _ := cmd.Flags().GetString("devoracle-image")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDeps(ctx, seeds, examples, devoracleImage)
	if err != nil {
		return fmt.Errorf("island %d: %w", islandID, err)
	}
	defer cleanup()

	reg := metrics.New(fmt.Sprintf("%d", islandID))
	deps.Metrics = reg
	metricsSrv := reg.Server(cfg.Paths.MetricsAddr)
	defer metrics.Shutdown(context.Background(), metricsSrv)

	orch, err := orchestrator.New(islandID, cfg, deps)
	if err != nil {
		return fmt.Errorf("island %d: failed to construct orchestrator: %w", islandID, err)
	}
	orch.Lifecycle().WatchSignals(ctx)
	defer orch.Close()

	log.Info().Int("island", islandID).Int("n_islands", cfg.Islands.N).Msg("starting island")
	if err := orch.Run(ctx); err != nil {
		return fmt.Errorf("island %d terminated with an error: %w", islandID, err)
	}
	log.Info().Int("island", islandID).Msg("island stopped")
	return nil
}
