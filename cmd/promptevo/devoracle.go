package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jihwankim/promptevo/internal/devoracle"
)

var devoracleCmd = &cobra.Command{
	Use:   "devoracle",
	Args:  cobra.NoArgs,
	Short: "Smoke-test a scorer container without running a full optimization",
	Long:  `Starts a disposable container from --image, scores one candidate against one example payload, prints the result, and tears the container down.`,
	RunE:  runDevoracleSmoke,
}

func init() {
	devoracleCmd.Flags().String("image", "", "docker image implementing the "+devoracle.ScorerPath+" scoring protocol")
	devoracleCmd.Flags().String("candidate", "answer step by step", "candidate text to score")
	devoracleCmd.Flags().String("payload", "question 0", "example payload to score against")
	devoracleCmd.MarkFlagRequired("image")
}

func runDevoracleSmoke(cmd *cobra.Command, args []string) error {
	image, _ := cmd.Flags().GetString("image")
	candidate, _ := cmd.Flags().GetString("candidate")
	payload, _ := cmd.Flags().GetString("payload")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initLogging(cfg)

	ctx := context.Background()
	oracle, err := devoracle.New(ctx, image)
	if err != nil {
		return fmt.Errorf("failed to start devoracle container: %w", err)
	}
	defer oracle.Close(ctx)

	result, err := oracle.Score(ctx, candidate, payload)
	if err != nil {
		return fmt.Errorf("scoring call failed: %w", err)
	}
	fmt.Printf("objectives: %v\nfailure: %v\n", result.Objectives, result.Failure)
	return nil
}
