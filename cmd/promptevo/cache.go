package main

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jihwankim/promptevo/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or garbage-collect the fingerprint-keyed evaluation cache",
}

var cacheInspectCmd = &cobra.Command{
	Use:   "inspect",
	Args:  cobra.NoArgs,
	Short: "Print cache entry count, on-disk size, and warm rate",
	RunE:  runCacheInspect,
}

var cacheGCCmd = &cobra.Command{
	Use:   "gc",
	Args:  cobra.NoArgs,
	Short: "Remove cache entries older than --older-than",
	RunE:  runCacheGC,
}

func init() {
	cacheGCCmd.Flags().Duration("older-than", 30*24*time.Hour, "remove entries last written before this long ago")
	cacheCmd.AddCommand(cacheInspectCmd)
	cacheCmd.AddCommand(cacheGCCmd)
}

func runCacheInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := cache.Open(cfg.Paths.CachePath, cfg.Islands.FastcacheBytes)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	stats, err := c.Inspect()
	if err != nil {
		return fmt.Errorf("failed to inspect cache: %w", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"path", "entries", "bytes", "warm rate"})
	table.Append([]string{
		cfg.Paths.CachePath,
		fmt.Sprintf("%d", stats.Entries),
		fmt.Sprintf("%d", stats.TotalSize),
		fmt.Sprintf("%.4f", stats.HitRate),
	})
	table.Render()
	return nil
}

func runCacheGC(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	olderThan, _ := cmd.Flags().GetDuration("older-than")

	c, err := cache.Open(cfg.Paths.CachePath, cfg.Islands.FastcacheBytes)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	removed, err := c.GC(olderThan)
	if err != nil {
		return fmt.Errorf("failed to garbage-collect cache: %w", err)
	}
	fmt.Printf("removed %d entries older than %s from %s\n", removed, olderThan, cfg.Paths.CachePath)
	return nil
}
