// Command promptevo drives the black-box prompt optimizer described by
// internal/orchestrator. It follows the teacher's cmd/chaos-runner root
// command shape: a cobra.Command tree with persistent --config/--verbose
// flags, subcommands registered from init(), and a main() that calls
// Execute and exits non-zero on any returned error.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jihwankim/promptevo/internal/config"
)

var (
	version = "dev"
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:     "promptevo",
	Short:   "Evolutionary black-box prompt optimizer",
	Long:    `promptevo races, mutates, compresses, and migrates prompt candidates across islands under a fixed evaluation budget.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(islandCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(devoracleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads cfgFile if set, else the defaults, validating either way.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initLogging sets the global zerolog logger per cfg, mirroring the
// teacher's reporting.InitGlobalLogger (console writer in text mode, level
// from config, --verbose forces debug).
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	if cfg.Logging.Format != "json" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	level := zerolog.InfoLevel
	switch cfg.Logging.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}
