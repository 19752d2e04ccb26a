// Package config loads and validates the optimizer's configuration
// surface. It follows the teacher's convention (pkg/config in chaos-utils):
// a YAML file with environment-variable expansion, sane defaults, and an
// explicit Validate pass — just re-keyed to the options named in the
// specification's configuration surface instead of a chaos scenario's.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full recognized option set.
type Config struct {
	Framework   FrameworkConfig   `yaml:"framework"`
	Evaluation  EvaluationConfig  `yaml:"evaluation"`
	ASHA        ASHAConfig        `yaml:"asha"`
	QD          QDConfig          `yaml:"qd"`
	Mutation    MutationConfig    `yaml:"mutation"`
	Compression CompressionConfig `yaml:"compression"`
	Migration   MigrationConfig   `yaml:"migration"`
	Islands     IslandsConfig     `yaml:"islands"`
	Paths       PathsConfig       `yaml:"paths"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// FrameworkConfig carries run-wide bookkeeping.
type FrameworkConfig struct {
	MaxRounds          int `yaml:"max_rounds"`
	MaxEvaluations     int `yaml:"max_evaluations"`
	LogSummaryInterval int `yaml:"log_summary_interval"`
	BatchSize          int `yaml:"batch_size"`
	QueueLimit         int `yaml:"queue_limit"`
}

// EvaluationConfig governs the Evaluator's bounded-concurrency fabric.
type EvaluationConfig struct {
	EvalConcurrency int           `yaml:"eval_concurrency"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	FailureThreshold float64      `yaml:"failure_threshold"`
	MaxTraceBytes   int           `yaml:"max_trace_bytes"`
}

// ASHAConfig governs the successive-halving scheduler.
type ASHAConfig struct {
	Shards           []float64 `yaml:"shards"`
	CohortQuantile   float64   `yaml:"cohort_quantile"`
	EpsImprove       float64   `yaml:"eps_improve"`
	PromoteObjective string    `yaml:"promote_objective"`
}

// QDConfig governs the Archive's quality-diversity grid.
type QDConfig struct {
	BinsLength  int      `yaml:"qd_bins_length"`
	BinsBullets int      `yaml:"qd_bins_bullets"`
	Flags       []string `yaml:"qd_flags"`
}

// MutationConfig governs the Mutator's operator mix and budget.
type MutationConfig struct {
	AmortizedRate        float64 `yaml:"amortized_rate"`
	ReflectionBatchSize  int     `yaml:"reflection_batch_size"`
	MaxMutationsPerRound int     `yaml:"max_mutations_per_round"`
	MergePeriod          int     `yaml:"merge_period"`
	MergeUpliftMin       float64 `yaml:"merge_uplift_min"`
	MaxTokens            int     `yaml:"max_tokens"`
}

// CompressionConfig governs the TokenController.
type CompressionConfig struct {
	ShardFraction        float64 `yaml:"compression_shard_fraction"`
	PruneDelta           float64 `yaml:"prune_delta"`
	CompressionObjective string  `yaml:"compression_objective"`
}

// MigrationConfig governs the ring-topology elite exchange.
type MigrationConfig struct {
	Period int `yaml:"migration_period"`
	K      int `yaml:"migration_k"`
}

// IslandsConfig governs island topology and deterministic seeding.
type IslandsConfig struct {
	N              int   `yaml:"n_islands"`
	SeedBase       int64 `yaml:"island_seed_base"`
	FastcacheBytes int   `yaml:"fastcache_bytes"`
}

// PathsConfig points at the on-disk resources the core reads from/writes to.
type PathsConfig struct {
	CachePath     string `yaml:"cache_path"`
	LogPath       string `yaml:"log_path"`
	TransportDir  string `yaml:"transport_dir"`
	MetricsAddr   string `yaml:"metrics_addr"`
	DevoracleImage string `yaml:"devoracle_image"`
}

// LoggingConfig governs the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration populated with the defaults spelled out
// in the specification's configuration surface (§6).
func Default() *Config {
	return &Config{
		Framework: FrameworkConfig{
			MaxRounds:          1000,
			MaxEvaluations:     1_000_000,
			LogSummaryInterval: 10,
			BatchSize:          8,
			QueueLimit:         128,
		},
		Evaluation: EvaluationConfig{
			EvalConcurrency:  64,
			MaxRetries:       3,
			RetryBaseDelay:   200 * time.Millisecond,
			CallTimeout:      30 * time.Second,
			FailureThreshold: 0.0,
			MaxTraceBytes:    8192,
		},
		ASHA: ASHAConfig{
			Shards:           []float64{0.05, 0.2, 1.0},
			CohortQuantile:   0.6,
			EpsImprove:       0.01,
			PromoteObjective: "quality",
		},
		QD: QDConfig{
			BinsLength:  8,
			BinsBullets: 6,
			Flags:       []string{"has_example", "has_numbered_steps", "has_format_instruction"},
		},
		Mutation: MutationConfig{
			AmortizedRate:        0.8,
			ReflectionBatchSize:  6,
			MaxMutationsPerRound: 16,
			MergePeriod:          3,
			MergeUpliftMin:       0.01,
			MaxTokens:            2048,
		},
		Compression: CompressionConfig{
			ShardFraction:         0.2,
			PruneDelta:            0.005,
			CompressionObjective:  "quality",
		},
		Migration: MigrationConfig{
			Period: 2,
			K:      3,
		},
		Islands: IslandsConfig{
			N:              4,
			SeedBase:       0,
			FastcacheBytes: 32 << 20,
		},
		Paths: PathsConfig{
			CachePath:    "./promptevo-data/cache",
			LogPath:      "./promptevo-data/logs",
			TransportDir: "./promptevo-data/transport",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML configuration file, expanding environment variables,
// and overlays it onto Default(). A missing path returns the defaults
// unchanged, matching the teacher's "absent config is not an error" choice.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration back out as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate rejects configurations that would leave a component unable to
// satisfy its invariants.
func (c *Config) Validate() error {
	if c.Evaluation.EvalConcurrency < 1 {
		return fmt.Errorf("evaluation.eval_concurrency must be at least 1")
	}
	if len(c.ASHA.Shards) == 0 {
		return fmt.Errorf("asha.shards must list at least one rung")
	}
	for i := 1; i < len(c.ASHA.Shards); i++ {
		if c.ASHA.Shards[i] <= c.ASHA.Shards[i-1] {
			return fmt.Errorf("asha.shards must be strictly increasing, got %v", c.ASHA.Shards)
		}
	}
	if c.ASHA.Shards[len(c.ASHA.Shards)-1] > 1.0 {
		return fmt.Errorf("asha.shards must not exceed 1.0 (full dataset)")
	}
	if c.ASHA.CohortQuantile <= 0 || c.ASHA.CohortQuantile > 1 {
		return fmt.Errorf("asha.cohort_quantile must be in (0, 1]")
	}
	if c.Mutation.AmortizedRate < 0 || c.Mutation.AmortizedRate > 1 {
		return fmt.Errorf("mutation.amortized_rate must be in [0, 1]")
	}
	if c.Mutation.MaxMutationsPerRound < 0 {
		return fmt.Errorf("mutation.max_mutations_per_round must be non-negative")
	}
	if c.Islands.N < 1 {
		return fmt.Errorf("islands.n_islands must be at least 1")
	}
	if c.Paths.CachePath == "" {
		return fmt.Errorf("paths.cache_path is required")
	}
	if c.Paths.LogPath == "" {
		return fmt.Errorf("paths.log_path is required")
	}
	if c.Paths.TransportDir == "" {
		return fmt.Errorf("paths.transport_dir is required")
	}
	return nil
}
