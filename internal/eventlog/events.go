package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Kind enumerates the event-record kinds named in the specification.
type Kind string

const (
	KindEvalStart          Kind = "eval_start"
	KindEvalDone           Kind = "eval_done"
	KindPromote            Kind = "promote"
	KindArchiveUpdate      Kind = "archive_update"
	KindMutationProposed   Kind = "mutation_proposed"
	KindMutationAccepted   Kind = "mutation_accepted"
	KindMergeProposed      Kind = "merge_proposed"
	KindMergeAccepted      Kind = "merge_accepted"
	KindMergeRejected      Kind = "merge_rejected"
	KindCompressionApplied Kind = "compression_applied"
	KindMigrateOut         Kind = "migrate_out"
	KindMigrateIn          Kind = "migrate_in"
	KindSummary            Kind = "summary"
	KindFatal              Kind = "fatal"
)

// Summary carries the fields the specification requires on a "summary"
// record.
type Summary struct {
	PendingQueueDepth  int                `json:"pending_queue_depth"`
	ParetoSize         int                `json:"pareto_size"`
	QDPopulatedBins    int                `json:"qd_populated_bins"`
	TotalEvaluations   int                `json:"total_evaluations"`
	CacheHitRate       float64            `json:"cache_hit_rate"`
	ObjectiveStats     map[string]Stats   `json:"objective_stats"`
}

// Stats is the per-objective min/max/mean/median the summary event reports.
type Stats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
}

// Sink appends one JSON object per line to log_path, one file per island
// process, matching the teacher's append-only file persistence idiom
// (pkg/reporting.Storage) but for an event stream instead of a final
// report.
type Sink struct {
	mu     sync.Mutex
	logger zerolog.Logger
	file   *os.File
	island string
}

// NewSink opens (creating if needed) the append-only JSONL file for one
// island under logPath.
func NewSink(logPath string, island string) (*Sink, error) {
	if err := os.MkdirAll(logPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(logPath, fmt.Sprintf("island-%s.jsonl", island))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return &Sink{
		logger: zerolog.New(f).With().Timestamp().Logger(),
		file:   f,
		island: island,
	}, nil
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Emit appends one record of the given kind, round, and extra fields.
func (s *Sink) Emit(kind Kind, round int, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event := s.logger.Log().Str("island", s.island).Int("round", round).Str("kind", string(kind))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Send()
}

// EmitSummary appends a "summary" record.
func (s *Sink) EmitSummary(round int, sum Summary) {
	s.Emit(KindSummary, round, map[string]interface{}{
		"pending_queue_depth": sum.PendingQueueDepth,
		"pareto_size":         sum.ParetoSize,
		"qd_populated_bins":   sum.QDPopulatedBins,
		"total_evaluations":   sum.TotalEvaluations,
		"cache_hit_rate":      sum.CacheHitRate,
		"objective_stats":     sum.ObjectiveStats,
	})
}

// ComputeStats computes min/max/mean/median over a slice of samples. It
// mutates its input by sorting it in place — callers should pass a copy
// if the original order matters.
func ComputeStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	sort.Float64s(values)
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mid := len(values) / 2
	median := values[mid]
	if len(values)%2 == 0 {
		median = (values[mid-1] + values[mid]) / 2
	}
	return Stats{
		Min:    values[0],
		Max:    values[len(values)-1],
		Mean:   sum / float64(len(values)),
		Median: median,
	}
}
