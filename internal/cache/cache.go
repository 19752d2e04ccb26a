// Package cache implements the fingerprint-keyed evaluation cache: a
// disk-resident, content-addressed store fronted by an in-memory layer,
// generalizing the teacher's pkg/reporting.Storage (one file per report,
// write-then-rename, directory fan-out) from test reports to evaluation
// results, and adding the cross-process convergence discipline the
// specification requires for a shared, multi-island cache directory.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/gofrs/flock"
	"github.com/golang/snappy"

	"github.com/jihwankim/promptevo/internal/domain"
	"github.com/jihwankim/promptevo/internal/fingerprint"
	"github.com/jihwankim/promptevo/internal/orcherr"
)

// ErrConflict is returned by Put when a key already holds a different
// value — the monotonicity invariant's rejection path.
var ErrConflict = errors.New("cache: value-unequal re-put rejected")

// Cache is the persistent mapping from evaluation key to EvaluationResult.
type Cache struct {
	dir string
	mem *fastcache.Cache

	hits   atomic.Int64
	misses atomic.Int64

	seenMu sync.Mutex
	seen   map[fingerprint.Fingerprint]struct{}
}

// Open creates (if absent) the cache directory and an in-memory front of
// the given size.
func Open(dir string, fastcacheBytes int) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if fastcacheBytes <= 0 {
		fastcacheBytes = 32 << 20
	}
	return &Cache{
		dir:  dir,
		mem:  fastcache.New(fastcacheBytes),
		seen: make(map[fingerprint.Fingerprint]struct{}),
	}, nil
}

// MarkSeen records that candidate fp has at least one evaluation stored in
// this cache. It is process-local: a fresh process must rebuild this index
// from disk reads as it performs lookups, since the on-disk store is keyed
// by EvalKey (candidate+example+shard_version), not by candidate fingerprint
// alone, and so cannot be scanned for "is this candidate known" without a
// full directory walk.
func (c *Cache) MarkSeen(fp fingerprint.Fingerprint) {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	c.seen[fp] = struct{}{}
}

// Contains reports whether fp has been marked seen in this process, used by
// the Mutator's offspring-dedup pass.
func (c *Cache) Contains(fp fingerprint.Fingerprint) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	_, ok := c.seen[fp]
	return ok
}

type onDiskResult struct {
	Objectives     map[string]float64 `json:"objectives"`
	TraceCompressed []byte            `json:"trace_compressed,omitempty"`
	Failure        bool               `json:"failure"`
}

func encode(r domain.EvaluationResult) ([]byte, error) {
	rec := onDiskResult{Objectives: r.Objectives, Failure: r.Failure}
	if len(r.Trace) > 0 {
		rec.TraceCompressed = snappy.Encode(nil, r.Trace)
	}
	return json.Marshal(rec)
}

func decode(data []byte) (domain.EvaluationResult, error) {
	var rec onDiskResult
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.EvaluationResult{}, err
	}
	result := domain.EvaluationResult{Objectives: rec.Objectives, Failure: rec.Failure}
	if len(rec.TraceCompressed) > 0 {
		trace, err := snappy.Decode(nil, rec.TraceCompressed)
		if err != nil {
			return domain.EvaluationResult{}, err
		}
		result.Trace = trace
	}
	return result, nil
}

func (c *Cache) paths(key fingerprint.EvalKey) (finalPath, lockPath string) {
	dir, rest := fingerprint.ShardPath(string(key))
	shardDir := filepath.Join(c.dir, dir)
	return filepath.Join(shardDir, rest+".json"), filepath.Join(shardDir, ".lock")
}

// Get performs a pure lookup: fastcache first, then disk. A corrupted disk
// file is treated as a miss and is removed so a later Put can recreate it.
func (c *Cache) Get(key fingerprint.EvalKey) (domain.EvaluationResult, bool) {
	if raw, ok := c.mem.HasGet(nil, []byte(key)); ok {
		result, err := decode(raw)
		if err == nil {
			c.hits.Add(1)
			return result, true
		}
	}

	finalPath, _ := c.paths(key)
	data, err := os.ReadFile(finalPath)
	if err != nil {
		c.misses.Add(1)
		return domain.EvaluationResult{}, false
	}
	result, err := decode(data)
	if err != nil {
		_ = os.Remove(finalPath)
		c.misses.Add(1)
		return domain.EvaluationResult{}, false
	}
	c.mem.Set([]byte(key), data)
	c.hits.Add(1)
	return result, true
}

// Put writes a result exactly once per key. Concurrent Puts for the same
// key, within this process or across processes sharing the same disk
// directory, converge on a single value: the first writer durably renames
// its temp file into place under a directory-scoped flock; later writers
// observe the rename and verify value-equality rather than overwriting.
func (c *Cache) Put(key fingerprint.EvalKey, result domain.EvaluationResult) error {
	encoded, err := encode(result)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}

	finalPath, lockPath := c.paths(key)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("failed to create cache shard directory: %w", err)
	}

	lock := flock.New(lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire cache shard lock: %w", err)
	}
	defer lock.Unlock()

	if existing, err := os.ReadFile(finalPath); err == nil {
		existingResult, decodeErr := decode(existing)
		if decodeErr != nil {
			// CacheCorruption: treat the unreadable file as absent and overwrite.
			_ = os.Remove(finalPath)
		} else if !existingResult.Equal(result) {
			return orcherr.New(orcherr.KindInvariantViolation,
				fmt.Errorf("%w: key %s already holds a different value", ErrConflict, key))
		} else {
			c.mem.Set([]byte(key), existing)
			return nil // equal re-put is a no-op
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp cache file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename cache file into place: %w", err)
	}

	c.mem.Set([]byte(key), encoded)
	return nil
}

// WarmRate returns hits / (hits+misses) since process start.
func (c *Cache) WarmRate() float64 {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Reset clears the hit/miss counters — used by tests asserting warm-rate
// behavior across distinct "runs" against the same on-disk cache.
func (c *Cache) Reset() {
	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats summarizes the on-disk shard fan-out for `cache inspect`.
type Stats struct {
	Entries   int
	TotalSize int64
	HitRate   float64
}

// Inspect walks the cache directory, counting entries and bytes, for the
// `cache inspect` subcommand. It generalizes the teacher's
// reporting.Storage.ListReports directory walk from one flat report
// directory to the two-level shard fan-out fingerprint.ShardPath produces.
func (c *Cache) Inspect() (Stats, error) {
	stats := Stats{HitRate: c.WarmRate()}
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		stats.Entries++
		stats.TotalSize += info.Size()
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to walk cache directory: %w", err)
	}
	return stats, nil
}

// GC removes cache entries last modified before olderThan, generalizing the
// teacher's reporting.Storage.cleanupOldReports age-based eviction from a
// keep-last-N count to an explicit age cutoff, since the cache's value (a
// correct, reusable score) never goes stale by recency the way a test
// report's relevance does — only disk pressure motivates eviction here.
func (c *Cache) GC(olderThan time.Duration) (removed int, err error) {
	cutoff := time.Now().Add(-olderThan)
	walkErr := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if walkErr != nil {
		return removed, fmt.Errorf("failed to garbage-collect cache directory: %w", walkErr)
	}
	return removed, nil
}
