// Package migration implements the ring-topology, best-effort migration
// queues between islands. Each island's inbox is realized as a single
// append-only JSON-Lines file guarded by a flock, generalizing the
// teacher's pkg/core/cleanup.Coordinator audit-log append idiom from an
// in-process slice to a cross-process, file-backed bounded queue — the
// same "append one record per action, read it back for the summary" shape,
// now shared by every island process on disk instead of by one goroutine
// in memory.
package migration

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/jihwankim/promptevo/internal/domain"
	"github.com/jihwankim/promptevo/internal/fingerprint"
)

// Envelope is one migrant: a candidate's text plus its objective snapshot
// at the time of export, and a hop count for observability only — hop
// count never gates admission.
type Envelope struct {
	Candidate  domain.Candidate  `json:"candidate"`
	Objectives map[string]float64 `json:"objectives"`
	HopCount   int               `json:"hop_count"`
}

// RingNext returns the island index that island i sends to under the ring
// topology: i -> (i+1) mod n.
func RingNext(i, n int) int {
	if n <= 0 {
		return 0
	}
	return (i + 1) % n
}

// Transport is the shared, file-backed migration fabric. One Transport
// instance is opened per island process, pointed at a directory shared by
// all islands in the run.
type Transport struct {
	dir        string
	queueLimit int
}

// NewTransport creates (if absent) the migration directory.
func NewTransport(dir string, queueLimit int) (*Transport, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create migration directory: %w", err)
	}
	if queueLimit < 1 {
		queueLimit = 1
	}
	return &Transport{dir: dir, queueLimit: queueLimit}, nil
}

func (t *Transport) inboxPath(islandID string) string {
	return filepath.Join(t.dir, fmt.Sprintf("island-%s.inbox.jsonl", islandID))
}

func (t *Transport) lockPath(islandID string) string {
	return filepath.Join(t.dir, fmt.Sprintf("island-%s.lock", islandID))
}

// Push delivers envelopes into targetIslandID's inbox, applying a
// drop-oldest bound at queueLimit. Push is non-blocking: if the target
// inbox's lock is currently held, Push returns immediately without error
// and these envelopes are dropped, not retried — a best-effort send with
// no acknowledgment and no ordering guarantee.
func (t *Transport) Push(targetIslandID string, envelopes []Envelope) error {
	lock := flock.New(t.lockPath(targetIslandID))
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to attempt migration lock: %w", err)
	}
	if !ok {
		return nil // best-effort: skip this round rather than block
	}
	defer lock.Unlock()

	existing, err := t.readAll(targetIslandID)
	if err != nil {
		return err
	}
	for i := range envelopes {
		envelopes[i].HopCount++
	}
	merged := append(existing, envelopes...)
	if len(merged) > t.queueLimit {
		merged = merged[len(merged)-t.queueLimit:] // drop-oldest
	}
	return t.writeAll(targetIslandID, merged)
}

// Drain non-blockingly empties islandID's own inbox and returns whatever
// was pending. If the inbox's lock is currently held by a concurrent
// Push, Drain returns an empty slice rather than waiting.
func (t *Transport) Drain(islandID string) ([]Envelope, error) {
	lock := flock.New(t.lockPath(islandID))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to attempt migration lock: %w", err)
	}
	if !ok {
		return nil, nil
	}
	defer lock.Unlock()

	envelopes, err := t.readAll(islandID)
	if err != nil {
		return nil, err
	}
	if len(envelopes) == 0 {
		return nil, nil
	}
	if err := t.writeAll(islandID, nil); err != nil {
		return nil, err
	}
	return envelopes, nil
}

func (t *Transport) readAll(islandID string) ([]Envelope, error) {
	f, err := os.Open(t.inboxPath(islandID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open inbox: %w", err)
	}
	defer f.Close()

	var envelopes []Envelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue // a corrupted line is skipped, not fatal
		}
		envelopes = append(envelopes, env)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan inbox: %w", err)
	}
	return envelopes, nil
}

func (t *Transport) writeAll(islandID string, envelopes []Envelope) error {
	path := t.inboxPath(islandID)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-inbox-*")
	if err != nil {
		return fmt.Errorf("failed to create temp inbox file: %w", err)
	}
	tmpPath := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, env := range envelopes {
		b, err := json.Marshal(env)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to encode migrant: %w", err)
		}
		w.Write(b)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to flush inbox: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp inbox file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename inbox into place: %w", err)
	}
	return nil
}

// DedupAdmit filters drained migrants by fingerprint against the local
// Cache and Archive, returning only survivors admissible at rung 0. A
// migrant whose fingerprint the local Cache or Archive already holds (or
// that repeats an earlier migrant in the batch) is dropped; survivors
// re-race from rung 0 rather than being admitted directly at their origin
// island's final rung.
func DedupAdmit(migrants []Envelope, cache, archive interface {
	Contains(fp fingerprint.Fingerprint) bool
}) []domain.Candidate {
	out := make([]domain.Candidate, 0, len(migrants))
	seen := make(map[fingerprint.Fingerprint]bool, len(migrants))
	for _, m := range migrants {
		fp := m.Candidate.Fingerprint
		if seen[fp] || cache.Contains(fp) || archive.Contains(fp) {
			continue
		}
		seen[fp] = true
		c := m.Candidate
		c.Origin = domain.OriginMigrant
		out = append(out, c)
	}
	return out
}
