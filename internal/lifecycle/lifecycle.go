// Package lifecycle provides cooperative shutdown for the orchestrator's
// per-round loop: a stop flag checked between rounds, triggered either by
// budget exhaustion (max_rounds / max_evaluations) or by an OS signal,
// generalizing the teacher's pkg/emergency.Controller from a polled
// stop-file watcher to a round-boundary-checked cooperative flag wired
// directly into SIGINT/SIGTERM.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Controller tracks whether a stop has been requested and why, and runs
// registered cleanup callbacks exactly once when triggered.
type Controller struct {
	mu        sync.RWMutex
	stopped   bool
	reason    string
	stopCh    chan struct{}
	callbacks []func()
}

// New creates a Controller with no stop requested.
func New() *Controller {
	return &Controller{stopCh: make(chan struct{})}
}

// WatchSignals wires SIGINT/SIGTERM into the Controller: the first signal
// requests a graceful stop, a second forces immediate exit.
func (c *Controller) WatchSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			log.Warn().Str("signal", sig.String()).Msg("stop requested")
			c.Request(fmt.Sprintf("signal: %v", sig))
		}
		select {
		case <-ctx.Done():
		case sig := <-sigCh:
			log.Error().Str("signal", sig.String()).Msg("forced exit")
			os.Exit(1)
		}
	}()
}

// Request triggers a stop if one has not already been requested, running
// every registered callback exactly once.
func (c *Controller) Request(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	c.reason = reason
	close(c.stopCh)
	for _, cb := range c.callbacks {
		cb()
	}
}

// Stopped reports whether a stop has been requested — the check the
// orchestrator makes before each round and after each round completes.
func (c *Controller) Stopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

// Reason returns the recorded stop reason, or "" if not stopped.
func (c *Controller) Reason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

// Done returns a channel closed when a stop is requested.
func (c *Controller) Done() <-chan struct{} {
	return c.stopCh
}

// OnStop registers a cleanup callback run once, when Request first fires.
func (c *Controller) OnStop(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		cb()
		return
	}
	c.callbacks = append(c.callbacks, cb)
}

// Budget tracks max_rounds / max_evaluations termination and requests a
// stop on the Controller once either is exhausted.
type Budget struct {
	MaxRounds      int
	MaxEvaluations int
	rounds         int
	evaluations    int
}

// RecordRound increments the round counter and requests a stop on ctrl if
// MaxRounds (when positive) has been reached.
func (b *Budget) RecordRound(ctrl *Controller) {
	b.rounds++
	if b.MaxRounds > 0 && b.rounds >= b.MaxRounds {
		ctrl.Request("max_rounds exhausted")
	}
}

// RecordEvaluations increments the evaluation counter by n and requests a
// stop on ctrl if MaxEvaluations (when positive) has been reached.
func (b *Budget) RecordEvaluations(ctrl *Controller, n int) {
	b.evaluations += n
	if b.MaxEvaluations > 0 && b.evaluations >= b.MaxEvaluations {
		ctrl.Request("max_evaluations exhausted")
	}
}

// Rounds reports the number of rounds recorded so far.
func (b *Budget) Rounds() int { return b.rounds }

// Evaluations reports the number of evaluations recorded so far.
func (b *Budget) Evaluations() int { return b.evaluations }
