// Package sweep periodically removes expired and corrupted cache entries so
// storage is reclaimed even when nobody reads the stale keys.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/tubescope/internal/metrics"
)

// DefaultInterval is used when NewWorker gets a non-positive interval.
const DefaultInterval = 10 * time.Minute

// Target is one cache the worker sweeps. Sweep returns how many entries it
// removed.
type Target struct {
	Name  string
	Sweep func() int
}

// Worker sweeps its targets on a fixed interval.
type Worker struct {
	targets  []Target
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker over targets. If interval is <= 0, it defaults
// to DefaultInterval.
func NewWorker(interval time.Duration, targets ...Target) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{
		targets:  targets,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		w.RunOnce()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce sweeps every target and returns the number of entries removed
// per target name.
func (w *Worker) RunOnce() map[string]int {
	removed := make(map[string]int, len(w.targets))
	for _, t := range w.targets {
		n := w.sweep(t)
		removed[t.Name] += n
		if n > 0 {
			w.logger.Info("swept cache", "cache", t.Name, "removed", n)
		}
	}
	return removed
}

// sweep isolates a panicking target so the others still run.
func (w *Worker) sweep(t Target) (n int) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("sweep panicked", "cache", t.Name, "panic", r)
			n = 0
		}
	}()
	n = t.Sweep()
	metrics.RecordSweep(t.Name, n)
	return n
}
