package sweep

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kalambet/tubescope/internal/metrics"
	"github.com/kalambet/tubescope/internal/reports"
	"github.com/kalambet/tubescope/internal/storage"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestRunOnce_RemovesExpiredReports(t *testing.T) {
	area := storage.NewMemoryArea(storage.DefaultCapacity)
	clock := &fakeClock{now: time.UnixMilli(1_000_000)}
	rc, err := reports.New(area, reports.Options{TTL: time.Hour, Clock: clock})
	if err != nil {
		t.Fatalf("reports.New: %v", err)
	}
	rc.SetCachedReport("UC1", reports.Report{BrandName: "old"}, "")
	clock.now = clock.now.Add(2 * time.Hour)
	rc.SetCachedReport("UC2", reports.Report{BrandName: "fresh"}, "")

	w := NewWorker(time.Minute, Target{Name: "sweep_test_reports", Sweep: rc.ClearExpiredReports})
	removed := w.RunOnce()

	if removed["sweep_test_reports"] != 1 {
		t.Errorf("removed = %d, want 1", removed["sweep_test_reports"])
	}
	if got := rc.Stats().Count; got != 1 {
		t.Errorf("remaining reports = %d, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.SweptEntries.WithLabelValues("sweep_test_reports")); got != 1 {
		t.Errorf("swept metric = %v, want 1", got)
	}
}

func TestRunOnce_PanickingTargetIsolated(t *testing.T) {
	var ran atomic.Bool
	w := NewWorker(time.Minute,
		Target{Name: "boom", Sweep: func() int { panic("corrupt") }},
		Target{Name: "ok", Sweep: func() int { ran.Store(true); return 2 }},
	)

	removed := w.RunOnce()

	if !ran.Load() {
		t.Error("second target did not run after the first panicked")
	}
	if removed["boom"] != 0 || removed["ok"] != 2 {
		t.Errorf("removed = %v", removed)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	w := NewWorker(10*time.Millisecond, Target{Name: "tick", Sweep: func() int {
		calls.Add(1)
		return 0
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("sweeps = %d after 2s, want at least 2", calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewWorker_DefaultInterval(t *testing.T) {
	w := NewWorker(0)
	if w.interval != DefaultInterval {
		t.Errorf("interval = %v, want %v", w.interval, DefaultInterval)
	}
}
