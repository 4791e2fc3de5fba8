package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/tubescope/internal/storage"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestHistory(t *testing.T, area storage.Area) (*History, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1_000_000)}
	h, err := New(area, Options{Clock: clock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, clock
}

func TestHistory_Lifecycle(t *testing.T) {
	area := storage.NewMemoryArea(0)
	h, clock := newTestHistory(t, area)

	job := h.Start("a cat surfing", 3)
	if job.ID == "" || job.Status != StatusPending {
		t.Fatalf("Start = %+v", job)
	}
	if _, ok := area.GetItem(Prefix + job.ID); !ok {
		t.Fatal("job not stored under veo_job_ prefix")
	}

	clock.Advance(time.Second)
	job, ok := h.Advance(job.ID, 2)
	if !ok || job.Status != StatusRunning || job.CompletedScenes != 2 {
		t.Errorf("Advance = %+v, %v", job, ok)
	}
	if job.UpdatedAt <= job.CreatedAt {
		t.Errorf("UpdatedAt %d not after CreatedAt %d", job.UpdatedAt, job.CreatedAt)
	}
	if active := h.Active(); len(active) != 1 {
		t.Errorf("len(Active) = %d, want 1", len(active))
	}

	job, ok = h.Complete(job.ID, "https://example.com/v.mp4")
	if !ok || job.Status != StatusCompleted || job.CompletedScenes != 3 {
		t.Errorf("Complete = %+v, %v", job, ok)
	}
	if _, ok := h.Fail(job.ID, "late failure"); ok {
		t.Error("Fail on completed job reported success")
	}
	if got, _ := h.Get(job.ID); got.Status != StatusCompleted {
		t.Errorf("status after late Fail = %s, want completed", got.Status)
	}
	if active := h.Active(); len(active) != 0 {
		t.Errorf("len(Active) = %d, want 0", len(active))
	}
}

func TestHistory_UnknownJob(t *testing.T) {
	h, _ := newTestHistory(t, storage.NewMemoryArea(0))

	if _, ok := h.Advance("missing", 1); ok {
		t.Error("Advance on unknown job reported success")
	}
	if h.Save(Job{}) {
		t.Error("Save without ID reported success")
	}
	h.Delete("missing")
}

func TestHistory_CapacityAndOrdering(t *testing.T) {
	area := storage.NewMemoryArea(0)
	clock := &fakeClock{now: time.UnixMilli(1_000_000)}
	h, err := New(area, Options{Clock: clock, MaxItems: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first := h.Start("one", 1)
	clock.Advance(time.Millisecond)
	second := h.Start("two", 1)
	clock.Advance(time.Millisecond)
	third := h.Start("three", 1)

	list := h.List()
	if len(list) != 2 {
		t.Fatalf("len(List) = %d, want 2", len(list))
	}
	if list[0].ID != third.ID || list[1].ID != second.ID {
		t.Errorf("List order = %s, %s", list[0].Prompt, list[1].Prompt)
	}
	if _, ok := h.Get(first.ID); ok {
		t.Error("oldest job survived eviction")
	}
}

func TestHistory_ExpiryAndClear(t *testing.T) {
	h, clock := newTestHistory(t, storage.NewMemoryArea(0))

	h.Start("old", 1)
	clock.Advance(DefaultTTL + time.Millisecond)
	h.Start("new", 1)

	if n := h.ClearExpired(); n != 1 {
		t.Errorf("ClearExpired = %d, want 1", n)
	}
	if n := h.ClearAll(); n != 1 {
		t.Errorf("ClearAll = %d, want 1", n)
	}
}

func TestHistory_WatchSeesOtherTabs(t *testing.T) {
	bus := storage.NewBus(nil)
	defer bus.Close()

	area := storage.NewMemoryArea(0)
	writerTab := bus.Tab(area)
	readerTab := bus.Tab(area)

	writer, _ := newTestHistory(t, writerTab)
	reader, _ := newTestHistory(t, readerTab)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan string, 4)
	if err := reader.Watch(ctx, readerTab, func(id string) { changed <- id }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// Writes to other namespaces are filtered out.
	if err := writerTab.SetItem("report_x", "{}"); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	job := writer.Start("prompt", 1)

	select {
	case id := <-changed:
		if id != job.ID {
			t.Errorf("Watch id = %q, want %q", id, job.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job change")
	}
	if got, ok := reader.Get(job.ID); !ok || got.Prompt != "prompt" {
		t.Errorf("reader Get = %+v, %v", got, ok)
	}
}

// hookClock runs fn, once, on the nth call to Now after arming.
type hookClock struct {
	mu    sync.Mutex
	now   time.Time
	calls int
	at    int
	fn    func()
}

func (c *hookClock) Now() time.Time {
	c.mu.Lock()
	c.calls++
	var fn func()
	if c.fn != nil && c.calls == c.at {
		fn, c.fn = c.fn, nil
	}
	now := c.now
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
	return now
}

func (c *hookClock) arm(at int, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls, c.at, c.fn = 0, at, fn
}

// TestHistory_CompleteDuringAdvanceStaysCompleted starts a Complete after
// Advance has read the job but before it writes. The Complete must not be
// lost to Advance's stale copy.
func TestHistory_CompleteDuringAdvanceStaysCompleted(t *testing.T) {
	clock := &hookClock{now: time.UnixMilli(1_000_000)}
	h, err := New(storage.NewMemoryArea(0), Options{Clock: clock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	job := h.Start("race", 4)

	done := make(chan struct{})
	// Call 1 is the expiry check inside Get; call 2 stamps UpdatedAt.
	clock.arm(2, func() {
		go func() {
			defer close(done)
			h.Complete(job.ID, "https://example.com/v.mp4")
		}()
		select {
		case <-done:
		case <-time.After(50 * time.Millisecond):
		}
	})

	h.Advance(job.ID, 2)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Complete never finished")
	}

	got, ok := h.Get(job.ID)
	if !ok {
		t.Fatal("job missing")
	}
	if got.Status != StatusCompleted || got.VideoURL == "" {
		t.Errorf("job = %+v, want completed with its video URL", got)
	}
}
