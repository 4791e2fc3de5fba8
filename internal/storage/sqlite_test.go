package storage

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func openTestArea(t *testing.T, capacity int64) *SQLiteArea {
	t.Helper()
	a, err := OpenSQLite(":memory:", capacity)
	if err != nil {
		t.Fatalf("OpenSQLite(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// TestMigrationsIdempotent runs OpenSQLite twice on the same directory and
// verifies the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	a1, err := OpenSQLite(dir, 0)
	if err != nil {
		t.Fatalf("first OpenSQLite failed: %v", err)
	}
	v1, err := a1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if err := a1.SetItem("report_x", "v"); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	a1.Close()

	a2, err := OpenSQLite(dir, 0)
	if err != nil {
		t.Fatalf("second OpenSQLite failed: %v", err)
	}
	defer a2.Close()

	v2, err := a2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
	if v, ok := a2.GetItem("report_x"); !ok || v != "v" {
		t.Errorf("GetItem after reopen = %q, %v; want %q, true", v, ok, "v")
	}
}

func TestSQLiteArea_Contract(t *testing.T) {
	testAreaContract(t, openTestArea(t, 0))
}

func TestSQLiteArea_QuotaExceeded(t *testing.T) {
	a := openTestArea(t, 20)

	if err := a.SetItem("a", strings.Repeat("x", 10)); err != nil {
		t.Fatalf("first SetItem: %v", err)
	}
	err := a.SetItem("b", strings.Repeat("y", 10))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("SetItem over budget error = %v, want ErrQuotaExceeded", err)
	}
	if _, ok := a.GetItem("b"); ok {
		t.Error("rejected write must not be stored")
	}

	// Overwriting an existing key only counts the delta.
	if err := a.SetItem("a", strings.Repeat("z", 19)); err != nil {
		t.Errorf("overwrite within budget: %v", err)
	}
	used, err := a.Usage()
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if used != 20 {
		t.Errorf("Usage = %d, want 20", used)
	}
}

// TestSQLiteArea_SharedFile verifies two handles on the same file see each
// other's writes and that the last write wins.
func TestSQLiteArea_SharedFile(t *testing.T) {
	dir := t.TempDir()
	a1, err := OpenSQLite(dir, 0)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer a1.Close()
	a2, err := OpenSQLite(dir, 0)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer a2.Close()

	if err := a1.SetItem("k", "one"); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	if err := a2.SetItem("k", "two"); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	if v, _ := a1.GetItem("k"); v != "two" {
		t.Errorf("GetItem = %q, want last write %q", v, "two")
	}
}

// TestSQLiteArea_ConcurrentWritersOnSharedFile runs two handles writing the
// same file at once, the way a CLI process writes next to a running server.
func TestSQLiteArea_ConcurrentWritersOnSharedFile(t *testing.T) {
	dir := t.TempDir()
	areas := make([]*SQLiteArea, 2)
	for i := range areas {
		a, err := OpenSQLite(dir, 0)
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		defer a.Close()
		areas[i] = a
	}

	const writes = 50
	errs := make(chan error, len(areas)*writes)
	var wg sync.WaitGroup
	for i, a := range areas {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range writes {
				if err := a.SetItem(fmt.Sprintf("w%d_%02d", i, n), "v"); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("SetItem: %v", err)
	}
	if n := areas[0].Len(); n != len(areas)*writes {
		t.Errorf("Len = %d, want %d", n, len(areas)*writes)
	}
}
