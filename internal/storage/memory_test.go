package storage

import (
	"errors"
	"testing"
)

// testAreaContract exercises the behavior every Area must share.
func testAreaContract(t *testing.T, a Area) {
	t.Helper()

	if _, ok := a.GetItem("missing"); ok {
		t.Error("GetItem on empty area returned ok")
	}
	if a.Len() != 0 {
		t.Errorf("Len = %d, want 0", a.Len())
	}

	for _, kv := range [][2]string{{"b", "2"}, {"a", "1"}, {"c", "3"}} {
		if err := a.SetItem(kv[0], kv[1]); err != nil {
			t.Fatalf("SetItem(%q): %v", kv[0], err)
		}
	}
	if a.Len() != 3 {
		t.Fatalf("Len = %d, want 3", a.Len())
	}

	var keys []string
	for i := 0; i < a.Len(); i++ {
		k, ok := a.Key(i)
		if !ok {
			t.Fatalf("Key(%d) not ok", i)
		}
		keys = append(keys, k)
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Key(%d) = %q, want %q", i, keys[i], want[i])
		}
	}
	if _, ok := a.Key(3); ok {
		t.Error("Key past end returned ok")
	}

	if err := a.SetItem("a", "updated"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if v, _ := a.GetItem("a"); v != "updated" {
		t.Errorf("GetItem(a) = %q, want %q", v, "updated")
	}
	if a.Len() != 3 {
		t.Errorf("Len after overwrite = %d, want 3", a.Len())
	}

	a.RemoveItem("b")
	a.RemoveItem("b")
	if _, ok := a.GetItem("b"); ok {
		t.Error("GetItem(b) after remove returned ok")
	}
	if a.Len() != 2 {
		t.Errorf("Len after remove = %d, want 2", a.Len())
	}
	if k, _ := a.Key(1); k != "c" {
		t.Errorf("Key(1) after remove = %q, want %q", k, "c")
	}
}

func TestMemoryArea_Contract(t *testing.T) {
	testAreaContract(t, NewMemoryArea(0))
}

func TestMemoryArea_QuotaExceeded(t *testing.T) {
	a := NewMemoryArea(10)

	if err := a.SetItem("k1", "12345"); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	if err := a.SetItem("k2", "12345"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("SetItem over budget error = %v, want ErrQuotaExceeded", err)
	}
	if a.Usage() != 7 {
		t.Errorf("Usage = %d, want 7", a.Usage())
	}

	a.RemoveItem("k1")
	if a.Usage() != 0 {
		t.Errorf("Usage after remove = %d, want 0", a.Usage())
	}
	if err := a.SetItem("k2", "12345"); err != nil {
		t.Errorf("SetItem after freeing space: %v", err)
	}
}

func TestMemoryArea_DefaultCapacity(t *testing.T) {
	a := NewMemoryArea(-1)
	if a.Capacity() != DefaultCapacity {
		t.Errorf("Capacity = %d, want %d", a.Capacity(), DefaultCapacity)
	}
}
