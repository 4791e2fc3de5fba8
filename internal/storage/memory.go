package storage

import (
	"sort"
	"sync"
)

// MemoryArea is an in-process Area with a fixed byte budget.
// Keys enumerate in sorted order.
type MemoryArea struct {
	mu       sync.RWMutex
	items    map[string]string
	keys     []string // sorted; rebuilt lazily
	dirty    bool
	used     int64
	capacity int64
}

// NewMemoryArea creates an empty area. A capacity <= 0 uses DefaultCapacity.
func NewMemoryArea(capacity int64) *MemoryArea {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryArea{
		items:    make(map[string]string),
		capacity: capacity,
	}
}

func (m *MemoryArea) GetItem(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok
}

func (m *MemoryArea) SetItem(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.used + itemSize(key, value)
	old, exists := m.items[key]
	if exists {
		next -= itemSize(key, old)
	}
	if next > m.capacity {
		return ErrQuotaExceeded
	}

	m.items[key] = value
	m.used = next
	if !exists {
		m.dirty = true
	}
	return nil
}

func (m *MemoryArea) RemoveItem(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.items[key]
	if !ok {
		return
	}
	delete(m.items, key)
	m.used -= itemSize(key, old)
	m.dirty = true
}

func (m *MemoryArea) Key(i int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirty || m.keys == nil {
		m.keys = m.keys[:0]
		for k := range m.items {
			m.keys = append(m.keys, k)
		}
		sort.Strings(m.keys)
		m.dirty = false
	}
	if i < 0 || i >= len(m.keys) {
		return "", false
	}
	return m.keys[i], true
}

func (m *MemoryArea) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Usage returns the number of bytes currently stored.
func (m *MemoryArea) Usage() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// Capacity returns the byte budget.
func (m *MemoryArea) Capacity() int64 {
	return m.capacity
}
