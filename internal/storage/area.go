package storage

import "errors"

// ErrQuotaExceeded is returned by SetItem when the write would push the
// area past its byte budget. The budget is shared by every key in the area.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// DefaultCapacity mirrors the per-origin budget of browser localStorage.
const DefaultCapacity int64 = 5 << 20

// Area is a synchronous, string-keyed, string-valued store with positional
// key enumeration. It is the only thing the caches know about persistence.
type Area interface {
	GetItem(key string) (string, bool)
	SetItem(key, value string) error
	RemoveItem(key string)
	// Key returns the key at position i in the area's enumeration order.
	// Order is stable only while the area is not modified.
	Key(i int) (string, bool)
	Len() int
}

func itemSize(key, value string) int64 {
	return int64(len(key) + len(value))
}
