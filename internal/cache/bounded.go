// Package cache implements a namespaced key/value cache over a storage.Area
// with a maximum item count and a per-item time-to-live.
//
// Every method is best-effort: absence, expiry, corruption and storage
// pressure never surface as errors. A corrupted entry is removed the first
// time any path reads it. Only New can fail, and only on bad options.
//
// Instances sharing an Area coordinate through nothing but the Area itself.
// Capacity checks made by one instance can be invalidated by a concurrent
// write from another; last write wins.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/kalambet/tubescope/internal/metrics"
	"github.com/kalambet/tubescope/internal/storage"
)

const (
	// quotaRetries bounds the evict-and-retry loop after ErrQuotaExceeded.
	quotaRetries = 10
	// keepOnCleanup is how many of the newest entries survive the
	// aggressive cleanup pass.
	keepOnCleanup = 5
)

// ErrInvalidOptions is returned by New for unusable construction parameters.
var ErrInvalidOptions = errors.New("invalid cache options")

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Options configures a Bounded cache.
type Options struct {
	// Prefix namespaces the cache inside the shared area. Prefixes of
	// distinct caches must not be prefixes of one another.
	Prefix string
	// MaxItems caps the number of keys under Prefix.
	MaxItems int
	// TTL is the lifetime of an entry measured from its write timestamp.
	// Zero means entries never expire.
	TTL time.Duration
	// Name labels metrics and logs. Defaults to Prefix.
	Name   string
	Clock  Clock
	Logger *slog.Logger
}

// Item is one live entry as returned by All.
type Item[T any] struct {
	ID        string
	Data      T
	Timestamp int64 // write time, epoch millis
}

// envelope is the persisted form of every entry.
type envelope[T any] struct {
	Data      T     `json:"data"`
	Timestamp int64 `json:"timestamp"`
}

type rawEnvelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp *int64          `json:"timestamp"`
}

type entry[T any] struct {
	key  string
	item Item[T]
}

// Bounded is a TTL- and count-bounded cache of T values.
type Bounded[T any] struct {
	area     storage.Area
	prefix   string
	maxItems int
	ttlMs    int64
	name     string
	clock    Clock
	logger   *slog.Logger

	mu sync.Mutex
}

// New creates a cache over area.
func New[T any](area storage.Area, opts Options) (*Bounded[T], error) {
	switch {
	case area == nil:
		return nil, fmt.Errorf("%w: nil storage area", ErrInvalidOptions)
	case opts.Prefix == "":
		return nil, fmt.Errorf("%w: empty prefix", ErrInvalidOptions)
	case opts.MaxItems <= 0:
		return nil, fmt.Errorf("%w: max items must be positive, got %d", ErrInvalidOptions, opts.MaxItems)
	case opts.TTL < 0:
		return nil, fmt.Errorf("%w: negative ttl %s", ErrInvalidOptions, opts.TTL)
	}

	c := &Bounded[T]{
		area:     area,
		prefix:   opts.Prefix,
		maxItems: opts.MaxItems,
		ttlMs:    opts.TTL.Milliseconds(),
		name:     opts.Name,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
	if c.name == "" {
		c.name = strings.TrimSuffix(opts.Prefix, "_")
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Prefix returns the key namespace of the cache.
func (c *Bounded[T]) Prefix() string { return c.prefix }

// MaxItems returns the configured item cap.
func (c *Bounded[T]) MaxItems() int { return c.maxItems }

// Now returns the cache clock's current time in epoch millis.
func (c *Bounded[T]) Now() int64 { return c.clock.Now().UnixMilli() }

// Get returns the value stored under id if it is present, parseable and
// not expired. Expired and corrupted entries are removed.
func (c *Bounded[T]) Get(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	key := c.prefix + id
	raw, ok := c.area.GetItem(key)
	if !ok {
		metrics.RecordMiss(c.name)
		return zero, false
	}

	e, err := c.decode(key, raw)
	if err != nil {
		c.dropCorrupt(key, err)
		metrics.RecordMiss(c.name)
		return zero, false
	}
	if c.expired(e.item.Timestamp, c.Now()) {
		c.area.RemoveItem(key)
		metrics.RecordEviction(c.name, metrics.ReasonExpired)
		metrics.RecordMiss(c.name)
		return zero, false
	}

	metrics.RecordHit(c.name)
	return e.item.Data, true
}

// Set stores data under id stamped with the current time.
// It reports whether the value was persisted; callers must not depend on it.
func (c *Bounded[T]) Set(id string, data T) bool {
	return c.SetAt(id, data, c.Now())
}

// SetAt stores data under id with an explicit write timestamp, for
// restoring entries whose original write time is known.
func (c *Bounded[T]) SetAt(id string, data T, timestamp int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.prefix + id
	raw, err := json.Marshal(envelope[T]{Data: data, Timestamp: timestamp})
	if err != nil {
		c.logger.Error("encoding cache entry", "cache", c.name, "key", key, "error", err)
		metrics.RecordDroppedWrite(c.name)
		return false
	}

	// Overwriting an existing key does not grow the namespace.
	if _, exists := c.area.GetItem(key); !exists && len(c.keys()) >= c.maxItems {
		c.evictOldest(metrics.ReasonCapacity)
	}

	return c.write(key, string(raw))
}

// Delete removes id. Removing an absent id is a no-op.
func (c *Bounded[T]) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.area.RemoveItem(c.prefix + id)
}

// All returns every live entry, newest first. Expired and corrupted
// entries found along the way are removed.
func (c *Bounded[T]) All() []Item[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.Now()
	var items []Item[T]
	for _, e := range c.load() {
		if c.expired(e.item.Timestamp, now) {
			c.area.RemoveItem(e.key)
			metrics.RecordEviction(c.name, metrics.ReasonExpired)
			continue
		}
		items = append(items, e.item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Timestamp != items[j].Timestamp {
			return items[i].Timestamp > items[j].Timestamp
		}
		return items[i].ID < items[j].ID
	})
	return items
}

// ClearExpired removes every expired or corrupted entry and returns how
// many were removed.
func (c *Bounded[T]) ClearExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := len(c.keys())
	now := c.Now()
	for _, e := range c.load() {
		if c.expired(e.item.Timestamp, now) {
			c.area.RemoveItem(e.key)
			metrics.RecordEviction(c.name, metrics.ReasonExpired)
		}
	}
	return before - len(c.keys())
}

// ClearAll removes every entry under the prefix and returns how many keys
// were removed.
func (c *Bounded[T]) ClearAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.keys()
	for _, k := range keys {
		c.area.RemoveItem(k)
	}
	return len(keys)
}

// Count returns the raw number of keys under the prefix, including expired
// entries that have not been swept yet. Use len(All()) for a live count.
func (c *Bounded[T]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys())
}

func (c *Bounded[T]) expired(timestamp, now int64) bool {
	return c.ttlMs > 0 && now-timestamp > c.ttlMs
}

// keys collects matching keys before any removal so index shifts cannot
// skip entries.
func (c *Bounded[T]) keys() []string {
	n := c.area.Len()
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		k, ok := c.area.Key(i)
		if !ok {
			break
		}
		if strings.HasPrefix(k, c.prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (c *Bounded[T]) decode(key, raw string) (entry[T], error) {
	var env rawEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return entry[T]{}, err
	}
	if env.Timestamp == nil || len(env.Data) == 0 {
		return entry[T]{}, errors.New("envelope missing data or timestamp")
	}
	var data T
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return entry[T]{}, fmt.Errorf("decoding data: %w", err)
	}
	return entry[T]{
		key: key,
		item: Item[T]{
			ID:        strings.TrimPrefix(key, c.prefix),
			Data:      data,
			Timestamp: *env.Timestamp,
		},
	}, nil
}

func (c *Bounded[T]) dropCorrupt(key string, err error) {
	c.logger.Warn("removing corrupted cache entry", "cache", c.name, "key", key, "error", err)
	c.area.RemoveItem(key)
	metrics.RecordEviction(c.name, metrics.ReasonCorrupt)
}

// load parses every entry under the prefix, removing the corrupted ones.
func (c *Bounded[T]) load() []entry[T] {
	var entries []entry[T]
	for _, k := range c.keys() {
		raw, ok := c.area.GetItem(k)
		if !ok {
			continue
		}
		e, err := c.decode(k, raw)
		if err != nil {
			c.dropCorrupt(k, err)
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// evictOldest removes the entry with the smallest timestamp, ties broken by
// key. Corrupted entries removed while scanning count as the eviction.
// It reports whether anything was removed.
func (c *Bounded[T]) evictOldest(reason string) bool {
	before := len(c.keys())
	entries := c.load()
	if len(entries) < before {
		return true
	}
	if len(entries) == 0 {
		return false
	}

	oldest := entries[0]
	for _, e := range entries[1:] {
		if e.item.Timestamp < oldest.item.Timestamp ||
			(e.item.Timestamp == oldest.item.Timestamp && e.key < oldest.key) {
			oldest = e
		}
	}
	c.area.RemoveItem(oldest.key)
	metrics.RecordEviction(c.name, reason)
	c.logger.Debug("evicted cache entry", "cache", c.name, "key", oldest.key, "reason", reason)
	return true
}

// keepNewest removes all but the n newest entries and returns how many
// were removed.
func (c *Bounded[T]) keepNewest(n int) int {
	entries := c.load()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].item.Timestamp > entries[j].item.Timestamp
	})
	removed := 0
	for i := n; i < len(entries); i++ {
		c.area.RemoveItem(entries[i].key)
		metrics.RecordEviction(c.name, metrics.ReasonCleanup)
		removed++
	}
	return removed
}

// write persists value, recovering from a full area by evicting this
// cache's own entries. Space held by other prefixes is never reclaimed
// here, so the write can still fail.
func (c *Bounded[T]) write(key, value string) bool {
	err := c.area.SetItem(key, value)
	if err == nil {
		return true
	}
	if !errors.Is(err, storage.ErrQuotaExceeded) {
		c.logger.Error("cache write failed", "cache", c.name, "key", key, "error", err)
		metrics.RecordDroppedWrite(c.name)
		return false
	}

	metrics.RecordQuotaExceeded(c.name)
	c.logger.Warn("storage quota exceeded, evicting oldest entries", "cache", c.name, "key", key)

	for attempt := 0; attempt < quotaRetries; attempt++ {
		if !c.evictOldest(metrics.ReasonQuota) {
			break
		}
		err = c.area.SetItem(key, value)
		if err == nil {
			return true
		}
		if !errors.Is(err, storage.ErrQuotaExceeded) {
			break
		}
	}

	removed := c.keepNewest(keepOnCleanup)
	c.logger.Warn("aggressive cache cleanup", "cache", c.name, "removed", removed, "kept", keepOnCleanup)

	if err = c.area.SetItem(key, value); err == nil {
		return true
	}
	c.logger.Error("dropping cache write", "cache", c.name, "key", key, "size", len(value), "error", err)
	metrics.RecordDroppedWrite(c.name)
	return false
}
