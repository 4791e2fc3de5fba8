// Package settings persists user API credentials in a single record with
// encryption at rest, an in-memory decrypted copy for synchronous reads,
// and change notification within and across tabs.
//
// Unlike the caches, Save fails loudly: a credential that cannot be
// encrypted is never written in plaintext unless the store was built with
// AllowPlaintext.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/tubescope/internal/metrics"
	"github.com/kalambet/tubescope/internal/storage"
)

const Key = "user_settings"

var (
	ErrEncryptionFailed      = errors.New("credential encryption failed")
	ErrEncryptionUnavailable = errors.New("credential encryption unavailable")
)

// Encrypter is the encryption boundary for credential fields.
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
	Available() bool
}

// Subscriber delivers storage changes made by other tabs.
type Subscriber interface {
	Subscribe(ctx context.Context, fn func(storage.Event)) error
}

// Settings is the decrypted view of the record.
type Settings struct {
	YouTubeAPIKey string          `json:"youtubeApiKey,omitempty"`
	GeminiAPIKey  string          `json:"geminiApiKey,omitempty"`
	GeminiModel   string          `json:"geminiModel,omitempty"`
	QuotaUsage    json.RawMessage `json:"quotaUsage,omitempty"`
}

// HasCredentials reports whether any API key is set.
func (s Settings) HasCredentials() bool {
	return s.YouTubeAPIKey != "" || s.GeminiAPIKey != ""
}

// public drops the credential fields.
func (s Settings) public() Settings {
	return Settings{GeminiModel: s.GeminiModel, QuotaUsage: s.QuotaUsage}
}

// record is the persisted form. Credential fields hold ciphertext when
// Encrypted is set, and are never mixed.
type record struct {
	YouTubeAPIKey string          `json:"youtubeApiKey,omitempty"`
	GeminiAPIKey  string          `json:"geminiApiKey,omitempty"`
	GeminiModel   string          `json:"geminiModel,omitempty"`
	QuotaUsage    json.RawMessage `json:"quotaUsage,omitempty"`
	Encrypted     bool            `json:"encrypted"`
}

type credential struct {
	name string
	src  *string
	dst  *string
}

type Options struct {
	// AllowPlaintext stores credentials unencrypted when no encrypter is
	// available instead of refusing them.
	AllowPlaintext bool
	Logger         *slog.Logger
}

// Store owns the user_settings record.
type Store struct {
	area           storage.Area
	enc            Encrypter
	allowPlaintext bool
	logger         *slog.Logger

	group singleflight.Group

	mu        sync.Mutex
	cached    *Settings
	gen       uint64
	listeners map[int]func(Settings)
	nextID    int
}

// New creates a store over area. enc may be nil when no key is configured.
func New(area storage.Area, enc Encrypter, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		area:           area,
		enc:            enc,
		allowPlaintext: opts.AllowPlaintext,
		logger:         logger,
		listeners:      make(map[int]func(Settings)),
	}
}

func (s *Store) encryptionAvailable() bool {
	return s.enc != nil && s.enc.Available()
}

// Load returns the decrypted settings, reading and decrypting the record
// on a cold cache. A field that fails to decrypt is omitted. Concurrent
// callers share one load.
func (s *Store) Load(ctx context.Context) (Settings, error) {
	s.mu.Lock()
	if s.cached != nil {
		out := *s.cached
		s.mu.Unlock()
		return out, nil
	}
	gen := s.gen
	s.mu.Unlock()

	v, err, _ := s.group.Do("load", func() (any, error) {
		if err := ctx.Err(); err != nil {
			return Settings{}, err
		}
		loaded := s.load(ctx)

		s.mu.Lock()
		if s.gen == gen {
			s.cached = &loaded
		}
		s.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return Settings{}, err
	}
	return v.(Settings), nil
}

// Get returns the settings without suspending. On a cold cache with an
// encrypted record only the non-sensitive fields are returned.
func (s *Store) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return *s.cached
	}

	rec, ok := s.readRecord()
	if !ok {
		return Settings{}
	}
	out := Settings{GeminiModel: rec.GeminiModel, QuotaUsage: rec.QuotaUsage}
	if rec.Encrypted {
		return out
	}
	out.YouTubeAPIKey = rec.YouTubeAPIKey
	out.GeminiAPIKey = rec.GeminiAPIKey
	s.cached = &out
	return out
}

// Save encrypts each credential, persists the record, refreshes the cache
// and notifies listeners.
//
// An encryption error aborts the save with ErrEncryptionFailed and nothing
// is written. With no encrypter and no AllowPlaintext, the non-sensitive
// fields are written, the credentials are dropped and
// ErrEncryptionUnavailable is returned. Without an encrypter the store
// cannot see the stored credentials, so an existing encrypted record keeps
// its ciphertext unless plaintext credentials replace it.
func (s *Store) Save(ctx context.Context, in Settings) error {
	rec := record{GeminiModel: in.GeminiModel, QuotaUsage: in.QuotaUsage}
	persisted := in.public()
	var saveErr error

	var sealed record
	if !s.encryptionAvailable() {
		if prev, ok := s.readRecord(); ok && prev.Encrypted {
			sealed = prev
		}
	}
	keepSealed := func() {
		if sealed.Encrypted {
			rec.YouTubeAPIKey = sealed.YouTubeAPIKey
			rec.GeminiAPIKey = sealed.GeminiAPIKey
			rec.Encrypted = true
		}
	}

	switch {
	case !in.HasCredentials():
		keepSealed()
	case s.encryptionAvailable():
		for _, c := range []credential{
			{"youtubeApiKey", &in.YouTubeAPIKey, &rec.YouTubeAPIKey},
			{"geminiApiKey", &in.GeminiAPIKey, &rec.GeminiAPIKey},
		} {
			if *c.src == "" {
				continue
			}
			ct, err := s.enc.Encrypt(ctx, *c.src)
			if err != nil || ct == "" {
				metrics.RecordCryptoFailure("encrypt")
				if err == nil {
					err = errors.New("empty ciphertext")
				}
				return fmt.Errorf("%w: %s: %v", ErrEncryptionFailed, c.name, err)
			}
			*c.dst = ct
		}
		rec.Encrypted = true
		persisted = in
	case s.allowPlaintext:
		s.logger.Warn("storing credentials without encryption")
		rec.YouTubeAPIKey = in.YouTubeAPIKey
		rec.GeminiAPIKey = in.GeminiAPIKey
		persisted = in
	default:
		keepSealed()
		saveErr = ErrEncryptionUnavailable
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := s.area.SetItem(Key, string(raw)); err != nil {
		return fmt.Errorf("persisting settings: %w", err)
	}

	s.mu.Lock()
	s.gen++
	s.cached = &persisted
	s.mu.Unlock()
	s.group.Forget("load")

	s.notify(persisted)
	return saveErr
}

// Watch registers fn for changes made by this store or, via Follow, by
// other tabs. The returned func unregisters it.
func (s *Store) Watch(fn func(Settings)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Invalidate drops the in-memory copy so the next read goes to storage.
// Callers should invalidate on activation, since cross-tab notifications
// can be missed.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.gen++
	s.cached = nil
	s.mu.Unlock()
	s.group.Forget("load")
}

// Clear removes the record and notifies listeners.
func (s *Store) Clear() {
	s.area.RemoveItem(Key)
	s.mu.Lock()
	s.gen++
	s.cached = &Settings{}
	s.mu.Unlock()
	s.group.Forget("load")
	s.notify(Settings{})
}

// Follow reloads and notifies listeners whenever another tab changes the
// settings record, until ctx is cancelled.
func (s *Store) Follow(ctx context.Context, sub Subscriber) error {
	return sub.Subscribe(ctx, func(ev storage.Event) {
		if ev.Key != Key {
			return
		}
		s.Invalidate()
		settings, err := s.Load(ctx)
		if err != nil {
			s.logger.Debug("reloading settings after external change", "error", err)
			return
		}
		s.notify(settings)
	})
}

func (s *Store) notify(settings Settings) {
	s.mu.Lock()
	fns := make([]func(Settings), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(settings)
	}
}

// readRecord returns the persisted record. A corrupt record reads as absent.
func (s *Store) readRecord() (record, bool) {
	raw, ok := s.area.GetItem(Key)
	if !ok {
		return record{}, false
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.logger.Warn("ignoring unreadable settings record", "error", err)
		return record{}, false
	}
	return rec, true
}

func (s *Store) load(ctx context.Context) Settings {
	rec, ok := s.readRecord()
	if !ok {
		return Settings{}
	}
	out := Settings{GeminiModel: rec.GeminiModel, QuotaUsage: rec.QuotaUsage}
	if !rec.Encrypted {
		out.YouTubeAPIKey = rec.YouTubeAPIKey
		out.GeminiAPIKey = rec.GeminiAPIKey
		return out
	}
	if !s.encryptionAvailable() {
		s.logger.Warn("settings are encrypted but no key is available")
		return out
	}

	for _, c := range []credential{
		{"youtubeApiKey", &rec.YouTubeAPIKey, &out.YouTubeAPIKey},
		{"geminiApiKey", &rec.GeminiAPIKey, &out.GeminiAPIKey},
	} {
		if *c.src == "" {
			continue
		}
		plain, err := s.enc.Decrypt(ctx, *c.src)
		if err != nil {
			metrics.RecordCryptoFailure("decrypt")
			s.logger.Warn("omitting credential that failed to decrypt", "field", c.name, "error", err)
			continue
		}
		*c.dst = plain
	}
	return out
}
