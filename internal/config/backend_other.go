//go:build !darwin

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
)

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, "tubescope")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, fallback, "tubescope")
	}
	return "tubescope-data"
}

func defaultDataDir() string {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// fileBackend keeps keys in $XDG_CONFIG_HOME/tubescope/config.json. Numbers
// and booleans written by hand are accepted and read back in string form.
type fileBackend struct {
	mu   sync.Mutex
	path string
	data map[string]string
}

func newPlatformBackend() Backend {
	return openFileBackend(filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "config.json"))
}

func openFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]string)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", path, err)
		}
		return b
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", path, err)
		return b
	}
	for k, v := range doc {
		switch val := v.(type) {
		case string:
			b.data[k] = val
		case float64:
			b.data[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			b.data[k] = strconv.FormatBool(val)
		default:
			fmt.Fprintf(os.Stderr, "[WARN] ignoring config key %s in %s: unsupported value %v\n", k, path, v)
		}
	}
	return b
}

func (b *fileBackend) Lookup(key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	return v, ok, nil
}

func (b *fileBackend) Store(key, val string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = val
	return writeJSONFile(b.path, b.data)
}

func (b *fileBackend) Remove(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; !ok {
		return nil
	}
	delete(b.data, key)
	return writeJSONFile(b.path, b.data)
}

// writeJSONFile replaces path atomically with the indented encoding of v.
// Readers never observe a half-written file.
func writeJSONFile(path string, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path))
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
