//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const defaultsDomain = "com.tubescope.app"

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Library", "Application Support", "tubescope")
	}
	return "tubescope-data"
}

// defaultsBackend stores every key as a string in UserDefaults.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() Backend {
	return defaultsBackend{domain: defaultsDomain}
}

// missingKey reports whether err is the exit status `defaults` uses for an
// absent key.
func missingKey(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 1
}

func (b defaultsBackend) Lookup(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", b.domain, key).CombinedOutput()
	val := strings.TrimSpace(string(out))
	if err != nil {
		if missingKey(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults read %s: %w: %s", key, err, val)
	}
	return val, true, nil
}

func (b defaultsBackend) Store(key, val string) error {
	if out, err := exec.Command("defaults", "write", b.domain, key, "-string", val).CombinedOutput(); err != nil {
		return fmt.Errorf("defaults write %s: %w: %s", key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b defaultsBackend) Remove(key string) error {
	if err := exec.Command("defaults", "delete", b.domain, key).Run(); err != nil && !missingKey(err) {
		return fmt.Errorf("defaults delete %s: %w", key, err)
	}
	return nil
}
