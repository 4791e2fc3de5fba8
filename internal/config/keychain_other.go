//go:build !darwin

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
)

// secretsFile is the keychain stand-in on platforms without one: a 0600
// JSON document of service -> account -> secret next to the data dir.
type secretsFile struct {
	mu   sync.Mutex
	path string
}

func newSecretStore() keychain {
	return &secretsFile{path: filepath.Join(defaultDataDir(), "secrets.json")}
}

func (f *secretsFile) read() (map[string]map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(raw, &secrets); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	return secrets, nil
}

func (f *secretsFile) Get(service, account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.read()
	if err != nil {
		return "", fmt.Errorf("secrets unavailable: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("no secret %s/%s", service, account)
	}
	return val, nil
}

// Set rewrites the file. An unreadable file is replaced rather than
// blocking the write.
func (f *secretsFile) Set(service, account, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.read()
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "[WARN] replacing unreadable secrets file: %v\n", err)
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value
	return writeJSONFile(f.path, secrets)
}
