package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const keychainService = "tubescope"

// Keychain accounts holding secret material.
const (
	accountEncryptionKey = "encryption_key"
	accountAPIToken      = "api_token"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Reports CacheConfig
	Jobs    CacheConfig
	Gemini  GeminiConfig
	Log     LogConfig
	Secrets SecretsConfig
}

type ServerConfig struct {
	Port int
	// WriteRate is the sustained rate of mutating API requests per second.
	WriteRate  float64
	WriteBurst int
}

type StorageConfig struct {
	DataDir       string
	CapacityBytes int
}

type CacheConfig struct {
	TTL      time.Duration
	MaxItems int
}

type GeminiConfig struct {
	Model string
	Tier  string
}

type LogConfig struct {
	Level string
}

type SecretsConfig struct {
	EncryptionKey string
	APIToken      string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:       4100,
			WriteRate:  5,
			WriteBurst: 10,
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			CapacityBytes: 5 << 20,
		},
		Reports: CacheConfig{TTL: 7 * 24 * time.Hour, MaxItems: 50},
		Jobs:    CacheConfig{TTL: 7 * 24 * time.Hour, MaxItems: 30},
		Gemini: GeminiConfig{
			Model: "gemini-2.5-flash",
			Tier:  "free",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.tubescope.app) and
// secrets live in the macOS Keychain (service: tubescope).
// Elsewhere the backend is a JSON file at $XDG_CONFIG_HOME/tubescope/config.json
// and secrets live in $XDG_DATA_HOME/tubescope/secrets.json.
//
// Environment variables (TUBESCOPE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), newSecretStore())
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b Backend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Secrets.EncryptionKey == "" {
		if key, err := kc.Get(keychainService, accountEncryptionKey); err == nil {
			cfg.Secrets.EncryptionKey = key
		}
	}
	if cfg.Secrets.APIToken == "" {
		if tok, err := kc.Get(keychainService, accountAPIToken); err == nil {
			cfg.Secrets.APIToken = tok
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Storage.CapacityBytes <= 0 {
		problems = append(problems, "storage.capacity_bytes must be positive")
	}
	if c.Reports.MaxItems <= 0 || c.Jobs.MaxItems <= 0 {
		problems = append(problems, "max_items must be positive")
	}
	if c.Reports.TTL < 0 || c.Jobs.TTL < 0 {
		problems = append(problems, "ttl must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// EnsureEncryptionKey returns the settings encryption secret, generating
// and storing one on first use.
func EnsureEncryptionKey(cfg *Config) (string, error) {
	return ensureSecret(newSecretStore(), &cfg.Secrets.EncryptionKey, accountEncryptionKey)
}

// EnsureAPIToken returns the local API bearer token, generating and storing
// one on first use.
func EnsureAPIToken(cfg *Config) (string, error) {
	return ensureSecret(newSecretStore(), &cfg.Secrets.APIToken, accountAPIToken)
}

func ensureSecret(kc keychain, dst *string, account string) (string, error) {
	if *dst != "" {
		return *dst, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating %s: %w", account, err)
	}
	secret := hex.EncodeToString(buf)
	if err := kc.Set(keychainService, account, secret); err != nil {
		return "", fmt.Errorf("storing %s: %w", account, err)
	}
	*dst = secret
	return secret, nil
}
