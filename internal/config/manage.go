package config

import "fmt"

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey writes a config key to the platform backend.
func SetKey(key, value string) error {
	return setKeyIn(newPlatformBackend(), key, value)
}

func setKeyIn(b Backend, key, value string) error {
	s, err := writableSpec(key)
	if err != nil {
		return err
	}
	if _, err := s.parse(value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return b.Store(key, value)
}

// UnsetKey removes a key from the platform backend so its default applies.
func UnsetKey(key string) error {
	return unsetKeyIn(newPlatformBackend(), key)
}

func unsetKeyIn(b Backend, key string) error {
	if _, err := writableSpec(key); err != nil {
		return err
	}
	return b.Remove(key)
}

func writableSpec(key string) (keySpec, error) {
	s, ok := lookupSpec(key)
	if !ok {
		return keySpec{}, fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return keySpec{}, fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}
	return s, nil
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
