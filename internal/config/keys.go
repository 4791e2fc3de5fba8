package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "TUBESCOPE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.write_rate", typ: kFloat, env: "TUBESCOPE_SERVER_WRITE_RATE",
		apply:   func(cfg *Config, v any) { cfg.Server.WriteRate = v.(float64) },
		extract: func(cfg Config) any { return cfg.Server.WriteRate },
	},
	{
		key: "server.write_burst", typ: kInt, env: "TUBESCOPE_SERVER_WRITE_BURST",
		apply:   func(cfg *Config, v any) { cfg.Server.WriteBurst = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.WriteBurst },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TUBESCOPE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.capacity_bytes", typ: kInt, env: "TUBESCOPE_STORAGE_CAPACITY_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Storage.CapacityBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.CapacityBytes },
	},
	{
		key: "reports.ttl", typ: kDuration, env: "TUBESCOPE_REPORTS_TTL",
		apply:   func(cfg *Config, v any) { cfg.Reports.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Reports.TTL },
	},
	{
		key: "reports.max_items", typ: kInt, env: "TUBESCOPE_REPORTS_MAX_ITEMS",
		apply:   func(cfg *Config, v any) { cfg.Reports.MaxItems = v.(int) },
		extract: func(cfg Config) any { return cfg.Reports.MaxItems },
	},
	{
		key: "jobs.ttl", typ: kDuration, env: "TUBESCOPE_JOBS_TTL",
		apply:   func(cfg *Config, v any) { cfg.Jobs.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.TTL },
	},
	{
		key: "jobs.max_items", typ: kInt, env: "TUBESCOPE_JOBS_MAX_ITEMS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.MaxItems = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.MaxItems },
	},
	{
		key: "gemini.model", typ: kString, env: "TUBESCOPE_GEMINI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.Model },
	},
	{
		key: "gemini.tier", typ: kString, env: "TUBESCOPE_GEMINI_TIER",
		apply:   func(cfg *Config, v any) { cfg.Gemini.Tier = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.Tier },
	},
	{
		key: "log.level", typ: kString, env: "TUBESCOPE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "secrets.encryption_key", typ: kString, env: "TUBESCOPE_ENCRYPTION_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Secrets.EncryptionKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Secrets.EncryptionKey },
	},
	{
		key: "secrets.api_token", typ: kString, env: "TUBESCOPE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Secrets.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Secrets.APIToken },
	},
}

// parse converts the string form of a value to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
