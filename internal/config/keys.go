package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
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
		key: "server.port", typ: kInt, env: "CARBBUILD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "CARBBUILD_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "builder.path", typ: kString, env: "CARBBUILD_BUILDER_PATH",
		apply:   func(cfg *Config, v any) { cfg.Builder.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Builder.Path },
	},
	{
		key: "builder.version", typ: kString, env: "CARBBUILD_BUILDER_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Builder.Version = v.(string) },
		extract: func(cfg Config) any { return cfg.Builder.Version },
	},
	{
		key: "builder.use_launcher", typ: kBool, env: "CARBBUILD_BUILDER_USE_LAUNCHER",
		apply:   func(cfg *Config, v any) { cfg.Builder.UseLauncher = v.(bool) },
		extract: func(cfg Config) any { return cfg.Builder.UseLauncher },
	},
	{
		key: "builder.launcher", typ: kString, env: "CARBBUILD_BUILDER_LAUNCHER",
		apply:   func(cfg *Config, v any) { cfg.Builder.Launcher = v.(string) },
		extract: func(cfg Config) any { return cfg.Builder.Launcher },
	},
	{
		key: "builder.psf", typ: kBool, env: "CARBBUILD_BUILDER_PSF",
		apply:   func(cfg *Config, v any) { cfg.Builder.PSF = v.(bool) },
		extract: func(cfg Config) any { return cfg.Builder.PSF },
	},
	{
		key: "builder.timeout", typ: kString, env: "CARBBUILD_BUILDER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Builder.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Builder.Timeout },
	},
	{
		key: "builder.max_concurrent", typ: kInt, env: "CARBBUILD_BUILDER_MAX_CONCURRENT",
		apply:   func(cfg *Config, v any) { cfg.Builder.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Builder.MaxConcurrent },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CARBBUILD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "CARBBUILD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
