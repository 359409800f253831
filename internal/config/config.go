package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Builder BuilderConfig
	Storage StorageConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type BuilderConfig struct {
	// Path is the builder executable.
	Path    string
	Version string
	// UseLauncher runs Path through Launcher instead of executing it directly.
	UseLauncher bool
	Launcher    string
	PSF         bool
	// Timeout is a Go duration string; empty disables the limit.
	Timeout       string
	MaxConcurrent int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Builder: BuilderConfig{
			Launcher: "mono",
			PSF:      true,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file and environment
// variables. The file lives at $XDG_CONFIG_HOME/carbbuild/config.json;
// environment variables (CARBBUILD_*) override it. Secrets are read from
// the environment only.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if _, err := cfg.BuildTimeout(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// BuildTimeout parses Builder.Timeout. Zero means no limit.
func (c Config) BuildTimeout() (time.Duration, error) {
	raw := strings.TrimSpace(c.Builder.Timeout)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid builder.timeout %q: %w", c.Builder.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid builder.timeout %q: must not be negative", c.Builder.Timeout)
	}
	return d, nil
}

// Validate checks the settings required to launch builds.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Builder.Path) == "" {
		errs = append(errs, errors.New("missing required config: builder.path (env CARBBUILD_BUILDER_PATH)"))
	}
	if strings.TrimSpace(c.Builder.Version) == "" {
		errs = append(errs, errors.New("missing required config: builder.version (env CARBBUILD_BUILDER_VERSION)"))
	}
	if c.Builder.UseLauncher && strings.TrimSpace(c.Builder.Launcher) == "" {
		errs = append(errs, errors.New("builder.use_launcher is set but builder.launcher is empty"))
	}
	if c.Builder.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("builder.max_concurrent must not be negative, got %d", c.Builder.MaxConcurrent))
	}
	if _, err := c.BuildTimeout(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
