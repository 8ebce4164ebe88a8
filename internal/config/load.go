package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. NDAX_API_KEY.
const EnvPrefix = "NDAX_"

// Load reads the YAML file at path over the defaults, applies NDAX_*
// environment overrides and validates the result.
func Load(ctx context.Context, path string) (Config, error) {
	_ = ctx

	reader, closer, err := openConfigFile(path)
	if err != nil {
		return Config{}, err
	}
	defer closer()

	data, err := io.ReadAll(reader)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg, nil)
}

// LoadOrDefault behaves like Load but falls back to the defaults when path
// is empty or the file does not exist.
func LoadOrDefault(ctx context.Context, path string) (Config, error) {
	if strings.TrimSpace(path) != "" {
		cfg, err := Load(ctx, path)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	}
	return FromEnv()
}

// FromEnv returns the defaults with NDAX_* environment overrides applied.
func FromEnv() (Config, error) {
	return finish(Default(), nil)
}

// finish applies environment overrides (from vars when non-nil, else the
// process environment), normalises and validates.
func finish(cfg Config, vars map[string]string) (Config, error) {
	opts := env.Options{Prefix: EnvPrefix}
	if vars != nil {
		opts.Environment = vars
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("environment overrides: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
