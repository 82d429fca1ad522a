package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces changeflow environment variables,
// e.g. CHANGEFLOW_TRACKER_BASE_URL -> tracker.base_url.
const envPrefix = "CHANGEFLOW_"

// Load reads configuration with precedence (highest to lowest):
//
//  1. Environment variables (CHANGEFLOW_*)
//  2. YAML config file (path, optional)
//  3. Hardcoded defaults
func Load(path string) (*Config, error) {
	var raw []byte
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		raw = content
	}
	return LoadFromBytes(raw)
}

// LoadFromBytes loads configuration from raw YAML plus environment
// overrides. A nil or empty input applies defaults and env only.
func LoadFromBytes(raw []byte) (*Config, error) {
	k := koanf.New(".")

	if len(raw) > 0 {
		if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	// Environment overrides: CHANGEFLOW_TRACKER_BASE_URL -> tracker.base_url.
	// Section names contain no underscores, so only the first underscore
	// separates section from key.
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.Replace(s, "_", ".", 1)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
