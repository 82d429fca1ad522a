// Package config provides configuration loading for changeflow.
package config

import (
	"fmt"

	"github.com/fyrsmithlabs/changeflow/internal/logging"
)

// Config is the full changeflow configuration.
type Config struct {
	Tracker    TrackerConfig    `koanf:"tracker"`
	Repo       RepoConfig       `koanf:"repo"`
	CodeHost   CodeHostConfig   `koanf:"codehost"`
	Compliance ComplianceConfig `koanf:"compliance"`
	Coverage   CoverageConfig   `koanf:"coverage"`
	Server     ServerConfig     `koanf:"server"`
	Logging    logging.Config   `koanf:"logging"`
}

// TrackerConfig configures the issue tracker adapter.
type TrackerConfig struct {
	BaseURL string `koanf:"base_url"`
	Token   Secret `koanf:"token"`

	// DisclosureFieldKey is the custom field updated by the disclose stage.
	DisclosureFieldKey string `koanf:"disclosure_field_key"`

	// RequestsPerSecond bounds the client-side request rate. Default: 5.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// RepoConfig configures the version control adapter.
type RepoConfig struct {
	// Path is the local repository path.
	Path string `koanf:"path"`

	// Remote is the remote name pushed to. Default: origin.
	Remote string `koanf:"remote"`

	// BaseBranch is the branch tasks fork from. Default: main.
	BaseBranch string `koanf:"base_branch"`
}

// CodeHostConfig configures the code host adapter.
type CodeHostConfig struct {
	Owner string `koanf:"owner"`
	Repo  string `koanf:"repo"`
	Token Secret `koanf:"token"`
}

// ComplianceConfig is the policy the validator enforces.
type ComplianceConfig struct {
	ProtectedFiles    []string `koanf:"protected_files"`
	CoverageThreshold float64  `koanf:"coverage_threshold"`
	ContributorName   string   `koanf:"contributor_name"`
	ContributorEmail  string   `koanf:"contributor_email"`
}

// CoverageConfig locates the opaque coverage toolchain outputs.
type CoverageConfig struct {
	BaselineFile string `koanf:"baseline_file"`
	CurrentFile  string `koanf:"current_file"`

	// InstrumentationFile and InstrumentationMarker identify already-injected
	// coverage tooling so re-entry skips re-injection.
	InstrumentationFile   string `koanf:"instrumentation_file"`
	InstrumentationMarker string `koanf:"instrumentation_marker"`
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// Default returns the hardcoded defaults applied before file and env.
func Default() *Config {
	return &Config{
		Tracker: TrackerConfig{
			DisclosureFieldKey: "customfield_ai_assistance",
			RequestsPerSecond:  5,
		},
		Repo: RepoConfig{
			Remote:     "origin",
			BaseBranch: "main",
		},
		Compliance: ComplianceConfig{
			ProtectedFiles:    []string{"LICENSE", "NOTICE", "CODEOWNERS"},
			CoverageThreshold: 80,
		},
		Coverage: CoverageConfig{
			InstrumentationMarker: "coverage:instrumented",
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: 9623,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if c.Repo.BaseBranch == "" {
		return fmt.Errorf("repo.base_branch is required")
	}
	if c.Repo.Remote == "" {
		return fmt.Errorf("repo.remote is required")
	}
	if c.Compliance.CoverageThreshold <= 0 || c.Compliance.CoverageThreshold > 100 {
		return fmt.Errorf("compliance.coverage_threshold must be a percentage above zero, got %v", c.Compliance.CoverageThreshold)
	}
	if c.Tracker.RequestsPerSecond <= 0 {
		return fmt.Errorf("tracker.requests_per_second must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
