package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFromBytes(nil)
	require.NoError(t, err)

	assert.Equal(t, "origin", cfg.Repo.Remote)
	assert.Equal(t, "main", cfg.Repo.BaseBranch)
	assert.Equal(t, []string{"LICENSE", "NOTICE", "CODEOWNERS"}, cfg.Compliance.ProtectedFiles)
	assert.InDelta(t, 80, cfg.Compliance.CoverageThreshold, 0.001)
	assert.Equal(t, "customfield_ai_assistance", cfg.Tracker.DisclosureFieldKey)
	assert.InDelta(t, 5, cfg.Tracker.RequestsPerSecond, 0.001)
	assert.Equal(t, 9623, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromYAML(t *testing.T) {
	raw := []byte(`
tracker:
  base_url: https://tracker.example.com
  token: sekrit
  requests_per_second: 2
repo:
  path: /srv/repo
  base_branch: develop
codehost:
  owner: acme
  repo: widgets
compliance:
  coverage_threshold: 85
  contributor_name: Jordan Doe
  contributor_email: jordan@example.com
logging:
  level: debug
  format: console
`)

	cfg, err := LoadFromBytes(raw)
	require.NoError(t, err)

	assert.Equal(t, "https://tracker.example.com", cfg.Tracker.BaseURL)
	assert.Equal(t, "sekrit", cfg.Tracker.Token.Value())
	assert.InDelta(t, 2, cfg.Tracker.RequestsPerSecond, 0.001)
	assert.Equal(t, "develop", cfg.Repo.BaseBranch)
	assert.Equal(t, "origin", cfg.Repo.Remote, "defaults survive partial files")
	assert.Equal(t, "acme", cfg.CodeHost.Owner)
	assert.InDelta(t, 85, cfg.Compliance.CoverageThreshold, 0.001)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("CHANGEFLOW_REPO_BASE_BRANCH", "release")
	t.Setenv("CHANGEFLOW_SERVER_PORT", "8111")

	raw := []byte("repo:\n  base_branch: develop\n")
	cfg, err := LoadFromBytes(raw)
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Repo.BaseBranch)
	assert.Equal(t, 8111, cfg.Server.Port)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "threshold over 100", raw: "compliance:\n  coverage_threshold: 140\n"},
		{name: "threshold of zero", raw: "compliance:\n  coverage_threshold: 0\n"},
		{name: "negative rate", raw: "tracker:\n  requests_per_second: -1\n"},
		{name: "port out of range", raw: "server:\n  port: 70000\n"},
		{name: "bad log level", raw: "logging:\n  level: loud\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", s))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	data, err := json.Marshal(struct {
		Token Secret `json:"token"`
	}{Token: s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}
