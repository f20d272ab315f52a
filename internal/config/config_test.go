package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.6, cfg.Engine.ConfidenceThreshold)
	assert.Equal(t, 45*time.Second, cfg.Engine.VerificationDeadline)
	assert.Equal(t, 1, cfg.Engine.MaxFixRetries)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
engine:
  confidence_threshold: 0.75
  verification_deadline: 90s
shadow:
  max_environments: 2
  fail_fast: true
store:
  driver: memory
  journal_path: /tmp/audit.log
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.75, cfg.Engine.ConfidenceThreshold)
	assert.Equal(t, 90*time.Second, cfg.Engine.VerificationDeadline)
	assert.Equal(t, 2, cfg.Shadow.MaxEnvironments)
	assert.True(t, cfg.Shadow.FailFast)
	assert.Equal(t, "/tmp/audit.log", cfg.Store.JournalPath)
	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Engine.DiagnosisTimeout)
	assert.Equal(t, "shadow-", cfg.Shadow.NamespacePrefix)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "engine:\n  confidence_threshold: 0.75\n")
	t.Setenv("TBR_ENGINE__CONFIDENCE_THRESHOLD", "0.9")
	t.Setenv("TBR_VERIFY__FAN_OUT", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.9, cfg.Engine.ConfidenceThreshold)
	assert.Equal(t, 8, cfg.Verify.FanOut)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidationRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.Engine.ConfidenceThreshold = 1.5 }},
		{"two fix retries", func(c *Config) { c.Engine.MaxFixRetries = 2 }},
		{"unknown provider", func(c *Config) { c.Diagnosis.Provider = "magic" }},
		{"openai without key", func(c *Config) { c.Diagnosis.Provider = "openai" }},
		{"postgres without url", func(c *Config) { c.Store.Driver = "postgres" }},
		{"zero budget", func(c *Config) { c.Shadow.MaxEnvironments = 0 }},
		{"short seed", func(c *Config) { c.Attest.SeedHex = "abcd" }},
		{"ttl within deadline plus teardown", func(c *Config) {
			c.Engine.VerificationDeadline = 5 * time.Minute
			c.Shadow.TeardownTimeout = time.Minute
			c.Shadow.TTL = 6 * time.Minute
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestShadowTTLRuleNamesField(t *testing.T) {
	cfg := Default()
	cfg.Shadow.TTL = cfg.Engine.VerificationDeadline
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gt_deadline_plus_teardown")

	cfg.Shadow.TTL = cfg.Engine.VerificationDeadline + cfg.Shadow.TeardownTimeout + time.Second
	assert.NoError(t, cfg.Validate())
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "shadow.max_environments", envKey("TBR_SHADOW__MAX_ENVIRONMENTS"))
	assert.Equal(t, "diagnosis.openai_api_key", envKey("TBR_DIAGNOSIS__OPENAI_API_KEY"))
}
