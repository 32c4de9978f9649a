package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 10, cfg.Engine.BatchSize)
	assert.Equal(t, 100, cfg.Engine.MaxJobsPerRun)
	assert.Equal(t, 2*time.Minute, cfg.Engine.LeaseDuration.Std())
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  environment: production
  base_url: https://mail.example.com
engine:
  secret: s3cret
  batch_size: 5
  max_jobs_per_run: 50
email:
  from: hello@example.com
  test_override: qa@example.com
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "s3cret", cfg.Engine.Secret)
	assert.Equal(t, 5, cfg.Engine.BatchSize)
	assert.Equal(t, 50, cfg.Engine.MaxJobsPerRun)
	assert.Equal(t, "hello@example.com", cfg.Email.From)
	// Untouched keys keep their defaults.
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, "engine:\n  lease_duration: 5m\n  poll_interval: 30s\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Engine.LeaseDuration.Std())
	assert.Equal(t, 30*time.Second, cfg.Engine.PollInterval.Std())
}

func TestEnvSecretOverride(t *testing.T) {
	path := writeConfig(t, "engine:\n  secret: from-file\n")
	t.Setenv("ENGINE_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Engine.Secret)
}

func TestLoadRejectsBadBatchSettings(t *testing.T) {
	path := writeConfig(t, "engine:\n  batch_size: 20\n  max_jobs_per_run: 10\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
