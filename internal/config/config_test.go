package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 25, cfg.Pipeline.QueueEnqueueLimit)
	assert.False(t, cfg.Pipeline.AutoPauseOnErrors)
	assert.Equal(t, 10, cfg.Pipeline.AutoPauseThreshold)
	assert.Equal(t, 7, cfg.Pipeline.RefreshIntervalDays)
	assert.True(t, cfg.Pipeline.RefreshAutoRecover)
	assert.Equal(t, "gemini-2.5-flash", cfg.LLM.Model)
	assert.False(t, cfg.Auth.Enabled)

	assert.Equal(t, 15*time.Second, cfg.HTTP.FetchTimeout())
	assert.Equal(t, 8*time.Second, cfg.HTTP.ProbeTimeout())
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.QueueStale())
	assert.Equal(t, 20*time.Minute, cfg.Pipeline.ItemStuck())
	assert.Equal(t, 7*24*time.Hour, cfg.Pipeline.RefreshInterval())
	assert.Equal(t, 6*time.Hour, cfg.Pipeline.RefreshJitter())
	assert.Equal(t, 12*time.Hour, cfg.Pipeline.RefreshMinGap())
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.RefreshMaxRuntime())
	assert.Equal(t, 12*time.Second, cfg.Pipeline.SitemapBudget())
	assert.Equal(t, 14*24*time.Hour, cfg.Pipeline.FailedLookback())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CATALOG_MAX_ATTEMPTS", "5")
	t.Setenv("CATALOG_SERVER_PORT", "9090")
	t.Setenv("CATALOG_AUTO_PAUSE_ON_ERRORS", "true")
	t.Setenv("CATALOG_AUTO_PAUSE_THRESHOLD", "4")
	t.Setenv("CATALOG_HTTP_USER_AGENT", "custom-bot/2.0")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Pipeline.AutoPauseOnErrors)
	assert.Equal(t, 4, cfg.Pipeline.AutoPauseThreshold)
	assert.Equal(t, "custom-bot/2.0", cfg.HTTP.UserAgent)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
db:
  dsn: postgres://localhost/catalog
max_attempts: 2
refresh_max_brands: 3
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/catalog", cfg.DB.DSN)
	assert.Equal(t, 2, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 3, cfg.Pipeline.RefreshMaxBrands)
	// Unset keys keep their defaults.
	assert.Equal(t, 25, cfg.Pipeline.QueueEnqueueLimit)
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadCapsSitemapMaxFiles(t *testing.T) {
	t.Setenv("CATALOG_EXTRACT_SITEMAP_MAX_FILES", "99999")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, sitemapMaxFilesHardCap, cfg.Pipeline.ExtractSitemapMaxFiles)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := Config{
		Server:   ServerConfig{Port: 8080},
		HTTP:     HTTPConfig{TimeoutSeconds: 15},
		Pipeline: PipelineConfig{MaxAttempts: 3, ExtractSitemapMaxFiles: 200},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"zero fetch timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"zero max attempts", func(c *Config) { c.Pipeline.MaxAttempts = 0 }, "max_attempts"},
		{"auto-pause without threshold", func(c *Config) {
			c.Pipeline.AutoPauseOnErrors = true
			c.Pipeline.AutoPauseThreshold = 0
		}, "auto_pause_threshold"},
		{"zero sitemap files", func(c *Config) { c.Pipeline.ExtractSitemapMaxFiles = 0 }, "extract_sitemap_max_files"},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
