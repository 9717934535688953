package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NotNil(t, cfg)
	assert.Equal(t, 100*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, 100, cfg.Watch.BufferSize)
	assert.Equal(t, 2*time.Second, cfg.Process.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Resume.BaseDelay)
	assert.Equal(t, 5*time.Minute, cfg.Resume.MaxDelay)
	assert.Equal(t, 10, cfg.Resume.MaxRetries)
	assert.Equal(t, 0.10, cfg.Resume.JitterPct)
	assert.Equal(t, 3, cfg.Resume.CrashThreshold)
	assert.Equal(t, 60*time.Second, cfg.Resume.CrashWindow)
	assert.Equal(t, "Next-step.md", cfg.Resume.NextStepFile)
	assert.Equal(t, 10, cfg.Backup.MaxPerSession)
	assert.Equal(t, int64(10*1024*1024), cfg.Audit.MaxSizeBytes)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	t.Run("loads config from file", func(t *testing.T) {
		tmpDir := t.TempDir()

		configContent := `
watch_dir: /tmp/sessions
quiet: true
watch:
  debounce: 250ms
  buffer_size: 50
process:
  match: codex
resume:
  base_delay: 10s
  max_delay: 2m
`
		configPath := filepath.Join(tmpDir, "agw.yaml")
		err := os.WriteFile(configPath, []byte(configContent), 0644)
		require.NoError(t, err)

		cfg, err := LoadFromFile(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "/tmp/sessions", cfg.WatchDir)
		assert.True(t, cfg.Quiet)
		assert.Equal(t, 250*time.Millisecond, cfg.Watch.Debounce)
		assert.Equal(t, 50, cfg.Watch.BufferSize)
		assert.Equal(t, "codex", cfg.Process.Match)
		assert.Equal(t, 10*time.Second, cfg.Resume.BaseDelay)
		assert.Equal(t, 2*time.Minute, cfg.Resume.MaxDelay)
		// Untouched sections keep defaults
		assert.Equal(t, 10, cfg.Backup.MaxPerSession)
	})

	t.Run("returns error for non-existent file", func(t *testing.T) {
		cfg, err := LoadFromFile("/nonexistent/path/config.yaml")
		assert.Error(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "agw.yaml")
		err := os.WriteFile(configPath, []byte("resume:\n  base_delay: 0s\n"), 0644)
		require.NoError(t, err)

		cfg, err := LoadFromFile(configPath)
		assert.Error(t, err)
		assert.Nil(t, cfg)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty watch dir", func(c *Config) { c.WatchDir = "" }},
		{"zero buffer", func(c *Config) { c.Watch.BufferSize = 0 }},
		{"zero poll interval", func(c *Config) { c.Process.PollInterval = 0 }},
		{"zero base delay", func(c *Config) { c.Resume.BaseDelay = 0 }},
		{"max below base", func(c *Config) { c.Resume.MaxDelay = time.Second }},
		{"jitter above 1", func(c *Config) { c.Resume.JitterPct = 1.5 }},
		{"negative jitter", func(c *Config) { c.Resume.JitterPct = -0.1 }},
		{"zero crash threshold", func(c *Config) { c.Resume.CrashThreshold = 0 }},
		{"zero backup retention", func(c *Config) { c.Backup.MaxPerSession = 0 }},
		{"zero audit size", func(c *Config) { c.Audit.MaxSizeBytes = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/agw"
	assert.Equal(t, filepath.Join("/var/lib/agw", "state.json"), cfg.StatePath())
	assert.Equal(t, filepath.Join("/var/lib/agw", "audit.jsonl"), cfg.AuditPath())
}
