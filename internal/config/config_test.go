package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Database.Timeout != 1*time.Second {
		t.Errorf("Database.Timeout = %v, want 1s", cfg.Database.Timeout)
	}
	if cfg.Session.RefreshMargin != 30*time.Second {
		t.Errorf("Session.RefreshMargin = %v, want 30s", cfg.Session.RefreshMargin)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("Queue.MaxAttempts = %d, want 5", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.MaxDelay < cfg.Queue.BaseDelay {
		t.Error("Queue.MaxDelay should not be below Queue.BaseDelay")
	}
	if cfg.Cache.MaxEntries <= 0 || cfg.Cache.MaxBytes <= 0 {
		t.Error("cache bounds should be positive")
	}
	if cfg.API.UserAgent == "" {
		t.Error("API.UserAgent should not be empty")
	}
	assert.Contains(t, cfg.Queue.Prerequisites, "create_blog")
	assert.NoError(t, cfg.Validate())
}

func TestLoad_DefaultConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 10*time.Minute, cfg.Cache.DefaultTTL)
	assert.True(t, filepath.IsAbs(cfg.Database.Path))
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.toml")
	configContent := `
[database]
path = "/tmp/quill-test.db"
timeout = "10s"

[api]
base_url = "https://blog.example.com"
http_timeout = "5s"

[session]
refresh_margin = "45s"

[queue]
base_delay = "250ms"
max_delay = "10s"
max_attempts = 7
prerequisites = ["create_blog", "follow_author"]

[cache]
max_entries = 42
max_bytes = 2048
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/quill-test.db", cfg.Database.Path)
	assert.Equal(t, 10*time.Second, cfg.Database.Timeout)
	assert.Equal(t, "https://blog.example.com", cfg.API.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.API.HTTPTimeout)
	assert.Equal(t, 45*time.Second, cfg.Session.RefreshMargin)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.BaseDelay)
	assert.Equal(t, 7, cfg.Queue.MaxAttempts)
	assert.Equal(t, []string{"create_blog", "follow_author"}, cfg.Queue.Prerequisites)
	assert.Equal(t, 42, cfg.Cache.MaxEntries)
	assert.Equal(t, int64(2048), cfg.Cache.MaxBytes)
}

func TestLoad_RejectsInvalidBounds(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.toml")
	content := `
[queue]
max_attempts = 0
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	_, err := Load(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")
}

func TestSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "config.toml")

	cfg := defaultConfig()
	cfg.API.BaseURL = "https://saved.example.com"
	cfg.Queue.MaxAttempts = 9

	require.NoError(t, Save(cfg, configPath))

	loaded, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "https://saved.example.com", loaded.API.BaseURL)
	assert.Equal(t, 9, loaded.Queue.MaxAttempts)
	assert.Equal(t, cfg.Queue.BaseDelay, loaded.Queue.BaseDelay)
	assert.Equal(t, cfg.Session.RefreshMargin, loaded.Session.RefreshMargin)
}

func TestGenerateDefaultConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")

	require.NoError(t, GenerateDefaultConfig(configPath))

	_, err := os.Stat(configPath)
	assert.NoError(t, err)
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	assert.Equal(t, filepath.Join(home, "data.db"), expandPath("~/data.db"))
	assert.Equal(t, ":memory:", expandPath(":memory:"))
	assert.Equal(t, "", expandPath(""))
	assert.True(t, filepath.IsAbs(expandPath("relative.db")))
}
