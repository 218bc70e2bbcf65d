package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CHAT_SERVER_URL", "ws://chat.test/ws")
	t.Setenv("RECONNECT_MAX", "5s")
	t.Setenv("TOKEN_HOURS", "not-a-number")
	t.Setenv("DEV_AUTH", "true")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "ws://chat.test/ws", cfg.ChatServerURL)
	assert.Equal(t, 5*time.Second, cfg.ReconnectMax)
	assert.Equal(t, 72*time.Hour, cfg.TokenMaxAge)
	assert.True(t, cfg.DevAuth)
	assert.Same(t, cfg, Cfg)
}

func TestLoadConfigYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_base_url: http://api.test\nreconnect_min: 2s\nlog_level: debug\n"), 0o600))
	t.Setenv("CHAT_CONFIG_FILE", path)
	t.Setenv("CHAT_API_URL", "http://from-env")

	cfg, err := LoadConfig(filepath.Join(dir, "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "http://api.test", cfg.APIBaseURL)
	assert.Equal(t, 2*time.Second, cfg.ReconnectMin)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigRejectsInvertedBackoff(t *testing.T) {
	t.Setenv("RECONNECT_MIN", "10s")
	t.Setenv("RECONNECT_MAX", "1s")

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestGetDBHost(t *testing.T) {
	assert.Equal(t, "db:5432", getDBHost("postgres://u:p@db:5432/chat"))
	assert.Contains(t, getDBHost("garbage"), "unknown")
}
