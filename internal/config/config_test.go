package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "SQLITE_PATH", "REDIS_URL", "TOKEN_PUBLIC_KEY",
	"RATE_LIMIT_WHITELIST", "AUTO_BLOCK_ENABLED", "SESSION_QUEUE_SIZE",
	"WS_WRITE_TIMEOUT", "WS_PING_INTERVAL", "ALLOWED_ORIGINS", "CHATD_CONFIG",
}

// clearEnv blanks every key Load reads. Empty values count as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
	// keep godotenv from picking up a developer's .env
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.UsePostgres())
	assert.Equal(t, "./data/chatd.db", cfg.SQLitePath)
	assert.Equal(t, 64, cfg.SessionQueueSize)
	assert.Equal(t, 10*time.Second, cfg.WSWriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.WSPingInterval)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "chatd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9090"
redis_url: redis://localhost:6379/0
rate_limit_whitelist: [10.0.0.0/8]
allowed_origins: [https://app.example]
ws_ping_interval: 15s
session_queue_size: 16
`), 0o600))

	t.Setenv("PORT", "7070")
	t.Setenv("RATE_LIMIT_WHITELIST", "127.0.0.1, 192.168.0.0/16 ,")
	t.Setenv("AUTO_BLOCK_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port, "env overrides file")
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, []string{"127.0.0.1", "192.168.0.0/16"}, cfg.RateLimitWhitelist)
	assert.Equal(t, []string{"https://app.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 15*time.Second, cfg.WSPingInterval)
	assert.Equal(t, 16, cfg.SessionQueueSize)
	assert.True(t, cfg.AutoBlockEnabled)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "chatd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sqlite_path: /tmp/x.db\n"), 0o600))
	t.Setenv("CHATD_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", cfg.SQLitePath)
}

func TestLoadProductionRequirements(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "TOKEN_PUBLIC_KEY")

	t.Setenv("DATABASE_URL", "postgres://localhost/chatd")
	t.Setenv("TOKEN_PUBLIC_KEY", "key")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.UsePostgres())
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)

	t.Setenv("WS_WRITE_TIMEOUT", "soon")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("WS_WRITE_TIMEOUT", "")
	t.Setenv("SESSION_QUEUE_SIZE", "0")
	_, err = Load("")
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
