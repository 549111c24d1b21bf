package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Default(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "legacy.db"), cfg.LegacyPath)
	assert.Equal(t, filepath.Join(dir, "inbox"), cfg.Sync.InboxDir)
	assert.Equal(t, filepath.Join(dir, "vault.db"), cfg.VaultPath())
	assert.Equal(t, ProviderLegacy, cfg.SecretProvider)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 5*time.Second, cfg.Retry.BaseInterval)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, time.Hour, cfg.Retry.MaxInterval)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 8787, cfg.Dashboard.Port)
	assert.Empty(t, cfg.Log.File)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
secret_provider = "file"

[remote]
url = "https://sync.example.gov"
timeout = "10s"

[retry]
max_attempts = 8
max_interval = "30m"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fieldsync.toml"), []byte(content), 0600))

	cfg, err := Load(New(dir), "")
	require.NoError(t, err)
	assert.Equal(t, ProviderFile, cfg.SecretProvider)
	assert.Equal(t, "https://sync.example.gov", cfg.Remote.URL)
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 8, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Retry.MaxInterval)
	assert.Equal(t, 5*time.Second, cfg.Retry.BaseInterval)
}

func TestEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FIELDSYNC_REMOTE_TOKEN", "s3cret")
	t.Setenv("FIELDSYNC_SYNC_INTERVAL", "90s")
	t.Setenv("FIELDSYNC_DASHBOARD_PORT", "9100")

	cfg, err := Load(New(dir), "")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Remote.Token)
	assert.Equal(t, 90*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 9100, cfg.Dashboard.Port)
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	_, err := Load(New(t.TempDir()), filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Default(t.TempDir())
	require.NoError(t, err)

	bad := *cfg
	bad.SecretProvider = "keychain"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Retry.Multiplier = 0.5
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Retry.MaxAttempts = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Dashboard.Port = 70000
	assert.Error(t, bad.Validate())
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fieldsync.toml")

	require.NoError(t, WriteDefault(path, dir, false))
	assert.Error(t, WriteDefault(path, dir, false))
	require.NoError(t, WriteDefault(path, dir, true))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	written, err := Load(New(t.TempDir()), path)
	require.NoError(t, err)
	expected, err := Default(dir)
	require.NoError(t, err)
	assert.Equal(t, expected, written)
}
