package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStderrByDefault(t *testing.T) {
	f, err := New(Options{})
	require.NoError(t, err)
	assert.Equal(t, os.Stderr, f.Writer())
	assert.Equal(t, "[sync] ", f.Logger("sync").Prefix())
	assert.NoError(t, f.Close())
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "fieldsync.log")
	f, err := New(Options{File: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1})
	require.NoError(t, err)

	f.Logger("daemon").Println("Starting daemon")
	f.Logger("sync").Printf("Session %s done", "s-1")
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[daemon] ")
	assert.Contains(t, string(data), "Starting daemon")
	assert.Contains(t, string(data), "[sync] ")
	assert.Contains(t, string(data), "Session s-1 done")
}
