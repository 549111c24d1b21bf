package legacy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "legacy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	_, found, err := s.Get(ctx, "theme")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "theme", "dark"))
	value, found, err := s.Get(ctx, "theme")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "dark", value)

	require.NoError(t, s.Delete(ctx, "theme"))
	_, found, err = s.Get(ctx, "theme")
	require.NoError(t, err)
	assert.False(t, found)

	// deleting again is a no-op
	require.NoError(t, s.Delete(ctx, "theme"))
}

func TestKeysSorted(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	for _, k := range []string{"b", "c", "a"} {
		require.NoError(t, s.Set(ctx, k, "v"))
	}

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestDeleteMany(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	for _, k := range []string{"x", "y", "z"} {
		require.NoError(t, s.Set(ctx, k, "v"))
	}
	require.NoError(t, s.DeleteMany(ctx, []string{"x", "z", "missing"}))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, keys)
}

func TestReopenPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "locale", "en-GB"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	value, found, err := s.Get(ctx, "locale")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "en-GB", value)
}

func TestCanceledContext(t *testing.T) {
	s := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Set(ctx, "k", "v"), context.Canceled)
}
