package store

import (
	"context"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/govportal/fieldsync/internal/vault/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID        string         `json:"id"`
	TableName string         `json:"tableName"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vault.db"), testKey(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// corrupt flips the first byte of column for the entry stored under key.
func corrupt(t *testing.T, s *Store, p Partition, key, column string) {
	t.Helper()
	ctx := context.Background()

	var value []byte
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`, column, quoteIdent(p.Name()), quoteIdent(p.IDField()))
	require.NoError(t, s.RawDB().QueryRowContext(ctx, query, key).Scan(&value))
	require.NotEmpty(t, value)
	value[0] ^= 0xff

	update := fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`, quoteIdent(p.Name()), column, quoteIdent(p.IDField()))
	_, err := s.RawDB().ExecContext(ctx, update, value, key)
	require.NoError(t, err)
}

func TestOpen_CreatesAllPartitionTables(t *testing.T) {
	s := setupTestStore(t)

	for _, p := range Partitions() {
		var name string
		err := s.RawDB().QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, p.Name()).Scan(&name)
		require.NoError(t, err, "table %s missing", p)
		assert.Equal(t, p.Name(), name)
	}
}

func TestOpen_RejectsShortKey(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "vault.db"), make([]byte, 16))
	assert.Error(t, err)
}

func TestSetGetItem_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	in := record{ID: "op-1", TableName: "households", Payload: map[string]any{"members": "4"}, Timestamp: 1700000000000}
	require.NoError(t, s.SetItem(ctx, Operations, in.ID, in))

	var out record
	require.NoError(t, s.GetItem(ctx, Operations, in.ID, &out))
	assert.Equal(t, in, out)
}

func TestSetItem_Overwrites(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	require.NoError(t, s.SetItem(ctx, Metadata, "lastSyncTime", int64(1)))
	require.NoError(t, s.SetItem(ctx, Metadata, "lastSyncTime", int64(2)))

	var out int64
	require.NoError(t, s.GetItem(ctx, Metadata, "lastSyncTime", &out))
	assert.Equal(t, int64(2), out)

	count, err := s.Count(ctx, Metadata)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetItem_NotFound(t *testing.T) {
	s := setupTestStore(t)

	var out record
	err := s.GetItem(context.Background(), Operations, "missing", &out)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrDecryption)
}

func TestGetItem_TamperedCiphertext(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	require.NoError(t, s.SetItem(ctx, Operations, "op-1", record{ID: "op-1"}))

	corrupt(t, s, Operations, "op-1", "ciphertext")

	var out record
	err := s.GetItem(ctx, Operations, "op-1", &out)
	require.ErrorIs(t, err, ErrDecryption)

	var decErr *DecryptionError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, Operations, decErr.Partition)
	assert.Equal(t, "op-1", decErr.Key)
}

func TestGetItem_TamperedIV(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	require.NoError(t, s.SetItem(ctx, Entities, "household/1", record{ID: "household/1"}))

	corrupt(t, s, Entities, "household/1", "iv")

	var out record
	assert.ErrorIs(t, s.GetItem(ctx, Entities, "household/1", &out), ErrDecryption)
}

func TestGetItem_EnvelopeBoundToKey(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	require.NoError(t, s.SetItem(ctx, Operations, "a", record{ID: "a"}))
	require.NoError(t, s.SetItem(ctx, Operations, "b", record{ID: "b"}))

	_, err := s.RawDB().ExecContext(ctx, `
		UPDATE "operations" SET
			ciphertext = (SELECT ciphertext FROM "operations" WHERE "id" = 'a'),
			iv = (SELECT iv FROM "operations" WHERE "id" = 'a')
		WHERE "id" = 'b'`)
	require.NoError(t, err)

	var out record
	assert.ErrorIs(t, s.GetItem(ctx, Operations, "b", &out), ErrDecryption)
}

func TestSetItem_FreshIVPerWrite(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.SetItem(ctx, Metadata, "k", "same value"))
		var iv, salt []byte
		require.NoError(t, s.RawDB().QueryRow(`SELECT iv, salt FROM "metadata" WHERE "key" = 'k'`).Scan(&iv, &salt))
		assert.Len(t, iv, IVSize)
		assert.Len(t, salt, SaltSize)
		assert.False(t, seen[string(iv)], "iv reused")
		seen[string(iv)] = true
	}
}

func TestRoundTripAcrossKeyManagerReinit(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	provider := keys.NewFileProvider(filepath.Join(dir, "secrets"))
	dbPath := filepath.Join(dir, "vault.db")

	m := keys.NewManager(provider)
	require.NoError(t, m.Init(ctx))
	s, err := Open(dbPath, m.Key())
	require.NoError(t, err)
	require.NoError(t, s.SetItem(ctx, Conflicts, "c-1", record{ID: "c-1", TableName: "parcels"}))
	require.NoError(t, s.Close())
	require.NoError(t, m.Close())

	m = keys.NewManager(provider)
	require.NoError(t, m.Init(ctx))
	defer m.Close()
	s, err = Open(dbPath, m.Key())
	require.NoError(t, err)
	defer s.Close()

	var out record
	require.NoError(t, s.GetItem(ctx, Conflicts, "c-1", &out))
	assert.Equal(t, "parcels", out.TableName)
}

func TestWrongKeyIsDecryptionError(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.db")

	s, err := Open(path, testKey(t))
	require.NoError(t, err)
	require.NoError(t, s.SetItem(ctx, Metadata, "k", "v"))
	require.NoError(t, s.Close())

	s, err = Open(path, testKey(t))
	require.NoError(t, err)
	defer s.Close()

	var out string
	assert.ErrorIs(t, s.GetItem(ctx, Metadata, "k", &out), ErrDecryption)
}

func TestGetAllItems(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.SetItem(ctx, Operations, id, record{ID: id}))
	}

	items, err := s.GetAllItems(ctx, Operations)
	require.NoError(t, err)
	require.Len(t, items, 3)

	var ids []string
	for _, it := range items {
		var r record
		require.NoError(t, it.Decode(&r))
		assert.Equal(t, it.Key, r.ID)
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestGetAllItems_OneCorruptEntryFailsCall(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SetItem(ctx, Operations, id, record{ID: id}))
	}
	corrupt(t, s, Operations, "b", "ciphertext")

	items, err := s.GetAllItems(ctx, Operations)
	assert.ErrorIs(t, err, ErrDecryption)
	assert.Nil(t, items)
}

func TestGetAllItems_Empty(t *testing.T) {
	items, err := setupTestStore(t).GetAllItems(context.Background(), DeadLetter)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRemoveAndClear(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SetItem(ctx, RetryState, id, record{ID: id}))
	}

	require.NoError(t, s.RemoveItem(ctx, RetryState, "b"))
	require.NoError(t, s.RemoveItem(ctx, RetryState, "missing"))

	keys, err := s.Keys(ctx, RetryState)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, keys)

	require.NoError(t, s.ClearStore(ctx, RetryState))
	count, err := s.Count(ctx, RetryState)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBatchSet_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	err := s.BatchSet(ctx, Entities, []Entry{
		{Key: "e-1", Value: record{ID: "e-1"}},
		{Key: "e-2", Value: make(chan int)}, // not encodable
	})
	require.Error(t, err)

	count, err := s.Count(ctx, Entities)
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, s.BatchSet(ctx, Entities, []Entry{
		{Key: "e-1", Value: record{ID: "e-1"}},
		{Key: "e-2", Value: record{ID: "e-2"}},
	}))
	count, err = s.Count(ctx, Entities)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMoveItem(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	require.NoError(t, s.SetItem(ctx, Operations, "op-1", record{ID: "op-1"}))

	require.NoError(t, s.MoveItem(ctx, Operations, DeadLetter, "op-1", map[string]any{"reason": "max attempts"}))

	var r record
	assert.ErrorIs(t, s.GetItem(ctx, Operations, "op-1", &r), ErrNotFound)

	var dl map[string]any
	require.NoError(t, s.GetItem(ctx, DeadLetter, "op-1", &dl))
	assert.Equal(t, "max attempts", dl["reason"])
}

func TestRemoveMany(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	for _, id := range []string{"op-1", "op-2", "op-3"} {
		require.NoError(t, s.SetItem(ctx, Operations, id, record{ID: id}))
	}

	require.NoError(t, s.RemoveMany(ctx, Operations, []string{"op-1", "op-3", "missing"}))

	keys, err := s.Keys(ctx, Operations)
	require.NoError(t, err)
	assert.Equal(t, []string{"op-2"}, keys)
}

func TestSetItem_EmptyKey(t *testing.T) {
	assert.Error(t, setupTestStore(t).SetItem(context.Background(), Metadata, "", "v"))
}
