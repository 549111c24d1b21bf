package metrics

import (
	"context"
	"crypto/rand"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/govportal/fieldsync/internal/vault/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	key := make([]byte, store.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "vault.db"), key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestCollector(t *testing.T, st Store) *Collector {
	return NewCollector(st, prometheus.NewRegistry(), log.New(io.Discard, "", 0))
}

func TestFlushIsAdditive(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	c := newTestCollector(t, st)

	c.Add(SyncMetrics{OperationsQueued: 2, TotalSyncSessions: 1})
	require.NoError(t, c.Flush(ctx))
	c.Add(SyncMetrics{OperationsQueued: 1, OperationsPushed: 3})
	require.NoError(t, c.Flush(ctx))

	var persisted SyncMetrics
	require.NoError(t, st.GetItem(ctx, store.Metrics, Key, &persisted))
	assert.Equal(t, SyncMetrics{OperationsQueued: 3, OperationsPushed: 3, TotalSyncSessions: 1}, persisted)

	count, err := st.Count(ctx, store.Metrics)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFlushAcrossCollectors(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	first := newTestCollector(t, st)
	first.Add(SyncMetrics{OperationsFailed: 4})
	require.NoError(t, first.Flush(ctx))

	second := newTestCollector(t, st)
	second.Add(SyncMetrics{OperationsFailed: 1})
	require.NoError(t, second.Flush(ctx))

	snap, err := second.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.OperationsFailed)
}

func TestSnapshotIncludesPending(t *testing.T) {
	ctx := context.Background()
	c := newTestCollector(t, setupTestStore(t))

	c.Add(SyncMetrics{ConflictsDetected: 1})
	require.NoError(t, c.Flush(ctx))
	c.Add(SyncMetrics{ConflictsDetected: 2, LastSyncTime: 1700000000000})

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.ConflictsDetected)
	assert.Equal(t, int64(1700000000000), snap.LastSyncTime)
}

func TestLastSyncTimeKeepsLatest(t *testing.T) {
	var m SyncMetrics
	m.add(SyncMetrics{LastSyncTime: 20})
	m.add(SyncMetrics{LastSyncTime: 10})
	assert.Equal(t, int64(20), m.LastSyncTime)
}

func TestSnapshotEmpty(t *testing.T) {
	snap, err := newTestCollector(t, setupTestStore(t)).Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncMetrics{}, snap)
}

func TestPrometheusMirror(t *testing.T) {
	c := newTestCollector(t, setupTestStore(t))

	c.Add(SyncMetrics{OperationsPushed: 2})
	c.Add(SyncMetrics{OperationsPushed: 1, TotalSyncSessions: 1, LastSyncTime: 5000})
	c.ObservePartition(store.Operations, 7)

	assert.Equal(t, float64(3), testutil.ToFloat64(c.events.WithLabelValues("pushed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.events.WithLabelValues("session")))
	assert.Equal(t, float64(7), testutil.ToFloat64(c.entries.WithLabelValues("operations")))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.lastSync))
}

func TestNilRegistererDoesNotPanic(t *testing.T) {
	st := setupTestStore(t)
	a := NewCollector(st, nil, nil)
	b := NewCollector(st, nil, nil)
	a.Add(SyncMetrics{OperationsQueued: 1})
	b.Add(SyncMetrics{OperationsQueued: 1})
}

type failingStore struct{}

func (failingStore) GetItem(context.Context, store.Partition, string, any) error {
	return store.ErrNotFound
}

func (failingStore) SetItem(context.Context, store.Partition, string, any) error {
	return assert.AnError
}

func TestFlushFailureKeepsPending(t *testing.T) {
	c := newTestCollector(t, failingStore{})
	c.Add(SyncMetrics{OperationsQueued: 1})

	assert.Error(t, c.Flush(context.Background()))
	c.FlushBestEffort(time.Second)

	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.OperationsQueued)
}
