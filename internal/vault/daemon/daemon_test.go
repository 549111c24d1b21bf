package daemon

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/govportal/fieldsync/internal/vault/metrics"
	"github.com/govportal/fieldsync/internal/vault/schema"
	"github.com/govportal/fieldsync/internal/vault/store"
	vsync "github.com/govportal/fieldsync/internal/vault/sync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// acceptingRemote accepts every pushed operation.
type acceptingRemote struct {
	pulls  atomic.Int32
	mu     sync.Mutex
	pushed []string
}

func (r *acceptingRemote) Pull(context.Context, time.Time) (schema.PullResponse, error) {
	r.pulls.Add(1)
	return schema.PullResponse{}, nil
}

func (r *acceptingRemote) Push(_ context.Context, ops []schema.PendingOperation) (schema.PushResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var resp schema.PushResponse
	for _, op := range ops {
		r.pushed = append(r.pushed, op.ID)
		resp.Accepted = append(resp.Accepted, op.ID)
	}
	return resp, nil
}

func (r *acceptingRemote) pushedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pushed...)
}

type testEnv struct {
	store     *store.Store
	remote    *acceptingRemote
	collector *metrics.Collector
	syncer    vsync.Syncer
	inbox     string
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	key := make([]byte, store.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "vault.db"), key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	discard := log.New(io.Discard, "", 0)
	remote := &acceptingRemote{}
	collector := metrics.NewCollector(st, prometheus.NewRegistry(), discard)
	return &testEnv{
		store:     st,
		remote:    remote,
		collector: collector,
		syncer:    vsync.New(st, remote, collector, vsync.Options{Logger: discard}),
		inbox:     filepath.Join(dir, "inbox"),
	}
}

func testConfig() *Config {
	return &Config{
		SyncInterval:     time.Hour,
		CycleTimeout:     5 * time.Second,
		DebounceInterval: 20 * time.Millisecond,
		FlushTimeout:     time.Second,
		Logger:           log.New(io.Discard, "", 0),
	}
}

func writeOperation(t *testing.T, dir, id string) string {
	t.Helper()
	path, err := schema.WriteOperationFile(dir, &schema.PendingOperation{
		ID:            id,
		TableName:     "households",
		OperationType: schema.OpCreate,
		Payload:       json.RawMessage(`{"members":2}`),
	})
	require.NoError(t, err)
	return path
}

func pendingCount(t *testing.T, env *testEnv) int {
	t.Helper()
	n, err := env.store.Count(context.Background(), store.Operations)
	require.NoError(t, err)
	return n
}

func TestNewWithConfig_Validation(t *testing.T) {
	env := setupTestEnv(t)

	_, err := NewWithConfig(nil, env.collector, "", nil)
	assert.Error(t, err)
	_, err = NewWithConfig(env.syncer, nil, "", nil)
	assert.Error(t, err)

	d, err := NewWithConfig(env.syncer, env.collector, "", &Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().SyncInterval, d.config.SyncInterval)
	assert.NotNil(t, d.config.Logger)
}

func TestNextIntervalStaysWithinJitter(t *testing.T) {
	env := setupTestEnv(t)
	cfg := testConfig()
	cfg.SyncInterval = time.Minute
	cfg.Jitter = 10 * time.Second
	d, err := NewWithConfig(env.syncer, env.collector, "", cfg)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		iv := d.nextInterval()
		assert.GreaterOrEqual(t, iv, time.Minute)
		assert.Less(t, iv, time.Minute+10*time.Second)
	}
}

func TestIngestInbox(t *testing.T) {
	env := setupTestEnv(t)
	var ingested []string
	cfg := testConfig()
	cfg.OnEnqueue = func(op *schema.PendingOperation) { ingested = append(ingested, op.ID) }
	d, err := NewWithConfig(env.syncer, env.collector, env.inbox, cfg)
	require.NoError(t, err)

	first := writeOperation(t, env.inbox, "op-1")
	second := writeOperation(t, env.inbox, "op-2")
	bad := filepath.Join(env.inbox, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"tableName":"x","operationType":"merge","payload":{}}`), 0600))

	n, err := d.IngestInbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"op-1", "op-2"}, ingested)

	assert.NoFileExists(t, first)
	assert.NoFileExists(t, second)
	assert.NoFileExists(t, bad)
	assert.FileExists(t, bad+RejectedSuffix)
	assert.Equal(t, 2, pendingCount(t, env))

	// rejected files are not picked up again
	n, err = d.IngestInbox(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunCycleReportsSession(t *testing.T) {
	env := setupTestEnv(t)
	var sessions []*vsync.SessionResult
	cfg := testConfig()
	cfg.OnSession = func(result *vsync.SessionResult, err error) {
		assert.NoError(t, err)
		sessions = append(sessions, result)
	}
	d, err := NewWithConfig(env.syncer, env.collector, "", cfg)
	require.NoError(t, err)

	op, err := env.syncer.Enqueue(context.Background(), schema.PendingOperation{
		TableName: "parcels", OperationType: schema.OpUpdate, Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	result, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Same(t, result, sessions[0])
	assert.Equal(t, []string{op.ID}, result.Push.Pushed)
}

func TestStartWatchesInboxAndSyncs(t *testing.T) {
	env := setupTestEnv(t)
	d, err := NewWithConfig(env.syncer, env.collector, env.inbox, testConfig())
	require.NoError(t, err)

	waiting := writeOperation(t, env.inbox, "before-start")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	// the first cycle runs immediately and pushes the file found at startup
	require.Eventually(t, func() bool {
		return len(env.remote.pushedIDs()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoFileExists(t, waiting)

	writeOperation(t, env.inbox, "after-start")
	require.Eventually(t, func() bool {
		return pendingCount(t, env) == 1
	}, 5*time.Second, 10*time.Millisecond)

	d.TriggerSync()
	require.Eventually(t, func() bool {
		return len(env.remote.pushedIDs()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"before-start", "after-start"}, env.remote.pushedIDs())

	cancel()
	require.NoError(t, <-done)

	snap, err := env.collector.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.OperationsPushed)
	assert.Equal(t, int64(2), snap.OperationsQueued)
}

func TestStopIsIdempotent(t *testing.T) {
	env := setupTestEnv(t)
	d, err := NewWithConfig(env.syncer, env.collector, "", testConfig())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Start(context.Background()) }()

	require.Eventually(t, func() bool { return env.remote.pulls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
	require.NoError(t, <-done)
}

func TestStartFailureReleasesWatcher(t *testing.T) {
	env := setupTestEnv(t)
	d, err := NewWithConfig(env.syncer, env.collector, env.inbox, testConfig())
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(env.inbox))

	err = d.Start(context.Background())
	require.Error(t, err)

	assert.ErrorIs(t, d.ctx.Err(), context.Canceled)
	require.NoError(t, os.MkdirAll(env.inbox, 0700))
	assert.ErrorIs(t, d.watcher.Add(env.inbox), fsnotify.ErrClosed)
	assert.Zero(t, env.remote.pulls.Load())
}

func TestTriggerSyncMergesRequests(t *testing.T) {
	env := setupTestEnv(t)
	d, err := NewWithConfig(env.syncer, env.collector, "", testConfig())
	require.NoError(t, err)

	d.TriggerSync()
	d.TriggerSync()
	d.TriggerSync()
	assert.Len(t, d.trigger, 1)
}
