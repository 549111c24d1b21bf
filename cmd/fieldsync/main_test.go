package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/govportal/fieldsync/internal/ui"
	"github.com/govportal/fieldsync/internal/vault/metrics"
	vsync "github.com/govportal/fieldsync/internal/vault/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func init() {
	ui.DisableColor()
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("2026-01-02T15:04:05Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC), got)

	got, err = parseSince("3 hours ago", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-3*time.Hour), got)

	_, err = parseSince("zzqx", now)
	assert.Error(t, err)
}

func sampleStatus() *vsync.Status {
	return &vsync.Status{
		Pending:     3,
		Due:         2,
		DeadLetters: 1,
		Metrics:     metrics.SyncMetrics{OperationsQueued: 7, TotalSyncSessions: 4},
	}
}

func TestWriteStatusJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeStatus(&buf, "json", sampleStatus(), map[string]int{"operations": 3}))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, float64(3), decoded["pending"])
	assert.Equal(t, float64(1), decoded["deadLetters"])
	assert.Equal(t, map[string]any{"operations": float64(3)}, decoded["partitions"])
	assert.Equal(t, float64(7), decoded["metrics"].(map[string]any)["operationsQueued"])
}

func TestWriteStatusYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeStatus(&buf, "yaml", sampleStatus(), map[string]int{"conflicts": 0}))

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, 3, decoded["pending"])
	assert.Equal(t, 2, decoded["due"])
	assert.Equal(t, map[string]any{"conflicts": 0}, decoded["partitions"])
}

func TestWriteStatusText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeStatus(&buf, "text", sampleStatus(), map[string]int{"operations": 3, "entities": 10}))

	out := buf.String()
	assert.Contains(t, out, "Pending:            3")
	assert.Contains(t, out, "Last sync:          never")
	assert.Contains(t, out, "Sync sessions:      4")
	assert.Contains(t, out, "entities   10")

	assert.Error(t, writeStatus(&buf, "xml", sampleStatus(), nil))
}

func TestPrintPushResult(t *testing.T) {
	var buf bytes.Buffer
	printPushResult(&buf, &vsync.PushResult{
		Pushed:         []string{"a"},
		Conflicts:      []string{"b"},
		Failed:         []string{"c", "d"},
		DeadLettered:   []string{"d"},
		TransportError: "",
	})
	assert.Equal(t, "✓ Pushed 1, 1 conflicts, 1 will be retried, 1 dead-lettered\n", buf.String())
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"init"}, {"migrate"}, {"status"}, {"enqueue"},
		{"pull"}, {"push"}, {"sync"}, {"daemon"}, {"dashboard"},
		{"deadletter", "list"}, {"deadletter", "requeue"}, {"deadletter", "clear"},
		{"conflicts", "list"}, {"conflicts", "resolve"},
		{"loadtest"}, {"config", "init"}, {"config", "show"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
