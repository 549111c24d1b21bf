// Package metrics collects sync health counters.
//
// Counters accumulate in memory as the orchestrator works and are flushed
// additively into the single `sync` row of the metrics partition. Every
// change is mirrored to Prometheus collectors for the status server.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/govportal/fieldsync/internal/vault/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Key is the metrics partition key of the persisted row.
const Key = "sync"

// SyncMetrics is the persisted metrics row. Counters only grow.
type SyncMetrics struct {
	OperationsQueued  int64 `json:"operationsQueued" yaml:"operationsQueued"`
	OperationsPushed  int64 `json:"operationsPushed" yaml:"operationsPushed"`
	OperationsFailed  int64 `json:"operationsFailed" yaml:"operationsFailed"`
	ConflictsDetected int64 `json:"conflictsDetected" yaml:"conflictsDetected"`
	TotalSyncSessions int64 `json:"totalSyncSessions" yaml:"totalSyncSessions"`
	LastSyncTime      int64 `json:"lastSyncTime" yaml:"lastSyncTime"` // unix ms, zero before the first pull
}

func (m *SyncMetrics) add(d SyncMetrics) {
	m.OperationsQueued += d.OperationsQueued
	m.OperationsPushed += d.OperationsPushed
	m.OperationsFailed += d.OperationsFailed
	m.ConflictsDetected += d.ConflictsDetected
	m.TotalSyncSessions += d.TotalSyncSessions
	if d.LastSyncTime > m.LastSyncTime {
		m.LastSyncTime = d.LastSyncTime
	}
}

func (m SyncMetrics) isZero() bool {
	return m == SyncMetrics{}
}

// Store is the vault subset the collector persists through.
type Store interface {
	GetItem(ctx context.Context, p store.Partition, key string, dst any) error
	SetItem(ctx context.Context, p store.Partition, key string, value any) error
}

// Collector accumulates metric deltas.
type Collector struct {
	store  Store
	logger *log.Logger

	mu      sync.Mutex
	pending SyncMetrics

	events   *prometheus.CounterVec
	entries  *prometheus.GaugeVec
	lastSync prometheus.Gauge
}

// NewCollector creates a collector persisting into st. Prometheus
// collectors are registered with reg; a nil reg leaves them unregistered.
func NewCollector(st Store, reg prometheus.Registerer, logger *log.Logger) *Collector {
	if logger == nil {
		logger = log.New(os.Stderr, "[metrics] ", log.LstdFlags)
	}
	factory := promauto.With(reg)

	return &Collector{
		store:  st,
		logger: logger,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_sync_events_total",
			Help: "Sync events by kind",
		}, []string{"event"}),
		entries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldsync_partition_entries",
			Help: "Entries per vault partition at the end of the last sync session",
		}, []string{"partition"}),
		lastSync: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_last_sync_timestamp_seconds",
			Help: "Unix time of the last successful pull",
		}),
	}
}

// Add accumulates d. LastSyncTime keeps the latest value.
func (c *Collector) Add(d SyncMetrics) {
	c.mu.Lock()
	c.pending.add(d)
	c.mu.Unlock()

	c.observe("queued", d.OperationsQueued)
	c.observe("pushed", d.OperationsPushed)
	c.observe("failed", d.OperationsFailed)
	c.observe("conflict", d.ConflictsDetected)
	c.observe("session", d.TotalSyncSessions)
	if d.LastSyncTime > 0 {
		c.lastSync.Set(float64(d.LastSyncTime) / 1000)
	}
}

func (c *Collector) observe(event string, n int64) {
	if n > 0 {
		c.events.WithLabelValues(event).Add(float64(n))
	}
}

// ObservePartition records the current entry count of a partition.
func (c *Collector) ObservePartition(p store.Partition, count int) {
	c.entries.WithLabelValues(p.Name()).Set(float64(count))
}

func (c *Collector) load(ctx context.Context) (SyncMetrics, error) {
	var persisted SyncMetrics
	err := c.store.GetItem(ctx, store.Metrics, Key, &persisted)
	if errors.Is(err, store.ErrNotFound) {
		return SyncMetrics{}, nil
	}
	if err != nil {
		return SyncMetrics{}, fmt.Errorf("failed to load metrics: %w", err)
	}
	return persisted, nil
}

// Flush adds the pending deltas to the persisted row. On error the deltas
// stay pending.
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending.isZero() {
		return nil
	}

	persisted, err := c.load(ctx)
	if err != nil {
		return err
	}
	persisted.add(c.pending)

	if err := c.store.SetItem(ctx, store.Metrics, Key, persisted); err != nil {
		return fmt.Errorf("failed to persist metrics: %w", err)
	}
	c.pending = SyncMetrics{}
	return nil
}

// Snapshot returns the persisted row plus unflushed deltas.
func (c *Collector) Snapshot(ctx context.Context) (SyncMetrics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	persisted, err := c.load(ctx)
	if err != nil {
		return SyncMetrics{}, err
	}
	persisted.add(c.pending)
	return persisted, nil
}

// FlushBestEffort flushes within timeout and logs instead of failing.
func (c *Collector) FlushBestEffort(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := c.Flush(ctx); err != nil {
		c.logger.Printf("Warning: final metrics flush failed: %v", err)
	}
}
