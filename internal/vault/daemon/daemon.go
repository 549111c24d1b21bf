package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/govportal/fieldsync/internal/vault/metrics"
	"github.com/govportal/fieldsync/internal/vault/schema"
	vsync "github.com/govportal/fieldsync/internal/vault/sync"
)

// RejectedSuffix is appended to inbox files that fail validation.
const RejectedSuffix = ".rejected"

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is the base time between full syncs
	SyncInterval time.Duration

	// Jitter adds up to this much random delay to each interval so a
	// fleet of devices does not hit the remote in lockstep
	Jitter time.Duration

	// CycleTimeout bounds one full sync
	CycleTimeout time.Duration

	// DebounceInterval is how long an inbox file must be quiet before it
	// is ingested
	DebounceInterval time.Duration

	// FlushTimeout bounds the final metrics flush on shutdown
	FlushTimeout time.Duration

	// Logger for daemon activity
	Logger *log.Logger

	// OnSession is called after every sync cycle, including failed ones
	OnSession func(result *vsync.SessionResult, err error)

	// OnEnqueue is called for every operation ingested from the inbox
	OnEnqueue func(op *schema.PendingOperation)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Minute,
		Jitter:           30 * time.Second,
		CycleTimeout:     2 * time.Minute,
		DebounceInterval: 100 * time.Millisecond,
		FlushTimeout:     5 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon drives periodic synchronization and inbox ingestion.
type Daemon struct {
	syncer    vsync.Syncer
	collector *metrics.Collector
	inboxDir  string
	config    *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> last event
	changeQueueMu sync.Mutex

	trigger chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a new Daemon with the default configuration.
//
// inboxDir may be empty, in which case no directory is watched.
func New(syncer vsync.Syncer, collector *metrics.Collector, inboxDir string) (*Daemon, error) {
	return NewWithConfig(syncer, collector, inboxDir, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration. Zero durations
// take their defaults.
func NewWithConfig(syncer vsync.Syncer, collector *metrics.Collector, inboxDir string, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if collector == nil {
		return nil, fmt.Errorf("collector cannot be nil")
	}
	config = withDefaults(config)

	d := &Daemon{
		syncer:      syncer,
		collector:   collector,
		inboxDir:    inboxDir,
		config:      config,
		changeQueue: make(map[string]time.Time),
		trigger:     make(chan struct{}, 1),
	}
	if inboxDir != "" {
		if err := os.MkdirAll(inboxDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create inbox directory: %w", err)
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

func withDefaults(config *Config) *Config {
	def := DefaultConfig()
	if config == nil {
		return def
	}
	c := *config
	if c.SyncInterval <= 0 {
		c.SyncInterval = def.SyncInterval
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = def.CycleTimeout
	}
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = def.DebounceInterval
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = def.FlushTimeout
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	return &c
}

// Start begins the daemon's operation.
//
// The daemon ingests files already waiting in the inbox, starts watching it,
// and runs a first sync immediately. This blocks until ctx is cancelled or
// Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.watcher != nil {
		if _, err := d.IngestInbox(ctx); err != nil {
			_ = d.Stop()
			return fmt.Errorf("initial inbox scan failed: %w", err)
		}
		if err := d.watcher.Add(d.inboxDir); err != nil {
			_ = d.Stop()
			return fmt.Errorf("failed to watch inbox directory: %w", err)
		}
		d.config.Logger.Printf("Watching inbox: %s", d.inboxDir)

		d.wg.Add(2)
		go d.watchFileEvents()
		go d.processChangeQueue()
	}

	d.wg.Add(1)
	go d.syncLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It waits for a running sync cycle
// to finish and then flushes metrics. Calling Stop more than once is safe.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()

		if d.watcher != nil {
			if err := d.watcher.Close(); err != nil {
				d.config.Logger.Printf("Error closing watcher: %v", err)
			}
		}
		d.wg.Wait()

		d.collector.FlushBestEffort(d.config.FlushTimeout)
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// TriggerSync requests a sync cycle as soon as the current one, if any,
// completes. Requests made while one is already pending are merged.
func (d *Daemon) TriggerSync() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// RunCycle performs one full sync bounded by the cycle timeout and reports
// it to OnSession.
func (d *Daemon) RunCycle(ctx context.Context) (*vsync.SessionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.CycleTimeout)
	defer cancel()

	result, err := d.syncer.FullSync(ctx)
	switch {
	case errors.Is(err, vsync.ErrSyncInProgress):
		d.config.Logger.Println("Sync already in progress, skipping cycle")
	case err != nil:
		d.config.Logger.Printf("Sync cycle failed: %v", err)
	}
	if d.config.OnSession != nil {
		d.config.OnSession(result, err)
	}
	return result, err
}

// nextInterval returns the base interval plus random jitter.
func (d *Daemon) nextInterval() time.Duration {
	if d.config.Jitter <= 0 {
		return d.config.SyncInterval
	}
	return d.config.SyncInterval + rand.N(d.config.Jitter)
}

// syncLoop runs sync cycles until shutdown.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-timer.C:
		case <-d.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		_, _ = d.RunCycle(d.ctx)
		timer.Reset(d.nextInterval())
	}
}

// IngestInbox enqueues every operation file currently in the inbox and
// returns how many were enqueued.
func (d *Daemon) IngestInbox(ctx context.Context) (int, error) {
	if d.inboxDir == "" {
		return 0, nil
	}
	paths, err := filepath.Glob(filepath.Join(d.inboxDir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("failed to list inbox: %w", err)
	}
	sort.Strings(paths)

	n := 0
	for _, path := range paths {
		if err := d.ingestFile(ctx, path); err != nil {
			d.config.Logger.Printf("Error ingesting %s: %v", path, err)
			continue
		}
		n++
	}
	return n, nil
}

// ingestFile enqueues one inbox file and removes it.
func (d *Daemon) ingestFile(ctx context.Context, path string) error {
	op, err := schema.ReadOperationFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err != nil {
		if renameErr := os.Rename(path, path+RejectedSuffix); renameErr != nil {
			d.config.Logger.Printf("Warning: failed to set aside %s: %v", path, renameErr)
		}
		return err
	}

	queued, err := d.syncer.Enqueue(ctx, *op)
	if err != nil {
		// the file stays in place and is retried on the next scan
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	if err := os.Remove(path); err != nil {
		d.config.Logger.Printf("Warning: failed to remove ingested file %s: %v", path, err)
	}

	d.config.Logger.Printf("Enqueued %s %s from inbox (%s)", queued.OperationType, queued.TableName, queued.ID)
	if d.config.OnEnqueue != nil {
		d.config.OnEnqueue(queued)
	}
	return nil
}
