package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/govportal/fieldsync/internal/config"
	"github.com/govportal/fieldsync/internal/logging"
	"github.com/govportal/fieldsync/internal/ui"
	"github.com/govportal/fieldsync/internal/vault/keys"
	"github.com/govportal/fieldsync/internal/vault/legacy"
	"github.com/govportal/fieldsync/internal/vault/metrics"
	"github.com/govportal/fieldsync/internal/vault/migrate"
	"github.com/govportal/fieldsync/internal/vault/remote"
	"github.com/govportal/fieldsync/internal/vault/store"
	vsync "github.com/govportal/fieldsync/internal/vault/sync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// app is the opened vault and everything wired on top of it.
type app struct {
	cfg       *config.Config
	logs      *logging.Factory
	keys      *keys.Manager
	legacy    *legacy.Store
	store     *store.Store
	registry  *prometheus.Registry
	collector *metrics.Collector
	syncer    vsync.Syncer
}

type openOptions struct {
	// keepLegacy leaves the legacy store open after startup
	keepLegacy bool

	// skipMigration disables the automatic first-run migration
	skipMigration bool
}

// openApp initializes the device key, opens the vault and migrates legacy
// data if any is waiting. The legacy store holds an exclusive file lock, so
// it is closed again unless opts.keepLegacy is set.
func openApp(ctx context.Context, opts openOptions) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logs, err := logging.New(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	a := &app{cfg: cfg, logs: logs}
	if err := a.open(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context, opts openOptions) error {
	var err error
	a.legacy, err = legacy.Open(a.cfg.LegacyPath)
	if err != nil {
		return fmt.Errorf("failed to open legacy store: %w", err)
	}

	var provider keys.SecretProvider = keys.NewFileProvider(a.cfg.SecretsDir())
	if a.cfg.SecretProvider == config.ProviderLegacy {
		provider = keys.NewKVProvider(a.legacy)
	}
	a.keys = keys.NewManager(provider)
	if err := a.keys.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize device key: %w", err)
	}

	a.store, err = store.Open(a.cfg.VaultPath(), a.keys.Key())
	if err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.collector = metrics.NewCollector(a.store, a.registry, a.logs.Logger("metrics"))

	client := remote.NewClient(a.cfg.Remote.URL, a.cfg.Remote.Token, &http.Client{Timeout: a.cfg.Remote.Timeout})
	a.syncer = vsync.New(a.store, client, a.collector, vsync.Options{
		Policy: vsync.RetryPolicy{
			BaseInterval: a.cfg.Retry.BaseInterval,
			Multiplier:   a.cfg.Retry.Multiplier,
			MaxInterval:  a.cfg.Retry.MaxInterval,
			MaxAttempts:  a.cfg.Retry.MaxAttempts,
		},
		Logger: a.logs.Logger("sync"),
	})

	if !opts.skipMigration {
		if err := a.autoMigrate(ctx); err != nil {
			return err
		}
	}
	if !opts.keepLegacy {
		err := a.legacy.Close()
		a.legacy = nil
		if err != nil {
			return fmt.Errorf("failed to close legacy store: %w", err)
		}
	}
	return nil
}

// autoMigrate runs the one-time migration when legacy data is waiting. A
// failed verification is reported but does not stop the command; the
// legacy data stays in place for the next attempt.
func (a *app) autoMigrate(ctx context.Context) error {
	engine := a.migrationEngine()
	needed, err := engine.NeedsMigration(ctx)
	if err != nil || !needed {
		return err
	}

	fmt.Fprintf(os.Stderr, "%s Migrating legacy data into the encrypted vault...\n", ui.RenderAccent("→"))
	result, err := engine.Migrate(ctx, migrate.MigrateOptions{})
	if err != nil {
		return err
	}
	if !result.Success {
		fmt.Fprintf(os.Stderr, "%s Migration failed, legacy data kept: %v\n", ui.RenderWarn("⚠"), result.Errors)
		return nil
	}
	fmt.Fprintf(os.Stderr, "%s Migrated %d entries\n", ui.RenderPass("✓"), result.MigratedCount)
	return nil
}

func (a *app) migrationEngine() *migrate.Engine {
	return migrate.New(a.legacy, a.store, a.logs.Logger("migrate"))
}

func (a *app) logger(component string) *log.Logger {
	return a.logs.Logger(component)
}

// Close flushes metrics and releases everything that was opened.
func (a *app) Close() {
	if a.collector != nil {
		a.collector.FlushBestEffort(defaultFlushTimeout)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.legacy != nil {
		_ = a.legacy.Close()
	}
	if a.keys != nil {
		_ = a.keys.Close()
	}
	_ = a.logs.Close()
}
