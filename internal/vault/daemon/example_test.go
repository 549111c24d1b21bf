package daemon_test

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/govportal/fieldsync/internal/vault/daemon"
	"github.com/govportal/fieldsync/internal/vault/metrics"
	vsync "github.com/govportal/fieldsync/internal/vault/sync"
)

// This example runs the daemon until interrupted.
// Note: This is for documentation only and won't run as a test.
func ExampleDaemon_Start() {
	var (
		syncer    vsync.Syncer       // from sync.New
		collector *metrics.Collector // shared with the syncer
	)

	config := daemon.DefaultConfig()
	config.SyncInterval = time.Minute
	config.OnSession = func(result *vsync.SessionResult, err error) {
		if err == nil {
			log.Printf("session %s took %s", result.SessionID, result.Duration)
		}
	}

	d, err := daemon.NewWithConfig(syncer, collector, ".fieldsync/inbox", config)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := d.Start(ctx); err != nil {
		log.Fatal(err)
	}
}
