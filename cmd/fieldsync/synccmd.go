package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/govportal/fieldsync/internal/ui"
	"github.com/govportal/fieldsync/internal/vault/daemon"
	"github.com/govportal/fieldsync/internal/vault/dashboard"
	"github.com/govportal/fieldsync/internal/vault/schema"
	vsync "github.com/govportal/fieldsync/internal/vault/sync"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
)

const defaultFlushTimeout = 5 * time.Second

// parseSince accepts RFC 3339 timestamps and natural language such as
// "yesterday" or "3 hours ago".
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", text)
	}
	return r.Time, nil
}

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Fetch remote changes into the entity cache",
	Long: `Fetch remote changes since the last pull checkpoint.

Use --since to pull from a different point in time:
  fieldsync pull --since "yesterday"
  fieldsync pull --since 2026-01-02T15:04:05Z
  fieldsync pull --since epoch        # full state`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceText, _ := cmd.Flags().GetString("since")

		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		var since time.Time
		switch sinceText {
		case "":
			if since, err = a.syncer.Checkpoint(cmd.Context()); err != nil {
				return err
			}
		case "epoch":
		default:
			if since, err = parseSince(sinceText, time.Now()); err != nil {
				return err
			}
		}

		result, err := a.syncer.Pull(cmd.Context(), since)
		if err != nil {
			return err
		}
		fmt.Printf("%s Pulled %d changes\n", ui.RenderPass("✓"), result.Changes)
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:     "push",
	GroupID: "sync",
	Short:   "Push queued operations to the remote",
	Long: `Push pending operations whose retry time has come.

Use --all to also push operations still waiting out their backoff.
Dead-lettered operations are never pushed; requeue them first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		var ops []schema.PendingOperation
		if all {
			ops, err = a.syncer.GetPendingOperations(cmd.Context())
		} else {
			ops, err = a.syncer.DueOperations(cmd.Context(), time.Now())
		}
		if err != nil {
			return err
		}

		result, err := a.syncer.Push(cmd.Context(), ops)
		if err != nil {
			return err
		}
		printPushResult(os.Stdout, result)
		return nil
	},
}

func printPushResult(w io.Writer, result *vsync.PushResult) {
	if result.TransportError != "" {
		fmt.Fprintf(w, "%s Remote unreachable: %s\n", ui.RenderWarn("⚠"), result.TransportError)
	}
	fmt.Fprintf(w, "%s Pushed %d", ui.RenderPass("✓"), len(result.Pushed))
	if n := len(result.Conflicts); n > 0 {
		fmt.Fprintf(w, ", %s", ui.RenderWarn(fmt.Sprintf("%d conflicts", n)))
	}
	if n := len(result.Failed); n > 0 {
		fmt.Fprintf(w, ", %d will be retried", n-len(result.DeadLettered))
	}
	if n := len(result.DeadLettered); n > 0 {
		fmt.Fprintf(w, ", %s", ui.RenderFail(fmt.Sprintf("%d dead-lettered", n)))
	}
	if n := len(result.Skipped); n > 0 {
		fmt.Fprintf(w, ", %d skipped", n)
	}
	fmt.Fprintln(w)
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one full sync session",
	Long: `Pull remote changes from the last checkpoint, then push every due
operation. A failed pull does not stop the push.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Sync.CycleTimeout)
		defer cancel()

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("→"), cfg.Remote.URL)
		result, err := a.syncer.FullSync(ctx)
		if result != nil {
			if result.Pull != nil {
				fmt.Printf("%s Pulled %d changes\n", ui.RenderPass("✓"), result.Pull.Changes)
			}
			if result.Push != nil {
				printPushResult(os.Stdout, result.Push)
			}
			fmt.Printf("   Session %s in %v\n", result.SessionID, result.Duration.Round(time.Millisecond))
		}
		return err
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run periodic sync and inbox ingestion until interrupted",
	Long: `Run the sync agent in the foreground.

The daemon:
  1. Queues operation files dropped into the inbox directory
  2. Runs a full sync every sync.interval (plus jitter)
  3. Serves the status dashboard when --dashboard is set

Send SIGINT or SIGTERM to stop. Metrics are flushed before exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		config := &daemon.Config{
			SyncInterval:     cfg.Sync.Interval,
			Jitter:           cfg.Sync.Jitter,
			CycleTimeout:     cfg.Sync.CycleTimeout,
			DebounceInterval: 200 * time.Millisecond,
			FlushTimeout:     defaultFlushTimeout,
			Logger:           a.logger("daemon"),
		}

		if withDashboard {
			server := dashboard.NewServer(&dashboard.Config{
				Host:     cfg.Dashboard.Host,
				Port:     cfg.Dashboard.Port,
				Gatherer: a.registry,
				Logger:   a.logger("dashboard"),
			})
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Stop()

			handler := dashboard.NewHandler(server, a.syncer, a.logger("dashboard"))
			config.OnSession = handler.OnSession
			config.OnEnqueue = handler.OnEnqueue
			fmt.Printf("Dashboard: http://%s\n", server.GetAddr())
		}

		d, err := daemon.NewWithConfig(a.syncer, a.collector, cfg.Sync.InboxDir, config)
		if err != nil {
			return err
		}

		fmt.Printf("%s Daemon running (inbox %s, every %v)\n", ui.RenderAccent("→"), cfg.Sync.InboxDir, cfg.Sync.Interval)
		fmt.Println("Press Ctrl+C to stop...")
		return d.Start(ctx)
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Serve vault status without syncing",
	Long: `Start the status server on its own. Status is read from the vault every
--refresh interval and broadcast to WebSocket clients.

Endpoints:
  /ws        status, sync_complete, operation_queued, dead_letter, conflict
  /health    server health
  /metrics   Prometheus metrics

Use 'fieldsync daemon --dashboard' to serve live sync events instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetDuration("refresh")
		if refresh <= 0 {
			return fmt.Errorf("--refresh must be positive")
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		server := dashboard.NewServer(&dashboard.Config{
			Host:     cfg.Dashboard.Host,
			Port:     cfg.Dashboard.Port,
			Gatherer: a.registry,
			Logger:   a.logger("dashboard"),
		})
		if err := server.Start(); err != nil {
			return err
		}
		handler := dashboard.NewHandler(server, a.syncer, a.logger("dashboard"))

		fmt.Printf("Dashboard server started on http://%s\n", server.GetAddr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			if err := handler.RefreshStatus(ctx); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "Warning: status refresh failed: %v\n", err)
			}
			select {
			case <-ctx.Done():
				fmt.Println("\nShutting down dashboard server...")
				return server.Stop()
			case <-ticker.C:
			}
		}
	},
}

func init() {
	pullCmd.Flags().String("since", "", `pull changes after this time ("epoch" for full state)`)
	pushCmd.Flags().Bool("all", false, "include operations still in backoff")
	daemonCmd.Flags().Bool("dashboard", false, "serve the status dashboard while running")
	dashboardCmd.Flags().Duration("refresh", 5*time.Second, "status refresh interval")

	rootCmd.AddCommand(pullCmd, pushCmd, syncCmd, daemonCmd, dashboardCmd)
}
