package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/govportal/fieldsync/internal/config"
	"github.com/govportal/fieldsync/internal/ui"
	"github.com/govportal/fieldsync/internal/vault/migrate"
	"github.com/govportal/fieldsync/internal/vault/schema"
	"github.com/govportal/fieldsync/internal/vault/store"
	vsync "github.com/govportal/fieldsync/internal/vault/sync"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "vault",
	Short:   "Create the device key and encrypted vault",
	Long: `Initialize fieldsync on this device.

This:
  1. Creates the data directory and a default config file
  2. Generates the device secret and salt if they do not exist yet
  3. Creates the encrypted vault
  4. Migrates legacy plaintext data, if any is found`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if path == "" {
			path = defaultConfigPath()
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := config.WriteDefault(path, cfg.DataDir, false); err != nil {
				return err
			}
			fmt.Printf("%s Wrote config %s\n", ui.RenderPass("✓"), path)
		}

		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("%s Vault ready at %s\n", ui.RenderPass("✓"), cfg.VaultPath())
		fmt.Printf("   Secret provider: %s\n", cfg.SecretProvider)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "vault",
	Short:   "Move legacy plaintext data into the encrypted vault",
	Long: `Migrate recognized keys from the legacy key-value store into the vault.

The copy is verified before any legacy key is deleted. If verification
fails, the legacy data is kept and the migration can be run again.

Use --dry-run to see what would be migrated without writing anything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a, err := openApp(cmd.Context(), openOptions{keepLegacy: true, skipMigration: true})
		if err != nil {
			return err
		}
		defer a.Close()

		engine := a.migrationEngine()
		state, err := engine.State(cmd.Context())
		if err != nil {
			return err
		}
		if state == migrate.StateNotNeeded || state == migrate.StateCompleted {
			fmt.Printf("%s Nothing to migrate (%s)\n", ui.RenderPass("✓"), state)
			return nil
		}

		result, err := engine.Migrate(cmd.Context(), migrate.MigrateOptions{DryRun: dryRun})
		if err != nil {
			return err
		}
		printMigrateResult(os.Stdout, result)
		if !result.Success {
			return fmt.Errorf("migration failed; legacy data kept")
		}
		return nil
	},
}

func printMigrateResult(w io.Writer, result *migrate.MigrateResult) {
	switch {
	case result.DryRun:
		fmt.Fprintf(w, "%s Dry run: %d entries would be migrated\n", ui.RenderAccent("→"), result.MigratedCount)
	case result.Success:
		fmt.Fprintf(w, "%s Migrated %d entries\n", ui.RenderPass("✓"), result.MigratedCount)
	default:
		fmt.Fprintf(w, "%s Migration failed after copying %d entries\n", ui.RenderFail("✗"), result.MigratedCount)
	}

	names := make([]string, 0, len(result.Categories))
	for name := range result.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "   %s\n", ui.Field(name, result.Categories[name]))
	}
	fmt.Fprintf(w, "   %s\n", ui.Field("preserved", result.PreservedLegacyEntries))
	for _, e := range result.Errors {
		fmt.Fprintf(w, "   %s %s\n", ui.RenderWarn("⚠"), e)
	}
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "vault",
	Short:   "Show queue, conflict and sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.syncer.Status(cmd.Context())
		if err != nil {
			return err
		}
		counts := make(map[string]int)
		for _, p := range store.Partitions() {
			n, err := a.store.Count(cmd.Context(), p)
			if err != nil {
				return err
			}
			counts[p.Name()] = n
		}
		return writeStatus(os.Stdout, format, status, counts)
	},
}

type statusReport struct {
	vsync.Status `yaml:",inline"`
	Partitions   map[string]int `json:"partitions" yaml:"partitions"`
}

func writeStatus(w io.Writer, format string, status *vsync.Status, counts map[string]int) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(statusReport{Status: *status, Partitions: counts})
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(statusReport{Status: *status, Partitions: counts})
	case "text", "":
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}

	fmt.Fprintln(w, ui.Header("Sync status"))
	fmt.Fprintln(w, ui.Field("Pending", status.Pending))
	fmt.Fprintln(w, ui.Field("Due now", status.Due))
	deadLetters := fmt.Sprint(status.DeadLetters)
	if status.DeadLetters > 0 {
		deadLetters = ui.RenderWarn(deadLetters)
	}
	fmt.Fprintln(w, ui.Field("Dead letters", deadLetters))
	conflicts := fmt.Sprint(status.Conflicts)
	if status.Conflicts > 0 {
		conflicts = ui.RenderWarn(conflicts)
	}
	fmt.Fprintln(w, ui.Field("Open conflicts", conflicts))
	fmt.Fprintln(w, ui.Field("Resolved", status.Resolved))
	if status.LastSyncTime.IsZero() {
		fmt.Fprintln(w, ui.Field("Last sync", ui.RenderMuted("never")))
	} else {
		fmt.Fprintln(w, ui.Field("Last sync", status.LastSyncTime.Format(time.RFC3339)))
	}

	m := status.Metrics
	fmt.Fprintln(w)
	fmt.Fprintln(w, ui.Header("Totals"))
	fmt.Fprintln(w, ui.Field("Queued", m.OperationsQueued))
	fmt.Fprintln(w, ui.Field("Pushed", m.OperationsPushed))
	fmt.Fprintln(w, ui.Field("Failed attempts", m.OperationsFailed))
	fmt.Fprintln(w, ui.Field("Conflicts", m.ConflictsDetected))
	fmt.Fprintln(w, ui.Field("Sync sessions", m.TotalSyncSessions))

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, fmt.Sprint(counts[name])})
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, ui.Table([]string{"PARTITION", "ENTRIES"}, rows))
	return nil
}

var enqueueCmd = &cobra.Command{
	Use:     "enqueue [file.json]",
	GroupID: "vault",
	Short:   "Queue a pending operation",
	Long: `Queue an operation for the next push.

Pass an operation file, or build one from flags:
  fieldsync enqueue op.json
  fieldsync enqueue --table households --type create --payload '{"members":4}'`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var op *schema.PendingOperation
		if len(args) == 1 {
			parsed, err := schema.ReadOperationFile(args[0])
			if err != nil {
				return err
			}
			op = parsed
		} else {
			table, _ := cmd.Flags().GetString("table")
			typ, _ := cmd.Flags().GetString("type")
			payload, _ := cmd.Flags().GetString("payload")
			baseVersion, _ := cmd.Flags().GetString("base-version")
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}
			op = &schema.PendingOperation{
				TableName:     table,
				OperationType: schema.OperationType(typ),
				Payload:       json.RawMessage(payload),
				BaseVersion:   baseVersion,
			}
		}

		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		queued, err := a.syncer.Enqueue(cmd.Context(), *op)
		if err != nil {
			return err
		}
		fmt.Printf("%s Queued %s %s as %s\n", ui.RenderPass("✓"), queued.OperationType, queued.TableName, queued.ID)
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("dry-run", false, "classify and count without writing")
	statusCmd.Flags().String("format", "text", "output format: text, json or yaml")

	enqueueCmd.Flags().String("table", "", "table the operation targets")
	enqueueCmd.Flags().String("type", string(schema.OpCreate), "operation type: create, update, delete or import")
	enqueueCmd.Flags().String("payload", "{}", "operation payload as JSON")
	enqueueCmd.Flags().String("base-version", "", "remote version the change was made against")

	rootCmd.AddCommand(initCmd, migrateCmd, statusCmd, enqueueCmd)
}
