package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/govportal/fieldsync/internal/ui"
	"github.com/govportal/fieldsync/internal/vault/schema"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format(time.DateTime)
}

var deadLetterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dlq"},
	GroupID: "sync",
	Short:   "Inspect and recover dead-lettered operations",
	Long: `Operations that fail max_attempts times are moved to the dead-letter
queue and never pushed again automatically. Requeue them once the cause is
fixed, or clear them to drop them for good.`,
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.syncer.ListDeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Printf("%s Dead-letter queue is empty\n", ui.RenderPass("✓"))
			return nil
		}

		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{
				e.ID,
				string(e.Operation.OperationType) + " " + e.Operation.TableName,
				fmt.Sprint(e.RetryState.Attempts),
				formatMillis(e.DeadLetteredAt),
				e.Reason,
			})
		}
		fmt.Print(ui.Table([]string{"ID", "OPERATION", "ATTEMPTS", "DEAD-LETTERED", "REASON"}, rows))
		return nil
	},
}

var deadLetterRequeueCmd = &cobra.Command{
	Use:   "requeue <id>...",
	Short: "Move operations back to the pending queue with a fresh retry budget",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		for _, id := range args {
			if err := a.syncer.RequeueDeadLetter(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("%s Requeued %s\n", ui.RenderPass("✓"), id)
		}
		return nil
	},
}

var deadLetterClearCmd = &cobra.Command{
	Use:   "clear <id>...",
	Short: "Drop dead-lettered operations permanently",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		for _, id := range args {
			if err := a.syncer.ClearDeadLetter(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("%s Cleared %s\n", ui.RenderPass("✓"), id)
		}
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "Review conflicts reported by the remote",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		showAll, _ := cmd.Flags().GetBool("all")

		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		conflicts, err := a.syncer.ListConflicts(cmd.Context())
		if err != nil {
			return err
		}

		var rows [][]string
		for _, c := range conflicts {
			if c.Resolved() && !showAll {
				continue
			}
			resolution := ui.RenderWarn("open")
			if c.Resolved() {
				resolution = c.Resolution
			}
			rows = append(rows, []string{c.ID, c.SessionID, formatMillis(c.DetectedAt), resolution})
		}
		if len(rows) == 0 {
			fmt.Printf("%s No open conflicts\n", ui.RenderPass("✓"))
			return nil
		}
		fmt.Print(ui.Table([]string{"ID", "SESSION", "DETECTED", "RESOLUTION"}, rows))
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id> [resolution]",
	Short: "Record a resolution for a conflict",
	Long: `Record how a conflict was resolved: keep_local, keep_remote, merged or
discarded. The decision is recorded only; applying it is up to the
resolver. Without a resolution argument you are prompted when running in a
terminal.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		var resolution string
		if len(args) == 2 {
			resolution = args[1]
		} else {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("resolution required when not running in a terminal")
			}
			err := huh.NewSelect[string]().
				Title("Resolve conflict " + id).
				Options(huh.NewOptions(schema.Resolutions...)...).
				Value(&resolution).
				Run()
			if err != nil {
				return err
			}
		}

		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.syncer.ResolveConflict(cmd.Context(), id, resolution); err != nil {
			return err
		}
		fmt.Printf("%s %s resolved as %s\n", ui.RenderPass("✓"), id, resolution)
		return nil
	},
}

func init() {
	conflictsListCmd.Flags().Bool("all", false, "include resolved conflicts")

	deadLetterCmd.AddCommand(deadLetterListCmd, deadLetterRequeueCmd, deadLetterClearCmd)
	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
	rootCmd.AddCommand(deadLetterCmd, conflictsCmd)
}
