package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/govportal/fieldsync/internal/ui"
	"github.com/govportal/fieldsync/internal/vault/loadtest"
	"github.com/govportal/fieldsync/internal/vault/store"
	"github.com/spf13/cobra"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Measure encrypted store latency under concurrent agents",
	Long: `Create a scratch vault with a random key, then run concurrent agents that
read cached entities and queue operations. The device vault is not touched.

Examples:
  fieldsync loadtest
  fieldsync loadtest --agents 100 --ops 20 --write-ratio 0.3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		agents, _ := cmd.Flags().GetInt("agents")
		ops, _ := cmd.Flags().GetInt("ops")
		entities, _ := cmd.Flags().GetInt("entities")
		writeRatio, _ := cmd.Flags().GetFloat64("write-ratio")
		raceDuration, _ := cmd.Flags().GetDuration("race-duration")

		dir, err := os.MkdirTemp("", "fieldsync-loadtest-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		key := make([]byte, store.KeySize)
		if _, err := rand.Read(key); err != nil {
			return err
		}

		fmt.Printf("%s Populating scratch vault with %d entities...\n", ui.RenderAccent("→"), entities)
		tv, err := loadtest.CreateTestVault(filepath.Join(dir, "vault.db"), key, entities)
		if err != nil {
			return err
		}
		defer tv.Close()

		fmt.Printf("%s Running %d agents x %d calls...\n", ui.RenderAccent("→"), agents, ops)
		start := time.Now()
		stats, err := tv.RunConcurrentAccess(agents, ops, writeRatio)
		if err != nil {
			return err
		}
		elapsed := time.Since(start)

		stats.PrintStats(os.Stdout)
		fmt.Printf("  Throughput:    %.0f calls/s\n", float64(stats.TotalQueries)/elapsed.Seconds())

		if raceDuration > 0 {
			fmt.Printf("%s Checking for corruption for %v...\n", ui.RenderAccent("→"), raceDuration)
			if err := tv.VerifyNoCorruption(agents, raceDuration); err != nil {
				return err
			}
			fmt.Printf("%s No corruption detected\n", ui.RenderPass("✓"))
		}
		return nil
	},
}

func init() {
	loadtestCmd.Flags().Int("agents", 50, "concurrent agents")
	loadtestCmd.Flags().Int("ops", 20, "store calls per agent")
	loadtestCmd.Flags().Int("entities", 1000, "cached entities to populate")
	loadtestCmd.Flags().Float64("write-ratio", 0.2, "fraction of calls that queue an operation")
	loadtestCmd.Flags().Duration("race-duration", 0, "also run the corruption check for this long")

	rootCmd.AddCommand(loadtestCmd)
}
