package main

import (
	"fmt"
	"os"

	"github.com/govportal/fieldsync/internal/config"
	"github.com/govportal/fieldsync/internal/ui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configFile string
	dataDir    string
	noColor    bool

	v   *viper.Viper
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline encrypted store and sync agent for field devices",
	Long: `fieldsync keeps survey operations recorded offline in an encrypted local
vault and reconciles them with the central sync service when a connection
is available.

Data lives in the data directory (~/.fieldsync by default):
  vault.db    encrypted store
  legacy.db   legacy plaintext store, migrated on first use
  inbox/      drop operation JSON files here for the daemon to queue`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.DisableColor()
		}

		v = config.New(dataDir)
		loaded, err := config.Load(v, configFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "vault", Title: "Vault:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default <data-dir>/fieldsync.toml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.fieldsync)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
