package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/govportal/fieldsync/internal/config"
	"github.com/govportal/fieldsync/internal/ui"
	"github.com/spf13/cobra"
)

func defaultConfigPath() string {
	return filepath.Join(cfg.DataDir, config.FileName+".toml")
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage the fieldsync config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := configFile
		if path == "" {
			path = defaultConfigPath()
		}
		if err := config.WriteDefault(path, cfg.DataDir, force); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after applying the config file, FIELDSYNC_
environment variables and defaults. The remote token is masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Remote.Token != "" {
			shown.Remote.Token = "********"
		}
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Printf("# %s\n", used)
		}
		return shown.Encode(os.Stdout)
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
