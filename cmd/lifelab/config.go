package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sanjanb/lifelab/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage lifelab.toml",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a config file with the current settings",
	Annotations: map[string]string{annotationConfigOptional: "true"},
	Long: `Write lifelab.toml containing every setting with its current value
(defaults, overridden by any LIFELAB_* environment variables).

The file is written to --config if given, otherwise to the data directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		path := configPath
		if path == "" {
			path = filepath.Join(cfg.DataDir, config.FileName)
		}
		if err := config.WriteFile(path, cfg, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", renderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Remote.AuthToken != "" {
			shown.Remote.AuthToken = "********"
		}
		return config.WriteTemplate(cmd.OutOrStdout(), &shown)
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
