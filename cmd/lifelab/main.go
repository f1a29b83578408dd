// Command lifelab manages the local-first LifeLab data store: reading and
// writing records, migrating on-device data to the cloud, and running the
// sync daemon that drains the offline queue.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sanjanb/lifelab/internal/config"
)

// annotationConfigOptional marks commands that run before --config exists.
const annotationConfigOptional = "config-optional"

var (
	configPath string
	verbose    bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "lifelab",
	Short: "Local-first journal storage with offline sync",
	Long: `lifelab stores journal entries, wins, settings and domain configuration
on this device first. When you are signed in and a remote store is
configured, writes are queued and replicated to the cloud in order, even
across restarts and periods offline.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if cmd.Annotations[annotationConfigOptional] != "" {
			if _, err := os.Stat(path); err != nil {
				path = ""
			}
		}
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		if verbose {
			loaded.Log.Verbose = true
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to lifelab.toml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Also write logs to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
