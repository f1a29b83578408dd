package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sanjanb/lifelab/internal/auth"
)

var loginCmd = &cobra.Command{
	Use:     "login <user-id>",
	GroupID: "sync",
	Short:   "Sign in so writes are replicated",
	Long: `Record a signed-in session. Writes made while signed in are queued for the
remote store; a running daemon picks up the new session immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")

		provider := auth.NewFileProvider(cfg.Auth.SessionFile)
		if err := provider.SignIn(args[0], token); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Signed in as %s\n", renderPass("✓"), args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "   Run 'lifelab migrate' to copy existing local data to the cloud\n")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "sync",
	Short:   "Sign out",
	Long: `Remove the signed-in session. Local data stays on this device and pending
operations stay queued until the same user signs in again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := auth.NewFileProvider(cfg.Auth.SessionFile)
		if err := provider.SignOut(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Signed out\n", renderPass("✓"))
		return nil
	},
}

func init() {
	loginCmd.Flags().String("token", "", "Session token to store with the sign-in")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
