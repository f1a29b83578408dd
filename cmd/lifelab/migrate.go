package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/sanjanb/lifelab/internal/migrate"
	"github.com/sanjanb/lifelab/internal/types"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "sync",
	Short:   "Copy data created on this device to the cloud",
	Long: `Copy every local record to the remote store for the signed-in user.

Migration never changes local data. Records that fail to copy are listed and
the rest are kept; running migrate again retries everything safely. After a
successful migration you are offered the option to delete the local copy.

Without a terminal, pass --yes to migrate or --skip to stop being asked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		skip, _ := cmd.Flags().GetBool("skip")
		deleteLocal, _ := cmd.Flags().GetBool("delete-local")
		reset, _ := cmd.Flags().GetBool("reset")

		a, err := openApp(cmd.Context(), offline, true)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireSync(); err != nil {
			return err
		}
		if !a.gate.IsAuthenticated() {
			return fmt.Errorf("%w: run 'lifelab login' first", types.ErrNotAuthenticated)
		}

		ctx := cmd.Context()
		engine := a.manager.Migration()
		out := cmd.OutOrStdout()

		if reset {
			if err := engine.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Migration flags cleared\n", renderPass("✓"))
			return nil
		}

		if skip {
			if err := engine.Skip(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Migration skipped. Local data stays on this device.\n", renderPass("✓"))
			return nil
		}

		status, err := engine.Status(ctx)
		if err != nil {
			return err
		}

		switch status {
		case migrate.StatusSucceeded:
			fmt.Fprintf(out, "%s Migration already complete\n", renderPass("✓"))
			return offerDelete(cmd, engine, yes && deleteLocal)
		case migrate.StatusNotNeeded:
			fmt.Fprintf(out, "%s Nothing to migrate\n", renderPass("✓"))
			return nil
		case migrate.StatusSkipped:
			if !yes {
				fmt.Fprintf(out, "Migration was skipped. Run with --yes to migrate anyway.\n")
				return nil
			}
		}

		snapshot, err := a.manager.Export(ctx)
		if err != nil {
			return err
		}

		if !yes {
			if !isInteractive() {
				return errors.New("not a terminal: pass --yes to migrate or --skip to decline")
			}
			choice, err := promptMigrate(snapshot.Count())
			if err != nil {
				return err
			}
			switch choice {
			case "later":
				fmt.Fprintln(out, "Okay, you will be asked again next time.")
				return nil
			case "skip":
				if err := engine.Skip(ctx); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s Migration skipped. Local data stays on this device.\n", renderPass("✓"))
				return nil
			}
		}

		fmt.Fprintf(out, "%s Migrating %d records...\n", renderAccent("→"), snapshot.Count())
		result, err := a.manager.MigrateToFirebase(ctx)
		if errors.Is(err, types.ErrMigrationNotNeeded) {
			fmt.Fprintf(out, "%s Nothing to migrate\n", renderPass("✓"))
			return nil
		}
		printResult(out, result)
		if err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("%d of %d records failed to migrate; run 'lifelab migrate' again to retry",
				len(result.Errors), result.ItemsMigrated+len(result.Errors))
		}

		return offerDelete(cmd, engine, yes && deleteLocal)
	},
}

func promptMigrate(count int) (string, error) {
	var choice string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Copy %d local records to your account?", count)).
				Description("Your local data is kept either way.").
				Options(
					huh.NewOption("Migrate now", "migrate"),
					huh.NewOption("Ask me later", "later"),
					huh.NewOption("Don't ask again", "skip"),
				).
				Value(&choice),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "later", nil
		}
		return "", fmt.Errorf("prompt failed: %w", err)
	}
	return choice, nil
}

// offerDelete is the second, separately confirmed step.
func offerDelete(cmd *cobra.Command, engine *migrate.Engine, confirmed bool) error {
	out := cmd.OutOrStdout()
	if !confirmed {
		if !isInteractive() {
			return nil
		}
		err := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Delete the local copy?").
					Description("Your data is now in the cloud. This removes it from this device only.").
					Affirmative("Delete local copy").
					Negative("Keep it").
					Value(&confirmed),
			),
		).Run()
		if err != nil && !errors.Is(err, huh.ErrUserAborted) {
			return fmt.Errorf("prompt failed: %w", err)
		}
	}
	if !confirmed {
		return nil
	}

	n, err := engine.DeleteLocalCopy(cmd.Context(), true)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s Deleted %d local records\n", renderPass("✓"), n)
	return nil
}

func printResult(out io.Writer, result types.MigrationResult) {
	if result.Success {
		fmt.Fprintf(out, "%s Migrated %d records\n", renderPass("✓"), result.ItemsMigrated)
		return
	}
	fmt.Fprintf(out, "%s Migrated %d records, %d failed\n", renderWarn("⚠"), result.ItemsMigrated, len(result.Errors))
	for _, msg := range result.Errors {
		fmt.Fprintf(out, "   %s %s\n", renderFail("✗"), msg)
	}
}

func init() {
	migrateCmd.Flags().BoolP("yes", "y", false, "Migrate without prompting")
	migrateCmd.Flags().Bool("skip", false, "Decline migration and stop being asked")
	migrateCmd.Flags().Bool("delete-local", false, "With --yes, delete the local copy after a successful migration")
	migrateCmd.Flags().Bool("reset", false, "Clear the completed/skipped flags")

	rootCmd.AddCommand(migrateCmd)
}
