package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/sanjanb/lifelab/internal/connectivity"
	"github.com/sanjanb/lifelab/internal/migrate"
	"github.com/sanjanb/lifelab/internal/types"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect the offline write queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List operations waiting to sync",
	Long: `List queued operations in the order they will be replayed.

--since accepts absolute or relative times:
  lifelab queue list --since "2 hours ago"
  lifelab queue list --since yesterday`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceText, _ := cmd.Flags().GetString("since")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		var since time.Time
		if sinceText != "" {
			t, err := parseSince(sinceText, time.Now())
			if err != nil {
				return err
			}
			since = t
		}

		a, err := openApp(cmd.Context(), offline, true)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireSync(); err != nil {
			return err
		}

		ops := filterSince(a.queue.Pending(), since)

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ops)
		}

		if len(ops) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Queue is empty\n", renderPass("✓"))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderOps(ops))
		return nil
	},
}

// parseSince accepts RFC 3339 timestamps or natural language such as
// "2 hours ago".
func parseSince(text string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: not a recognizable time", text)
	}
	return r.Time, nil
}

func filterSince(ops []types.QueuedOperation, since time.Time) []types.QueuedOperation {
	if since.IsZero() {
		return ops
	}
	out := make([]types.QueuedOperation, 0, len(ops))
	for _, op := range ops {
		if !op.EnqueuedAt.Before(since) {
			out = append(out, op)
		}
	}
	return out
}

func renderOps(ops []types.QueuedOperation) string {
	rows := make([][]string, 0, len(ops))
	for i, op := range ops {
		rows = append(rows, []string{
			fmt.Sprint(i + 1),
			string(op.Kind),
			string(op.Collection) + "/" + op.RecordID,
			ownerLabel(op.OwnerID),
			op.EnqueuedAt.Local().Format("2006-01-02 15:04:05"),
			fmt.Sprint(op.Attempts),
		})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("#", "KIND", "RECORD", "OWNER", "ENQUEUED", "ATTEMPTS").
		Rows(rows...).
		String()
}

func ownerLabel(owner string) string {
	if owner == "" {
		return "-"
	}
	return owner
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sign-in, connectivity, queue and migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		probeRemote, _ := cmd.Flags().GetBool("probe")

		a, err := openApp(cmd.Context(), offline, true)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "\n%s LifeLab Status\n\n", renderAccent("●"))

		state := a.gate.State()
		if state.IsAuthenticated {
			fmt.Fprintln(out, field("Signed in", renderPass(state.UserID)))
		} else {
			fmt.Fprintln(out, field("Signed in", renderWarn("no (data stays on this device)")))
		}

		fmt.Fprintln(out, field("Local store", cfg.Local.Path))
		if info, err := os.Stat(cfg.Local.Path); err == nil {
			fmt.Fprintln(out, field("Modified", info.ModTime().Format("2006-01-02 15:04:05")))
		}
		for _, c := range types.DomainCollections {
			n, err := a.db.Count(cmd.Context(), c)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, field("  "+string(c), fmt.Sprint(n)))
		}

		if a.remote == nil {
			fmt.Fprintln(out, field("Remote", renderMuted("not configured")))
			fmt.Fprintln(out)
			return nil
		}

		fmt.Fprintln(out, field("Remote", cfg.Remote.URL))
		if probeRemote {
			probe := connectivity.NewProbe(a.remote, &connectivity.ProbeConfig{
				Timeout: cfg.Connectivity.ProbeTimeout,
				Logger:  a.logger("[connectivity] "),
			})
			if probe.Check(cmd.Context()) {
				fmt.Fprintln(out, field("Reachable", renderPass("yes")))
			} else {
				fmt.Fprintln(out, field("Reachable", renderFail("no")))
			}
		}

		qs := a.queue.State()
		if qs.QueueSize == 0 {
			fmt.Fprintln(out, field("Queue", renderPass("empty")))
		} else {
			fmt.Fprintln(out, field("Queue", renderWarn(fmt.Sprintf("%d waiting", qs.QueueSize))))
		}

		status, err := a.manager.Migration().Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(out, field("Migration", renderMigrationStatus(status)))
		fmt.Fprintln(out)
		return nil
	},
}

func renderMigrationStatus(s migrate.Status) string {
	switch s {
	case migrate.StatusSucceeded:
		return renderPass("complete")
	case migrate.StatusPromptPending:
		return renderWarn("local data not yet migrated (run 'lifelab migrate')")
	case migrate.StatusPartiallyFailed:
		return renderFail("partially failed")
	case migrate.StatusSkipped:
		return renderMuted("skipped")
	case migrate.StatusInProgress:
		return renderAccent("in progress")
	default:
		return renderMuted("not needed")
	}
}

func init() {
	queueListCmd.Flags().String("since", "", "Only show operations enqueued at or after this time")
	queueListCmd.Flags().Bool("json", false, "Output as JSON")
	statusCmd.Flags().Bool("probe", false, "Ping the remote store")

	queueCmd.AddCommand(queueListCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(statusCmd)
}
