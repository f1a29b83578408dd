package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sanjanb/lifelab/internal/persistence"
	"github.com/sanjanb/lifelab/internal/types"
)

var writeCmd = &cobra.Command{
	Use:     "write <collection> <id> [json]",
	GroupID: "data",
	Short:   "Write a record",
	Long: `Write a record to the local store. The payload is a JSON value given as
the third argument or read from stdin.

When signed in with a remote store configured, the write is also queued
for replication. The command succeeds as soon as the local write does.

Collections: entries, wins, settings, domainConfig

Examples:
  lifelab write entries 2024-03-01 '{"mood":4,"note":"long walk"}'
  echo '{"theme":"dark"}' | lifelab write settings profile`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, err := types.ParseCollection(args[0])
		if err != nil {
			return err
		}

		var raw []byte
		if len(args) == 3 {
			raw = []byte(args[2])
		} else {
			raw, err = io.ReadAll(bufio.NewReader(cmd.InOrStdin()))
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}
		}
		raw = []byte(strings.TrimSpace(string(raw)))
		if !json.Valid(raw) {
			return fmt.Errorf("%w: payload is not valid JSON", types.ErrInvalidRecord)
		}

		a, err := openApp(cmd.Context(), offline, true)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.manager.Write(cmd.Context(), collection, args[1], types.Payload(raw)); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s Saved %s/%s\n", renderPass("✓"), collection, args[1])
		if a.queue != nil && a.gate.IsAuthenticated() {
			fmt.Fprintf(cmd.OutOrStdout(), "   %s\n", renderMuted(fmt.Sprintf("%d operation(s) waiting to sync", a.queue.State().QueueSize)))
		}
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:     "read <collection> <id>",
	GroupID: "data",
	Short:   "Read a record from the local store",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, err := types.ParseCollection(args[0])
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context(), offline, true)
		if err != nil {
			return err
		}
		defer a.Close()

		payload, ok, err := a.manager.Read(cmd.Context(), collection, args[1])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "null")
			return nil
		}
		return printJSON(cmd.OutOrStdout(), payload)
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <collection> <id>",
	GroupID: "data",
	Short:   "Delete a record",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, err := types.ParseCollection(args[0])
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context(), offline, true)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.manager.Delete(cmd.Context(), collection, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %s/%s\n", renderPass("✓"), collection, args[1])
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list <collection>",
	GroupID: "data",
	Short:   "List records in a collection",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, err := types.ParseCollection(args[0])
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context(), offline, true)
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.manager.List(cmd.Context(), collection)
		if err != nil {
			return err
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}

		if len(records) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No records in %s\n", collection)
			return nil
		}
		for _, rec := range records {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n",
				renderAccent(rec.ID),
				renderMuted(rec.UpdatedAt.Local().Format("2006-01-02 15:04")),
				string(rec.Payload))
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "data",
	Short:   "Export all local data",
	Long: `Export every record in the local store as one snapshot.

Examples:
  lifelab export > backup.json
  lifelab export --format yaml --output backup.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		formatName, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		format, err := persistence.ParseFormat(formatName)
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context(), offline, true)
		if err != nil {
			return err
		}
		defer a.Close()

		snapshot, err := a.manager.Export(cmd.Context())
		if err != nil {
			return err
		}

		if output == "" {
			return persistence.EncodeSnapshot(cmd.OutOrStdout(), snapshot, format)
		}

		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", output, err)
		}
		if err := persistence.EncodeSnapshot(f, snapshot, format); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", output, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s Exported %d records to %s\n", renderPass("✓"), snapshot.Count(), output)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "data",
	Short:   "Import a snapshot produced by export",
	Long: `Import every record of an export snapshot. Records are written exactly as
with 'lifelab write', so they are queued for sync when signed in. The format
is taken from --format or the file extension.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatName, _ := cmd.Flags().GetString("format")
		if formatName == "" {
			formatName = strings.TrimPrefix(filepath.Ext(args[0]), ".")
		}
		format, err := persistence.ParseFormat(formatName)
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()

		snapshot, err := persistence.DecodeSnapshot(f, format)
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context(), offline, true)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.manager.Import(cmd.Context(), snapshot)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Imported %d records\n", renderPass("✓"), n)
		return nil
	},
}

func printJSON(w io.Writer, payload types.Payload) error {
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	listCmd.Flags().Bool("json", false, "Output records as JSON")
	exportCmd.Flags().StringP("format", "f", "json", "Output format: json or yaml")
	exportCmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")
	importCmd.Flags().StringP("format", "f", "", "Input format: json or yaml (default: from extension)")

	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
