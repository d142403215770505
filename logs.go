package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/fieldsync/internal/store"
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View, export, or clear the diagnostic log of failed attempts",
	}

	cmd.AddCommand(newLogsListCmd())
	cmd.AddCommand(newLogsExportCmd())
	cmd.AddCommand(newLogsClearCmd())

	return cmd
}

func newLogsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded failures, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			e, err := openEngine(cmd.Context(), cc.Cfg, engineOptions{}, cc.Logger)
			if err != nil {
				return err
			}
			defer e.Close()

			entries, err := e.diag.Entries(cmd.Context())
			if err != nil {
				return err
			}

			if cc.Flags.JSON {
				if entries == nil {
					entries = []store.LogEntry{}
				}

				return printJSON(cmd.OutOrStdout(), entries)
			}

			if len(entries) == 0 {
				cc.Statusf("Diagnostic log is empty\n")
				return nil
			}

			printLogEntries(cmd.OutOrStdout(), entries)

			return nil
		},
	}
}

func printLogEntries(w io.Writer, entries []store.LogEntry) {
	rows := make([][]string, 0, len(entries))

	for i := range entries {
		e := &entries[i]

		status := "-"
		if e.HTTPStatus != 0 {
			status = strconv.Itoa(e.HTTPStatus)
		}

		rows = append(rows, []string{
			formatTime(e.Timestamp),
			e.OperationDescription,
			e.ErrorClass,
			status,
			strconv.Itoa(e.AttemptNumber),
			truncate(e.ErrorMessage, 60),
		})
	}

	printTable(w, []string{"TIME", "OPERATION", "CLASS", "HTTP", "ATTEMPT", "MESSAGE"}, rows)
}

func newLogsExportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the diagnostic log as plain text for a support ticket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			e, err := openEngine(cmd.Context(), cc.Cfg, engineOptions{}, cc.Logger)
			if err != nil {
				return err
			}
			defer e.Close()

			text, err := e.diag.ExportAsText(cmd.Context())
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err := io.WriteString(cmd.OutOrStdout(), text)
				return err
			}

			if err := os.WriteFile(output, []byte(text), 0o600); err != nil {
				return fmt.Errorf("writing export: %w", err)
			}

			cc.Statusf("Wrote %s (%s)\n", output, formatSize(int64(len(text))))

			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")

	return cmd
}

func newLogsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every diagnostic log entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			e, err := openEngine(cmd.Context(), cc.Cfg, engineOptions{}, cc.Logger)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.diag.Clear(cmd.Context()); err != nil {
				return err
			}

			cc.Statusf("Diagnostic log cleared\n")

			return nil
		},
	}
}
