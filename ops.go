package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/fieldsync/internal/store"
)

func newOpsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Inspect and manage queued operations",
	}

	cmd.AddCommand(newOpsListCmd())
	cmd.AddCommand(newOpsRetryCmd())
	cmd.AddCommand(newOpsDismissCmd())

	return cmd
}

func newOpsListCmd() *cobra.Command {
	var (
		failed bool
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			var statuses []store.Status

			if failed {
				statuses = append(statuses, store.StatusFailed)
			}

			if status != "" {
				for _, s := range strings.Split(status, ",") {
					statuses = append(statuses, store.Status(strings.TrimSpace(s)))
				}
			}

			e, err := openEngine(cmd.Context(), cc.Cfg, engineOptions{}, cc.Logger)
			if err != nil {
				return err
			}
			defer e.Close()

			ops, err := e.processor.Operations(cmd.Context(), statuses...)
			if err != nil {
				return err
			}

			if cc.Flags.JSON {
				if ops == nil {
					ops = []store.Operation{}
				}

				return printJSON(cmd.OutOrStdout(), ops)
			}

			if len(ops) == 0 {
				cc.Statusf("No operations queued\n")
				return nil
			}

			printOps(cmd.OutOrStdout(), ops)

			return nil
		},
	}

	cmd.Flags().BoolVar(&failed, "failed", false, "only failed operations")
	cmd.Flags().StringVar(&status, "status", "", "comma-separated statuses: pending, in_flight, failed")
	cmd.MarkFlagsMutuallyExclusive("failed", "status")

	return cmd
}

func printOps(w io.Writer, ops []store.Operation) {
	rows := make([][]string, 0, len(ops))

	for i := range ops {
		op := &ops[i]

		prio := ""
		if op.HighPriority {
			prio = "high"
		}

		lastErr := ""
		if op.LastError != nil {
			lastErr = truncate(op.LastError.Class+": "+op.LastError.Message, 50)
		}

		rows = append(rows, []string{
			op.ID,
			op.Describe(),
			string(op.Status),
			prio,
			strconv.Itoa(op.AttemptCount),
			formatAge(op.CreatedAt),
			lastErr,
		})
	}

	printTable(w, []string{"ID", "OPERATION", "STATUS", "PRIORITY", "ATTEMPTS", "QUEUED", "LAST ERROR"}, rows)
}

func newOpsRetryCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [id...]",
		Short: "Requeue failed operations for the next drain pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			if !all && len(args) == 0 {
				return fmt.Errorf("specify operation ids or --all")
			}

			e, err := openEngine(cmd.Context(), cc.Cfg, engineOptions{}, cc.Logger)
			if err != nil {
				return err
			}
			defer e.Close()

			if all {
				n, err := e.processor.RetryAllFailed(cmd.Context())
				if err != nil {
					return err
				}

				cc.Statusf("Requeued %d failed operation%s\n", n, plural(n, "", "s"))

				return nil
			}

			for _, id := range args {
				if err := e.processor.Retry(cmd.Context(), id); err != nil {
					return fmt.Errorf("retrying %s: %w", id, err)
				}

				cc.Statusf("Requeued %s\n", id)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "requeue every failed operation")

	return cmd
}

func newOpsDismissCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <id>...",
		Short: "Drop operations without applying them",
		Long: `Remove operations from the queue. The change they carry is discarded and
will never reach the backend. Operations currently being applied cannot be
dismissed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			e, err := openEngine(cmd.Context(), cc.Cfg, engineOptions{}, cc.Logger)
			if err != nil {
				return err
			}
			defer e.Close()

			for _, id := range args {
				if err := e.processor.Dismiss(cmd.Context(), id); err != nil {
					return fmt.Errorf("dismissing %s: %w", id, err)
				}

				cc.Statusf("Dismissed %s\n", id)
			}

			return nil
		},
	}
}
