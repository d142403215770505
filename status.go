package main

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/fieldsync/internal/store"
)

// statusOutput is the JSON shape of "fieldsync status".
type statusOutput struct {
	DataDir  string               `json:"data_dir"`
	Pending  int                  `json:"pending"`
	Counts   map[store.Status]int `json:"counts"`
	Daemon   *daemonStatus        `json:"daemon,omitempty"`
	Oldest   string               `json:"oldest_pending,omitempty"`
	Failures int                  `json:"diagnostic_entries"`
}

type daemonStatus struct {
	PID int `json:"pid"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and daemon state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			e, err := openEngine(ctx, cc.Cfg, engineOptions{}, cc.Logger)
			if err != nil {
				return err
			}
			defer e.Close()

			counts, err := e.processor.StatusCounts(ctx)
			if err != nil {
				return err
			}

			pending, err := e.processor.PendingCount(ctx)
			if err != nil {
				return err
			}

			entries, err := e.diag.Entries(ctx)
			if err != nil {
				return err
			}

			out := statusOutput{
				DataDir:  cc.Cfg.Store.DataDir,
				Pending:  pending,
				Counts:   counts,
				Failures: len(entries),
			}

			if pid, err := readPIDFile(cc.Cfg.Store.PIDPath()); err == nil && processAlive(pid) {
				out.Daemon = &daemonStatus{PID: pid}
			}

			ops, err := e.processor.Operations(ctx, store.StatusPending)
			if err != nil {
				return err
			}

			if len(ops) > 0 {
				out.Oldest = formatAge(ops[0].CreatedAt)
			}

			if cc.Flags.JSON {
				return printJSON(cmd.OutOrStdout(), out)
			}

			printStatus(cmd.OutOrStdout(), &out)

			return nil
		},
	}
}

func printStatus(w io.Writer, s *statusOutput) {
	fmt.Fprintf(w, "Data dir:   %s\n", s.DataDir)

	if s.Daemon != nil {
		fmt.Fprintf(w, "Daemon:     running (PID %d)\n", s.Daemon.PID)
	} else {
		fmt.Fprintln(w, "Daemon:     not running")
	}

	fmt.Fprintf(w, "Pending:    %d\n", s.Counts[store.StatusPending])

	if s.Oldest != "" {
		fmt.Fprintf(w, "Oldest:     %s\n", s.Oldest)
	}

	fmt.Fprintf(w, "In flight:  %d\n", s.Counts[store.StatusInFlight])
	fmt.Fprintf(w, "Failed:     %d\n", s.Counts[store.StatusFailed])
	fmt.Fprintf(w, "Log:        %d diagnostic entr%s\n", s.Failures, plural(s.Failures, "y", "ies"))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}

	return many
}

// processAlive reports whether pid is a live process, using signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return proc.Signal(syscall.Signal(0)) == nil
}
