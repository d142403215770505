package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/fieldsync/internal/config"
	"github.com/tonimelisma/fieldsync/internal/server"
	isync "github.com/tonimelisma/fieldsync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued operations to the backend",
		Long: `Run one drain pass over the queue and report what happened.

With --watch, keep running: drain whenever the network comes back, when new
work is queued, and on the configured interval. SIGHUP or editing the config
file reloads it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if watch {
				return runDaemon(cmd.Context(), cc, false)
			}

			return runSyncOnce(cmd.Context(), cc, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and drain continuously")

	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon with the local HTTP API",
		Long: `Run continuously like "sync --watch" and also serve the local HTTP API
(queue control, diagnostics, a websocket event stream, and Prometheus
metrics) on server.listen_addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), mustCLIContext(cmd.Context()), true)
		},
	}
}

// runSyncOnce drains the queue once. Failed operations make the command
// exit non-zero after the summary is printed.
func runSyncOnce(ctx context.Context, cc *CLIContext, w io.Writer) error {
	cleanup, err := writePIDFile(cc.Cfg.Store.PIDPath())
	if err != nil {
		return err
	}
	defer cleanup()

	ctx = shutdownContext(ctx, cc.Logger)

	e, err := openEngine(ctx, cc.Cfg, engineOptions{withBackend: true}, cc.Logger)
	if err != nil {
		return err
	}
	defer e.Close()

	if !e.monitor.Refresh(ctx) {
		pending, _ := e.processor.PendingCount(ctx) //nolint:errcheck // informational
		cc.Statusf("Offline: %d operation(s) remain queued\n", pending)

		return fmt.Errorf("backend unreachable: %w", isync.ErrOffline)
	}

	stopOnSignal := context.AfterFunc(ctx, e.processor.Stop)
	defer stopOnSignal()

	summary, err := e.processor.TriggerSync(ctx)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		if err := printJSON(w, summary); err != nil {
			return err
		}
	} else {
		printSummary(w, summary)
	}

	if summary.Failed > 0 {
		return &exitError{code: 1}
	}

	return nil
}

func printSummary(w io.Writer, s *isync.Summary) {
	fmt.Fprintf(w, "Synced %d of %d operation(s) in %s", s.Succeeded, s.Total, s.Duration.Round(time.Millisecond))

	if s.Failed > 0 {
		fmt.Fprintf(w, ", %d failed", s.Failed)
	}

	if s.Deferred > 0 {
		fmt.Fprintf(w, ", %d deferred", s.Deferred)
	}

	fmt.Fprintln(w)

	if len(s.Failures) == 0 {
		return
	}

	rows := make([][]string, 0, len(s.Failures))
	for _, f := range s.Failures {
		rows = append(rows, []string{f.ID, string(f.Kind) + " " + f.EntityKind, string(f.Class), truncate(f.Message, 60)})
	}

	fmt.Fprintln(w)
	printTable(w, []string{"ID", "OPERATION", "CLASS", "MESSAGE"}, rows)
}

// runDaemon runs the processor until SIGINT/SIGTERM, reloading config on
// SIGHUP and file changes. withAPI also serves the HTTP API.
func runDaemon(parent context.Context, cc *CLIContext, withAPI bool) error {
	cleanup, err := writePIDFile(cc.Cfg.Store.PIDPath())
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(parent, cc.Logger)

	e, err := openEngine(ctx, cc.Cfg, engineOptions{withBackend: true, withEvents: withAPI}, cc.Logger)
	if err != nil {
		return err
	}
	defer e.Close()

	e.monitor.Start(ctx)
	defer e.monitor.Stop()

	holder := config.NewHolder(cc.Cfg, cc.CfgPath)
	rl := &reloader{
		holder: holder,
		level:  cc.Level,
		flags:  cc.Flags,
		resolve: func() (*config.Config, error) {
			cfg, _, err := config.Resolve(config.ReadEnvOverrides(), cc.Overrides)
			return cfg, err
		},
		logger: cc.Logger,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.processor.Run(gctx) })
	g.Go(func() error { return rl.watch(gctx, reloadSignals(gctx)) })

	if withAPI {
		srv := server.New(&server.Config{
			Engine:      e.processor,
			Diagnostics: e.diag,
			Network:     e.monitor,
			Events:      e.bus,
			Version:     version,
			Logger:      cc.Logger,
		})

		g.Go(func() error { return srv.ListenAndServe(gctx, holder.Config().Server.ListenAddr) })
	}

	cc.Logger.Info("daemon started",
		slog.String("data_dir", cc.Cfg.Store.DataDir),
		slog.String("transport", cc.Cfg.Remote.Transport),
		slog.Bool("api", withAPI),
	)

	return waitForShutdown(ctx, g, holder.Config().Sync.ShutdownTimeoutDuration(), cc.Logger)
}

// waitForShutdown waits for a worker error or the shutdown signal. After
// the signal the workers get grace to return; an operation cut off mid-call
// stays in flight and is reclaimed on the next start.
func waitForShutdown(ctx context.Context, g *errgroup.Group, grace time.Duration, logger *slog.Logger) error {
	done := make(chan error, 1)

	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	case <-ctx.Done():
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-done:
		logger.Info("daemon stopped")

		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	case <-timer.C:
		logger.Warn("shutdown grace period elapsed, exiting with work in flight",
			slog.Duration("grace", grace),
		)

		return nil
	}
}
