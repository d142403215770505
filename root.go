package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tonimelisma/fieldsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDataDir    string
	flagRemoteURL  string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// logFileMaxSizeMB is the rotation threshold for logging.log_file.
const logFileMaxSizeMB = 50

// skipConfigCommands lists commands that must run without a resolvable
// config, either because they create it or because they only inspect the
// file on disk.
var skipConfigCommands = map[string]bool{
	"fieldsync config init": true,
	"fieldsync config path": true,
}

// CLIContext carries the resolved config and logger to subcommands. It is
// built once in PersistentPreRunE and stored in the command context.
type CLIContext struct {
	Cfg     *config.Config
	CfgPath string
	Logger  *slog.Logger
	Level   *slog.LevelVar
	Flags   CLIFlags

	// Overrides are the CLI layer, kept so a reload resolves the same way.
	Overrides config.CLIOverrides

	closeLog io.Closer
}

// CLIFlags are the global flags after parsing.
type CLIFlags struct {
	JSON    bool
	Verbose bool
	Quiet   bool
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext stored by the root pre-run. A
// missing context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok || cc == nil {
		panic("BUG: CLIContext not initialized; command ran without root PersistentPreRunE")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "fieldsync",
		Short:   "Offline-first sync engine for field operations",
		Long:    "Queue field mutations and photo uploads locally, then deliver them to the backend whenever the network allows.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipConfigCommands[cmd.CommandPath()] {
				return nil
			}

			return loadConfig(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext); ok && cc.closeLog != nil {
				return cc.closeLog.Close()
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory for the queue database and upload spool")
	cmd.PersistentFlags().StringVar(&flagRemoteURL, "remote-url", "", "backend base URL (http transport)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newEnqueueCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newOpsCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores a CLIContext in the command context.
func loadConfig(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(config.DotEnvFile); err != nil {
		return fmt.Errorf("loading environment: %w", err)
	}

	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	// Only pass flags the user explicitly set.
	if cmd.Flags().Changed("data-dir") {
		cli.DataDir = &flagDataDir
	}

	if cmd.Flags().Changed("remote-url") {
		cli.RemoteURL = &flagRemoteURL
	}

	cfg, cfgPath, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	flags := CLIFlags{JSON: flagJSON, Verbose: flagVerbose, Quiet: flagQuiet}

	level := &slog.LevelVar{}
	level.Set(logLevel(cfg.Logging.LogLevel, flags))

	logger, closer, err := buildLogger(&cfg.Logging, level, os.Stderr)
	if err != nil {
		return err
	}

	cc := &CLIContext{
		Cfg:       cfg,
		CfgPath:   cfgPath,
		Logger:    logger,
		Level:     level,
		Flags:     flags,
		Overrides: cli,
		closeLog:  closer,
	}

	logger.Debug("config resolved", slog.String("path", cfgPath), slog.String("data_dir", cfg.Store.DataDir))

	cmd.SetContext(withCLIContext(cmd.Context(), cc))

	return nil
}

// logLevel picks the level from config, then lets --verbose and --quiet
// override it because CLI flags always win.
func logLevel(configured string, flags CLIFlags) slog.Level {
	level := slog.LevelInfo

	switch configured {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	return level
}

// buildLogger creates the process logger. With log_file set, output goes to
// a rotating file instead of stderr. The "auto" format is text on a
// terminal and JSON otherwise.
func buildLogger(cfg *config.LoggingConfig, level *slog.LevelVar, stderr *os.File) (*slog.Logger, io.Closer, error) {
	var (
		w      io.Writer = stderr
		closer io.Closer
		isTTY  = isatty.IsTerminal(stderr.Fd()) || isatty.IsCygwinTerminal(stderr.Fd())
	)

	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}

		rotator := &lumberjack.Logger{
			Filename: cfg.LogFile,
			MaxSize:  logFileMaxSizeMB,
			MaxAge:   cfg.LogRetentionDays,
			Compress: true,
		}

		w, closer, isTTY = rotator, rotator, false
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler

	switch {
	case cfg.LogFormat == "json", cfg.LogFormat == "auto" && !isTTY:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler), closer, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// exitError ends the process with a specific code and no message. Commands
// use it when they have already reported the problem.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
