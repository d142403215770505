package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/fieldsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigReloadCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if cc.Flags.JSON {
				return printJSON(cmd.OutOrStdout(), config.Redacted(cc.Cfg))
			}

			return config.RenderEffective(cc.Cfg, cc.CfgPath, cmd.OutOrStdout())
		},
	}
}

// configPath applies the same precedence as config.Resolve: --config, then
// FIELDSYNC_CONFIG, then the platform default.
func configPath() string {
	if flagConfigPath != "" {
		return flagConfigPath
	}

	if p := os.Getenv(config.EnvConfig); p != "" {
		return p
	}

	return config.DefaultConfigPath()
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a commented default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath()
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel("warn", CLIFlags{Verbose: flagVerbose})}))

			if err := config.WriteDefault(path, logger); err != nil {
				return err
			}

			statusf(flagQuiet, "Wrote %s\n", path)

			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), configPath())
			return err
		},
	}
}

func newConfigReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running daemon to reload its config (SIGHUP)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			pid, err := sendSIGHUP(cc.Cfg.Store.PIDPath())
			if err != nil {
				return err
			}

			cc.Statusf("Sent reload signal to daemon (PID %d)\n", pid)

			return nil
		},
	}
}
