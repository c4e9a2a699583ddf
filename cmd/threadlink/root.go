package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"threadlink/api/internal/config"
	"threadlink/api/internal/logging"
)

// rootOptions is shared by every subcommand. cfg and logger are filled in
// before any subcommand runs.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "threadlink",
		Short: "Sync Slack threads into Jira issues",
		Long: `threadlink turns a Slack thread into a Jira issue and keeps the issue's
comments in step with the thread as it grows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (overrides THREADLINK_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (text|json)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newHashTokenCommand())

	return cmd
}

func (o *rootOptions) load() error {
	if o.configPath != "" {
		if err := os.Setenv("THREADLINK_CONFIG", o.configPath); err != nil {
			return fmt.Errorf("set config path: %w", err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	o.cfg = cfg
	o.logger = logging.New(cfg.LogLevel, cfg.LogFormat).With("app", cfg.AppName)
	slog.SetDefault(o.logger)
	return nil
}
