package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"threadlink/api/internal/store"
)

type migrateOptions struct {
	*rootOptions
	status bool
}

func newMigrateCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &migrateOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.status, "status", false, "list migrations and whether they are applied")

	return cmd
}

func runMigrate(ctx context.Context, opts *migrateOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := opts.cfg
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := store.Open(ctx, cfg.DatabaseURL, opts.logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if opts.status {
		migrations, err := store.MigrationStatus(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		for _, m := range migrations {
			state := "pending"
			if m.Applied {
				state = "applied " + m.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(out, "%-40s %s\n", m.Version, state)
		}
		return nil
	}

	ran, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, opts.logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "applied %d migration(s)\n", len(ran))
	return nil
}
