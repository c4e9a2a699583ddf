package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"threadlink/api/internal/app"
)

type serveOptions struct {
	*rootOptions
	memory bool
	addr   string
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Long: `Run the event intake, admin and health endpoints.

Pending migrations are applied on start unless --memory is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.memory, "memory", false, "keep links in memory (local runs only)")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides API_ADDR)")

	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger := opts.cfg, opts.logger
	if opts.addr != "" {
		cfg.Addr = opts.addr
	}

	c, err := build(ctx, cfg, logger, buildOptions{memory: opts.memory, migrate: !opts.memory})
	if err != nil {
		return err
	}
	defer c.Close()

	go c.search.ReindexAll(ctx, c.store)

	httpServer := app.NewHTTPServer(c.service, app.HTTPConfig{
		SigningSecret:  cfg.SlackSigningSecret,
		AdminTokenHash: cfg.AdminTokenHash,
		Metrics:        c.metrics.Handler(),
		Logger:         logger.With("component", "http"),
	})
	if cfg.SlackSigningSecret == "" {
		logger.Warn("SLACK_SIGNING_SECRET is empty; event signatures are not checked")
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("threadlink listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return nil
}
