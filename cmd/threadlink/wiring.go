package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"threadlink/api/internal/app"
	"threadlink/api/internal/blob"
	"threadlink/api/internal/chat/slack"
	"threadlink/api/internal/collect"
	"threadlink/api/internal/config"
	"threadlink/api/internal/engine"
	"threadlink/api/internal/lock"
	"threadlink/api/internal/metrics"
	"threadlink/api/internal/search"
	"threadlink/api/internal/store"
	"threadlink/api/internal/tracker"
	"threadlink/api/internal/tracker/jira"
)

// components is the wired object graph for one process.
type components struct {
	store   store.LinkStore
	engine  *engine.Engine
	service *app.Service
	search  *search.Service
	metrics *metrics.Metrics
	jira    *jira.Client

	closers []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

type buildOptions struct {
	// memory keeps links in process memory instead of Postgres.
	memory bool
	// migrate applies pending migrations after connecting.
	migrate bool
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger, opts buildOptions) (_ *components, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &components{metrics: metrics.New()}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if c.store, err = openLinkStore(ctx, cfg, logger, opts, c); err != nil {
		return nil, err
	}

	slackClient, err := slack.NewClient(slack.Config{
		BaseURL:      cfg.SlackAPIURL,
		Token:        cfg.SlackBotToken,
		WorkspaceURL: cfg.SlackWorkspaceURL,
		Logger:       logger.With("component", "slack"),
	})
	if err != nil {
		return nil, err
	}

	var attachments tracker.AttachmentSource = slackClient
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archive, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("attachment archive: %w", err)
		}
		logger.Info("attachment archive enabled", "endpoint", cfg.MinioEndpoint, "bucket", cfg.MinioBucket)
		attachments = blob.NewArchive(slackClient, archive, logger.With("component", "archive"))
	}

	c.jira, err = jira.NewClient(jira.Config{
		BaseURL:           cfg.JiraURL,
		User:              cfg.JiraUser,
		Password:          cfg.JiraPassword,
		Project:           cfg.JiraProject,
		IssueType:         cfg.JiraIssueType,
		Label:             cfg.JiraLabel,
		RequestsPerSecond: float64(cfg.JiraRequestsPerSecond),
		Attachments:       attachments,
		Logger:            logger.With("component", "jira"),
		Metrics:           c.metrics,
	})
	if err != nil {
		return nil, err
	}

	var locker lock.Locker = lock.NewKeyed()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLock, err := lock.NewRedis(cfg.RedisURL, cfg.LockTTL, logger.With("component", "lock"))
		if err != nil {
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		c.closers = append(c.closers, func() { _ = redisLock.Close() })
		logger.Info("cross-process thread lock enabled")
		locker = lock.Chain(locker, redisLock)
	}

	var backend search.Backend
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.With("component", "search"))
		c.closers = append(c.closers, meili.Close)
		backend = meili
	}
	c.search = search.NewService(backend, search.StoreFallback{Store: c.store}, logger.With("component", "search"))

	c.engine, err = engine.New(engine.Config{
		Collector: collect.New(slackClient, collect.WithLogger(logger.With("component", "collect"))),
		Store:     c.store,
		Tracker:   c.jira,
		Locker:    locker,
		Indexer:   c.search,
		Metrics:   c.metrics,
		Logger:    logger.With("component", "engine"),
		Labels:    []string{cfg.JiraLabel},
	})
	if err != nil {
		return nil, err
	}

	c.service = app.New(app.Deps{
		Engine:   c.engine,
		Store:    c.store,
		Search:   c.search,
		Issues:   c.jira,
		Notifier: slackClient,
		IssueURL: c.jira.BrowseURL,
		Logger:   logger.With("component", "app"),
	})
	return c, nil
}

func openLinkStore(ctx context.Context, cfg config.Config, logger *slog.Logger, opts buildOptions, c *components) (store.LinkStore, error) {
	if opts.memory {
		logger.Warn("using in-memory link store; links are lost on exit")
		return store.NewMemoryStore(), nil
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, errors.New("DATABASE_URL is required (or run with --memory)")
	}
	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	c.closers = append(c.closers, func() { _ = db.Close() })
	if opts.migrate {
		if _, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}
	return store.NewPostgresStore(db), nil
}
