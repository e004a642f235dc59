package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"storysync/internal/config"
	"storysync/internal/publisher"
	"storysync/internal/scheduler"
	"storysync/internal/service"
	"storysync/internal/source/storyapi"
	"storysync/internal/storage/sqlstore"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	once := flag.Bool("once", false, "refresh the cache once and exit")
	flag.Parse()

	// Setup logger
	logger := setupLogger("info")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, *once, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("storysync stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, once bool, logger *slog.Logger) error {
	db, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer db.Close()

	if err := sqlstore.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate cache: %w", err)
	}
	logger.Info("connected to database", "driver", cfg.Database.Driver)

	// Initialize RabbitMQ publisher
	var pub service.Publisher
	if cfg.RabbitMQ.Enabled {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			return err
		}
		defer rabbitMQ.Close()
		pub = rabbitMQ
	}

	// Initialize stores
	storyStore := sqlstore.NewStoryStore(db)
	boundaryStore := sqlstore.NewBoundaryStore(db)
	syncStateStore := sqlstore.NewSyncStateStore(db)
	txManager := sqlstore.NewTransactionManager(db)
	preferences := sqlstore.NewPreferenceStore(db)

	client := storyapi.New(storyapi.Config{
		BaseURL:        cfg.API.BaseURL,
		Timeout:        cfg.API.Timeout,
		MaxAttempts:    cfg.API.Retry.MaxAttempts,
		InitialBackoff: cfg.API.Retry.InitialBackoff,
		MaxBackoff:     cfg.API.Retry.MaxBackoff,
	}, logger)

	mediator := service.NewMediator(
		client,
		storyStore,
		boundaryStore,
		syncStateStore,
		txManager,
		preferences,
		pub,
		logger,
		cfg.API.PageSize,
		service.WithAuthFailure(func(ctx context.Context, err error) {
			logger.Warn("session rejected, clearing it", "error", err)
			if err := preferences.ClearSession(ctx); err != nil {
				logger.Error("failed to clear session", "error", err)
			}
		}),
	)

	provider := service.NewProvider(ctx, storyStore, mediator, logger,
		service.WithPageSize(cfg.API.PageSize),
		service.WithPrefetchDistance(cfg.Sync.PrefetchDistance),
	)
	defer provider.Wait()

	repo := service.NewRepository(client, preferences, provider, mediator, cfg.Upload.MaxPhotoBytes, logger)

	if err := ensureSession(ctx, repo, cfg.Auth, logger); err != nil {
		return err
	}

	if state, err := syncStateStore.Get(ctx, client.ID()); err == nil && !state.LastSyncedAt.IsZero() {
		logger.Info("resuming from cache",
			"last_synced_at", state.LastSyncedAt,
			"last_page", state.LastPage,
			"total_synced", state.TotalSynced,
		)
	}

	go logLoadStates(ctx, repo, logger)

	if once {
		stats, err := provider.Reload(ctx)
		if err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		logger.Info("cache refreshed", "fetched", stats.Fetched, "end_reached", stats.EndReached)
		return nil
	}

	sched := scheduler.NewScheduler(provider, cfg.Sync.Interval, cfg.Sync.PrefetchPages, logger)

	logger.Info("starting story syncer",
		"source", client.ID(),
		"interval", cfg.Sync.Interval,
		"page_size", cfg.API.PageSize,
		"prefetch_pages", cfg.Sync.PrefetchPages,
	)

	return sched.Start(ctx)
}

// ensureSession logs in with the configured credentials unless a session is
// already persisted. The first list load is left to the caller.
func ensureSession(ctx context.Context, repo *service.Repository, auth config.AuthConfig, logger *slog.Logger) error {
	loggedIn, err := repo.IsLoggedIn(ctx)
	if err != nil {
		return err
	}
	if loggedIn {
		session, err := repo.Session(ctx)
		if err != nil {
			return err
		}
		logger.Info("using persisted session", "name", session.Name)
		return nil
	}

	if auth.Email == "" {
		return errors.New("no persisted session and no auth.email configured")
	}

	session, err := repo.Authenticate(ctx, auth.Email, auth.Password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	logger.Info("logged in", "name", session.Name)
	return nil
}

func logLoadStates(ctx context.Context, repo *service.Repository, logger *slog.Logger) {
	for states := range repo.WatchLoadStates(ctx) {
		logger.Debug("load states changed",
			"refresh", states.Refresh.Status,
			"append", states.Append.Status,
			"end_reached", states.EndReached,
			"generation", states.Generation,
		)
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
