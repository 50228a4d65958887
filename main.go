package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"futuresRiskBot/config"
	"futuresRiskBot/internal/adapters/broker"
	"futuresRiskBot/internal/adapters/feed"
	"futuresRiskBot/internal/adapters/logger"
	"futuresRiskBot/internal/adapters/sqlite"
	"futuresRiskBot/internal/app"
	"futuresRiskBot/internal/exitlock"
	"futuresRiskBot/internal/persist"
	"futuresRiskBot/internal/reconcile"
	"futuresRiskBot/internal/riskcache"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer func() { _ = appLogger.Sync() }()
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Broker Gateway
	gateway, err := broker.New(broker.Config{Logger: appLogger})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize broker gateway")
		log.Fatalf("FATAL: Failed to initialize broker gateway: %v", err)
	}
	appLogger.Info(context.Background(), "Broker gateway initialized")

	// 5. Initialize Market Feed
	marketFeed, err := feed.New(feed.Config{
		URL:                  cfg.FeedURL,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize market feed")
		log.Fatalf("FATAL: Failed to initialize market feed: %v", err)
	}
	appLogger.Info(context.Background(), "Market feed initialized")

	// 6. Initialize Core Components
	cache, err := riskcache.NewCache(riskcache.Config{Logger: appLogger})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize risk cache")
		log.Fatalf("FATAL: Failed to initialize risk cache: %v", err)
	}
	locks, err := exitlock.NewManager(exitlock.Config{TTL: cfg.LockTTL, Logger: appLogger})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize exit lock manager")
		log.Fatalf("FATAL: Failed to initialize exit lock manager: %v", err)
	}
	matcher, err := reconcile.NewMatcher(reconcile.Config{
		Window:         cfg.MatchWindow,
		PriceTolerance: cfg.PriceTolerance,
		Logger:         appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize order matcher")
		log.Fatalf("FATAL: Failed to initialize order matcher: %v", err)
	}
	worker, err := persist.NewWorker(persist.Config{
		Positions:       repo,
		Risks:           repo,
		Events:          repo,
		Logger:          appLogger,
		QueueCapacity:   cfg.QueueCapacity,
		CacheTTL:        cfg.CacheTTL,
		MaxWriteRetries: cfg.MaxWriteRetries,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize persistence worker")
		log.Fatalf("FATAL: Failed to initialize persistence worker: %v", err)
	}
	appLogger.Info(context.Background(), "Core components initialized")

	// 7. Initialize Application Service
	riskService, err := app.NewRiskService(cfg, app.Deps{
		Logger:    appLogger,
		Feed:      marketFeed,
		Broker:    gateway,
		Matcher:   matcher,
		Locks:     locks,
		Cache:     cache,
		Worker:    worker,
		Positions: repo,
		Risks:     repo,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize risk service")
		log.Fatalf("FATAL: Failed to initialize risk service: %v", err)
	}
	appLogger.Info(context.Background(), "Risk service initialized")

	// 8. Start the Service
	if err := riskService.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Risk service exited with error")
		log.Fatalf("FATAL: Risk service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
