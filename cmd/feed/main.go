package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	app_service "crypto-live-feed/internal/application/service"
	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/domain/repository"
	domain_service "crypto-live-feed/internal/domain/service"
	"crypto-live-feed/internal/infrastructure/blockchain"
	"crypto-live-feed/internal/infrastructure/broadcast"
	"crypto-live-feed/internal/infrastructure/cache"
	"crypto-live-feed/internal/infrastructure/config"
	"crypto-live-feed/internal/infrastructure/database"
	"crypto-live-feed/internal/infrastructure/httpserver"
	"crypto-live-feed/internal/infrastructure/logger"
	"crypto-live-feed/internal/infrastructure/messaging"
	"crypto-live-feed/internal/infrastructure/metrics"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.NewLogger(cfg.App.LogLevel)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	// Create FX application
	app := fx.New(
		// Provide dependencies
		fx.Supply(cfg),
		fx.Supply(log),
		fx.Supply(&cfg.Postgres),
		fx.Supply(&cfg.Neo4J),
		fx.Supply(&cfg.NATS),

		// Infrastructure providers
		fx.Provide(
			metrics.NewMetrics,
			database.NewPostgresClient,
			database.NewPostgresTransactionRepository,
			database.NewPostgresStatsRepository,
			database.NewNeo4JClient,
			newCursorRepository,
			newSnapshotCache,
			newTransactionSource,
			broadcast.NewHub,
			newPublisher,
			messaging.NewNATSPublisher,
		),

		// Application providers
		fx.Provide(
			newWalletProjection,
			newTransferProjector,
			newIngestionService,
			newSchedulers,
			newStatsService,
			newSnapshotService,
		),

		// Lifecycle hooks
		fx.Invoke(startStorage),
		fx.Invoke(startEventMirror),
		fx.Invoke(startSchedulers),
		fx.Invoke(startHTTPServer),

		// Configure logging
		fx.WithLogger(func() fxevent.Logger {
			return fxevent.NopLogger
		}),
	)

	// Start the application
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		log.Error("Failed to start application", zap.Error(err))
		os.Exit(1)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down application...")

	// Stop the application
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := app.Stop(stopCtx); err != nil {
		log.Error("Failed to stop application gracefully", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Application stopped successfully")
}

// newCursorRepository selects the cursor backend
func newCursorRepository(lc fx.Lifecycle, cfg *config.Config, pg *database.PostgresClient, log *logger.Logger) (repository.CursorRepository, error) {
	if cfg.Cursor.Backend != "pebble" {
		return database.NewPostgresCursorRepository(pg, log), nil
	}

	repo, err := database.NewPebbleCursorRepository(cfg.Cursor.PebbleDir, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return repo.Close()
		},
	})
	return repo, nil
}

// newSnapshotCache connects Redis when enabled
func newSnapshotCache(lc fx.Lifecycle, cfg *config.Config, log *logger.Logger) (repository.SnapshotCache, error) {
	if !cfg.Redis.Enabled {
		return cache.NoopSnapshotCache{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	redisCache, err := cache.NewRedisSnapshotCache(ctx, &cfg.Redis, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return redisCache.Close()
		},
	})
	return redisCache, nil
}

func newTransactionSource(cfg *config.Config, m *metrics.Metrics, log *logger.Logger) domain_service.TransactionSource {
	return blockchain.NewBlockchairClient(cfg, m, log)
}

func newPublisher(hub *broadcast.Hub) domain_service.Publisher {
	return hub
}

// newWalletProjection returns nil when the address graph is disabled
func newWalletProjection(cfg *config.Config, client *database.Neo4JClient, log *logger.Logger) *app_service.WalletProjectionService {
	if !cfg.Neo4J.Enabled {
		return nil
	}
	return app_service.NewWalletProjectionService(
		database.NewNeo4JWalletRepository(client, log),
		database.NewNeo4JTransactionRepository(client, log),
		log,
	)
}

func newTransferProjector(wallets *app_service.WalletProjectionService) domain_service.TransferProjector {
	if wallets == nil {
		return nil
	}
	return wallets
}

func newIngestionService(
	cfg *config.Config,
	txRepo repository.TransactionRepository,
	projector domain_service.TransferProjector,
	m *metrics.Metrics,
	log *logger.Logger,
) domain_service.IngestionService {
	return app_service.NewIngestionApplicationService(txRepo, projector, cfg.Sync.DedupCacheTTL, cfg.Sync.DedupCacheSize, m, log)
}

// newSchedulers builds one independent scheduler per configured network
func newSchedulers(
	cfg *config.Config,
	source domain_service.TransactionSource,
	ingestion domain_service.IngestionService,
	cursors repository.CursorRepository,
	txRepo repository.TransactionRepository,
	publisher domain_service.Publisher,
	m *metrics.Metrics,
	log *logger.Logger,
) ([]*app_service.SyncScheduler, error) {
	schedulers := make([]*app_service.SyncScheduler, 0, len(cfg.Sync.Networks))
	for _, n := range cfg.Sync.Networks {
		network, err := entity.ParseNetwork(n.Name)
		if err != nil {
			return nil, err
		}
		schedulers = append(schedulers, app_service.NewSyncScheduler(app_service.SchedulerConfig{
			Network:           network,
			Interval:          cfg.Sync.Interval,
			MaxBackoff:        cfg.Sync.MaxBackoff,
			HeartbeatEvery:    cfg.Sync.HeartbeatEvery,
			OverlapBlocks:     cfg.Sync.OverlapBlocks,
			MaxBlocksPerCycle: n.MaxBlocksPerCycle,
			DetailBatchSize:   cfg.Source.DetailBatchSize,
		}, source, ingestion, cursors, txRepo, publisher, m, log))
	}
	return schedulers, nil
}

func newStatsService(
	cfg *config.Config,
	source domain_service.TransactionSource,
	statsRepo repository.StatsRepository,
	publisher domain_service.Publisher,
	log *logger.Logger,
) *app_service.StatsService {
	return app_service.NewStatsService(source, statsRepo, publisher, cfg.Stats.Interval, log)
}

func newSnapshotService(txRepo repository.TransactionRepository, snapshotCache repository.SnapshotCache, log *logger.Logger) *app_service.SnapshotService {
	return app_service.NewSnapshotService(txRepo, snapshotCache, log)
}

// startStorage connects the databases before anything else runs
func startStorage(
	lifecycle fx.Lifecycle,
	cfg *config.Config,
	pg *database.PostgresClient,
	neo4jClient *database.Neo4JClient,
	log *logger.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("Connecting to PostgreSQL")
			if err := pg.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
			}

			if cfg.Neo4J.Enabled {
				log.Info("Connecting to Neo4J database")
				if err := neo4jClient.Connect(ctx); err != nil {
					return fmt.Errorf("failed to connect to Neo4J: %w", err)
				}
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cfg.Neo4J.Enabled {
				if err := neo4jClient.Close(ctx); err != nil {
					log.Error("Failed to close Neo4J connection", zap.Error(err))
				}
			}
			pg.Close()
			return nil
		},
	})
}

// startEventMirror copies every published event to NATS when enabled
func startEventMirror(
	lifecycle fx.Lifecycle,
	cfg *config.Config,
	hub *broadcast.Hub,
	publisher *messaging.NATSPublisher,
	log *logger.Logger,
) {
	if !cfg.NATS.Enabled {
		return
	}
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("NATS Configuration",
				zap.String("url", cfg.NATS.URL),
				zap.String("subject_prefix", cfg.NATS.SubjectPrefix),
			)
			if err := publisher.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			hub.AddMirror(publisher)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return publisher.Disconnect()
		},
	})
}

// startSchedulers runs every network scheduler and the stats poller
func startSchedulers(
	lifecycle fx.Lifecycle,
	cfg *config.Config,
	schedulers []*app_service.SyncScheduler,
	stats *app_service.StatsService,
	log *logger.Logger,
) {
	var (
		wg     sync.WaitGroup
		cancel context.CancelFunc
	)

	lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())

			for _, s := range schedulers {
				s := s
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.Run(runCtx)
				}()
			}

			if cfg.Stats.Enabled {
				wg.Add(1)
				go func() {
					defer wg.Done()
					stats.Run(runCtx)
				}()
			}

			log.Info("Schedulers started", zap.Int("networks", len(schedulers)), zap.Bool("stats", cfg.Stats.Enabled))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("Stopping schedulers...")
			cancel()

			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("schedulers did not stop: %w", ctx.Err())
			}
		},
	})
}

// startHTTPServer serves the stream, snapshot and health endpoints
func startHTTPServer(
	lifecycle fx.Lifecycle,
	cfg *config.Config,
	hub *broadcast.Hub,
	snapshots *app_service.SnapshotService,
	wallets *app_service.WalletProjectionService,
	schedulers []*app_service.SyncScheduler,
	m *metrics.Metrics,
	log *logger.Logger,
) {
	deps := httpserver.Deps{
		Hub:       hub,
		Snapshots: snapshots,
		Metrics:   m,
		Broadcast: cfg.Broadcast,
		Logger:    log,
	}
	if wallets != nil {
		deps.Wallets = wallets
	}
	for _, s := range schedulers {
		deps.Schedulers = append(deps.Schedulers, s)
	}

	server := httpserver.NewServer(cfg.App.HTTPPort, httpserver.NewRouter(deps), log)

	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return server.Start()
		},
		OnStop: func(ctx context.Context) error {
			// ends open streams so Shutdown does not wait on them
			hub.Close()
			return server.Shutdown(ctx)
		},
	})
}
