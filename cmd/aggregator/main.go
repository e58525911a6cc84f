package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/panjf2000/ants/v2"

	"github.com/bankfeed-aggregator/internal/aggregator"
	"github.com/bankfeed-aggregator/internal/api"
	"github.com/bankfeed-aggregator/internal/api/service"
	"github.com/bankfeed-aggregator/internal/config"
	"github.com/bankfeed-aggregator/internal/events"
	"github.com/bankfeed-aggregator/internal/logger"
	"github.com/bankfeed-aggregator/internal/registry"
	"github.com/bankfeed-aggregator/internal/storage"
	"github.com/bankfeed-aggregator/internal/storage/memory"
	"github.com/bankfeed-aggregator/internal/storage/mongodoc"
	"github.com/bankfeed-aggregator/internal/storage/postgresdoc"
	"github.com/bankfeed-aggregator/internal/syncer"
	"github.com/bankfeed-aggregator/internal/vault"
)

func main() {
	// Create base context with cancellation
	appCtx, cancelAppCtx := context.WithCancel(context.Background())
	defer cancelAppCtx()

	// Initialize configuration
	cfg, err := config.LoadConfig("aggregator")
	if err != nil {
		// logger is not initialized yet, so we use fmt
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.NewLogger(cfg)

	// Initialize the storage gateway for the configured backend
	var (
		store        storage.Gateway
		closeStorage func(context.Context)
	)
	switch cfg.Storage.Backend {
	case config.StorageBackendMongo:
		mongoDB, err := mongodoc.NewDB(appCtx, log, &cfg.MongoDB)
		if err != nil {
			log.Error("Failed to initialize MongoDB", "error", err)
			os.Exit(1)
		}
		store = mongodoc.NewGateway(log, mongoDB.Database())
		closeStorage = func(ctx context.Context) {
			if err := mongoDB.Close(ctx); err != nil {
				log.Error("Error closing MongoDB connection", "error", err)
			}
		}
	case config.StorageBackendPostgres:
		postgresDB, err := postgresdoc.NewDB(appCtx, log, &cfg.Postgres)
		if err != nil {
			log.Error("Failed to initialize PostgreSQL", "error", err)
			os.Exit(1)
		}
		store = postgresdoc.NewGateway(log, postgresDB)
		closeStorage = func(context.Context) { postgresDB.Close() }
	case config.StorageBackendMemory:
		log.Warn("Using in-memory storage; all data is lost on shutdown")
		store = memory.NewGateway()
		closeStorage = func(context.Context) {}
	default:
		log.Error("Unknown storage backend", "backend", cfg.Storage.Backend)
		os.Exit(1)
	}

	// Initialize the credential vault
	credentialVault, err := vault.New(&cfg.Vault)
	if err != nil {
		log.Error("Failed to initialize credential vault", "error", err)
		os.Exit(1)
	}

	// Initialize the aggregator client with retries around the data plane
	var upstream aggregator.Client
	if cfg.Aggregator.Environment == "sandbox" {
		log.Info("Using sandbox aggregator client")
		upstream = aggregator.NewSandbox()
	} else {
		upstream = aggregator.NewHTTPClient(log, &cfg.Aggregator)
	}
	client := aggregator.NewRetryingClient(log, upstream, &cfg.Aggregator)

	// Initialize the optional sync-event publisher
	var publisher events.Publisher
	if cfg.Events.Brokers != "" {
		kafkaPublisher, err := events.NewKafkaPublisher(log, &cfg.Events)
		if err != nil {
			log.Error("Failed to initialize events publisher", "error", err)
			os.Exit(1)
		}
		publisher = kafkaPublisher
	} else {
		publisher = events.NewNoopPublisher()
	}

	// Initialize the shared worker pool for sync fan-out
	pool, err := ants.NewPool(cfg.WorkerPool.Size)
	if err != nil {
		log.Error("Failed to initialize worker pool", "error", err)
		os.Exit(1)
	}

	// Initialize the registry and sync engines
	connRegistry := registry.New(log, store, credentialVault)
	tracker := syncer.NewTracker()
	accountEngine := syncer.NewAccountEngine(log, store, connRegistry, client, publisher, pool, tracker, &cfg.Sync)
	transactionEngine := syncer.NewTransactionEngine(log, store, connRegistry, client, pool, tracker, &cfg.Sync)
	revoker := syncer.NewRevoker(log, store, connRegistry, accountEngine, tracker, publisher)

	// Initialize services
	linkService := service.NewLinkService(log, client, connRegistry, accountEngine)
	accountService := service.NewAccountService(accountEngine)
	bankService := service.NewBankService(log, connRegistry, accountEngine, revoker)
	transactionService := service.NewTransactionService(transactionEngine)

	// Initialize REST server
	server := api.NewServer(log, cfg, linkService, accountService, bankService, transactionService)
	log.Info("REST server initialized")

	// Create error channel for server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		log.Info("Starting HTTP server", "port", cfg.Server.Port)
		if err := server.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Set up signal handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	// Wait for a shutdown signal or error
	var serverErr error
	select {
	case <-quit:
		log.Info("Shutdown signal received")
	case err := <-errChan:
		log.Error("Server error occurred", "error", err)
		serverErr = err
	}

	// Cancel the application context so in-flight syncs stop
	cancelAppCtx()

	// Create a shutdown context with timeout
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	// Graceful shutdown sequence
	log.Info("Starting graceful shutdown...")

	if err = server.Stop(shutdownCtx); err != nil {
		log.Error("Error during server shutdown", "error", err)
	}

	pool.Release()

	if err = publisher.Close(); err != nil {
		log.Error("Error closing events publisher", "error", err)
	}

	closeStorage(shutdownCtx)

	// Final status
	if serverErr != nil {
		log.Error("HTTP server shutdown with errors", "error", serverErr)
	}
	if err != nil {
		log.Error("Server shutdown completed with errors")
	} else {
		log.Info("Server shutdown completed successfully")
	}
}
