package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ecommerce/services/order/internal/api"
	"github.com/ecommerce/services/order/internal/clients"
	"github.com/ecommerce/services/order/internal/config"
	"github.com/ecommerce/services/order/internal/db"
	"github.com/ecommerce/services/order/internal/events"
	"github.com/ecommerce/services/order/internal/metrics"
	"github.com/ecommerce/services/order/internal/outbox"
	"github.com/ecommerce/services/order/internal/repo"
	"github.com/ecommerce/services/order/internal/saga"
	"github.com/ecommerce/services/order/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log := logger.NewLogger(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	log.Info("Order service starting")

	// Connect to database
	log.Info("Connecting to database...")
	database, err := db.Connect(context.Background(), cfg.PGDSN, db.Pool{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	// Run migrations
	log.Info("Running database migrations...")
	if err := db.RunMigrations(database); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Initialize stores and metrics
	m := metrics.New(cfg.ServiceName)
	orderRepo := repo.NewOrderRepository(database, log)
	outboxRepo := repo.NewOutboxRepository(database, log)
	inboxRepo := repo.NewInboxRepository(database, log)

	// Connect to RabbitMQ
	log.Info("Connecting to RabbitMQ")
	publisher, err := events.NewPublisher(cfg.RabbitMQURL, log)
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer publisher.Close()

	// Connect to Catalog service
	catalog := clients.NewCatalogClient(cfg.CatalogURL, log)

	// Build the saga orchestrator
	orchestrator := saga.NewOrchestrator(
		database, orderRepo, outboxRepo, inboxRepo,
		catalog, cfg.ReservationTimeout, m, log,
	)

	// Consumers and handlers drain before the relay stops, so committed
	// outbox rows always get a final flush.
	consumeCtx, stopConsume := context.WithCancel(context.Background())
	relayCtx, stopRelay := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	consumer, err := events.NewConsumer(
		cfg.RabbitMQURL,
		cfg.ServiceName+".saga.queue",
		orchestrator.Bindings(),
		orchestrator.HandleEvent,
		log,
	)
	if err != nil {
		log.Fatal("Failed to initialize event consumer", zap.Error(err))
	}
	defer consumer.Close()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Start(consumeCtx); err != nil && consumeCtx.Err() == nil {
			log.Error("Consumer stopped", zap.Error(err))
		}
	}()

	relay := outbox.NewRelay(outboxRepo, publisher, cfg.OutboxRelayInterval, m, log)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Start(relayCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		orchestrator.RunDeadlineScanner(consumeCtx, cfg.DeadlineScanInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runInboxPruner(consumeCtx, inboxRepo, cfg.InboxRetention, log)
	}()

	// Start HTTP server
	server := api.NewServer(orchestrator, database, publisher, m, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      server.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Drain in-flight handlers, then let the relay flush what they committed.
	stopConsume()
	wg.Wait()
	stopRelay()
	<-relayDone

	log.Info("Server stopped")
}

func runInboxPruner(ctx context.Context, inbox *repo.InboxRepository, retention time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := inbox.Prune(ctx, time.Now().Add(-retention)); err != nil {
				log.Error("Inbox prune failed", zap.Error(err))
			}
		}
	}
}
