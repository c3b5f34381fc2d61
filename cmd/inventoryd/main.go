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

	"github.com/ecommerce/services/order/internal/config"
	"github.com/ecommerce/services/order/internal/db"
	"github.com/ecommerce/services/order/internal/events"
	"github.com/ecommerce/services/order/internal/ledger"
	"github.com/ecommerce/services/order/internal/metrics"
	"github.com/ecommerce/services/order/internal/outbox"
	"github.com/ecommerce/services/order/internal/repo"
	"github.com/ecommerce/services/order/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.Load()
	serviceName := "inventory"

	// Initialize logger
	log := logger.NewLogger(serviceName, cfg.LogLevel)
	defer log.Sync()

	log.Info("Inventory worker starting")

	// Connect to database
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
	if err := db.RunMigrations(database); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	m := metrics.New(serviceName)
	outboxRepo := repo.NewOutboxRepository(database, log)
	inboxRepo := repo.NewInboxRepository(database, log)
	stockLedger := ledger.NewLedger(database, log)

	// Holds outlive the orchestrator's deadline so the normal release path
	// wins; the expiry sweep only catches lost release commands.
	holdTTL := 2 * cfg.ReservationTimeout
	handler := ledger.NewCommandHandler(database, stockLedger, inboxRepo, outboxRepo, holdTTL, log)

	// Connect to RabbitMQ
	log.Info("Connecting to RabbitMQ")
	publisher, err := events.NewPublisher(cfg.RabbitMQURL, log)
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer publisher.Close()

	consumeCtx, stopConsume := context.WithCancel(context.Background())
	relayCtx, stopRelay := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	consumer, err := events.NewConsumer(
		cfg.RabbitMQURL,
		serviceName+".commands.queue",
		handler.Bindings(),
		handler.HandleCommand,
		log,
	)
	if err != nil {
		log.Fatal("Failed to initialize command consumer", zap.Error(err))
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
		runExpirySweep(consumeCtx, handler, cfg.DeadlineScanInterval, log)
	}()

	// Health check HTTP server
	go startHealthServer(cfg.HTTPPort, database, publisher, log)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down worker...")

	stopConsume()
	wg.Wait()
	stopRelay()
	<-relayDone

	log.Info("Worker stopped")
}

func runExpirySweep(ctx context.Context, handler *ledger.CommandHandler, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := handler.SweepExpired(ctx, time.Now(), 50)
			if err != nil {
				log.Error("Expiry sweep failed", zap.Error(err))
				continue
			}
			if released > 0 {
				log.Warn("Released expired reservations", zap.Int("count", released))
			}
		}
	}
}

func startHealthServer(port string, database *db.DB, publisher *events.Publisher, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unhealthy: database connection failed"))
			return
		}
		if !publisher.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unhealthy: rabbitmq connection failed"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info("Starting health server", zap.String("address", server.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("Health server failed", zap.Error(err))
	}
}
