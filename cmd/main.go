package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/murichu/rent-sub005/internal/api"
	"github.com/murichu/rent-sub005/internal/circuitbreaker"
	"github.com/murichu/rent-sub005/internal/config"
	"github.com/murichu/rent-sub005/internal/gateway"
	"github.com/murichu/rent-sub005/internal/notify"
	"github.com/murichu/rent-sub005/internal/repository"
	"github.com/murichu/rent-sub005/internal/service"
	"github.com/murichu/rent-sub005/internal/telemetry"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize telemetry
	if err := telemetry.InitTelemetry("payment-gateway"); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting Payment Gateway")

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		telemetry.Logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize repositories
	txRepo := repository.NewTransactionRepository(db)
	if err := txRepo.InitDB(); err != nil {
		telemetry.Logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	payRepo := repository.NewPaymentRepository(db)
	if err := payRepo.InitDB(); err != nil {
		telemetry.Logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisURL,
	})

	// Connect to NATS
	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		telemetry.Logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	// Connect to Kafka
	kafkaWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers),
		Topic:    "payment.state.changed",
		Balancer: &kafka.LeastBytes{},
	}
	defer kafkaWriter.Close()

	// Circuit breaker registry: one shared breaker per external service,
	// state transitions logged and exported as a gauge.
	registry := circuitbreaker.NewRegistry(func(name string, from, to circuitbreaker.State) {
		telemetry.Logger.Warn("Circuit breaker state changed",
			zap.String("service", name),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		telemetry.BreakerTransitions.WithLabelValues(name, string(from), string(to)).Inc()
		telemetry.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
	})

	// Gateways
	mpesa := gateway.NewMpesaGateway(cfg.Mpesa, registry, txRepo)
	pesapal := gateway.NewPesapalGateway(cfg.Pesapal, registry, txRepo)
	bank := gateway.NewBankGateway(cfg.Bank, registry, txRepo)

	// Receipt notifications
	notifier := notify.NewNotifier(cfg.SMS, cfg.Email, registry)

	// Reconciler and pending sweeper
	reconciler := service.NewReconciler(txRepo, payRepo, pesapal, redisClient, kafkaWriter, nc, notifier)
	sweeper := service.NewSweeper(txRepo, reconciler, mpesa, pesapal, cfg.PendingSweepAge, cfg.SweepInterval)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go sweeper.Start(sweepCtx)

	// Setup router
	r := api.NewRouter(mpesa, pesapal, bank, txRepo, reconciler, registry)

	// Setup HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		telemetry.Logger.Info("Payment Gateway starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	stopSweeper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	telemetry.Logger.Info("Server exited")
}

func breakerStateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateHalfOpen:
		return 1
	case circuitbreaker.StateOpen:
		return 2
	}
	return 0
}
