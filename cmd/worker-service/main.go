package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/perch-be/internal/config"
	"github.com/cuongbtq/perch-be/internal/domain"
	"github.com/cuongbtq/perch-be/internal/worker"
	"github.com/cuongbtq/perch-be/internal/worker/gateway"
	"github.com/cuongbtq/perch-be/internal/worker/storage"
	"github.com/cuongbtq/perch-be/shared/logger"
	"github.com/cuongbtq/perch-be/shared/postgresql"
	"github.com/cuongbtq/perch-be/shared/rabbitmq"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := postgresql.NewClient(cfg.PostgresConfig(), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	rabbitClient := rabbitmq.NewClient(cfg.BrokerConfig(), appLogger.Logger)
	if err := rabbitClient.Connect(context.Background()); err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	// notifications are only published from here; the api service consumes them
	if err := rabbitClient.RegisterQueue(context.Background(), cfg.QueueConfig(domain.QueueNotification)); err != nil {
		return fmt.Errorf("failed to register queue %s: %w", domain.QueueNotification, err)
	}

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	paystack := gateway.NewPaystack(cfg.GatewayConfig())

	bookings := worker.NewBookingService(store, rabbitClient, appLogger.Logger)
	payments := worker.NewPaymentService(store, paystack, rabbitClient, appLogger.Logger)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger: appLogger.Logger,
		Broker: rabbitClient,
		Routes: []worker.Route{
			{
				Queue:   cfg.QueueConfig(domain.QueueBookingStatus),
				Handler: worker.BookingStatusConsumer(bookings, appLogger.Logger),
			},
			{
				Queue:   cfg.QueueConfig(domain.QueuePayment),
				Handler: worker.PaymentConsumer(payments, appLogger.Logger),
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}
