package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/perch-be/internal/api/handler"
	"github.com/cuongbtq/perch-be/internal/api/router"
	"github.com/cuongbtq/perch-be/internal/api/storage"
	"github.com/cuongbtq/perch-be/internal/auth"
	"github.com/cuongbtq/perch-be/internal/config"
	"github.com/cuongbtq/perch-be/internal/domain"
	"github.com/cuongbtq/perch-be/internal/notification"
	"github.com/cuongbtq/perch-be/internal/worker"
	"github.com/cuongbtq/perch-be/shared/logger"
	"github.com/cuongbtq/perch-be/shared/postgresql"
	"github.com/cuongbtq/perch-be/shared/rabbitmq"
	"github.com/cuongbtq/perch-be/shared/redis"
	"github.com/gin-gonic/gin"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := postgresql.NewClient(cfg.PostgresConfig(), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store := storage.NewStorage(dbClient)
	healthChecks := map[string]handler.HealthCheck{
		"database": dbClient.HealthCheck,
	}

	// unread counts fall back to the database when no redis is configured
	var unread notification.UnreadCounter
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.NewClient(cfg.RedisClientConfig(), appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize redis: %w", err)
		}
		defer redisClient.Close()

		unread = notification.NewRedisCounter(redisClient.GetClient(), store, appLogger.Logger)
		healthChecks["redis"] = redisClient.HealthCheck
	}

	rabbitClient, err := initRabbitMQ(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	healthChecks["rabbitmq"] = func(context.Context) error {
		if !rabbitClient.CheckConnection() {
			return rabbitmq.ErrNotConnected
		}
		return nil
	}

	jwtService := auth.NewJWTService(cfg.Auth.JWTSecret)
	registry := notification.NewRegistry(appLogger.Logger)
	notifications := notification.NewService(store, unread, registry, appLogger.Logger)
	gateway := notification.NewGateway(jwtService, registry, notifications, appLogger.Logger)

	// the api process owns the live sockets, so it consumes the notification queue
	consumer := worker.NewWorker(&worker.Config{
		Logger: appLogger.Logger,
		Broker: rabbitClient,
		Routes: []worker.Route{
			{Queue: cfg.QueueConfig(domain.QueueNotification), Handler: notifications.HandleMessage},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 2)
	go func() {
		if err := consumer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("notification consumer: %w", err)
		}
	}()

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r := router.SetupRouter(&router.Config{
		Logger:    appLogger.Logger,
		Auth:      jwtService,
		WebSocket: gateway.ServeWS,
	}, &handler.Dependencies{
		Logger:        appLogger.Logger,
		ServiceName:   cfg.App.Name,
		Store:         store,
		Publisher:     rabbitClient,
		Notifications: notifications,
		HealthChecks:  healthChecks,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully", slog.String("signal", sig.String()))
	case runErr = <-errChan:
		appLogger.Error("API service failed", slog.Any("error", runErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		if runErr == nil {
			runErr = err
		}
	}
	consumer.Stop()

	appLogger.Info("API service shutdown complete")
	return runErr
}

// initRabbitMQ connects to the broker and declares the queues this service
// publishes to
func initRabbitMQ(cfg *config.Config, logger *slog.Logger) (*rabbitmq.Client, error) {
	client := rabbitmq.NewClient(cfg.BrokerConfig(), logger)

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	for _, name := range []string{domain.QueueBookingStatus, domain.QueuePayment} {
		if err := client.RegisterQueue(ctx, cfg.QueueConfig(name)); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to register queue %s: %w", name, err)
		}
	}
	return client, nil
}
