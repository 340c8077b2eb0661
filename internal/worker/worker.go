package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/perch-be/shared/rabbitmq"
)

// Broker is the part of the rabbitmq client the worker drives
type Broker interface {
	RegisterQueue(ctx context.Context, cfg rabbitmq.QueueConfig) error
	Consume(ctx context.Context, queue string, handler rabbitmq.Handler) error
}

var _ Broker = (*rabbitmq.Client)(nil)

// Route binds a queue to the handler that consumes it
type Route struct {
	Queue   rabbitmq.QueueConfig
	Handler rabbitmq.Handler
}

// Config holds worker configuration
type Config struct {
	Logger *slog.Logger
	Broker Broker
	Routes []Route
}

// Worker hosts the queue consumers of one service
type Worker struct {
	logger *slog.Logger
	broker Broker
	routes []Route

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger: cfg.Logger,
		broker: cfg.Broker,
		routes: cfg.Routes,
	}
}

// Start registers the routes and consumes until ctx is canceled or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	if len(w.routes) == 0 {
		return fmt.Errorf("worker has no routes")
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	defer close(done)
	defer cancel()

	w.mu.Lock()
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	w.logger.Info("Starting worker", slog.Int("queues", len(w.routes)))

	if err := w.setupConsumers(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop cancels the consumers started by Start and waits for Start to return
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel == nil {
		return
	}

	w.logger.Info("Stopping worker...")
	cancel()
	<-done
	w.logger.Info("Worker stopped")
}
