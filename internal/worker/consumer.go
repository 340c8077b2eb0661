package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// setupConsumers declares every route's queue topology and subscribes its handler
func (w *Worker) setupConsumers(ctx context.Context) error {
	for _, route := range w.routes {
		if err := w.broker.RegisterQueue(ctx, route.Queue); err != nil {
			return fmt.Errorf("failed to register queue %s: %w", route.Queue.Name, err)
		}

		if err := w.broker.Consume(ctx, route.Queue.Name, route.Handler); err != nil {
			return fmt.Errorf("failed to start consuming %s: %w", route.Queue.Name, err)
		}

		w.logger.Info("Consumer started",
			slog.String("queue", route.Queue.Name),
			slog.Int("prefetch_count", route.Queue.Policy.PrefetchCount),
			slog.Int("max_retries", route.Queue.Policy.MaxRetries),
			slog.Duration("handler_timeout", route.Queue.Policy.HandlerTimeout),
		)
	}
	return nil
}
