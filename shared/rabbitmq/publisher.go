package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RetryCountHeader mirrors the envelope retry count for broker-side inspection
const RetryCountHeader = "x-retry-count"

// Publish wraps payload in a fresh envelope and hands it to the broker.
// A nil error means the broker accepted the message, not that it was
// consumed. Failures are not retried here; PublishError is retryable.
func (c *Client) Publish(ctx context.Context, queue string, payload any) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	q, ok := c.Queue(queue)
	if !ok {
		return &UnregisteredQueueError{Queue: queue}
	}

	env, err := newEnvelope(payload)
	if err != nil {
		return fmt.Errorf("failed to build envelope for queue %s: %w", queue, err)
	}

	if !c.IsConnected() {
		if err := c.Reconnect(ctx); err != nil {
			c.logger.Warn("Reconnect before publish failed",
				slog.String("queue", queue),
				slog.Any("error", err),
			)
		}
	}

	if err := c.publishEnvelope(ctx, q, env); err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ",
			slog.String("queue", queue),
			slog.Any("error", err),
		)
		return err
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("queue", queue),
		slog.String("message_id", env.MessageID),
	)
	return nil
}

func (c *Client) publishEnvelope(ctx context.Context, q QueueConfig, env Envelope) error {
	pubErr := func(err error) error {
		return &PublishError{Queue: q.Name, Exchange: q.Exchange, RoutingKey: q.RoutingKey, Err: err}
	}

	body, err := env.marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	ch := c.currentChannel()
	if ch == nil || ch.IsClosed() {
		return pubErr(ErrNotConnected)
	}
	if !c.topologyReady(q.Name) {
		return pubErr(ErrTopologyPending)
	}

	mode := amqp.Transient
	if q.Policy.PersistentMessages {
		mode = amqp.Persistent
	}

	err = ch.PublishWithContext(
		ctx,
		q.Exchange,   // exchange
		q.RoutingKey, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: mode,
			MessageId:    env.MessageID,
			Timestamp:    env.EnqueuedAt,
			Headers:      amqp.Table{RetryCountHeader: int64(env.RetryCount)},
			Body:         body,
		},
	)
	if err != nil {
		return pubErr(err)
	}
	return nil
}
