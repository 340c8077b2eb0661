package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one envelope. A nil return acknowledges the message; any
// error feeds the retry path unless it wraps MalformedMessageError.
type Handler func(ctx context.Context, env Envelope) error

// ErrAlreadyConsuming is returned when a queue already has a consumer in this client
var ErrAlreadyConsuming = errors.New("rabbitmq: queue already has a consumer")

type subscription struct {
	client  *Client
	queue   string
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	mu  sync.Mutex
	run *consumerRun
}

// consumerRun is one broker-side consumer bound to one channel
type consumerRun struct {
	ch  Channel
	tag string
	wg  sync.WaitGroup
}

// Consume subscribes handler to queue with the queue's prefetch count and
// returns once the subscription is active. It stays active across reconnects
// until ctx is done or the client is closed.
func (c *Client) Consume(ctx context.Context, queue string, handler Handler) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if _, ok := c.Queue(queue); !ok {
		return &UnregisteredQueueError{Queue: queue}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		client:  c,
		queue:   queue,
		handler: handler,
		ctx:     subCtx,
		cancel:  cancel,
	}

	c.mu.Lock()
	if _, exists := c.consumers[queue]; exists {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrAlreadyConsuming, queue)
	}
	c.consumers[queue] = sub
	c.mu.Unlock()

	c.topologyMu.Lock()
	err := c.startSubscriptionLocked(sub)
	c.topologyMu.Unlock()

	deferred := errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTopologyPending)
	if err != nil && !deferred {
		c.removeSubscription(sub)
		return fmt.Errorf("failed to start consumer for queue %s: %w", queue, err)
	}
	if err != nil {
		c.logger.Warn("Consumer will start once the queue is declared",
			slog.String("queue", queue),
			slog.Any("reason", err),
		)
	}

	go func() {
		select {
		case <-subCtx.Done():
			c.removeSubscription(sub)
		case <-c.done:
		}
	}()

	return nil
}

func (c *Client) subscriptionFor(queue string) *subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consumers[queue]
}

func (c *Client) removeSubscription(sub *subscription) {
	c.mu.Lock()
	if c.consumers[sub.queue] == sub {
		delete(c.consumers, sub.queue)
	}
	c.mu.Unlock()

	sub.stop(false)
	sub.cancel()
}

func (c *Client) startSubscription(sub *subscription) error {
	c.topologyMu.Lock()
	defer c.topologyMu.Unlock()
	return c.startSubscriptionLocked(sub)
}

// restartConsumers moves every subscription onto the current channel
func (c *Client) restartConsumers() {
	c.mu.RLock()
	subs := make([]*subscription, 0, len(c.consumers))
	for _, sub := range c.consumers {
		subs = append(subs, sub)
	}
	c.mu.RUnlock()

	for _, sub := range subs {
		err := c.startSubscription(sub)
		if errors.Is(err, ErrTopologyPending) {
			c.logger.Warn("Consumer waits for pending queue topology", slog.String("queue", sub.queue))
			continue
		}
		if err != nil {
			c.logger.Error("Failed to restart consumer",
				slog.String("queue", sub.queue),
				slog.Any("error", err),
			)
		}
	}
}

// startSubscriptionLocked requires topologyMu. It is a no-op when the
// subscription already consumes on the current channel.
func (c *Client) startSubscriptionLocked(sub *subscription) error {
	if sub.ctx.Err() != nil {
		return sub.ctx.Err()
	}

	q, ok := c.Queue(sub.queue)
	if !ok {
		return &UnregisteredQueueError{Queue: sub.queue}
	}

	ch := c.currentChannel()
	if ch == nil || ch.IsClosed() {
		return ErrNotConnected
	}
	if !c.topologyReady(q.Name) {
		return ErrTopologyPending
	}

	sub.mu.Lock()
	if sub.run != nil && sub.run.ch == ch {
		sub.mu.Unlock()
		return nil
	}
	sub.mu.Unlock()
	sub.stop(false)

	if err := ch.Qos(q.Policy.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	tag := fmt.Sprintf("%s-%s", q.Name, uuid.New().String())
	deliveries, err := ch.Consume(
		q.Name, // queue
		tag,    // consumer tag
		false,  // auto-ack
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fmt.Errorf("failed to consume messages: %w", err)
	}

	run := &consumerRun{ch: ch, tag: tag}
	for i := 0; i < q.Policy.PrefetchCount; i++ {
		run.wg.Add(1)
		go func() {
			defer run.wg.Done()
			for d := range deliveries {
				c.handleDelivery(sub.ctx, q, sub.handler, d)
			}
		}()
	}

	sub.mu.Lock()
	sub.run = run
	sub.mu.Unlock()

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", q.Name),
		slog.String("consumer_tag", tag),
		slog.Int("prefetch", q.Policy.PrefetchCount),
	)
	return nil
}

// stop cancels the broker-side consumer. With wait it also blocks until the
// delivery workers have exited.
func (s *subscription) stop(wait bool) {
	s.mu.Lock()
	run := s.run
	s.run = nil
	s.mu.Unlock()

	if run == nil {
		return
	}
	if wait {
		s.cancel()
	}
	if !run.ch.IsClosed() {
		if err := run.ch.Cancel(run.tag, false); err != nil {
			s.client.logger.Warn("Failed to cancel consumer",
				slog.String("queue", s.queue),
				slog.String("consumer_tag", run.tag),
				slog.Any("error", err),
			)
		}
	}
	if wait {
		run.wg.Wait()
	}
}

// handleDelivery settles one delivery:
// malformed -> nack; success -> ack; failure under budget -> republish with
// retryCount+1 then ack; failure over budget -> nack (dead-letter).
func (c *Client) handleDelivery(ctx context.Context, q QueueConfig, handler Handler, d amqp.Delivery) {
	env, err := parseEnvelope(d.Body)
	if err != nil {
		c.logger.Warn("Dropping malformed message",
			slog.Any("error", &MalformedMessageError{Queue: q.Name, Err: err}),
			slog.Uint64("delivery_tag", d.DeliveryTag),
		)
		c.nack(q, d)
		return
	}

	log := c.logger.With(
		slog.String("queue", q.Name),
		slog.String("message_id", env.MessageID),
		slog.Int("retry_count", env.RetryCount),
	)

	err = c.invoke(ctx, q, handler, env)
	if err == nil {
		c.ack(q, d)
		log.Debug("Message acknowledged")
		return
	}

	if ctx.Err() != nil {
		log.Info("Consumer stopped before handler settled, requeueing", slog.Any("error", err))
		c.requeue(q, d)
		return
	}

	hErr := &HandlerError{Queue: q.Name, MessageID: env.MessageID, RetryCount: env.RetryCount, Err: err}

	var malformed *MalformedMessageError
	if errors.As(err, &malformed) {
		log.Warn("Handler rejected malformed message, dead-lettering", slog.Any("error", hErr))
		c.nack(q, d)
		return
	}

	if env.RetryCount >= q.Policy.MaxRetries {
		log.Warn("Retries exhausted, dead-lettering",
			slog.Int("max_retries", q.Policy.MaxRetries),
			slog.Any("error", hErr),
		)
		c.nack(q, d)
		return
	}

	if q.Policy.RetryDelay > 0 {
		select {
		case <-ctx.Done():
			c.requeue(q, d)
			return
		case <-time.After(q.Policy.RetryDelay):
		}
	}

	if err := c.publishEnvelope(ctx, q, env.nextAttempt()); err != nil {
		log.Error("Failed to republish for retry, dead-lettering",
			slog.Any("handler_error", hErr),
			slog.Any("error", err),
		)
		c.nack(q, d)
		return
	}

	c.ack(q, d)
	log.Info("Handler failed, message requeued",
		slog.Int("next_retry_count", env.RetryCount+1),
		slog.Any("error", hErr),
	)
}

// invoke runs handler under the policy timeout and converts a panic into an error
func (c *Client) invoke(ctx context.Context, q QueueConfig, handler Handler, env Envelope) error {
	hctx := ctx
	cancel := func() {}
	if q.Policy.HandlerTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, q.Policy.HandlerTimeout)
	}
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
		result <- handler(hctx, env)
	}()

	select {
	case err := <-result:
		return err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrHandlerTimeout, q.Policy.HandlerTimeout)
	}
}

func (c *Client) ack(q QueueConfig, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.logger.Error("Failed to ack message",
			slog.String("queue", q.Name),
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Any("error", err),
		)
	}
}

func (c *Client) nack(q QueueConfig, d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		c.logger.Error("Failed to nack message",
			slog.String("queue", q.Name),
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Any("error", err),
		)
	}
}

// requeue hands an unfinished delivery back to the broker with its retry count unchanged
func (c *Client) requeue(q QueueConfig, d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		c.logger.Warn("Failed to requeue message",
			slog.String("queue", q.Name),
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Any("error", err),
		)
	}
}
