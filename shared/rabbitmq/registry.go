package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RegisterQueue declares the queue, its exchange and the paired dead-letter
// exchange and queue, then records the config. Registering the same config
// twice is a no-op. Registering a known name with a different config replaces
// the broker entities whose declaration changed and declares the new ones.
//
// While disconnected the config is only recorded; it is declared on the next
// successful connect.
func (c *Client) RegisterQueue(ctx context.Context, cfg QueueConfig) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.topologyMu.Lock()
	defer c.topologyMu.Unlock()

	c.mu.RLock()
	existing, known := c.queues[cfg.Name]
	conn, ch := c.conn, c.channel
	c.mu.RUnlock()

	if known && existing == cfg && c.topologyReady(cfg.Name) {
		c.logger.Debug("Queue already registered", slog.String("queue", cfg.Name))
		return nil
	}

	if conn == nil || conn.IsClosed() || ch == nil || ch.IsClosed() {
		c.mu.Lock()
		c.queues[cfg.Name] = cfg
		c.mu.Unlock()
		c.logger.Warn("Not connected, queue will be declared on connect", slog.String("queue", cfg.Name))
		return nil
	}

	if known {
		return c.reconfigure(conn, existing, cfg)
	}

	if err := c.declare(conn, cfg); err != nil {
		return err
	}

	c.mu.Lock()
	c.queues[cfg.Name] = cfg
	c.markAppliedLocked(cfg)
	c.mu.Unlock()

	c.logger.Info("Queue registered",
		slog.String("queue", cfg.Name),
		slog.String("exchange", cfg.Exchange),
		slog.String("routing_key", cfg.RoutingKey),
		slog.String("dead_letter_queue", cfg.DeadLetterQueue()),
	)
	return nil
}

// reconfigure moves a registered queue to cfg. If that fails the previous
// config is restored; if restoring fails too, cfg stays registered and the
// next reconnect attempt declares it.
func (c *Client) reconfigure(conn Connection, old, cfg QueueConfig) error {
	if old != cfg {
		c.logger.Info("Queue policy changed, redeclaring", slog.String("queue", cfg.Name))
	}

	sub := c.subscriptionFor(cfg.Name)
	if sub != nil {
		sub.stop(false)
	}

	c.mu.Lock()
	c.queues[cfg.Name] = cfg
	c.mu.Unlock()

	err := c.syncQueue(conn, cfg)
	switch {
	case err == nil:
	case old == cfg:
		c.logger.Error("Failed to declare queue topology, retrying on reconnect",
			slog.String("queue", cfg.Name),
			slog.Any("error", err),
		)
		c.scheduleReconnect()
	default:
		if rerr := c.syncQueue(conn, old); rerr == nil {
			c.mu.Lock()
			c.queues[cfg.Name] = old
			c.mu.Unlock()
			c.logger.Warn("Queue redeclare failed, previous topology kept",
				slog.String("queue", cfg.Name),
				slog.Any("error", err),
			)
		} else {
			c.logger.Error("Failed to restore previous queue topology, retrying on reconnect",
				slog.String("queue", cfg.Name),
				slog.Any("error", rerr),
			)
			c.scheduleReconnect()
		}
	}

	if sub != nil {
		if serr := c.startSubscriptionLocked(sub); serr != nil {
			c.logger.Warn("Consumer not restarted after redeclare",
				slog.String("queue", cfg.Name),
				slog.Any("error", serr),
			)
		}
	}
	return err
}

// syncQueue brings the broker topology of one queue in line with cfg. When the
// broker still holds an older declaration, the entities that differ are
// deleted first.
func (c *Client) syncQueue(conn Connection, cfg QueueConfig) error {
	c.mu.RLock()
	old, applied := c.applied[cfg.Name]
	c.mu.RUnlock()

	if applied && old != cfg {
		if doomed := c.replacedEntities(old, cfg); len(doomed) > 0 {
			if err := c.deleteEntities(conn, doomed); err != nil {
				c.logger.Warn("Failed to delete old queue topology",
					slog.String("queue", cfg.Name),
					slog.Any("error", err),
				)
			}
		}
	}

	if err := c.declare(conn, cfg); err != nil {
		c.mu.Lock()
		c.stale[cfg.Name] = struct{}{}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.markAppliedLocked(cfg)
	c.mu.Unlock()
	return nil
}

// markAppliedLocked requires mu
func (c *Client) markAppliedLocked(cfg QueueConfig) {
	c.applied[cfg.Name] = cfg
	delete(c.stale, cfg.Name)
}

// topologyReady reports whether the broker holds the registered declaration of name
func (c *Client) topologyReady(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topologyReadyLocked(name)
}

func (c *Client) topologyReadyLocked(name string) bool {
	cfg, ok := c.queues[name]
	if !ok {
		return false
	}
	applied, ok := c.applied[name]
	if !ok || applied != cfg {
		return false
	}
	_, stale := c.stale[name]
	return !stale
}

func (c *Client) hasPendingTopology() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name := range c.queues {
		if !c.topologyReadyLocked(name) {
			return true
		}
	}
	return false
}

// entity is one exchange or queue on the broker
type entity struct {
	exchange bool
	name     string
}

func (e entity) String() string {
	if e.exchange {
		return "exchange " + e.name
	}
	return "queue " + e.name
}

func (e entity) delete(ch Channel) error {
	if e.exchange {
		return ch.ExchangeDelete(e.name, false, false)
	}
	_, err := ch.QueueDelete(e.name, false, false, false)
	return err
}

// replacedEntities lists what must go before cfg can replace old. Only
// durability, exchange, routing key and dead-letter TTL reach the broker;
// the other policy fields change nothing there.
func (c *Client) replacedEntities(old, cfg QueueConfig) []entity {
	durable := old.Policy.Durable != cfg.Policy.Durable
	primary := durable || old.Exchange != cfg.Exchange || old.RoutingKey != cfg.RoutingKey
	deadLetter := primary || old.Policy.DeadLetterTTL.Milliseconds() != cfg.Policy.DeadLetterTTL.Milliseconds()

	var out []entity
	if deadLetter {
		out = append(out, entity{name: old.DeadLetterQueue()})
	}
	if primary {
		out = append(out, entity{name: old.Name})
	}
	for _, name := range []string{old.Exchange, old.DeadLetterExchange()} {
		keep := !durable && (name == cfg.Exchange || name == cfg.DeadLetterExchange())
		if keep || c.exchangeInUse(name, cfg.Name) {
			continue
		}
		out = append(out, entity{exchange: true, name: name})
	}
	return out
}

// declare creates the full topology of one queue on a channel of its own, so
// a channel exception never reaches the channel consumers and publishers
// share. If a step fails only the entities this call created are deleted.
func (c *Client) declare(conn Connection, cfg QueueConfig) error {
	durable := cfg.Policy.Durable
	dlx := cfg.DeadLetterExchange()
	dlq := cfg.DeadLetterQueue()
	dlKey := cfg.DeadLetterRoutingKey()

	present, err := c.existing(conn, cfg)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open topology channel: %w", err)
	}
	defer c.closeChannel(ch)

	var created []entity
	fail := func(err error) error {
		c.rollback(conn, cfg, created)
		return err
	}
	track := func(e entity) {
		if !present[e] {
			created = append(created, e)
		}
	}

	for _, name := range []string{cfg.Exchange, dlx} {
		if err := ch.ExchangeDeclare(name, amqp.ExchangeDirect, durable, false, false, false, nil); err != nil {
			return fail(fmt.Errorf("failed to declare exchange %s: %w", name, err))
		}
		track(entity{exchange: true, name: name})
	}

	primaryArgs := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": dlKey,
	}
	if _, err := ch.QueueDeclare(cfg.Name, durable, false, false, false, primaryArgs); err != nil {
		return fail(fmt.Errorf("failed to declare queue %s: %w", cfg.Name, err))
	}
	track(entity{name: cfg.Name})

	if _, err := ch.QueueDeclare(dlq, durable, false, false, false, deadLetterArgs(cfg)); err != nil {
		return fail(fmt.Errorf("failed to declare dead-letter queue %s: %w", dlq, err))
	}
	track(entity{name: dlq})

	if err := ch.QueueBind(cfg.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fail(fmt.Errorf("failed to bind queue %s: %w", cfg.Name, err))
	}
	if err := ch.QueueBind(dlq, dlKey, dlx, false, nil); err != nil {
		return fail(fmt.Errorf("failed to bind dead-letter queue %s: %w", dlq, err))
	}

	return nil
}

// existing reports which entities of cfg the broker already has. A passive
// declare of a missing entity closes its channel with 404, so every check
// runs on a fresh channel.
func (c *Client) existing(conn Connection, cfg QueueConfig) (map[entity]bool, error) {
	durable := cfg.Policy.Durable
	checks := []struct {
		entity entity
		check  func(ch Channel) error
	}{
		{entity{exchange: true, name: cfg.Exchange}, func(ch Channel) error {
			return ch.ExchangeDeclarePassive(cfg.Exchange, amqp.ExchangeDirect, durable, false, false, false, nil)
		}},
		{entity{exchange: true, name: cfg.DeadLetterExchange()}, func(ch Channel) error {
			return ch.ExchangeDeclarePassive(cfg.DeadLetterExchange(), amqp.ExchangeDirect, durable, false, false, false, nil)
		}},
		{entity{name: cfg.Name}, func(ch Channel) error {
			_, err := ch.QueueDeclarePassive(cfg.Name, durable, false, false, false, nil)
			return err
		}},
		{entity{name: cfg.DeadLetterQueue()}, func(ch Channel) error {
			_, err := ch.QueueDeclarePassive(cfg.DeadLetterQueue(), durable, false, false, false, nil)
			return err
		}},
	}

	present := make(map[entity]bool, len(checks))
	for _, chk := range checks {
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to open topology channel: %w", err)
		}
		err = chk.check(ch)
		c.closeChannel(ch)

		switch {
		case err == nil:
			present[chk.entity] = true
		case isNotFound(err):
		default:
			return nil, fmt.Errorf("failed to inspect %s: %w", chk.entity, err)
		}
	}
	return present, nil
}

// rollback deletes what a failed declare created, newest first
func (c *Client) rollback(conn Connection, cfg QueueConfig, created []entity) {
	doomed := make([]entity, 0, len(created))
	for i := len(created) - 1; i >= 0; i-- {
		e := created[i]
		if e.exchange && c.exchangeInUse(e.name, cfg.Name) {
			continue
		}
		doomed = append(doomed, e)
	}
	if len(doomed) == 0 {
		return
	}
	if err := c.deleteEntities(conn, doomed); err != nil {
		c.logger.Warn("Failed to roll back partial queue declaration",
			slog.String("queue", cfg.Name),
			slog.Any("error", err),
		)
	}
}

// deleteEntities deletes in order, reopening the channel after an exception
// closed it. Entities that are already gone count as deleted.
func (c *Client) deleteEntities(conn Connection, entities []entity) error {
	var (
		ch   Channel
		errs []error
	)
	defer func() {
		if ch != nil {
			c.closeChannel(ch)
		}
	}()

	for _, e := range entities {
		if ch == nil || ch.IsClosed() {
			next, err := conn.Channel()
			if err != nil {
				return errors.Join(append(errs, fmt.Errorf("failed to open topology channel: %w", err))...)
			}
			ch = next
		}
		if err := e.delete(ch); err != nil && !isNotFound(err) {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", e, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) closeChannel(ch Channel) {
	if ch.IsClosed() {
		return
	}
	if err := ch.Close(); err != nil {
		c.logger.Debug("Failed to close topology channel", slog.Any("error", err))
	}
}

func isNotFound(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound
}

// deadLetterArgs route expired dead letters back to the primary exchange
func deadLetterArgs(cfg QueueConfig) amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange":    cfg.Exchange,
		"x-dead-letter-routing-key": cfg.RoutingKey,
	}
	if ttl := cfg.Policy.DeadLetterTTL.Milliseconds(); ttl > 0 {
		args["x-message-ttl"] = ttl
	}
	return args
}

// exchangeInUse reports whether a registered queue other than except declares the exchange
func (c *Client) exchangeInUse(exchange, except string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for name, q := range c.queues {
		if name == except {
			continue
		}
		if q.Exchange == exchange || q.DeadLetterExchange() == exchange {
			return true
		}
	}
	return false
}

// replay declares every registered queue on the current connection. A queue
// that fails stays pending and does not stop the others.
func (c *Client) replay() error {
	c.topologyMu.Lock()
	defer c.topologyMu.Unlock()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return ErrNotConnected
	}

	var errs []error
	for _, cfg := range c.Queues() {
		if err := c.syncQueue(conn, cfg); err != nil {
			c.logger.Error("Failed to declare queue topology",
				slog.String("queue", cfg.Name),
				slog.Any("error", err),
			)
			errs = append(errs, err)
			continue
		}
		c.logger.Debug("Queue redeclared", slog.String("queue", cfg.Name))
	}
	return errors.Join(errs...)
}

// Queues returns the registered configs sorted by name
func (c *Client) Queues() []QueueConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]QueueConfig, 0, len(c.queues))
	for _, q := range c.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Queue returns the registered config for name
func (c *Client) Queue(name string) (QueueConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.queues[name]
	return q, ok
}
