package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Client owns the single broker connection and channel of the process,
// the queue registry replayed on every reconnect and the active consumers.
type Client struct {
	config Config
	dial   Dialer
	logger *slog.Logger

	mu         sync.RWMutex
	conn       Connection
	channel    Channel
	queues     map[string]QueueConfig
	applied    map[string]QueueConfig // last config declared on the broker per queue
	stale      map[string]struct{}    // queues whose last declaration failed
	consumers  map[string]*subscription
	retryTimer *time.Timer

	// topologyMu serializes declare/delete sequences and Qos+Consume pairs on the shared channel
	topologyMu sync.Mutex

	connecting atomic.Bool
	closed     atomic.Bool
	done       chan struct{}
}

// Option configures a Client
type Option func(*Client)

// WithDialer replaces the amqp091-go dialer
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		c.dial = d
	}
}

// NewClient creates a new RabbitMQ client. No I/O happens until Connect.
func NewClient(config Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		config:    config.withDefaults(),
		dial:      Dial,
		logger:    logger.With(slog.String("component", "rabbitmq")),
		queues:    make(map[string]QueueConfig),
		applied:   make(map[string]QueueConfig),
		stale:     make(map[string]struct{}),
		consumers: make(map[string]*subscription),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the connection and channel, retrying up to RetryAttempts
// times, then declares every queue registered so far.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.RetryAttempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.config.RetryAttempts),
		)

		lastErr = c.connectOnce()
		if lastErr == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", lastErr),
			slog.Int("attempt", attempt),
		)

		if attempt < c.config.RetryAttempts {
			select {
			case <-ctx.Done():
				return &ConnectionError{Op: "dial", URL: sanitizeURL(c.config.URI), Attempts: attempt, Err: ctx.Err()}
			case <-time.After(c.config.RetryInterval):
			}
		}
	}

	if lastErr != nil {
		return &ConnectionError{Op: "dial", URL: sanitizeURL(c.config.URI), Attempts: c.config.RetryAttempts, Err: lastErr}
	}

	if err := c.replay(); err != nil {
		c.teardown()
		return &ConnectionError{Op: "declare", URL: sanitizeURL(c.config.URI), Err: err}
	}
	c.restartConsumers()

	c.logger.Info("RabbitMQ client initialized", slog.Int("queues", c.queueCount()))
	return nil
}

// connectOnce dials, opens the channel and starts watching both for closure
func (c *Client) connectOnce() error {
	conn, err := c.dial(c.config.URI, amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(c.config.ConnectionTimeout),
	})
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		if cerr := conn.Close(); cerr != nil {
			c.logger.Warn("Failed to close RabbitMQ connection after channel error", slog.Any("error", cerr))
		}
		return fmt.Errorf("failed to create channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	go c.watch(conn, ch)

	c.logger.Info("Successfully connected to RabbitMQ")
	return nil
}

// watch triggers a reconnect when the connection or channel it was started for closes
func (c *Client) watch(conn Connection, ch Channel) {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	var reason *amqp.Error
	select {
	case reason = <-connClosed:
	case reason = <-chClosed:
	case <-c.done:
		return
	}

	if c.closed.Load() {
		return
	}

	c.mu.RLock()
	current := c.conn == conn && c.channel == ch
	c.mu.RUnlock()
	if !current {
		return
	}

	attrs := []any{}
	if reason != nil {
		attrs = append(attrs, slog.Int("code", reason.Code), slog.String("reason", reason.Reason))
	}
	c.logger.Warn("RabbitMQ connection lost, reconnecting", attrs...)

	if err := c.Reconnect(context.Background()); err != nil {
		c.logger.Error("RabbitMQ reconnect failed", slog.Any("error", err))
	}
}

// CheckConnection probes liveness by opening a channel and asking the broker
// for the metadata of a declared queue. The probe channel is separate from
// the shared one. It never fails: any error or panic reports false.
func (c *Client) CheckConnection() (alive bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("RabbitMQ liveness probe panicked", slog.Any("panic", r))
			alive = false
		}
	}()

	c.mu.RLock()
	conn, ch := c.conn, c.channel
	probe, hasProbe := c.probeQueueLocked()
	c.mu.RUnlock()

	if conn == nil || ch == nil || conn.IsClosed() || ch.IsClosed() {
		return false
	}
	if !hasProbe {
		return true
	}

	pch, err := conn.Channel()
	if err != nil {
		c.logger.Debug("RabbitMQ liveness probe failed", slog.Any("error", err))
		return false
	}
	defer c.closeChannel(pch)

	if _, err := pch.QueueDeclarePassive(probe.Name, probe.Policy.Durable, false, false, false, nil); err != nil {
		c.logger.Debug("RabbitMQ liveness probe failed",
			slog.String("queue", probe.Name),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

// probeQueueLocked picks the first declared queue by name
func (c *Client) probeQueueLocked() (QueueConfig, bool) {
	names := make([]string, 0, len(c.queues))
	for name := range c.queues {
		if c.topologyReadyLocked(name) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return QueueConfig{}, false
	}
	sort.Strings(names)
	return c.queues[names[0]], true
}

// Reconnect re-establishes the connection, replays the registry and restarts
// consumers. On a live connection it only declares queues whose topology is
// still pending. Only one reconnect runs at a time; concurrent calls return
// nil immediately. A failed attempt schedules another after ReconnectDelay.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.connecting.CompareAndSwap(false, true) {
		c.logger.Debug("Reconnect already in progress")
		return nil
	}

	err := c.reconnect(ctx)
	c.connecting.Store(false)

	if err != nil && !errors.Is(err, ErrClientClosed) {
		c.scheduleReconnect()
	}
	return err
}

func (c *Client) reconnect(ctx context.Context) error {
	if c.CheckConnection() {
		return c.syncPending()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.teardown()

	if err := c.connectOnce(); err != nil {
		c.logger.Error("Failed to reconnect to RabbitMQ",
			slog.Any("error", err),
			slog.Duration("retry_after", c.config.ReconnectDelay),
		)
		return &ConnectionError{Op: "reconnect", URL: sanitizeURL(c.config.URI), Err: err}
	}
	if c.closed.Load() {
		c.teardown()
		return ErrClientClosed
	}

	err := c.replay()
	c.restartConsumers()
	if err != nil {
		c.logger.Error("Reconnected with pending queue topology",
			slog.Any("error", err),
			slog.Duration("retry_after", c.config.ReconnectDelay),
		)
		return &ConnectionError{Op: "declare", URL: sanitizeURL(c.config.URI), Err: err}
	}

	c.logger.Info("Reconnected to RabbitMQ", slog.Int("queues", c.queueCount()))
	return nil
}

// syncPending declares the queues a failed declaration left behind
func (c *Client) syncPending() error {
	if !c.hasPendingTopology() {
		return nil
	}

	err := c.replay()
	c.restartConsumers()
	if err != nil {
		return &ConnectionError{Op: "declare", URL: sanitizeURL(c.config.URI), Err: err}
	}
	c.logger.Info("Pending queue topology declared")
	return nil
}

// scheduleReconnect arms a single constant-delay retry
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() || c.retryTimer != nil {
		return
	}
	c.retryTimer = time.AfterFunc(c.config.ReconnectDelay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		c.mu.Unlock()

		if err := c.Reconnect(context.Background()); err != nil && !errors.Is(err, ErrClientClosed) {
			c.logger.Warn("Scheduled RabbitMQ reconnect failed", slog.Any("error", err))
		}
	})
}

// teardown drops the current connection and channel, logging close errors
func (c *Client) teardown() {
	c.mu.Lock()
	conn, ch := c.conn, c.channel
	c.conn, c.channel = nil, nil
	c.mu.Unlock()

	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			c.logger.Warn("Failed to close RabbitMQ channel", slog.Any("error", err))
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			c.logger.Warn("Failed to close RabbitMQ connection", slog.Any("error", err))
		}
	}
}

// Close stops consumers and shuts down the channel then the connection.
// Errors are logged, never returned.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.logger.Info("Closing RabbitMQ connection")

	close(c.done)

	c.mu.Lock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	subs := make([]*subscription, 0, len(c.consumers))
	for _, sub := range c.consumers {
		subs = append(subs, sub)
	}
	c.consumers = make(map[string]*subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.stop(true)
		sub.cancel()
	}

	c.teardown()
	c.logger.Info("RabbitMQ connection closed")
}

// IsConnected reports whether a connection and channel are open, without a broker round-trip
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.channel != nil && !c.conn.IsClosed() && !c.channel.IsClosed()
}

func (c *Client) currentChannel() Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

func (c *Client) queueCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.queues)
}

// sanitizeURL strips credentials before a URI reaches logs or errors
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}
