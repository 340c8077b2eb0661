package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	unreadKeyPrefix = "notifications:unread:"
	unreadKeyTTL    = 24 * time.Hour
)

// UnreadCounter tracks each user's unread notification count
type UnreadCounter interface {
	Get(ctx context.Context, userID int64) (int64, error)
	Increment(ctx context.Context, userID int64) (int64, error)
	Decrement(ctx context.Context, userID int64) (int64, error)
	Reset(ctx context.Context, userID int64) error
}

// UnreadSource is the durable count the counters are rebuilt from
type UnreadSource interface {
	CountUnread(ctx context.Context, userID int64) (int64, error)
}

// StoreCounter answers every call with a fresh count from the store
type StoreCounter struct {
	source UnreadSource
}

// NewStoreCounter creates a counter with no cache
func NewStoreCounter(source UnreadSource) *StoreCounter {
	return &StoreCounter{source: source}
}

func (c *StoreCounter) Get(ctx context.Context, userID int64) (int64, error) {
	return c.source.CountUnread(ctx, userID)
}

func (c *StoreCounter) Increment(ctx context.Context, userID int64) (int64, error) {
	return c.source.CountUnread(ctx, userID)
}

func (c *StoreCounter) Decrement(ctx context.Context, userID int64) (int64, error) {
	return c.source.CountUnread(ctx, userID)
}

func (c *StoreCounter) Reset(context.Context, int64) error {
	return nil
}

// redisCmds is the part of *redis.Client the counter uses
type redisCmds interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Decr(ctx context.Context, key string) *redis.IntCmd
}

var _ redisCmds = (*redis.Client)(nil)

// RedisCounter caches unread counts in redis so every API process sees the
// same value. A cold or broken key is rebuilt from the store, and any redis
// failure falls back to the store count.
type RedisCounter struct {
	rdb    redisCmds
	source UnreadSource
	logger *slog.Logger
}

// NewRedisCounter creates a counter backed by rdb that rebuilds missing keys from source
func NewRedisCounter(rdb redisCmds, source UnreadSource, logger *slog.Logger) *RedisCounter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCounter{
		rdb:    rdb,
		source: source,
		logger: logger.With(slog.String("component", "unread_counter")),
	}
}

func unreadKey(userID int64) string {
	return fmt.Sprintf("%s%d", unreadKeyPrefix, userID)
}

func (c *RedisCounter) Get(ctx context.Context, userID int64) (int64, error) {
	n, err := c.rdb.Get(ctx, unreadKey(userID)).Int64()
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, redis.Nil):
		return c.refresh(ctx, userID)
	default:
		c.logger.Warn("Failed to read unread count from redis",
			slog.Int64("user_id", userID),
			slog.Any("error", err),
		)
		return c.source.CountUnread(ctx, userID)
	}
}

// Increment is called after the new record is stored, so a cold key seeded
// from the store already includes it.
func (c *RedisCounter) Increment(ctx context.Context, userID int64) (int64, error) {
	n, err := c.rdb.Incr(ctx, unreadKey(userID)).Result()
	if err != nil {
		c.logger.Warn("Failed to increment unread count",
			slog.Int64("user_id", userID),
			slog.Any("error", err),
		)
		return c.source.CountUnread(ctx, userID)
	}
	if n == 1 {
		return c.refresh(ctx, userID)
	}
	return n, nil
}

func (c *RedisCounter) Decrement(ctx context.Context, userID int64) (int64, error) {
	n, err := c.rdb.Decr(ctx, unreadKey(userID)).Result()
	if err != nil {
		c.logger.Warn("Failed to decrement unread count",
			slog.Int64("user_id", userID),
			slog.Any("error", err),
		)
		return c.source.CountUnread(ctx, userID)
	}
	if n < 0 {
		return c.refresh(ctx, userID)
	}
	return n, nil
}

func (c *RedisCounter) Reset(ctx context.Context, userID int64) error {
	if err := c.rdb.Set(ctx, unreadKey(userID), 0, unreadKeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to reset unread count: %w", err)
	}
	return nil
}

// refresh replaces the cached value with the store count
func (c *RedisCounter) refresh(ctx context.Context, userID int64) (int64, error) {
	n, err := c.source.CountUnread(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := c.rdb.Set(ctx, unreadKey(userID), n, unreadKeyTTL).Err(); err != nil {
		c.logger.Warn("Failed to cache unread count",
			slog.Int64("user_id", userID),
			slog.Any("error", err),
		)
	}
	return n, nil
}
