package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// payloadField is the single stream entry field holding the serialized event.
const payloadField = "payload"

// RedisBus is the durable backend over Redis Streams. One entry per event,
// ids assigned by the server, cursors held by consumers.
type RedisBus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedis connects to the Redis instance at url and verifies it with a ping.
func NewRedis(ctx context.Context, url, clientName string, logger *slog.Logger) (*RedisBus, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if clientName != "" {
		opt.ClientName = clientName
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger.Info("event bus connected", "backend", "redis")
	return &RedisBus{rdb: rdb, logger: logger.With("component", "bus")}, nil
}

// newRedisFromClient wraps an existing client; used by tests with redismock.
func newRedisFromClient(rdb *redis.Client, logger *slog.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, logger: logger.With("component", "bus")}
}

// Publish appends the event with XADD and returns the server-assigned id.
func (b *RedisBus) Publish(ctx context.Context, stream string, e Event) (string, error) {
	data, err := e.Dumps()
	if err != nil {
		return "", err
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{payloadField: string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// Consume blocking-reads one entry after lastID via XREAD. A block expiry
// maps to ErrTimeout so callers can loop without treating it as a failure.
func (b *RedisBus) Consume(ctx context.Context, stream, lastID string, block time.Duration) (Event, string, error) {
	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   1,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Event{}, "", ErrTimeout
		}
		return Event{}, "", fmt.Errorf("xread %s: %w", stream, err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return Event{}, "", ErrTimeout
	}

	msg := res[0].Messages[0]
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		return Event{}, "", fmt.Errorf("stream %s entry %s has no %s field", stream, msg.ID, payloadField)
	}
	e, err := FromBytes([]byte(raw))
	if err != nil {
		return Event{}, "", err
	}
	return e, msg.ID, nil
}

// Close releases the underlying connection pool.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
