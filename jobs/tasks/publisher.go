package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher delivers a completion event to whoever listens on channel,
// which is the request id.
type Publisher interface {
	Publish(ctx context.Context, channel string, event map[string]any) error
}

// LogPublisher only logs the events. It is used when no broker is
// configured.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, channel string, event map[string]any) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("completion event",
		zap.String("channel", channel),
		zap.Any("sse_event_type", event["sseEventType"]))
	return nil
}

// DefaultChannelPrefix is prepended to the request id by RedisPublisher.
const DefaultChannelPrefix = "castgate:llm_request:"

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisPublisher creates a RedisPublisher. An empty prefix means
// DefaultChannelPrefix.
func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the Redis channel for a request id.
func (p *RedisPublisher) Channel(id string) string {
	return p.prefix + id
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, event map[string]any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(channel), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.Channel(channel), err)
	}
	return nil
}
