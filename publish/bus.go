package publish

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Bus delivers one payload to a channel.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisBus publishes with Redis PUBLISH.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to the Redis server at url, e.g.
// "redis://localhost:6379/0".
func NewRedisBus(url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("publish: parse bus url: %w", err)
	}

	return &RedisBus{client: redis.NewClient(opts)}, nil
}

// NewRedisBusFromClient wraps an existing client.
func NewRedisBusFromClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// Ping checks the connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
