package redis

import (
	"context"
	"fmt"

	"emasa-telemetry/common/config"

	"github.com/go-redis/redis/v8"
)

// Client is the go-redis client type
type Client = redis.Client

// NewRedisClient creates a client from cfg.URI
func NewRedisClient(cfg *config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid redis uri: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Ping checks the connection
func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

// Close closes the client
func Close(client *redis.Client) error {
	return client.Close()
}
