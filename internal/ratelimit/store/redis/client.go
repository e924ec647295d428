package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// ClientAdapter adapts a go-redis client to Client.
type ClientAdapter struct {
	client redis.UniversalClient
}

func NewClientAdapter(client redis.UniversalClient) *ClientAdapter {
	return &ClientAdapter{client: client}
}

func (c *ClientAdapter) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return c.client.Eval(ctx, script, keys, args...).Result()
}

func (c *ClientAdapter) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

func (c *ClientAdapter) Close() error {
	return c.client.Close()
}
