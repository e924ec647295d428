package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"studio/internal/ratelimit/models"
)

// Client is the subset of Redis operations the store needs.
type Client interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
	Del(ctx context.Context, keys ...string) error
	Close() error
}

const keyPrefix = "ratelimit:"

// hitScript increments the counter and arms the window TTL on the first hit.
// A key left without a TTL is re-armed so it can never live forever.
const hitScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

// Store keeps fixed-window counters in Redis so limits are shared across replicas.
type Store struct {
	client Client
}

func New(client Client) *Store {
	return &Store{client: client}
}

// Hit counts one request against key. The window is tracked by Redis TTL,
// so ResetAt is now plus the remaining TTL.
func (s *Store) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (models.Entry, error) {
	result, err := s.client.Eval(ctx, hitScript, []string{keyPrefix + key}, window.Milliseconds())
	if err != nil {
		return models.Entry{}, fmt.Errorf("execute rate limit script: %w", err)
	}

	res, ok := result.([]any)
	if !ok || len(res) != 2 {
		return models.Entry{}, errors.New("invalid rate limit script result")
	}
	count, ok1 := res[0].(int64)
	ttl, ok2 := res[1].(int64)
	if !ok1 || !ok2 {
		return models.Entry{}, errors.New("invalid rate limit script result types")
	}

	return models.Entry{
		Count:   int(count),
		ResetAt: now.Add(time.Duration(ttl) * time.Millisecond),
	}, nil
}

// DeleteExpired is a no-op; Redis expires keys by TTL.
func (s *Store) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *Store) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, keyPrefix+key)
}

func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
