// Package redis wraps go-redis/v9 with the few primitives run leases need:
// set-if-absent with a TTL, and token-guarded extend and delete.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/config"
	"github.com/redis/go-redis/v9"
)

// The guarded scripts only touch the key while it still holds the caller's
// token, so an expired lease taken over by another run is left alone.
var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	deleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a Redis client and verifies the connection with a PING.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// SetNX stores value under key only if the key is absent. It reports
// whether the value was stored.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set nx %s: %w", key, err)
	}
	return ok, nil
}

// Get returns the value stored under key and false when the key is absent.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// ExtendIfValue resets the TTL of key if it still holds value.
func (c *Client) ExtendIfValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, c.rdb, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extending %s: %w", key, err)
	}
	return n == 1, nil
}

// DeleteIfValue removes key if it still holds value.
func (c *Client) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	n, err := deleteScript.Run(ctx, c.rdb, []string{key}, value).Int()
	if err != nil {
		return false, fmt.Errorf("deleting %s: %w", key, err)
	}
	return n == 1, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
