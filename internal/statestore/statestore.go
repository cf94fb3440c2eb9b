// Package statestore wraps the Redis client shared by the job queue, rate
// limiter, capacity limiter, and guard state machine. Every multi-step
// operation that must be atomic is implemented as a Lua script or a
// MULTI/EXEC transaction run through this client, never as a client-side
// read-modify-write.
package statestore

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Client is the agent's single Redis handle. It is constructed once at
// process startup and threaded through every package that needs state, per
// the "global mutable singletons become process objects" design note.
type Client struct {
	rdb *redis.Client
}

// Options controls connection behavior. Mirrors the original implementation's
// redis.Redis.from_url(..., health_check_interval=30, socket_connect_timeout=5,
// socket_timeout=10, retry_on_timeout=True) call, translated to go-redis
// equivalents.
type Options struct {
	URL string
}

// New parses a redis:// URL and returns a ready Client.
func New(opts Options) (*Client, error) {
	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, err
	}
	parsed.DialTimeout = 5 * time.Second
	parsed.ReadTimeout = 10 * time.Second
	parsed.WriteTimeout = 10 * time.Second
	parsed.MaxRetries = 1

	return &Client{rdb: redis.NewClient(parsed)}, nil
}

// Raw exposes the underlying go-redis client for packages that need direct
// access (BRPop, Eval, Pipelined) beyond this wrapper's convenience methods.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// Ping verifies connectivity. No HTTP health endpoint calls it.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Get is a thin convenience wrapper; returns redis.Nil when absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

// Set writes a key with an optional TTL (zero means no expiry).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// SetNX implements the "set if not exists with expiry" idiom used for
// idempotency keys and anti-spam locks — a single atomic operation.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// Del removes one or more keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Expire refreshes a key's TTL.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// IsNil reports whether err is the sentinel "key does not exist" error.
func IsNil(err error) bool {
	return err == redis.Nil
}
