package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grahams11/finguru/pkg/config"
)

// Scan and profile reads sit on the request path; a slow Redis must fail fast and fall
// through to the in-process state.
const (
	dialTimeout = 2 * time.Second
	ioTimeout   = 500 * time.Millisecond
	pingTimeout = 3 * time.Second
)

// Client is the shared Redis connection. A disabled client turns every cache call into a no-op.
// ⭐ SSOT: Redis connections are managed here only
type Client struct {
	rdb     *redis.Client
	addr    string
	enabled bool
}

// New connects when REDIS_ENABLED is set and verifies the connection with a ping
func New(ctx context.Context, cfg *config.Config) (*Client, error) {
	if !cfg.Redis.Enabled {
		return &Client{}, nil
	}

	addr := fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port)
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  ioTimeout,
		WriteTimeout: ioTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}

	return &Client{rdb: rdb, addr: addr, enabled: true}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

// Enabled returns whether Redis is enabled
func (c *Client) Enabled() bool {
	return c.enabled
}

// Status is "disabled", "ok", or the ping error
func (c *Client) Status(ctx context.Context) string {
	if !c.enabled {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, ioTimeout)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

// Redis returns the underlying client
func (c *Client) Redis() *redis.Client {
	return c.rdb
}
