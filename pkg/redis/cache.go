package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores JSON values under "<prefix>:cache:<key>"
// ⭐ SSOT: cache key layout lives here only
type Cache struct {
	client *Client
	prefix string
}

// NewCache creates a cache helper
func NewCache(client *Client, prefix string) *Cache {
	return &Cache{
		client: client,
		prefix: prefix,
	}
}

// Enabled reports whether calls reach Redis
func (c *Cache) Enabled() bool {
	return c.client != nil && c.client.Enabled()
}

// Status reports the backing connection's state
func (c *Cache) Status(ctx context.Context) string {
	if c.client == nil {
		return "disabled"
	}
	return c.client.Status(ctx)
}

func (c *Cache) key(key string) string {
	return fmt.Sprintf("%s:cache:%s", c.prefix, key)
}

// Get decodes a cached value into dest. A missing key is a miss, not an error.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}

	data, err := c.client.Redis().Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("cache unmarshal failed: %w", err)
	}
	return true, nil
}

// Set stores a value with TTL
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.Enabled() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal failed: %w", err)
	}
	return c.client.Redis().Set(ctx, c.key(key), data, ttl).Err()
}

// Delete removes a cached value
func (c *Cache) Delete(ctx context.Context, key string) error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Redis().Del(ctx, c.key(key)).Err()
}

// TTLs
const (
	TTLShort   = 1 * time.Minute  // scan results
	TTLProfile = 36 * time.Hour   // volatility profiles, outlive one trading day
	TTLDaily   = 24 * time.Hour
)

// ProfileKey is the volatility profile key for a symbol
func ProfileKey(symbol string) string {
	return "vol:profile:" + strings.ToUpper(symbol)
}

// ScanKey is the key of a stored scan result
func ScanKey(id string) string {
	return "scan:" + id
}
