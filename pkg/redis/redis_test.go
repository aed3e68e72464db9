package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/grahams11/finguru/pkg/config"
)

func TestNewClient_Disabled(t *testing.T) {
	cfg := &config.Config{Redis: config.RedisConfig{Enabled: false}}

	client, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if client.Enabled() {
		t.Error("Expected client to be disabled")
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestStatus_Disabled(t *testing.T) {
	client, _ := New(context.Background(), &config.Config{})
	if got := client.Status(context.Background()); got != "disabled" {
		t.Errorf("Status() = %q, want disabled", got)
	}
	if got := NewCache(nil, "test").Status(context.Background()); got != "disabled" {
		t.Errorf("nil client Status() = %q, want disabled", got)
	}
}

func TestCache_Disabled(t *testing.T) {
	client, _ := New(context.Background(), &config.Config{})
	cache := NewCache(client, "test")

	var result string
	found, err := cache.Get(context.Background(), "key", &result)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Error("Expected cache miss when Redis disabled")
	}
	if err := cache.Set(context.Background(), "key", "value", time.Minute); err != nil {
		t.Errorf("Set() error = %v", err)
	}
}

func TestCacheKeys(t *testing.T) {
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"ProfileKey", ProfileKey("spy"), "vol:profile:SPY"},
		{"ScanKey", ScanKey("latest"), "scan:latest"},
		{"prefixed", NewCache(nil, "finguru").key(ProfileKey("QQQ")), "finguru:cache:vol:profile:QQQ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("got %q, want %q", tt.got, tt.expected)
			}
		})
	}
}

func TestCache_RoundTrip(t *testing.T) {
	if os.Getenv("REDIS_HOST") == "" {
		t.Skip("REDIS_HOST not set, skipping integration test")
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	cfg.Redis.Enabled = true

	client, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	cache := NewCache(client, "finguru_test")
	ctx := context.Background()
	if err := cache.Set(ctx, "k", map[string]float64{"hv": 0.21}, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	var got map[string]float64
	found, err := cache.Get(ctx, "k", &got)
	if err != nil || !found || got["hv"] != 0.21 {
		t.Errorf("Get() = %v, %v, %v", got, found, err)
	}
	_ = cache.Delete(ctx, "k")
}
