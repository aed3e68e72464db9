package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grahams11/finguru/pkg/config"
	"github.com/grahams11/finguru/pkg/logger"
)

func TestServerRunStopsOnCancel(t *testing.T) {
	cfg := &config.Config{Port: "0", Env: "test"}
	server := New(cfg, logger.Nop(), http.NotFoundHandler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestServerRunReportsListenError(t *testing.T) {
	cfg := &config.Config{Port: "not-a-port", Env: "test"}
	server := New(cfg, logger.Nop(), http.NotFoundHandler())

	err := server.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start server")
}
