package tastytrade

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/pkg/config"
	"github.com/grahams11/finguru/pkg/httputil"
	"github.com/grahams11/finguru/pkg/logger"
)

func fetcher() *httputil.Client {
	return httputil.NewWithOptions(httputil.Options{Timeout: 2 * time.Second}, logger.Nop())
}

func TestQuoteToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api-quote-tokens", r.URL.Path)
		assert.Equal(t, "session-123", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":{"token":"dx-abc","dxlink-url":"wss://tasty-openapi-ws.dxfeed.com/realtime","level":"api"}}`))
	}))
	defer server.Close()

	c := NewClient(fetcher(), config.DXLinkConfig{APIBaseURL: server.URL, SessionToken: "session-123"}, logger.Nop())
	tok, err := c.QuoteToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dx-abc", tok.Token)
	assert.Equal(t, "wss://tasty-openapi-ws.dxfeed.com/realtime", tok.DXLinkURL)

	token, url, err := c.TokenSource()(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dx-abc", token)
	assert.NotEmpty(t, url)
}

func TestQuoteTokenURLOverride(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"token":"dx-abc","dxlink-url":"wss://upstream"}}`))
	}))
	defer server.Close()

	c := NewClient(fetcher(), config.DXLinkConfig{
		APIBaseURL:   server.URL,
		SessionToken: "s",
		WebSocketURL: "ws://localhost:9999",
	}, nil)
	tok, err := c.QuoteToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9999", tok.DXLinkURL)
}

func TestQuoteTokenFailures(t *testing.T) {
	c := NewClient(fetcher(), config.DXLinkConfig{APIBaseURL: "http://unused"}, nil)
	_, err := c.QuoteToken(context.Background())
	assert.ErrorIs(t, err, contracts.ErrAuth, "missing session token")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c = NewClient(fetcher(), config.DXLinkConfig{APIBaseURL: server.URL, SessionToken: "expired"}, nil)
	_, err = c.QuoteToken(context.Background())
	assert.ErrorIs(t, err, contracts.ErrAuth)
}
