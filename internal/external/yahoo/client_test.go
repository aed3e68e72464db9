package yahoo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/pkg/config"
	"github.com/grahams11/finguru/pkg/httputil"
	"github.com/grahams11/finguru/pkg/logger"
)

const chartJSON = `{"chart":{"result":[{"meta":{"symbol":"^GSPC"},
 "timestamp":[1704205800,1704292200,1704378600],
 "indicators":{"quote":[{
   "open":[4745.2,4725.1,null],
   "high":[4754.3,4729.3,null],
   "low":[4722.7,4699.7,null],
   "close":[4742.8,4704.8,null],
   "volume":[3743050000,3950760000,null]}]}}],"error":null}}`

func newClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	fetcher := httputil.NewWithOptions(httputil.Options{Timeout: 2 * time.Second}, logger.Nop())
	return NewClient(fetcher, config.YahooConfig{BaseURL: server.URL, UserAgent: "test-agent"}, logger.Nop())
}

func TestDailyBars(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v8/finance/chart/^GSPC" {
			t.Errorf("path = %s, want index alias", r.URL.Path)
		}
		if got := r.Header.Get("User-Agent"); got != "test-agent" {
			t.Errorf("User-Agent = %q", got)
		}
		if r.URL.Query().Get("interval") != "1d" {
			t.Errorf("interval = %q", r.URL.Query().Get("interval"))
		}
		_, _ = w.Write([]byte(chartJSON))
	})

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars, err := c.DailyBars(context.Background(), "spx", from, from.AddDate(0, 0, 5))
	if err != nil {
		t.Fatalf("DailyBars() error = %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("DailyBars() got %d bars, want 2 (null row skipped)", len(bars))
	}
	if bars[0].Close != 4742.8 || bars[1].Close != 4704.8 {
		t.Errorf("closes = %v, %v", bars[0].Close, bars[1].Close)
	}
	if bars[0].Date.Day() != 2 {
		t.Errorf("first bar day = %d, want 2", bars[0].Date.Day())
	}
}

func TestDailyBarsErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"chart error", http.StatusOK, `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`, contracts.ErrNotFound},
		{"empty result", http.StatusOK, `{"chart":{"result":[],"error":null}}`, contracts.ErrNotFound},
		{"http 404", http.StatusNotFound, ``, contracts.ErrNotFound},
		{"garbage", http.StatusOK, `<html>`, contracts.ErrDataValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.DailyBars(context.Background(), "ZZZZ", time.Now().AddDate(0, 0, -5), time.Now())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("DailyBars() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
