package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/engine"
	"github.com/grahams11/finguru/internal/scanner"
	"github.com/grahams11/finguru/pkg/logger"
)

const (
	defaultTickMinutes = 30
	maxTickMinutes     = 24 * 60
)

// Engine is the part of the engine the HTTP surface calls
type Engine interface {
	Scan(ctx context.Context) (*contracts.ScanResult, error)
	Latest() (*contracts.ScanResult, bool)
	ScanByID(ctx context.Context, id string) (*contracts.ScanResult, bool, error)
	TickHistory(ctx context.Context, symbol string, since time.Time) ([]contracts.QuoteSnapshot, error)
	GetQuote(ctx context.Context, symbol string) (contracts.QuoteSnapshot, bool)
	GetOptionsGreeks(ctx context.Context, symbol string, typ contracts.OptionType) (contracts.Greeks, bool)
	Health() engine.Health
}

// EngineHandler serves scans, quotes, Greeks and feed health
// ⭐ SSOT: engine API handlers live in this struct only
type EngineHandler struct {
	engine Engine
	logger *logger.Logger
}

// NewEngineHandler creates a new engine handler
func NewEngineHandler(e Engine, log *logger.Logger) *EngineHandler {
	return &EngineHandler{
		engine: e,
		logger: log,
	}
}

// GetFeeds returns feed health and provider circuit state
// GET /api/feeds
func (h *EngineHandler) GetFeeds(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Health())
}

// GetLatestScan returns the most recent scan
// GET /api/scan/latest
func (h *EngineHandler) GetLatestScan(w http.ResponseWriter, r *http.Request) {
	result, ok := h.engine.Latest()
	if !ok {
		respondError(w, http.StatusNotFound, "No scan has completed yet")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// GetScan returns a stored scan by ID
// GET /api/scan/{id}
func (h *EngineHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	result, ok, err := h.engine.ScanByID(r.Context(), id)
	if err != nil {
		h.logger.WithError(err).WithField("scan_id", id).Error("Failed to load scan")
		respondError(w, http.StatusInternalServerError, "Failed to load scan")
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "Scan not found: "+id)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// RunScan runs one scan and returns it. A scan where every provider was down still
// carries its diagnostics, with status 503.
// POST /api/scan
func (h *EngineHandler) RunScan(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Scan(r.Context())
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, result)
	case errors.Is(err, scanner.ErrScanUnavailable) && result != nil:
		h.logger.WithError(err).Warn("Scan found no available provider")
		respondJSON(w, http.StatusServiceUnavailable, result)
	default:
		h.logger.WithError(err).Error("Scan failed")
		respondError(w, http.StatusInternalServerError, "Scan failed")
	}
}

// GetQuote returns the latest quote for an underlying or contract
// GET /api/quotes/{symbol}
func (h *EngineHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := contracts.NormalizeSymbol(mux.Vars(r)["symbol"])
	q, ok := h.engine.GetQuote(r.Context(), symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "No quote for "+symbol)
		return
	}
	respondJSON(w, http.StatusOK, q)
}

// GetTicks returns recorded ticks for a symbol
// GET /api/ticks/{symbol}?minutes=30
func (h *EngineHandler) GetTicks(w http.ResponseWriter, r *http.Request) {
	symbol := contracts.NormalizeSymbol(mux.Vars(r)["symbol"])

	minutes := defaultTickMinutes
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxTickMinutes {
			respondError(w, http.StatusBadRequest, "Invalid 'minutes' (expected 1-"+strconv.Itoa(maxTickMinutes)+")")
			return
		}
		minutes = n
	}

	ticks, err := h.engine.TickHistory(r.Context(), symbol, time.Now().Add(-time.Duration(minutes)*time.Minute))
	switch {
	case errors.Is(err, contracts.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, "Tick history is not recorded")
	case err != nil:
		h.logger.WithError(err).Symbol(symbol).Error("Failed to read ticks")
		respondError(w, http.StatusInternalServerError, "Failed to read ticks")
	default:
		if ticks == nil {
			ticks = []contracts.QuoteSnapshot{}
		}
		respondJSON(w, http.StatusOK, ticks)
	}
}

// GreeksResponse is a Greeks answer with the symbol and time it was computed
type GreeksResponse struct {
	Symbol    string               `json:"symbol"`
	Type      contracts.OptionType `json:"type"`
	Greeks    contracts.Greeks     `json:"greeks"`
	Timestamp time.Time            `json:"timestamp"`
}

// GetGreeks returns Greeks for a contract, or for the at-the-money contract of an underlying
// GET /api/greeks/{symbol}?type=call|put
func (h *EngineHandler) GetGreeks(w http.ResponseWriter, r *http.Request) {
	symbol := contracts.NormalizeSymbol(mux.Vars(r)["symbol"])

	typ := contracts.Call
	if raw := r.URL.Query().Get("type"); raw != "" {
		t, ok := contracts.ParseOptionType(raw)
		if !ok {
			respondError(w, http.StatusBadRequest, "Invalid 'type' (expected call or put)")
			return
		}
		typ = t
	}
	if opt, err := contracts.ParseOptionSymbol(symbol); err == nil {
		typ = opt.Type
	}

	g, ok := h.engine.GetOptionsGreeks(r.Context(), symbol, typ)
	if !ok {
		respondError(w, http.StatusNotFound, "No Greeks for "+symbol)
		return
	}
	respondJSON(w, http.StatusOK, GreeksResponse{
		Symbol:    symbol,
		Type:      typ,
		Greeks:    g,
		Timestamp: time.Now(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
