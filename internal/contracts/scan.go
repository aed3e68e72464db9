package contracts

import (
	"time"
)

// ScoreBreakdown holds the four independent layer scores and their sum
type ScoreBreakdown struct {
	MaxPain   int `json:"max_pain"`
	IVSkew    int `json:"iv_skew"`
	Sweep     int `json:"sweep"`
	RSIExpiry int `json:"rsi_expiry"`
	Composite int `json:"composite"`
}

// Sum recomputes the composite from the layers
func (s ScoreBreakdown) Sum() int {
	return s.MaxPain + s.IVSkew + s.Sweep + s.RSIExpiry
}

// NonZeroLayers counts layers that awarded any points
func (s ScoreBreakdown) NonZeroLayers() int {
	n := 0
	for _, v := range []int{s.MaxPain, s.IVSkew, s.Sweep, s.RSIExpiry} {
		if v != 0 {
			n++
		}
	}
	return n
}

// ScanMode selects which expiry a scan targets
type ScanMode string

const (
	ModeSameDay ScanMode = "same_day"
	ModeNextDay ScanMode = "next_day"
)

// MarketStatus is the exchange session at scan time
type MarketStatus string

const (
	MarketOpen       MarketStatus = "open"
	MarketPreMarket  MarketStatus = "pre_market"
	MarketAfterHours MarketStatus = "after_hours"
	MarketClosed     MarketStatus = "closed"
)

// Candidate is a gate-passed, scored contract ready to hand to collaborators
type Candidate struct {
	Contract      OptionContract `json:"contract"`
	Spot          float64        `json:"spot"`
	Premium       float64        `json:"premium"`
	Greeks        Greeks         `json:"greeks"`
	IV            float64        `json:"iv"`
	IVPercentile  float64        `json:"iv_percentile"`
	Score         ScoreBreakdown `json:"score"`
	TargetPremium float64        `json:"target_premium"`
	StopPremium   float64        `json:"stop_premium"`
	TargetSpot    float64        `json:"target_spot"`
	StopSpot      float64        `json:"stop_spot"`
	TargetMovePct float64        `json:"target_move_pct"`
	StopMovePct   float64        `json:"stop_move_pct"`
	MoveEstimated bool           `json:"move_estimated"` // delta-ratio fallback was used
	DaysToExpiry  int            `json:"dte"`
}

// ScanDiagnostics explains the scale of one scan
type ScanDiagnostics struct {
	SymbolsAttempted  int            `json:"symbols_attempted"`
	SymbolsScanned    int            `json:"symbols_scanned"`
	SymbolsFailed     int            `json:"symbols_failed"`
	ContractsAnalyzed int            `json:"contracts_analyzed"`
	ContractsGated    int            `json:"contracts_gated"`
	ContractsScored   int            `json:"contracts_scored"`
	ContractsRetained int            `json:"contracts_retained"`
	ProviderCalls     int64          `json:"provider_calls"`
	Rejections        map[string]int `json:"rejections,omitempty"`
	Elapsed           time.Duration  `json:"elapsed"`
	TimedOut          bool           `json:"timed_out"`
}

// Reject counts one gate rejection under reason
func (d *ScanDiagnostics) Reject(reason string) {
	if d.Rejections == nil {
		d.Rejections = make(map[string]int)
	}
	d.Rejections[reason]++
}

// Merge folds another symbol's counters into d
func (d *ScanDiagnostics) Merge(o ScanDiagnostics) {
	d.ContractsAnalyzed += o.ContractsAnalyzed
	d.ContractsGated += o.ContractsGated
	d.ContractsScored += o.ContractsScored
	d.ContractsRetained += o.ContractsRetained
	for k, v := range o.Rejections {
		if d.Rejections == nil {
			d.Rejections = make(map[string]int)
		}
		d.Rejections[k] += v
	}
}

// ScanResult is the structurally valid output of every scan, even a failed one
type ScanResult struct {
	ID           string          `json:"id"`
	StartedAt    time.Time       `json:"started_at"`
	Mode         ScanMode        `json:"mode"`
	MarketStatus MarketStatus    `json:"market_status"`
	Expiry       time.Time       `json:"expiry"`
	ExitAt       time.Time       `json:"exit_at"`
	TopPlays     []Candidate     `json:"top_plays"`
	Diagnostics  ScanDiagnostics `json:"diagnostics"`
}
