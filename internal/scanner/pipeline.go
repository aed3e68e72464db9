// Package scanner runs the candidate pipeline: chain fetch, pricing, gates, scoring and ranking
// across the symbol universe under one wall-clock budget.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/pricing"
	"github.com/grahams11/finguru/internal/realtime"
	"github.com/grahams11/finguru/internal/signals"
	"github.com/grahams11/finguru/internal/volatility"
	"github.com/grahams11/finguru/pkg/config"
	"github.com/grahams11/finguru/pkg/logger"
)

// ErrScanUnavailable means every symbol failed because providers could not answer
var ErrScanUnavailable = fmt.Errorf("%w: no symbol could be scanned", contracts.ErrUnavailable)

// expirySearchDays widens the chain window so symbols without dailies still find their nearest expiry
const expirySearchDays = 7

// Symbol-level rejection reasons
const (
	RejectNoChain     = "no_chain"
	RejectInvalidData = "invalid_data"
)

// Volatility supplies per-symbol volatility profiles
type Volatility interface {
	ScanProfile(ctx context.Context, symbol string) (*volatility.Profile, error)
}

// LiveGreeks supplies provider-streamed Greeks
type LiveGreeks interface {
	GetGreeks(symbol string) (realtime.GreeksSnapshot, bool)
}

// ProgressCallback is called after each symbol with the running count
type ProgressCallback func(scanned, total int)

// Deps are the pipeline's collaborators. Quotes, Live and Calls may be nil.
type Deps struct {
	Chains     contracts.ChainSource
	Quotes     contracts.QuoteSource
	Volatility Volatility
	Live       LiveGreeks
	Engine     *pricing.Engine
	Clock      *Clock
	Calls      func() int64 // provider call counter for diagnostics
}

// Pipeline scores option contracts across a universe
// ⭐ SSOT: scan orchestration lives here only
type Pipeline struct {
	deps     Deps
	cfg      config.ScannerConfig
	gates    *Gates
	scorer   *signals.Scorer
	logger   *logger.Logger
	now      func() time.Time
	progress ProgressCallback
}

// NewPipeline creates a pipeline
func NewPipeline(cfg config.ScannerConfig, deps Deps, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.Nop()
	}
	if deps.Engine == nil {
		deps.Engine = pricing.Default()
	}
	if deps.Clock == nil {
		deps.Clock = DefaultClock()
	}
	return &Pipeline{
		deps:   deps,
		cfg:    cfg,
		gates:  NewGates(cfg),
		scorer: signals.NewScorer(signals.WeightsFromConfig(cfg)),
		logger: log.Component("scanner"),
		now:    time.Now,
	}
}

// SetProgressCallback sets the progress callback function
func (p *Pipeline) SetProgressCallback(fn ProgressCallback) {
	p.progress = fn
}

type symbolOutcome struct {
	candidates []contracts.Candidate
	diag       contracts.ScanDiagnostics
}

// Scan runs one pass over the universe. The result is always well formed; when the
// budget expires it holds whatever was scored so far. The error is ErrScanUnavailable
// only when every symbol failed for availability reasons.
func (p *Pipeline) Scan(ctx context.Context, u *config.Universe) (*contracts.ScanResult, error) {
	wall := time.Now()
	start := p.now()
	plan := p.deps.Clock.Plan(start)

	result := &contracts.ScanResult{
		ID:           uuid.NewString(),
		StartedAt:    start,
		Mode:         plan.Mode,
		MarketStatus: plan.MarketStatus,
		Expiry:       plan.Expiry,
		ExitAt:       plan.ExitAt,
		TopPlays:     []contracts.Candidate{},
	}
	if u == nil || len(u.Symbols) == 0 {
		return result, nil
	}

	var callsBefore int64
	if p.deps.Calls != nil {
		callsBefore = p.deps.Calls()
	}

	scanCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	surface := pricing.NewSurfaceCache(p.deps.Engine)
	symbols := append([]string(nil), u.Symbols...)

	var (
		mu          sync.Mutex
		candidates  []contracts.Candidate
		diag        = contracts.ScanDiagnostics{SymbolsAttempted: len(symbols)}
		unavailable int
		finished    int
		returned    bool
	)

	batch := p.cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(batch)
		for _, symbol := range symbols {
			symbol := symbol // per-iteration copy (go < 1.22)
			if scanCtx.Err() != nil {
				break
			}
			g.Go(func() error {
				symCtx, symCancel := context.WithTimeout(scanCtx, p.cfg.SymbolTimeout)
				defer symCancel()

				out, err := p.scanSymbol(symCtx, symbol, plan, u, surface)

				mu.Lock()
				switch {
				case err == nil:
					diag.SymbolsScanned++
					diag.Merge(out.diag)
					candidates = append(candidates, out.candidates...)
				case errors.Is(err, contracts.ErrNotFound):
					diag.SymbolsScanned++
					diag.Reject(RejectNoChain)
				case errors.Is(err, contracts.ErrDataValidation):
					diag.SymbolsScanned++
					diag.Reject(RejectInvalidData)
				default:
					diag.SymbolsFailed++
					if contracts.IsAvailabilityError(err) {
						unavailable++
					}
				}
				mu.Unlock()

				if err != nil {
					p.logger.WithError(err).Symbol(symbol).Debug("Symbol scan failed")
				}
				// progress stops once Scan has taken its snapshot
				mu.Lock()
				finished++
				if p.progress != nil && !returned {
					p.progress(finished, len(symbols))
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}()

	completed := true
	select {
	case <-done:
	case <-scanCtx.Done():
		// workers still in flight add to the shared state under mu; take a snapshot now
		select {
		case <-done:
		default:
			completed = false
		}
	}

	mu.Lock()
	result.Diagnostics = diag
	result.Diagnostics.Rejections = copyCounts(diag.Rejections)
	ranked := make([]contracts.Candidate, 0, len(candidates))
	ranked = append(ranked, candidates...)
	allUnavailable := completed && unavailable == len(symbols)
	returned = true
	mu.Unlock()

	rank(ranked)
	if n := p.cfg.TopN; n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	result.TopPlays = ranked

	result.Diagnostics.TimedOut = !completed
	result.Diagnostics.Elapsed = time.Since(wall)
	if p.deps.Calls != nil {
		result.Diagnostics.ProviderCalls = p.deps.Calls() - callsBefore
	}

	p.logger.WithFields(map[string]interface{}{
		"scan_id":   result.ID,
		"mode":      string(plan.Mode),
		"symbols":   diag.SymbolsAttempted,
		"scanned":   result.Diagnostics.SymbolsScanned,
		"failed":    result.Diagnostics.SymbolsFailed,
		"analyzed":  result.Diagnostics.ContractsAnalyzed,
		"retained":  result.Diagnostics.ContractsRetained,
		"top_plays": len(result.TopPlays),
		"timed_out": result.Diagnostics.TimedOut,
		"elapsed":   result.Diagnostics.Elapsed.String(),
	}).Info("Scan completed")

	if allUnavailable {
		return result, ErrScanUnavailable
	}
	return result, nil
}

func (p *Pipeline) scanSymbol(ctx context.Context, symbol string, plan Plan, u *config.Universe, surface *pricing.SurfaceCache) (symbolOutcome, error) {
	var out symbolOutcome

	chain, err := p.deps.Chains.Chain(ctx, symbol, plan.Expiry, plan.Expiry.AddDate(0, 0, expirySearchDays))
	if err != nil {
		return out, err
	}

	spot := chain.Spot
	if spot <= 0 && p.deps.Quotes != nil {
		if q, err := p.deps.Quotes.Quote(ctx, symbol); err == nil {
			spot = q.Price()
		}
	}
	if spot <= 0 || math.IsNaN(spot) {
		return out, fmt.Errorf("%w: no spot price for %s", contracts.ErrDataValidation, symbol)
	}

	expiry, ok := nearestExpiry(chain.Expiries(), plan.Expiry)
	if !ok {
		return out, fmt.Errorf("%w: no expiry on or after %s for %s", contracts.ErrNotFound, plan.Expiry.Format("2006-01-02"), symbol)
	}
	cs := chain.ForExpiry(expiry)

	t, dte := plan.T, plan.DTE
	if !sameDay(expiry, plan.Expiry) {
		t = YearsUntil(plan.Now, p.deps.Clock.ExpiryClose(expiry))
		dte = contracts.OptionContract{Expiry: expiry}.DTE(plan.Now)
	}

	var profile *volatility.Profile
	if p.deps.Volatility != nil {
		profile, err = p.deps.Volatility.ScanProfile(ctx, symbol)
		if err != nil {
			p.logger.WithError(err).Symbol(symbol).Debug("No volatility profile, using defaults")
			profile = nil
		}
	}
	hv := volatility.DefaultHV
	var closes []float64
	if profile != nil {
		hv, closes = profile.HV30, profile.Closes
	}

	sc := signals.BuildContext(symbol, spot, cs, closes)

	inputs := make([]pricing.Inputs, len(cs))
	for i, c := range cs {
		in := pricing.Inputs{Spot: spot, Strike: c.Strike, T: t, Rate: p.cfg.RiskFreeRate, Type: c.Type}
		in.Vol = p.contractVol(c, in, hv)
		inputs[i] = in
	}
	surface.Warm(symbol, expiry, inputs)

	index := u.IsIndex(symbol)
	ceiling := u.IVCeiling(symbol, p.cfg.DefaultIVCeiling)

	for i, c := range cs {
		out.diag.ContractsAnalyzed++

		if reason := p.gates.CheckQuote(c, plan.Mode, index); reason != "" {
			out.diag.Reject(reason)
			continue
		}

		in := inputs[i]
		greeks := p.contractGreeks(symbol, expiry, c, in, surface)
		ivPct := volatility.FallbackPercentile(in.Vol, hv)
		if profile != nil {
			ivPct = profile.IVPercentile(in.Vol)
		}

		if reason := p.gates.CheckGreeks(greeks, in.Vol, ceiling, ivPct); reason != "" {
			out.diag.Reject(reason)
			continue
		}
		out.diag.ContractsGated++

		score := p.scorer.Score(sc, c, dte)
		out.diag.ContractsScored++
		if !p.scorer.Eligible(score) {
			out.diag.Reject(RejectScore)
			continue
		}

		premium := c.Mid()
		exits := computeExits(p.deps.Engine, in, premium, greeks.Delta, p.cfg.TargetGainPct, p.cfg.StopLossPct, p.cfg.TickSize)
		out.candidates = append(out.candidates, contracts.Candidate{
			Contract:      c,
			Spot:          spot,
			Premium:       premium,
			Greeks:        greeks,
			IV:            in.Vol,
			IVPercentile:  ivPct,
			Score:         score,
			TargetPremium: exits.TargetPremium,
			StopPremium:   exits.StopPremium,
			TargetSpot:    exits.TargetSpot,
			StopSpot:      exits.StopSpot,
			TargetMovePct: exits.TargetMovePct,
			StopMovePct:   exits.StopMovePct,
			MoveEstimated: exits.Estimated,
			DaysToExpiry:  dte,
		})
		out.diag.ContractsRetained++
	}
	return out, nil
}

// contractVol prefers the provider IV, then streamed IV, then IV solved from the mid, then HV
func (p *Pipeline) contractVol(c contracts.OptionContract, in pricing.Inputs, hv float64) float64 {
	if finitePositive(c.IV) {
		return c.IV
	}
	if p.deps.Live != nil {
		if g, ok := p.deps.Live.GetGreeks(c.Symbol); ok && finitePositive(g.IV) {
			return g.IV
		}
	}
	if mid := c.Mid(); mid > 0 {
		if iv, err := p.deps.Engine.ImpliedVol(mid, in); err == nil {
			return iv
		}
	}
	return hv
}

// contractGreeks prefers streamed Greeks, then the provider snapshot, then the model surface
func (p *Pipeline) contractGreeks(symbol string, expiry time.Time, c contracts.OptionContract, in pricing.Inputs, surface *pricing.SurfaceCache) contracts.Greeks {
	if p.deps.Live != nil {
		if g, ok := p.deps.Live.GetGreeks(c.Symbol); ok {
			return g.Greeks
		}
	}
	if c.ProviderGreeks != nil && c.ProviderGreeks.Valid() && c.ProviderGreeks.Gamma > 0 {
		return *c.ProviderGreeks
	}
	return surface.Greeks(symbol, expiry, in)
}

// rank sorts by composite, then by sweep flow, then by tighter spread
func rank(cs []contracts.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Score.Composite != b.Score.Composite {
			return a.Score.Composite > b.Score.Composite
		}
		if a.Score.Sweep != b.Score.Sweep {
			return a.Score.Sweep > b.Score.Sweep
		}
		if sa, sb := a.Contract.SpreadPct(), b.Contract.SpreadPct(); sa != sb {
			return sa < sb
		}
		return a.Contract.Symbol < b.Contract.Symbol
	})
}

func nearestExpiry(expiries []time.Time, target time.Time) (time.Time, bool) {
	for _, e := range expiries {
		if sameDay(e, target) || e.After(target) {
			return e, true
		}
	}
	return time.Time{}, false
}

func sameDay(a, b time.Time) bool {
	return a.Format("2006-01-02") == b.Format("2006-01-02")
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func copyCounts(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
