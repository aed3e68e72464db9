package signals

import (
	"math"
	"sort"

	"github.com/grahams11/finguru/internal/contracts"
)

// RSIPeriod is the lookback for the RSI layer
const RSIPeriod = 14

// SymbolContext is the per-underlying input shared by every contract scored for that symbol
type SymbolContext struct {
	Underlying string  `json:"underlying"`
	Spot       float64 `json:"spot"`
	MaxPain    float64 `json:"max_pain"`
	HasMaxPain bool    `json:"has_max_pain"`
	CallIV     float64 `json:"call_iv"`
	PutIV      float64 `json:"put_iv"`
	HasSkew    bool    `json:"has_skew"`
	RSI        float64 `json:"rsi"`
	HasRSI     bool    `json:"has_rsi"`
}

// BuildContext derives max pain and skew from the contracts of one expiry and RSI from closes
func BuildContext(underlying string, spot float64, expiryContracts []contracts.OptionContract, closes []float64) SymbolContext {
	sc := SymbolContext{Underlying: underlying, Spot: spot}
	sc.MaxPain, sc.HasMaxPain = MaxPainStrike(expiryContracts)
	sc.CallIV, sc.PutIV, sc.HasSkew = IVSkew(expiryContracts)
	sc.RSI, sc.HasRSI = RSI(closes, RSIPeriod)
	return sc
}

// RSI is the simple-average relative strength index over the last period changes.
// closes are oldest first.
func RSI(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period+1 {
		return 50, false
	}

	var gains, losses float64
	recent := closes[len(closes)-period-1:]
	for i := 1; i < len(recent); i++ {
		change := recent[i] - recent[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	if losses == 0 {
		if gains == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := (gains / float64(period)) / (losses / float64(period))
	return 100 - 100/(1+rs), true
}

// MaxPainStrike returns the strike with the most combined call and put open interest.
// Ties go to the lower strike.
func MaxPainStrike(cs []contracts.OptionContract) (float64, bool) {
	byStrike := make(map[float64]int64)
	for _, c := range cs {
		if c.OpenInterest > 0 {
			byStrike[c.Strike] += c.OpenInterest
		}
	}
	if len(byStrike) == 0 {
		return 0, false
	}

	strikes := make([]float64, 0, len(byStrike))
	for k := range byStrike {
		strikes = append(strikes, k)
	}
	sort.Float64s(strikes)

	best := strikes[0]
	for _, k := range strikes[1:] {
		if byStrike[k] > byStrike[best] {
			best = k
		}
	}
	return best, true
}

// IVSkew returns the average call and put IV. ok is false unless both sides have IV.
func IVSkew(cs []contracts.OptionContract) (callIV, putIV float64, ok bool) {
	var callSum, putSum float64
	var calls, puts int
	for _, c := range cs {
		if c.IV <= 0 || math.IsNaN(c.IV) || math.IsInf(c.IV, 0) {
			continue
		}
		switch c.Type {
		case contracts.Call:
			callSum += c.IV
			calls++
		case contracts.Put:
			putSum += c.IV
			puts++
		}
	}
	if calls == 0 || puts == 0 {
		return 0, 0, false
	}
	return callSum / float64(calls), putSum / float64(puts), true
}
