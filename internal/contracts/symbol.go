package contracts

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// OptionSymbol is a parsed option identifier
type OptionSymbol struct {
	Underlying string
	Expiry     time.Time
	Type       OptionType
	Strike     float64
}

var optionSymbolRe = regexp.MustCompile(`^([A-Z][A-Z0-9.]{0,5}?)\s*(\d{6})([CP])(\d+(?:\.\d+)?)$`)

// FormatOptionSymbol renders the canonical OCC form, e.g. AAPL240119C00150000
func FormatOptionSymbol(underlying string, expiry time.Time, typ OptionType, strike float64) string {
	cp := "C"
	if typ == Put {
		cp = "P"
	}
	return fmt.Sprintf("%s%s%s%08d",
		strings.ToUpper(underlying),
		expiry.Format("060102"),
		cp,
		int64(math.Round(strike*1000)),
	)
}

// String renders the canonical form
func (o OptionSymbol) String() string {
	return FormatOptionSymbol(o.Underlying, o.Expiry, o.Type, o.Strike)
}

// DXFeed renders the streamer dialect, e.g. .AAPL240119C150
func (o OptionSymbol) DXFeed() string {
	cp := "C"
	if o.Type == Put {
		cp = "P"
	}
	return "." + o.Underlying + o.Expiry.Format("060102") + cp + strconv.FormatFloat(o.Strike, 'f', -1, 64)
}

// Polygon renders the Polygon dialect, e.g. O:AAPL240119C00150000
func (o OptionSymbol) Polygon() string {
	return "O:" + o.String()
}

// ParseOptionSymbol accepts canonical OCC, space-padded OCC, Polygon (O:) and dxFeed (.) forms
func ParseOptionSymbol(raw string) (OptionSymbol, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	dxfeed := false
	switch {
	case strings.HasPrefix(s, "O:"):
		s = s[2:]
	case strings.HasPrefix(s, "."):
		s = s[1:]
		dxfeed = true
	}

	m := optionSymbolRe.FindStringSubmatch(s)
	if m == nil {
		return OptionSymbol{}, fmt.Errorf("%w: not an option symbol: %q", ErrDataValidation, raw)
	}

	expiry, err := time.ParseInLocation("060102", m[2], MarketLocation())
	if err != nil {
		return OptionSymbol{}, fmt.Errorf("%w: bad expiry in %q", ErrDataValidation, raw)
	}

	typ := Call
	if m[3] == "P" {
		typ = Put
	}

	strike, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return OptionSymbol{}, fmt.Errorf("%w: bad strike in %q", ErrDataValidation, raw)
	}
	// OCC encodes strike x1000 in eight digits
	if !dxfeed && len(m[4]) == 8 && !strings.Contains(m[4], ".") {
		strike /= 1000
	}

	return OptionSymbol{
		Underlying: m[1],
		Expiry:     expiry,
		Type:       typ,
		Strike:     strike,
	}, nil
}

// IsOptionSymbol reports whether raw parses as an option in any dialect
func IsOptionSymbol(raw string) bool {
	_, err := ParseOptionSymbol(raw)
	return err == nil
}

// NormalizeSymbol maps any provider dialect to the canonical key.
// Plain tickers are upper-cased.
func NormalizeSymbol(raw string) string {
	if o, err := ParseOptionSymbol(raw); err == nil {
		return o.String()
	}
	return strings.ToUpper(strings.TrimSpace(raw))
}
