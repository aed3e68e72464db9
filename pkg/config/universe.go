package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Universe is the set of underlyings a scan fans out across
type Universe struct {
	Symbols      []string           `yaml:"symbols"`
	IndexSymbols []string           `yaml:"index_symbols"`
	IVCeilings   map[string]float64 `yaml:"iv_ceilings"`
}

// defaultIndexSymbols get the wider premium band
var defaultIndexSymbols = []string{"SPY", "QQQ", "IWM", "DIA", "SPX", "NDX", "RUT"}

// LoadUniverse reads a YAML universe file
func LoadUniverse(path string) (*Universe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read universe file: %w", err)
	}

	var u Universe
	if err := yaml.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("parse universe file %s: %w", path, err)
	}

	u.normalize()
	if len(u.Symbols) == 0 {
		return nil, fmt.Errorf("universe file %s has no symbols", path)
	}
	return &u, nil
}

// ResolveUniverse returns the file universe if configured, otherwise the inline list
func (c *Config) ResolveUniverse() (*Universe, error) {
	if c.Universe.File != "" {
		return LoadUniverse(c.Universe.File)
	}

	u := &Universe{Symbols: append([]string(nil), c.Universe.Symbols...)}
	u.normalize()
	return u, nil
}

// IsIndex reports whether symbol trades under the index premium band
func (u *Universe) IsIndex(symbol string) bool {
	for _, s := range u.IndexSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// IVCeiling returns the per-symbol IV ceiling, or fallback when none is set
func (u *Universe) IVCeiling(symbol string, fallback float64) float64 {
	if v, ok := u.IVCeilings[symbol]; ok && v > 0 {
		return v
	}
	return fallback
}

func (u *Universe) normalize() {
	seen := make(map[string]bool, len(u.Symbols))
	symbols := u.Symbols[:0]
	for _, s := range u.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		symbols = append(symbols, s)
	}
	u.Symbols = symbols

	if len(u.IndexSymbols) == 0 {
		u.IndexSymbols = append([]string(nil), defaultIndexSymbols...)
	}
	for i, s := range u.IndexSymbols {
		u.IndexSymbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}

	if len(u.IVCeilings) > 0 {
		ceilings := make(map[string]float64, len(u.IVCeilings))
		for k, v := range u.IVCeilings {
			ceilings[strings.ToUpper(strings.TrimSpace(k))] = v
		}
		u.IVCeilings = ceilings
	}
}
