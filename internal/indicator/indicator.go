// Package indicator computes technical indicator columns over bar series.
//
// Every function is causal: the value at index i depends only on inputs at
// indices <= i. Warm-up positions hold NaN, the missing marker strategies
// must check with Valid before use.
package indicator

import (
	"fmt"
	"math"
	"sort"

	"trendlab/internal/domain"
)

// Kind names an indicator family.
type Kind string

const (
	KindSMA            Kind = "sma"
	KindEMA            Kind = "ema"
	KindATR            Kind = "atr"
	KindRSI            Kind = "rsi"
	KindHighestHigh    Kind = "high"
	KindLowestLow      Kind = "low"
	KindPriorHighClose Kind = "prior_high_close"
	KindADR            Kind = "adr"
	KindAvgVolume      Kind = "avg_volume"
	KindRelVolume      Kind = "rvol"
	KindVolatility     Kind = "vol"
)

// Spec requests one indicator column.
type Spec struct {
	Kind   Kind
	Period int
}

// Name returns the column name, e.g. "sma_50" or "high_252".
func (s Spec) Name() string {
	return fmt.Sprintf("%s_%d", s.Kind, s.Period)
}

// Column is an indicator series aligned index-for-index with its bars.
type Column []float64

// At returns the value at i and whether it is present.
func (c Column) At(i int) (float64, bool) {
	if i < 0 || i >= len(c) {
		return math.NaN(), false
	}
	v := c[i]
	return v, Valid(v)
}

// Columns maps column names to series.
type Columns map[string]Column

// Names returns the column names in sorted order.
func (cs Columns) Names() []string {
	names := make([]string, 0, len(cs))
	for n := range cs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Provider computes indicator columns for a bar series.
type Provider interface {
	Compute(bars []domain.Bar, specs []Spec) (Columns, error)
}

// Compile-time interface check.
var _ Provider = Default{}

// Default is the built-in Provider.
type Default struct{}

// Compute evaluates every spec over bars. Duplicate specs are computed once.
func (Default) Compute(bars []domain.Bar, specs []Spec) (Columns, error) {
	out := make(Columns, len(specs))
	for _, s := range specs {
		if s.Period <= 0 {
			return nil, fmt.Errorf("indicator %s: period must be positive", s.Name())
		}
		if _, done := out[s.Name()]; done {
			continue
		}
		col, err := compute(bars, s)
		if err != nil {
			return nil, err
		}
		out[s.Name()] = col
	}
	return out, nil
}

func compute(bars []domain.Bar, s Spec) (Column, error) {
	switch s.Kind {
	case KindSMA:
		return SMA(Closes(bars), s.Period), nil
	case KindEMA:
		return EMA(Closes(bars), s.Period), nil
	case KindATR:
		return ATR(bars, s.Period), nil
	case KindRSI:
		return RSI(Closes(bars), s.Period), nil
	case KindHighestHigh:
		return RollingMax(Highs(bars), s.Period), nil
	case KindLowestLow:
		return RollingMin(Lows(bars), s.Period), nil
	case KindPriorHighClose:
		return PriorMax(Closes(bars), s.Period), nil
	case KindADR:
		return ADR(bars, s.Period), nil
	case KindAvgVolume:
		return SMA(Volumes(bars), s.Period), nil
	case KindRelVolume:
		return RelativeVolume(Volumes(bars), s.Period), nil
	case KindVolatility:
		return Volatility(Closes(bars), s.Period), nil
	default:
		return nil, fmt.Errorf("unknown indicator kind %q", s.Kind)
	}
}

// Valid reports whether v is a present (non-NaN, finite) value.
func Valid(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Closes extracts close prices.
func Closes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Highs extracts high prices.
func Highs(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

// Lows extracts low prices.
func Lows(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}

// Volumes extracts volumes as floats.
func Volumes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = float64(b.Volume)
	}
	return out
}

func nanColumn(n int) Column {
	out := make(Column, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
