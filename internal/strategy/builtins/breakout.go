// Package builtins provides built-in strategy implementations that ship with
// trendlab.
package builtins

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"trendlab/internal/domain"
	"trendlab/internal/indicator"
	"trendlab/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*TrendBreakout)(nil)

// BreakoutParams configures TrendBreakout. Filters with a zero threshold
// are disabled.
type BreakoutParams struct {
	FastMA        int     `yaml:"fast_ma"`
	MidMA         int     `yaml:"mid_ma"`
	SlowMA        int     `yaml:"slow_ma"`
	SlopeLookback int     `yaml:"slope_lookback"`
	MinSlope      float64 `yaml:"min_slope"`

	BreakoutLookback int     `yaml:"breakout_lookback"`
	ATRPeriod        int     `yaml:"atr_period"`
	StopATRMultiple  float64 `yaml:"stop_atr_multiple"`

	// 52-week rules: close above YearLowMultiple * lowest low and above
	// YearHighMultiple * highest high of the last YearLookback bars.
	YearLookback     int     `yaml:"year_lookback"`
	YearLowMultiple  float64 `yaml:"year_low_multiple"`
	YearHighMultiple float64 `yaml:"year_high_multiple"`

	MinPrice     float64 `yaml:"min_price"`
	MinAvgVolume float64 `yaml:"min_avg_volume"`
	MinRelVolume float64 `yaml:"min_rel_volume"`
	MinADR       float64 `yaml:"min_adr"`
	VolumePeriod int     `yaml:"volume_period"`

	// MinGapPct requires the signal bar to open at least this many percent
	// above the prior bar's high.
	MinGapPct float64 `yaml:"min_gap_pct"`
}

// DefaultBreakoutParams returns the classic trend template: 50/150/200 day
// averages, the 200 rising over a month, within 25% of the yearly high and
// 25% above the yearly low, and a 20-day closing breakout.
func DefaultBreakoutParams() BreakoutParams {
	return BreakoutParams{
		FastMA:           50,
		MidMA:            150,
		SlowMA:           200,
		SlopeLookback:    20,
		BreakoutLookback: 20,
		ATRPeriod:        14,
		StopATRMultiple:  2,
		YearLookback:     252,
		YearLowMultiple:  1.25,
		YearHighMultiple: 0.75,
		VolumePeriod:     20,
	}
}

// Validate reports the first invalid parameter.
func (p BreakoutParams) Validate() error {
	switch {
	case p.FastMA <= 0 || p.MidMA <= 0 || p.SlowMA <= 0:
		return fmt.Errorf("moving average periods must be > 0")
	case p.SlopeLookback <= 0:
		return fmt.Errorf("slope_lookback must be > 0")
	case p.BreakoutLookback <= 0:
		return fmt.Errorf("breakout_lookback must be > 0")
	case p.ATRPeriod <= 0 || p.StopATRMultiple <= 0:
		return fmt.Errorf("atr_period and stop_atr_multiple must be > 0")
	case p.YearLookback < 0:
		return fmt.Errorf("year_lookback must be >= 0")
	case p.MinGapPct < 0:
		return fmt.Errorf("min_gap_pct must be >= 0")
	case (p.MinAvgVolume > 0 || p.MinRelVolume > 0 || p.MinADR > 0) && p.VolumePeriod <= 0:
		return fmt.Errorf("volume_period must be > 0 when volume or range filters are set")
	}
	return nil
}

// TrendBreakout enters long when an instrument in an established uptrend
// closes above its highest close of the prior BreakoutLookback bars.
type TrendBreakout struct {
	p BreakoutParams

	fast, mid, slow, atr, breakout string
	yearHigh, yearLow              string
	avgVol, relVol, adr            string
}

// NewTrendBreakout validates p and returns the strategy.
func NewTrendBreakout(p BreakoutParams) (*TrendBreakout, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("trend-breakout: %w", err)
	}
	s := &TrendBreakout{p: p}
	s.fast = spec(indicator.KindSMA, p.FastMA).Name()
	s.mid = spec(indicator.KindSMA, p.MidMA).Name()
	s.slow = spec(indicator.KindSMA, p.SlowMA).Name()
	s.atr = spec(indicator.KindATR, p.ATRPeriod).Name()
	s.breakout = spec(indicator.KindPriorHighClose, p.BreakoutLookback).Name()
	s.yearHigh = spec(indicator.KindHighestHigh, p.YearLookback).Name()
	s.yearLow = spec(indicator.KindLowestLow, p.YearLookback).Name()
	s.avgVol = spec(indicator.KindAvgVolume, p.VolumePeriod).Name()
	s.relVol = spec(indicator.KindRelVolume, p.VolumePeriod).Name()
	s.adr = spec(indicator.KindADR, p.VolumePeriod).Name()
	return s, nil
}

func spec(k indicator.Kind, period int) indicator.Spec {
	return indicator.Spec{Kind: k, Period: period}
}

// Name returns "trend-breakout".
func (s *TrendBreakout) Name() string { return "trend-breakout" }

// Params returns the strategy parameters.
func (s *TrendBreakout) Params() BreakoutParams { return s.p }

// Indicators lists the columns read by GenerateIntents.
func (s *TrendBreakout) Indicators() []indicator.Spec {
	specs := []indicator.Spec{
		spec(indicator.KindSMA, s.p.FastMA),
		spec(indicator.KindSMA, s.p.MidMA),
		spec(indicator.KindSMA, s.p.SlowMA),
		spec(indicator.KindATR, s.p.ATRPeriod),
		spec(indicator.KindPriorHighClose, s.p.BreakoutLookback),
	}
	if s.p.YearLookback > 0 {
		specs = append(specs,
			spec(indicator.KindHighestHigh, s.p.YearLookback),
			spec(indicator.KindLowestLow, s.p.YearLookback))
	}
	if s.p.MinAvgVolume > 0 {
		specs = append(specs, spec(indicator.KindAvgVolume, s.p.VolumePeriod))
	}
	if s.p.MinRelVolume > 0 {
		specs = append(specs, spec(indicator.KindRelVolume, s.p.VolumePeriod))
	}
	if s.p.MinADR > 0 {
		specs = append(specs, spec(indicator.KindADR, s.p.VolumePeriod))
	}
	return specs
}

// GenerateIntents scans the visible universe in ascending symbol order.
func (s *TrendBreakout) GenerateIntents(ctx context.Context, in strategy.Input) ([]domain.SignalIntent, error) {
	var out []domain.SignalIntent
	budget := in.Portfolio.Equity.Mul(in.RiskFraction)
	for _, sym := range in.Market.Symbols() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if in.Portfolio.Holds(sym) {
			continue
		}
		v, _ := in.Market.View(sym)
		bar, ok := v.Last()
		if !ok || !s.qualifies(v, bar) {
			continue
		}
		atr, _ := v.Latest(s.atr)
		stop := bar.Close - s.p.StopATRMultiple*atr
		if stop <= 0 {
			continue
		}
		qty := sizeByRisk(budget, in.Portfolio.Cash, bar.Close, stop)
		if qty <= 0 {
			continue
		}
		prior, _ := v.Latest(s.breakout)
		out = append(out, domain.SignalIntent{
			Symbol:     sym,
			SignalTime: bar.Timestamp,
			Direction:  domain.DirectionEnter,
			Side:       domain.PositionSideLong,
			StopLevel:  decimal.NewFromFloat(stop).Round(4),
			SizeHint:   qty,
			RiskBudget: budget,
			Reason:     fmt.Sprintf("close %.2f > %d-bar high close %.2f", bar.Close, s.p.BreakoutLookback, prior),
		})
	}
	return out, nil
}

// qualifies applies the trend template, the 52-week rules, the liquidity
// and gap filters and finally the breakout itself. Any missing indicator value
// suppresses the entry.
func (s *TrendBreakout) qualifies(v strategy.View, bar domain.Bar) bool {
	t := v.Len() - 1
	fast, ok1 := v.Value(s.fast, t)
	mid, ok2 := v.Value(s.mid, t)
	slow, ok3 := v.Value(s.slow, t)
	slowAgo, ok4 := v.Value(s.slow, t-s.p.SlopeLookback)
	atr, ok5 := v.Value(s.atr, t)
	prior, ok6 := v.Value(s.breakout, t)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) || atr <= 0 {
		return false
	}
	if !(bar.Close > fast && fast > mid && mid > slow) {
		return false
	}
	if slow-slowAgo <= s.p.MinSlope*slowAgo {
		return false
	}

	if s.p.YearLookback > 0 {
		hi, okH := v.Value(s.yearHigh, t)
		lo, okL := v.Value(s.yearLow, t)
		if !okH || !okL {
			return false
		}
		if bar.Close <= lo*s.p.YearLowMultiple || bar.Close <= hi*s.p.YearHighMultiple {
			return false
		}
	}

	if s.p.MinPrice > 0 && bar.Close < s.p.MinPrice {
		return false
	}
	if !atLeast(v, s.avgVol, t, s.p.MinAvgVolume) ||
		!atLeast(v, s.relVol, t, s.p.MinRelVolume) ||
		!atLeast(v, s.adr, t, s.p.MinADR) {
		return false
	}
	if s.p.MinGapPct > 0 {
		prev, ok := v.Bar(t - 1)
		if !ok || bar.Open <= prev.High*(1+s.p.MinGapPct/100) {
			return false
		}
	}

	return bar.Close > prior
}

// atLeast passes when the filter is disabled or the column value reaches min.
func atLeast(v strategy.View, col string, t int, min float64) bool {
	if min <= 0 {
		return true
	}
	x, ok := v.Value(col, t)
	return ok && x >= min
}

// sizeByRisk returns floor(budget / per-share risk), capped by the shares
// cash can buy at price.
func sizeByRisk(budget, cash decimal.Decimal, price, stop float64) int64 {
	perShare := decimal.NewFromFloat(price - stop).Abs()
	if !perShare.IsPositive() || !budget.IsPositive() {
		return 0
	}
	qty := budget.Div(perShare).Floor().IntPart()
	px := decimal.NewFromFloat(price)
	if px.IsPositive() {
		if affordable := cash.Div(px).Floor().IntPart(); qty > affordable {
			qty = affordable
		}
	}
	return qty
}
