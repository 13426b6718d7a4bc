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
var _ strategy.Strategy = (*SMACross)(nil)

// SMACrossParams configures SMACross.
type SMACrossParams struct {
	ShortPeriod     int     `yaml:"short_period"`
	LongPeriod      int     `yaml:"long_period"`
	ATRPeriod       int     `yaml:"atr_period"`
	StopATRMultiple float64 `yaml:"stop_atr_multiple"`
}

// DefaultSMACrossParams returns a 20/50 crossover with a 3 ATR stop.
func DefaultSMACrossParams() SMACrossParams {
	return SMACrossParams{ShortPeriod: 20, LongPeriod: 50, ATRPeriod: 14, StopATRMultiple: 3}
}

// SMACross implements a simple moving average crossover strategy. It enters
// long when the short-period SMA crosses above the long-period SMA, and
// exits when it crosses back below.
type SMACross struct {
	p SMACrossParams

	short, long, atr string
}

// NewSMACross creates a new SMACross strategy.
func NewSMACross(p SMACrossParams) (*SMACross, error) {
	if p.ShortPeriod <= 0 || p.LongPeriod <= p.ShortPeriod {
		return nil, fmt.Errorf("sma-cross: need 0 < short_period < long_period, got %d/%d", p.ShortPeriod, p.LongPeriod)
	}
	if p.ATRPeriod <= 0 || p.StopATRMultiple <= 0 {
		return nil, fmt.Errorf("sma-cross: atr_period and stop_atr_multiple must be > 0")
	}
	return &SMACross{
		p:     p,
		short: spec(indicator.KindSMA, p.ShortPeriod).Name(),
		long:  spec(indicator.KindSMA, p.LongPeriod).Name(),
		atr:   spec(indicator.KindATR, p.ATRPeriod).Name(),
	}, nil
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// Indicators lists the two averages and the stop ATR.
func (s *SMACross) Indicators() []indicator.Spec {
	return []indicator.Spec{
		spec(indicator.KindSMA, s.p.ShortPeriod),
		spec(indicator.KindSMA, s.p.LongPeriod),
		spec(indicator.KindATR, s.p.ATRPeriod),
	}
}

// GenerateIntents emits an entry on a cross-over for flat instruments and a
// signal exit on a cross-under for held ones.
func (s *SMACross) GenerateIntents(ctx context.Context, in strategy.Input) ([]domain.SignalIntent, error) {
	var out []domain.SignalIntent
	budget := in.Portfolio.Equity.Mul(in.RiskFraction)
	for _, sym := range in.Market.Symbols() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, _ := in.Market.View(sym)
		bar, ok := v.Last()
		if !ok {
			continue
		}
		cross, ok := s.cross(v)
		if !ok || cross == 0 {
			continue
		}

		if _, held := in.Portfolio.Position(sym); held {
			if cross < 0 {
				out = append(out, domain.SignalIntent{
					Symbol:     sym,
					SignalTime: bar.Timestamp,
					Direction:  domain.DirectionExit,
					Side:       domain.PositionSideLong,
					Reason:     "short sma crossed under long sma",
				})
			}
			continue
		}
		if cross < 0 || in.Portfolio.Holds(sym) {
			continue
		}

		atr, ok := v.Latest(s.atr)
		if !ok {
			continue
		}
		stop := bar.Close - s.p.StopATRMultiple*atr
		if stop <= 0 {
			continue
		}
		qty := sizeByRisk(budget, in.Portfolio.Cash, bar.Close, stop)
		if qty <= 0 {
			continue
		}
		out = append(out, domain.SignalIntent{
			Symbol:     sym,
			SignalTime: bar.Timestamp,
			Direction:  domain.DirectionEnter,
			Side:       domain.PositionSideLong,
			StopLevel:  decimal.NewFromFloat(stop).Round(4),
			SizeHint:   qty,
			RiskBudget: budget,
			Reason:     "short sma crossed over long sma",
		})
	}
	return out, nil
}

// cross returns +1 on a cross-over at the current bar, -1 on a cross-under
// and 0 otherwise.
func (s *SMACross) cross(v strategy.View) (int, bool) {
	t := v.Len() - 1
	sNow, ok1 := v.Value(s.short, t)
	lNow, ok2 := v.Value(s.long, t)
	sPrev, ok3 := v.Value(s.short, t-1)
	lPrev, ok4 := v.Value(s.long, t-1)
	if !(ok1 && ok2 && ok3 && ok4) {
		return 0, false
	}
	switch {
	case sPrev <= lPrev && sNow > lNow:
		return 1, true
	case sPrev >= lPrev && sNow < lNow:
		return -1, true
	}
	return 0, true
}
