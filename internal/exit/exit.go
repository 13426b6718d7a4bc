// Package exit implements the stateless exit policies evaluated against every
// open position on every bar.
package exit

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"trendlab/internal/domain"
	"trendlab/internal/portfolio"
)

// Context is the bar-t information a policy may read. PrevClose and PrevATR
// belong to the previous session and are NaN when unavailable.
type Context struct {
	Bar       domain.Bar
	PrevClose float64
	PrevATR   float64
	BarsHeld  int
}

// Decision describes a triggered exit.
type Decision struct {
	Reason domain.ExitReason
	// Level is the stop level that triggered; zero for time exits.
	Level decimal.Decimal
	// Price is the intended fill price for stop exits: the level, or the
	// bar's open when the bar gapped through it.
	Price decimal.Decimal
	// OnBar is set for stop exits, which fill inside the triggering bar.
	// Other exits fill per the engine's fill rule.
	OnBar bool
}

// Policy is one exit rule.
type Policy interface {
	Reason() domain.ExitReason
	Check(pos portfolio.Position, c Context) (Decision, bool)
}

// Trailer proposes a new trailing level for a position. The ledger decides
// whether the proposal tightens the stop.
type Trailer interface {
	Propose(pos portfolio.Position, c Context) (decimal.Decimal, bool)
}

// HardStop exits when the bar trades through the position's hard stop.
type HardStop struct{}

func (HardStop) Reason() domain.ExitReason { return domain.ExitReasonHardStop }

func (h HardStop) Check(pos portfolio.Position, c Context) (Decision, bool) {
	return stopCheck(h.Reason(), pos.Side, pos.HardStop, c.Bar)
}

// TrailingStop keeps a stop a fixed distance behind the previous close. The
// distance is ATRMultiple * ATR, or Percent of the close when ATRMultiple is
// zero.
type TrailingStop struct {
	ATRMultiple float64
	Percent     float64
}

func (TrailingStop) Reason() domain.ExitReason { return domain.ExitReasonTrailingStop }

func (ts TrailingStop) Check(pos portfolio.Position, c Context) (Decision, bool) {
	return stopCheck(ts.Reason(), pos.Side, pos.TrailingStop, c.Bar)
}

// Propose computes the candidate level from the previous session only, so
// the level used on bar t never depends on bar t's range.
func (ts TrailingStop) Propose(pos portfolio.Position, c Context) (decimal.Decimal, bool) {
	if math.IsNaN(c.PrevClose) || c.PrevClose <= 0 {
		return decimal.Zero, false
	}
	var dist float64
	switch {
	case ts.ATRMultiple > 0:
		if math.IsNaN(c.PrevATR) {
			return decimal.Zero, false
		}
		dist = ts.ATRMultiple * c.PrevATR
	case ts.Percent > 0:
		dist = ts.Percent * c.PrevClose
	default:
		return decimal.Zero, false
	}
	level := c.PrevClose - dist
	if pos.Side == domain.PositionSideShort {
		level = c.PrevClose + dist
	}
	if level <= 0 {
		return decimal.Zero, false
	}
	return Price(level), true
}

// TimeStop exits once a position has been held MaxBars sessions.
type TimeStop struct {
	MaxBars int
}

func (TimeStop) Reason() domain.ExitReason { return domain.ExitReasonTimeStop }

func (ts TimeStop) Check(_ portfolio.Position, c Context) (Decision, bool) {
	if ts.MaxBars <= 0 || c.BarsHeld < ts.MaxBars {
		return Decision{}, false
	}
	return Decision{Reason: ts.Reason()}, true
}

func stopCheck(reason domain.ExitReason, side domain.PositionSide, level decimal.Decimal, bar domain.Bar) (Decision, bool) {
	if !level.IsPositive() {
		return Decision{}, false
	}
	open := Price(bar.Open)
	if side == domain.PositionSideShort {
		if Price(bar.High).LessThan(level) {
			return Decision{}, false
		}
		return Decision{Reason: reason, Level: level, Price: decimal.Max(open, level), OnBar: true}, true
	}
	if Price(bar.Low).GreaterThan(level) {
		return Decision{}, false
	}
	return Decision{Reason: reason, Level: level, Price: decimal.Min(open, level), OnBar: true}, true
}

// Price converts a bar price into a decimal with a fixed precision so that
// float noise never reaches the ledger.
func Price(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(6)
}

// Config selects and parameterises the policies of a Set.
type Config struct {
	HardStop            bool    `yaml:"hard_stop"`
	TrailingATRMultiple float64 `yaml:"trailing_atr_multiple"`
	TrailingPercent     float64 `yaml:"trailing_pct"`
	ATRPeriod           int     `yaml:"atr_period"`
	MaxBarsHeld         int     `yaml:"max_bars_held"`
}

// Validate reports the first invalid parameter.
func (c Config) Validate() error {
	switch {
	case c.TrailingATRMultiple < 0:
		return errors.New("trailing_atr_multiple must be >= 0")
	case c.TrailingPercent < 0 || c.TrailingPercent >= 1:
		return errors.New("trailing_pct must be in [0, 1)")
	case c.TrailingATRMultiple > 0 && c.ATRPeriod <= 0:
		return errors.New("atr_period must be > 0 for an ATR trailing stop")
	case c.MaxBarsHeld < 0:
		return errors.New("max_bars_held must be >= 0")
	}
	return nil
}

// Set evaluates policies in fixed priority order: hard stop, trailing stop,
// time stop.
type Set struct {
	policies []Policy
	trailer  Trailer
}

// NewSet builds the policy set described by cfg.
func NewSet(cfg Config) Set {
	var s Set
	if cfg.HardStop {
		s.policies = append(s.policies, HardStop{})
	}
	if cfg.TrailingATRMultiple > 0 || cfg.TrailingPercent > 0 {
		ts := TrailingStop{ATRMultiple: cfg.TrailingATRMultiple, Percent: cfg.TrailingPercent}
		s.policies = append(s.policies, ts)
		s.trailer = ts
	}
	if cfg.MaxBarsHeld > 0 {
		s.policies = append(s.policies, TimeStop{MaxBars: cfg.MaxBarsHeld})
	}
	return s
}

// Policies returns the active policies in priority order.
func (s Set) Policies() []Policy {
	return append([]Policy(nil), s.policies...)
}

// Trail returns the trailing policy's proposed level, if any.
func (s Set) Trail(pos portfolio.Position, c Context) (decimal.Decimal, bool) {
	if s.trailer == nil {
		return decimal.Zero, false
	}
	return s.trailer.Propose(pos, c)
}

// Evaluate returns the highest-priority triggered exit.
func (s Set) Evaluate(pos portfolio.Position, c Context) (Decision, bool) {
	for _, p := range s.policies {
		if d, ok := p.Check(pos, c); ok {
			return d, true
		}
	}
	return Decision{}, false
}
