package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trendlab/internal/domain"
	"trendlab/internal/exit"
	"trendlab/internal/util"
)

// FillRule decides when and at what price a signal placed at a session's
// close is executed.
type FillRule string

const (
	// FillNextOpen fills at the open of the instrument's next session.
	FillNextOpen FillRule = "next_open"
	// FillNextClose fills at the close of the instrument's next session.
	FillNextClose FillRule = "next_close"
	// FillSameClose would fill at the close of the signal bar itself. It is
	// recognized only so that it can be rejected.
	FillSameClose FillRule = "same_close"
)

// Config is the engine's per-run configuration.
type Config struct {
	Timeframe    domain.Timeframe
	FillRule     FillRule
	InitialCash  decimal.Decimal
	MaxPositions int
	// RiskFraction is the share of equity one trade may lose at its
	// initial stop, before regime scaling.
	RiskFraction decimal.Decimal
	// AlignmentTolerance is how many sessions of the union calendar an
	// instrument may miss between its first and last bar.
	AlignmentTolerance int
	// CloseOpenAtEnd liquidates remaining positions at the last close.
	CloseOpenAtEnd bool
	Exits          exit.Config
	// TradeStart is the first tradable session. Earlier bars only warm up
	// indicators and the regime history; they produce no intents, fills
	// or equity points. Zero trades from the first bar.
	TradeStart time.Time
}

// DefaultConfig returns a daily, next-open configuration with 100k of
// cash, 1% risk per trade and a hard stop.
func DefaultConfig() Config {
	return Config{
		Timeframe:          domain.TimeframeDaily,
		FillRule:           FillNextOpen,
		InitialCash:        decimal.NewFromInt(100_000),
		MaxPositions:       10,
		RiskFraction:       decimal.RequireFromString("0.01"),
		AlignmentTolerance: 5,
		Exits:              exit.Config{HardStop: true},
	}
}

// Validate reports the first configuration invariant violation.
func (c Config) Validate() error {
	if _, err := util.NewSessionCalendar(c.Timeframe); err != nil {
		return &ConfigError{Field: "timeframe", Reason: err.Error()}
	}
	switch c.FillRule {
	case FillNextOpen, FillNextClose:
	case FillSameClose:
		return &ConfigError{Field: "fill_rule", Reason: "same_close fills on the signal bar; fills must come from a later session"}
	default:
		return &ConfigError{Field: "fill_rule", Reason: fmt.Sprintf("unknown rule %q", c.FillRule)}
	}
	if !c.InitialCash.IsPositive() {
		return &ConfigError{Field: "initial_cash", Reason: "must be > 0"}
	}
	if c.MaxPositions < 0 {
		return &ConfigError{Field: "max_positions", Reason: "must be >= 0"}
	}
	if !c.RiskFraction.IsPositive() || c.RiskFraction.GreaterThan(decimal.NewFromInt(1)) {
		return &ConfigError{Field: "risk_fraction", Reason: "must be in (0, 1]"}
	}
	if c.AlignmentTolerance < 0 {
		return &ConfigError{Field: "alignment_tolerance", Reason: "must be >= 0"}
	}
	if err := c.Exits.Validate(); err != nil {
		return &ConfigError{Field: "exits", Reason: err.Error()}
	}
	return nil
}
