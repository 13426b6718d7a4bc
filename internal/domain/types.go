// Package domain defines the core value types shared across the backtesting
// platform: bars, signal intents, fills, trade records, equity points and
// regime classifications.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Timeframe identifies the interval a bar covers.
type Timeframe string

// Supported timeframes.
const (
	Timeframe1Min  Timeframe = "1m"
	Timeframe5Min  Timeframe = "5m"
	Timeframe15Min Timeframe = "15m"
	Timeframe30Min Timeframe = "30m"
	Timeframe1Hour Timeframe = "1h"
	TimeframeDaily Timeframe = "1d"
)

// Bar is one OHLCV observation for one instrument over one timeframe
// interval. Bars are immutable once stored.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
	Timeframe  Timeframe
}

// ---------------------------------------------------------------------------
// Orders and fills
// ---------------------------------------------------------------------------

// Side is the direction of a single transaction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PositionSide is the direction of a holding.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// EntrySide returns the transaction side that opens a position of ps.
func (ps PositionSide) EntrySide() Side {
	if ps == PositionSideShort {
		return SideSell
	}
	return SideBuy
}

// ExitSide returns the transaction side that closes a position of ps.
func (ps PositionSide) ExitSide() Side {
	if ps == PositionSideShort {
		return SideBuy
	}
	return SideSell
}

// Sign returns +1 for long and -1 for short.
func (ps PositionSide) Sign() int64 {
	if ps == PositionSideShort {
		return -1
	}
	return 1
}

// Direction says whether an intent opens or closes exposure.
type Direction string

const (
	DirectionEnter Direction = "enter"
	DirectionExit  Direction = "exit"
)

// SignalIntent is emitted by a strategy at a bar's close. It never carries a
// fill price: fills are resolved later by the engine.
type SignalIntent struct {
	Symbol     string
	SignalTime time.Time
	Direction  Direction
	Side       PositionSide
	StopLevel  decimal.Decimal // proposed initial stop (entries only)
	SizeHint   int64           // proposed share count; 0 on an exit means "all"
	RiskBudget decimal.Decimal // currency at risk the size was derived from
	Reason     string
}

// Fill is a realized transaction.
type Fill struct {
	Symbol        string
	SignalTime    time.Time
	ExecutionTime time.Time
	Side          Side
	Quantity      int64
	IntendedPrice decimal.Decimal
	Price         decimal.Decimal // post-slippage
	Commission    decimal.Decimal
}

// Notional returns price * quantity.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(decimal.NewFromInt(f.Quantity))
}

// ---------------------------------------------------------------------------
// Trade history
// ---------------------------------------------------------------------------

// ExitReason tags why a position was closed.
type ExitReason string

const (
	ExitReasonHardStop     ExitReason = "hard_stop"
	ExitReasonTrailingStop ExitReason = "trailing_stop"
	ExitReasonTimeStop     ExitReason = "time_stop"
	ExitReasonSignal       ExitReason = "signal"
	ExitReasonEndOfData    ExitReason = "end_of_data"
)

// TradeRecord is the immutable history entry created when a position (or a
// slice of it) closes.
type TradeRecord struct {
	TradeID     string
	Symbol      string
	Side        PositionSide
	Quantity    int64
	Entry       Fill
	Exit        Fill
	GrossPnL    decimal.Decimal // price move only
	NetPnL      decimal.Decimal // after both legs' commission
	InitialRisk decimal.Decimal // |entry - initial stop| * quantity
	RMultiple   float64
	BarsHeld    int
	Duration    time.Duration
	ExitReason  ExitReason
}

// EquityPoint is a post-bar snapshot of the portfolio.
type EquityPoint struct {
	Timestamp     time.Time
	Cash          decimal.Decimal
	Equity        decimal.Decimal
	OpenPositions int
}

// ---------------------------------------------------------------------------
// Regime
// ---------------------------------------------------------------------------

// RegimeKind is the discrete market classification.
type RegimeKind string

const (
	RegimeTrendOn      RegimeKind = "trend_on"
	RegimeTrendCaution RegimeKind = "trend_caution"
	RegimeTrendOff     RegimeKind = "trend_off"
)

// RegimeState is one classification per timestamp with its risk policy.
type RegimeState struct {
	Timestamp      time.Time
	Kind           RegimeKind
	RiskMultiplier decimal.Decimal
}

// AllowsEntries reports whether new entries may be opened.
func (r RegimeState) AllowsEntries() bool {
	return r.Kind != RegimeTrendOff && r.RiskMultiplier.IsPositive()
}
