// Package portfolio owns cash, open positions and realized P&L. The Ledger
// is the only component that mutates money state.
package portfolio

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"trendlab/internal/domain"
)

// Position is an open holding in one instrument.
type Position struct {
	Symbol        string
	Side          domain.PositionSide
	Entry         domain.Fill
	Quantity      int64
	InitialStop   decimal.Decimal
	HardStop      decimal.Decimal
	TrailingStop  decimal.Decimal // zero until the first ratchet
	RiskBudget    decimal.Decimal
	OpenedAt      time.Time
	OpenedSession int
	OpenedAtClose bool // filled at the session close, after the bar's range

	entryCommissionLeft decimal.Decimal
	collateral          decimal.Decimal // short proceeds plus posted margin
}

// MarketValue returns the signed value of the position at mark.
func (p Position) MarketValue(mark decimal.Decimal) decimal.Decimal {
	return mark.Mul(decimal.NewFromInt(p.Quantity * p.Side.Sign()))
}

// Limits bound what the ledger accepts.
type Limits struct {
	MaxPositions int // 0 means unlimited
}

// OpenRequest carries the non-fill attributes of a new position.
type OpenRequest struct {
	Side       domain.PositionSide
	StopLevel  decimal.Decimal
	RiskBudget decimal.Decimal // zero disables the risk bound
	Session    int
	AtClose    bool
}

// Snapshot is a read-only valuation of the ledger.
type Snapshot struct {
	Cash          decimal.Decimal
	MarketValue   decimal.Decimal
	Equity        decimal.Decimal
	OpenPositions int
}

// Ledger tracks cash and at most one open position per instrument.
// It is not safe for concurrent use; each backtest run owns its own.
type Ledger struct {
	cash      decimal.Decimal
	reserved  decimal.Decimal // collateral held against open shorts
	positions map[string]*Position
	limits    Limits
	tradeSeq  int

	// Running totals kept apart from cash so CheckInvariant can rebuild
	// equity without reading the cash balance.
	initialCash decimal.Decimal
	realized    decimal.Decimal
}

// NewLedger creates a ledger holding initialCash.
func NewLedger(initialCash decimal.Decimal, limits Limits) *Ledger {
	return &Ledger{
		cash:        initialCash,
		positions:   make(map[string]*Position),
		limits:      limits,
		initialCash: initialCash,
	}
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() decimal.Decimal { return l.cash }

// BuyingPower returns the cash that new entries may spend: the balance
// minus the collateral held against open shorts.
func (l *Ledger) BuyingPower() decimal.Decimal { return l.cash.Sub(l.reserved) }

// OpenCount returns the number of open positions.
func (l *Ledger) OpenCount() int { return len(l.positions) }

// Position returns a copy of the open position for symbol.
func (l *Ledger) Position(symbol string) (Position, bool) {
	p, ok := l.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Positions returns copies of all open positions sorted by symbol.
func (l *Ledger) Positions() []Position {
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Open records an entry fill as a new position.
func (l *Ledger) Open(fill domain.Fill, req OpenRequest) (Position, error) {
	if _, exists := l.positions[fill.Symbol]; exists {
		return Position{}, ErrPositionExists
	}
	if l.limits.MaxPositions > 0 && len(l.positions) >= l.limits.MaxPositions {
		return Position{}, ErrMaxPositions
	}
	if fill.Quantity <= 0 {
		return Position{}, ErrInvalidQuantity
	}
	if fill.Side != req.Side.EntrySide() {
		return Position{}, ErrSideMismatch
	}
	if RiskBoundedQuantity(fill.Quantity, fill.Price, req.StopLevel, req.RiskBudget) < fill.Quantity {
		risk := fill.Price.Sub(req.StopLevel).Abs().Mul(decimal.NewFromInt(fill.Quantity))
		return Position{}, fmt.Errorf("%w: risk %s > budget %s", ErrRiskBudget,
			risk.StringFixed(2), req.RiskBudget.StringFixed(2))
	}

	// Shorts post notional of their own cash as margin, so both sides need
	// notional + commission of buying power.
	required := fill.Notional().Add(fill.Commission)
	if bp := l.BuyingPower(); required.GreaterThan(bp) {
		return Position{}, &InsufficientBuyingPowerError{
			Symbol: fill.Symbol, Required: required, Available: bp,
		}
	}

	var collateral decimal.Decimal
	if req.Side == domain.PositionSideShort {
		// The sale proceeds and the posted margin stay locked until cover.
		collateral = fill.Notional().Mul(decimal.NewFromInt(2))
		l.cash = l.cash.Add(fill.Notional()).Sub(fill.Commission)
		l.reserved = l.reserved.Add(collateral)
	} else {
		l.cash = l.cash.Sub(required)
	}

	p := &Position{
		Symbol:              fill.Symbol,
		Side:                req.Side,
		Entry:               fill,
		Quantity:            fill.Quantity,
		InitialStop:         req.StopLevel,
		HardStop:            req.StopLevel,
		RiskBudget:          req.RiskBudget,
		OpenedAt:            fill.ExecutionTime,
		OpenedSession:       req.Session,
		OpenedAtClose:       req.AtClose,
		entryCommissionLeft: fill.Commission,
		collateral:          collateral,
	}
	l.positions[fill.Symbol] = p
	return *p, nil
}

// AdjustStop ratchets the trailing stop toward the trade's favor. A level
// that would loosen the stop is ignored. It reports whether the stop moved.
func (l *Ledger) AdjustStop(symbol string, level decimal.Decimal) (bool, error) {
	p, ok := l.positions[symbol]
	if !ok {
		return false, ErrNoPosition
	}
	if !level.IsPositive() {
		return false, nil
	}
	if !p.TrailingStop.IsZero() {
		tighter := level.GreaterThan(p.TrailingStop)
		if p.Side == domain.PositionSideShort {
			tighter = level.LessThan(p.TrailingStop)
		}
		if !tighter {
			return false, nil
		}
	}
	p.TrailingStop = level
	return true, nil
}

// Reduce closes fill.Quantity shares of the position and returns the
// resulting trade record. Closing the full quantity removes the position.
// A short cover is never refused for cash: it releases its collateral and
// pays from the balance, which the invariant check then audits.
func (l *Ledger) Reduce(fill domain.Fill, reason domain.ExitReason, session int) (domain.TradeRecord, error) {
	p, ok := l.positions[fill.Symbol]
	if !ok {
		return domain.TradeRecord{}, ErrNoPosition
	}
	if fill.Quantity <= 0 || fill.Quantity > p.Quantity {
		return domain.TradeRecord{}, ErrInvalidQuantity
	}
	if fill.Side != p.Side.ExitSide() {
		return domain.TradeRecord{}, ErrSideMismatch
	}

	if p.Side == domain.PositionSideShort {
		release := p.collateral
		if fill.Quantity < p.Quantity {
			release = p.collateral.Mul(decimal.NewFromInt(fill.Quantity)).Div(decimal.NewFromInt(p.Quantity))
		}
		p.collateral = p.collateral.Sub(release)
		l.reserved = l.reserved.Sub(release)
		l.cash = l.cash.Sub(fill.Notional()).Sub(fill.Commission)
	} else {
		l.cash = l.cash.Add(fill.Notional()).Sub(fill.Commission)
	}

	qty := decimal.NewFromInt(fill.Quantity)
	entryComm := p.entryCommissionLeft
	if fill.Quantity < p.Quantity {
		entryComm = p.entryCommissionLeft.Mul(qty).Div(decimal.NewFromInt(p.Quantity))
	}
	p.entryCommissionLeft = p.entryCommissionLeft.Sub(entryComm)

	gross := fill.Price.Sub(p.Entry.Price).Mul(qty).Mul(decimal.NewFromInt(p.Side.Sign()))
	net := gross.Sub(entryComm).Sub(fill.Commission)
	risk := p.Entry.Price.Sub(p.InitialStop).Abs().Mul(qty)
	if !p.InitialStop.IsPositive() {
		risk = decimal.Zero
	}

	entry := p.Entry
	entry.Quantity = fill.Quantity
	entry.Commission = entryComm

	l.realized = l.realized.Add(net)
	l.tradeSeq++
	rec := domain.TradeRecord{
		TradeID:     tradeID(fill.Symbol, entry.ExecutionTime, fill.ExecutionTime, l.tradeSeq),
		Symbol:      fill.Symbol,
		Side:        p.Side,
		Quantity:    fill.Quantity,
		Entry:       entry,
		Exit:        fill,
		GrossPnL:    gross,
		NetPnL:      net,
		InitialRisk: risk,
		BarsHeld:    session - p.OpenedSession,
		Duration:    fill.ExecutionTime.Sub(entry.ExecutionTime),
		ExitReason:  reason,
	}
	if risk.IsPositive() {
		rec.RMultiple = net.Div(risk).InexactFloat64()
	}

	p.Quantity -= fill.Quantity
	if p.Quantity == 0 {
		delete(l.positions, fill.Symbol)
	}
	return rec, nil
}

// Close closes the whole position; fill.Quantity must equal the open quantity.
func (l *Ledger) Close(fill domain.Fill, reason domain.ExitReason, session int) (domain.TradeRecord, error) {
	p, ok := l.positions[fill.Symbol]
	if !ok {
		return domain.TradeRecord{}, ErrNoPosition
	}
	if fill.Quantity != p.Quantity {
		return domain.TradeRecord{}, ErrInvalidQuantity
	}
	return l.Reduce(fill, reason, session)
}

// MarkToMarket values the ledger at the given marks without mutating it.
// Positions without a mark are valued at their entry price.
func (l *Ledger) MarkToMarket(marks map[string]decimal.Decimal) Snapshot {
	mv := decimal.Zero
	for sym, p := range l.positions {
		mark, ok := marks[sym]
		if !ok {
			mark = p.Entry.Price
		}
		mv = mv.Add(p.MarketValue(mark))
	}
	return Snapshot{
		Cash:          l.cash,
		MarketValue:   mv,
		Equity:        l.cash.Add(mv),
		OpenPositions: len(l.positions),
	}
}

// RiskBoundedQuantity caps qty so that |price - stop| * qty stays within
// budget. A non-positive budget or stop leaves qty unchanged.
func RiskBoundedQuantity(qty int64, price, stop, budget decimal.Decimal) int64 {
	if !budget.IsPositive() || !stop.IsPositive() {
		return qty
	}
	perShare := price.Sub(stop).Abs()
	if !perShare.IsPositive() {
		return 0
	}
	maxQty := budget.Div(perShare).Floor().IntPart()
	if qty > maxQty {
		return maxQty
	}
	return qty
}

// tradeID derives a stable identifier so identical runs produce identical
// trade logs.
func tradeID(symbol string, entry, exit time.Time, seq int) string {
	data := fmt.Sprintf("%s|%d|%d|%d", symbol, entry.UnixNano(), exit.UnixNano(), seq)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:8])
}

// CheckInvariant verifies the money-state invariants: cash is non-negative,
// every open position holds a positive quantity, and the snapshot equity
// matches equity rebuilt from the initial cash, realized net P&L and the
// open positions' unrealized P&L net of unbooked entry commissions.
func (l *Ledger) CheckInvariant(marks map[string]decimal.Decimal) error {
	if l.cash.IsNegative() {
		return fmt.Errorf("cash is negative: %s", l.cash.String())
	}
	expected := l.initialCash.Add(l.realized)
	for sym, p := range l.positions {
		if p.Quantity <= 0 {
			return fmt.Errorf("%s: non-positive quantity %d", sym, p.Quantity)
		}
		mark, ok := marks[sym]
		if !ok {
			mark = p.Entry.Price
		}
		unrealized := mark.Sub(p.Entry.Price).Mul(decimal.NewFromInt(p.Quantity * p.Side.Sign()))
		expected = expected.Add(unrealized).Sub(p.entryCommissionLeft)
	}
	snap := l.MarkToMarket(marks)
	if !snap.Equity.Equal(expected) {
		return fmt.Errorf("equity %s != expected %s (initial %s, realized %s)",
			snap.Equity.String(), expected.String(), l.initialCash.String(), l.realized.String())
	}
	return nil
}
