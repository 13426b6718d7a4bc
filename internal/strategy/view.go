package strategy

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"trendlab/internal/domain"
	"trendlab/internal/indicator"
	"trendlab/internal/portfolio"
)

// View is one instrument's history truncated at the current session. The
// bar slice is capped with a full slice expression and every accessor is
// bounded by it, so nothing after the session is reachable through a View.
type View struct {
	symbol string
	bars   []domain.Bar
	cols   indicator.Columns
}

// NewView exposes bars[:end] and the matching prefix of cols.
func NewView(symbol string, bars []domain.Bar, cols indicator.Columns, end int) View {
	if end > len(bars) {
		end = len(bars)
	}
	if end < 0 {
		end = 0
	}
	return View{symbol: symbol, bars: bars[:end:end], cols: cols}
}

func (v View) Symbol() string { return v.symbol }

// Len returns the number of visible bars.
func (v View) Len() int { return len(v.bars) }

// Bar returns the i-th visible bar.
func (v View) Bar(i int) (domain.Bar, bool) {
	if i < 0 || i >= len(v.bars) {
		return domain.Bar{}, false
	}
	return v.bars[i], true
}

// Last returns the current session's bar.
func (v View) Last() (domain.Bar, bool) {
	return v.Bar(len(v.bars) - 1)
}

// Bars returns a copy of the visible history.
func (v View) Bars() []domain.Bar {
	return append([]domain.Bar(nil), v.bars...)
}

// Value returns column name at index i, or false when the index is not
// visible or the indicator is still warming up.
func (v View) Value(name string, i int) (float64, bool) {
	if i < 0 || i >= len(v.bars) {
		return 0, false
	}
	return v.cols[name].At(i)
}

// Latest returns column name at the current session.
func (v View) Latest(name string) (float64, bool) {
	return v.Value(name, len(v.bars)-1)
}

// Market is the visible universe for one session. Only instruments with a
// bar at the session are included.
type Market struct {
	Time    time.Time
	Session int
	Regime  domain.RegimeState

	views   map[string]View
	symbols []string
}

// NewMarket builds a Market from per-instrument views.
func NewMarket(ts time.Time, session int, regime domain.RegimeState, views []View) Market {
	m := Market{
		Time:    ts,
		Session: session,
		Regime:  regime,
		views:   make(map[string]View, len(views)),
		symbols: make([]string, 0, len(views)),
	}
	for _, v := range views {
		m.views[v.symbol] = v
		m.symbols = append(m.symbols, v.symbol)
	}
	sort.Strings(m.symbols)
	return m
}

// Symbols returns the visible instruments in ascending order.
func (m Market) Symbols() []string {
	return append([]string(nil), m.symbols...)
}

// View returns the history of one instrument.
func (m Market) View(symbol string) (View, bool) {
	v, ok := m.views[symbol]
	return v, ok
}

// Portfolio is the read-only portfolio state a strategy sees.
type Portfolio struct {
	Cash      decimal.Decimal // buying power left for new entries
	Equity    decimal.Decimal
	Positions []portfolio.Position
	// Pending lists instruments with an entry awaiting its fill.
	Pending []string
}

// Holds reports whether symbol has an open position or pending entry.
func (p Portfolio) Holds(symbol string) bool {
	for _, pos := range p.Positions {
		if pos.Symbol == symbol {
			return true
		}
	}
	for _, s := range p.Pending {
		if s == symbol {
			return true
		}
	}
	return false
}

// Position returns the open position in symbol.
func (p Portfolio) Position(symbol string) (portfolio.Position, bool) {
	for _, pos := range p.Positions {
		if pos.Symbol == symbol {
			return pos, true
		}
	}
	return portfolio.Position{}, false
}
