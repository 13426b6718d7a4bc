package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"trendlab/internal/cost"
	"trendlab/internal/domain"
	"trendlab/internal/indicator"
	"trendlab/internal/strategy"
)

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func day(i int) time.Time { return t0.AddDate(0, 0, i) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// mkBars builds daily bars from {open, high, low, close} rows starting at
// day(offset).
func mkBars(sym string, offset int, rows [][4]float64) []domain.Bar {
	out := make([]domain.Bar, len(rows))
	for i, r := range rows {
		out[i] = domain.Bar{
			Symbol: sym, Timestamp: day(offset + i),
			Open: r[0], High: r[1], Low: r[2], Close: r[3], Volume: 1000,
			Timeframe: domain.TimeframeDaily,
		}
	}
	return out
}

// flatBars is n bars of a constant price with a one-point range.
func flatBars(sym string, n int, px float64) []domain.Bar {
	rows := make([][4]float64, n)
	for i := range rows {
		rows[i] = [4]float64{px, px + 1, px - 1, px}
	}
	return mkBars(sym, 0, rows)
}

func withoutSession(bars []domain.Bar, i int) []domain.Bar {
	out := append([]domain.Bar(nil), bars[:i]...)
	return append(out, bars[i+1:]...)
}

func zeroCosts() cost.Model { return cost.Model{} }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialCash = decimal.NewFromInt(10_000)
	cfg.MaxPositions = 0
	cfg.AlignmentTolerance = 2
	return cfg
}

// scripted emits pre-recorded intents at their session time. Intents whose
// SignalTime is zero are stamped with the session time.
type scripted struct {
	bySession map[int][]domain.SignalIntent
	onSession func(s int)
	seen      []strategy.Input
}

func (s *scripted) Name() string                 { return "scripted" }
func (s *scripted) Indicators() []indicator.Spec { return nil }

func (s *scripted) GenerateIntents(_ context.Context, in strategy.Input) ([]domain.SignalIntent, error) {
	s.seen = append(s.seen, in)
	if s.onSession != nil {
		s.onSession(in.Market.Session)
	}
	var out []domain.SignalIntent
	for _, it := range s.bySession[in.Market.Session] {
		if it.SignalTime.IsZero() {
			it.SignalTime = in.Market.Time
		}
		out = append(out, it)
	}
	return out, nil
}

func enter(sym string, qty int64, stop string) domain.SignalIntent {
	return domain.SignalIntent{
		Symbol: sym, Direction: domain.DirectionEnter, Side: domain.PositionSideLong,
		StopLevel: dec(stop), SizeHint: qty,
	}
}

func exitAll(sym string) domain.SignalIntent {
	return domain.SignalIntent{Symbol: sym, Direction: domain.DirectionExit, Side: domain.PositionSideLong}
}

// fixedGate returns the same regime for every session.
type fixedGate struct{ st domain.RegimeState }

func (g fixedGate) Classify([]domain.Bar) domain.RegimeState { return g.st }

// countKind counts diagnostics of one kind.
func countKind(res *Result, kind DiagnosticKind) int {
	n := 0
	for _, d := range res.Diagnostics {
		if d.Kind == kind {
			n++
		}
	}
	return n
}
