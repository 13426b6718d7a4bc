package builtins

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trendlab/internal/domain"
	"trendlab/internal/indicator"
	"trendlab/internal/portfolio"
	"trendlab/internal/strategy"
)

// toyBars is a ten-session ramp that breaks out at index 5 and then fades.
func toyBars() []domain.Bar {
	rows := [][4]float64{
		{10, 10.5, 9.5, 10},
		{10, 11.5, 10, 11},
		{11, 12.5, 11, 12},
		{12, 13.5, 12, 13},
		{13, 14.5, 13, 14},
		{14, 20.5, 14, 20},
		{19.5, 20, 18.8, 19},
		{19, 19.2, 17.9, 18},
		{18, 18.1, 16.5, 17},
		{16.5, 16.8, 15.5, 16},
	}
	start := time.Date(2024, 1, 2, 21, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, len(rows))
	for i, r := range rows {
		bars[i] = domain.Bar{
			Symbol: "TOY", Timestamp: start.AddDate(0, 0, i),
			Open: r[0], High: r[1], Low: r[2], Close: r[3], Volume: 1000,
			Timeframe: domain.TimeframeDaily,
		}
	}
	return bars
}

func toyParams() BreakoutParams {
	return BreakoutParams{
		FastMA: 2, MidMA: 3, SlowMA: 4, SlopeLookback: 1,
		BreakoutLookback: 5, ATRPeriod: 3, StopATRMultiple: 1,
	}
}

func intentsAt(t *testing.T, s strategy.Strategy, bars []domain.Bar, session int, pf strategy.Portfolio) []domain.SignalIntent {
	t.Helper()
	cols, err := indicator.Default{}.Compute(bars, s.Indicators())
	require.NoError(t, err)
	v := strategy.NewView(bars[0].Symbol, bars, cols, session+1)
	in := strategy.Input{
		Market:       strategy.NewMarket(bars[session].Timestamp, session, domain.RegimeState{Kind: domain.RegimeTrendOn}, []strategy.View{v}),
		Portfolio:    pf,
		RiskFraction: decimal.RequireFromString("0.01"),
	}
	out, err := s.GenerateIntents(context.Background(), in)
	require.NoError(t, err)
	return out
}

func flat() strategy.Portfolio {
	return strategy.Portfolio{Cash: decimal.NewFromInt(10000), Equity: decimal.NewFromInt(10000)}
}

func TestTrendBreakoutToyScenario(t *testing.T) {
	s, err := NewTrendBreakout(toyParams())
	require.NoError(t, err)
	bars := toyBars()

	for i := 0; i < 5; i++ {
		assert.Empty(t, intentsAt(t, s, bars, i, flat()), "session %d", i)
	}

	out := intentsAt(t, s, bars, 5, flat())
	require.Len(t, out, 1)
	in := out[0]
	assert.Equal(t, domain.DirectionEnter, in.Direction)
	assert.Equal(t, bars[5].Timestamp, in.SignalTime)

	atr := indicator.ATR(bars, 3)[5]
	wantStop := decimal.NewFromFloat(20 - atr).Round(4)
	assert.True(t, in.StopLevel.Equal(wantStop), "stop %s, want %s", in.StopLevel, wantStop)
	// 100 of risk over ~3.12 per share.
	assert.Equal(t, int64(32), in.SizeHint)
	assert.True(t, in.RiskBudget.Equal(decimal.NewFromInt(100)))
}

func TestTrendBreakoutSkipsHeldInstruments(t *testing.T) {
	s, err := NewTrendBreakout(toyParams())
	require.NoError(t, err)
	pf := flat()
	pf.Positions = []portfolio.Position{{Symbol: "TOY", Side: domain.PositionSideLong, Quantity: 1}}
	assert.Empty(t, intentsAt(t, s, toyBars(), 5, pf))
}

func TestTrendBreakoutNoLookahead(t *testing.T) {
	s, err := NewTrendBreakout(toyParams())
	require.NoError(t, err)

	base := toyBars()
	altered := toyBars()
	for i := 6; i < len(altered); i++ {
		altered[i].Open, altered[i].High, altered[i].Low, altered[i].Close = 1000, 2000, 1, 1500
		altered[i].Volume = 1 << 40
	}

	for session := 0; session <= 5; session++ {
		assert.Equal(t,
			intentsAt(t, s, base, session, flat()),
			intentsAt(t, s, altered, session, flat()),
			"session %d intents changed when only future bars changed", session)
	}
}

func TestTrendBreakoutYearRules(t *testing.T) {
	p := toyParams()
	p.YearLookback = 6
	p.YearLowMultiple = 2.5 // close 20 is only 2.1x the 6-bar low of 9.5
	s, err := NewTrendBreakout(p)
	require.NoError(t, err)
	assert.Empty(t, intentsAt(t, s, toyBars(), 5, flat()))

	p.YearLowMultiple = 1.25
	p.YearHighMultiple = 0.75
	s, err = NewTrendBreakout(p)
	require.NoError(t, err)
	assert.Len(t, intentsAt(t, s, toyBars(), 5, flat()), 1)
}

func TestTrendBreakoutLiquidityFilters(t *testing.T) {
	p := toyParams()
	p.MinPrice = 25
	s, err := NewTrendBreakout(p)
	require.NoError(t, err)
	assert.Empty(t, intentsAt(t, s, toyBars(), 5, flat()))

	p.MinPrice = 0
	p.MinAvgVolume = 5000
	p.VolumePeriod = 3
	s, err = NewTrendBreakout(p)
	require.NoError(t, err)
	assert.Empty(t, intentsAt(t, s, toyBars(), 5, flat()))
}

func TestTrendBreakoutGapFilter(t *testing.T) {
	p := toyParams()
	p.MinGapPct = 2
	s, err := NewTrendBreakout(p)
	require.NoError(t, err)
	// Session 5 opens at 14, below the prior high of 14.5.
	assert.Empty(t, intentsAt(t, s, toyBars(), 5, flat()))

	gapped := toyBars()
	gapped[5].Open = 15 // 3.4% over the prior high
	assert.Len(t, intentsAt(t, s, gapped, 5, flat()), 1)

	p.MinGapPct = 5
	s, err = NewTrendBreakout(p)
	require.NoError(t, err)
	assert.Empty(t, intentsAt(t, s, gapped, 5, flat()))

	p.MinGapPct = -1
	_, err = NewTrendBreakout(p)
	assert.Error(t, err)
}

func TestTrendBreakoutSizeCappedByCash(t *testing.T) {
	s, err := NewTrendBreakout(toyParams())
	require.NoError(t, err)
	pf := strategy.Portfolio{Cash: decimal.NewFromInt(200), Equity: decimal.NewFromInt(10000)}
	out := intentsAt(t, s, toyBars(), 5, pf)
	require.Len(t, out, 1)
	assert.Equal(t, int64(10), out[0].SizeHint)
}

func TestSMACrossEntryAndExit(t *testing.T) {
	s, err := NewSMACross(SMACrossParams{ShortPeriod: 2, LongPeriod: 3, ATRPeriod: 2, StopATRMultiple: 1})
	require.NoError(t, err)

	closes := []float64{10, 9, 8, 9, 11, 12, 10, 8}
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{Symbol: "X", Timestamp: start.AddDate(0, 0, i), Open: c, High: c + 0.5, Low: c - 0.5, Close: c}
	}

	var entries, exits int
	for i := range bars {
		pf := flat()
		if entries > exits {
			pf.Positions = []portfolio.Position{{Symbol: "X", Side: domain.PositionSideLong, Quantity: 1}}
		}
		for _, in := range intentsAt(t, s, bars, i, pf) {
			switch in.Direction {
			case domain.DirectionEnter:
				entries++
				assert.Positive(t, in.SizeHint)
			case domain.DirectionExit:
				exits++
			}
		}
	}
	assert.Equal(t, 1, entries)
	assert.Equal(t, 1, exits)
}

func TestBuild(t *testing.T) {
	s, err := Build("trend-breakout", DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, "trend-breakout", s.Name())

	_, err = Build("nope", DefaultParams())
	assert.Error(t, err)

	r, err := NewRegistry(DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, Names(), r.List())
}
