package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trendlab/internal/cost"
	"trendlab/internal/domain"
	"trendlab/internal/exit"
	"trendlab/internal/indicator"
	"trendlab/internal/regime"
	"trendlab/internal/strategy"
	"trendlab/internal/strategy/builtins"
)

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func toyBars() []domain.Bar {
	return mkBars("TOY", 0, [][4]float64{
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
	})
}

func TestToyBreakoutScenario(t *testing.T) {
	bars := toyBars()
	strat, err := builtins.NewTrendBreakout(builtins.BreakoutParams{
		FastMA: 2, MidMA: 3, SlowMA: 4, SlopeLookback: 1,
		BreakoutLookback: 5, ATRPeriod: 3, StopATRMultiple: 1,
	})
	require.NoError(t, err)
	costs := cost.Model{SlippageBps: dec("10"), CommissionFixed: dec("1"), CommissionBps: dec("0")}

	e := newEngine(t, testConfig())
	res, err := e.Run(context.Background(), Data{Bars: map[string][]domain.Bar{"TOY": bars}}, strat, nil, costs)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]

	// Signal at the close of session 5, filled at the open of session 6.
	assert.Equal(t, bars[5].Timestamp, tr.Entry.SignalTime)
	assert.Equal(t, bars[6].Timestamp, tr.Entry.ExecutionTime)
	assert.True(t, tr.Entry.IntendedPrice.Equal(dec("19.5")))
	assert.True(t, tr.Entry.Price.Equal(dec("19.5195")), "entry %s", tr.Entry.Price)

	// Stop one ATR below the signal close, hit by the low of session 8.
	stop := decimal.NewFromFloat(20 - indicator.ATR(bars, 3)[5]).Round(4)
	assert.Equal(t, domain.ExitReasonHardStop, tr.ExitReason)
	assert.Equal(t, bars[8].Timestamp, tr.Exit.ExecutionTime)
	assert.True(t, tr.Exit.IntendedPrice.Equal(stop), "exit intended %s, stop %s", tr.Exit.IntendedPrice, stop)
	wantExit, _ := costs.ResolveFill(stop, tr.Quantity, domain.SideSell)
	assert.True(t, tr.Exit.Price.Equal(wantExit))

	assert.Equal(t, int64(32), tr.Quantity)
	assert.True(t, tr.Entry.Commission.Equal(dec("1")))
	assert.True(t, tr.Exit.Commission.Equal(dec("1")))
	assert.Equal(t, 2, tr.BarsHeld)
	assert.True(t, tr.NetPnL.IsNegative())

	require.Len(t, res.Equity, len(bars))
	initial := dec("10000")
	for i := 0; i < 6; i++ {
		assert.True(t, res.Equity[i].Equity.Equal(initial), "session %d equity %s", i, res.Equity[i].Equity)
	}
	// Session 6 marks the open position at the close of 19.
	cash6 := initial.Sub(tr.Entry.Notional()).Sub(tr.Entry.Commission)
	assert.True(t, res.Equity[6].Cash.Equal(cash6))
	assert.True(t, res.Equity[6].Equity.Equal(cash6.Add(dec("19").Mul(decimal.NewFromInt(32)))))
	assert.Equal(t, 1, res.Equity[7].OpenPositions)
	assert.True(t, res.Equity[9].Equity.Equal(initial.Add(tr.NetPnL)))
	assert.Equal(t, 0, res.Equity[9].OpenPositions)
	assert.False(t, res.Truncated)
}

func TestSameBarFillRuleRejected(t *testing.T) {
	cfg := testConfig()
	cfg.FillRule = FillSameClose
	_, err := New(cfg)

	var ce *ConfigError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "fill_rule", ce.Field)
}

func TestTimeframeWithoutCalendarRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Timeframe = "1w"
	_, err := New(cfg)

	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "timeframe", ce.Field)
}

func TestNegativeCostsRejected(t *testing.T) {
	e := newEngine(t, testConfig())
	_, err := e.Run(context.Background(), Data{}, &scripted{}, nil, cost.Model{SlippageBps: dec("-1")})
	var ce *ConfigError
	assert.True(t, errors.As(err, &ce))
}

func TestFillsFollowSignalsNextClose(t *testing.T) {
	rows := make([][4]float64, 6)
	for i := range rows {
		f := float64(i)
		rows[i] = [4]float64{10 + f, 10.5 + f, 9.5 + f, 10.2 + f}
	}
	bars := mkBars("AAA", 0, rows)
	strat := &scripted{bySession: map[int][]domain.SignalIntent{
		2: {enter("AAA", 10, "5")},
		4: {exitAll("AAA")},
	}}
	cfg := testConfig()
	cfg.FillRule = FillNextClose

	res, err := newEngine(t, cfg).Run(context.Background(), Data{Bars: map[string][]domain.Bar{"AAA": bars}}, strat, nil, zeroCosts())
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]

	for _, f := range []domain.Fill{tr.Entry, tr.Exit} {
		assert.True(t, f.ExecutionTime.After(f.SignalTime), "%s fill at %s for signal %s", f.Side, f.ExecutionTime, f.SignalTime)
	}
	assert.True(t, tr.Entry.Price.Equal(dec("13.2")))
	assert.True(t, tr.Exit.Price.Equal(dec("15.2")))
	assert.Equal(t, domain.ExitReasonSignal, tr.ExitReason)
	assert.True(t, tr.NetPnL.Equal(dec("20")))
}

func TestMoneyConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data := Data{Bars: map[string][]domain.Bar{}}
	for _, sym := range []string{"AAA", "BBB", "CCC"} {
		rows := make([][4]float64, 40)
		px := 50.0
		for i := range rows {
			o := px
			px = px * (1 + (rng.Float64()-0.5)*0.06)
			hi := max(o, px) + rng.Float64()
			lo := min(o, px) - rng.Float64()
			rows[i] = [4]float64{o, hi, lo, px}
		}
		data.Bars[sym] = mkBars(sym, 0, rows)
	}
	strat := &scripted{bySession: map[int][]domain.SignalIntent{
		1:  {enter("AAA", 20, "30"), enter("BBB", 15, "30")},
		5:  {exitAll("AAA"), enter("CCC", 25, "30")},
		9:  {enter("AAA", 10, "30")},
		20: {exitAll("BBB")},
	}}
	cfg := testConfig()
	cfg.CloseOpenAtEnd = true
	cfg.Exits = exit.Config{HardStop: true, MaxBarsHeld: 15}
	costs := cost.Model{SlippageBps: dec("5"), CommissionFixed: dec("1.25"), CommissionBps: dec("2")}

	res, err := newEngine(t, cfg).Run(context.Background(), data, strat, nil, costs)
	require.NoError(t, err)
	require.NotEmpty(t, res.Trades)
	assert.Empty(t, res.Open)
	assert.Zero(t, countKind(res, DiagLedgerViolated))

	realized := decimal.Zero
	for _, tr := range res.Trades {
		realized = realized.Add(tr.NetPnL)
		want := tr.Exit.Price.Sub(tr.Entry.Price).Mul(decimal.NewFromInt(tr.Quantity)).
			Sub(tr.Entry.Commission).Sub(tr.Exit.Commission)
		assert.True(t, tr.NetPnL.Equal(want), "trade %s net %s, want %s", tr.TradeID, tr.NetPnL, want)
	}
	final := res.Equity[len(res.Equity)-1]
	assert.True(t, final.Equity.Equal(cfg.InitialCash.Add(realized)), "final %s, initial+realized %s", final.Equity, cfg.InitialCash.Add(realized))
	assert.True(t, final.Equity.Equal(final.Cash))
	for _, pt := range res.Equity {
		assert.False(t, pt.Cash.IsNegative(), "negative cash at %s", pt.Timestamp)
	}
}

func syntheticUniverse(seed int64, symbols []string, n int) map[string][]domain.Bar {
	rng := rand.New(rand.NewSource(seed))
	out := make(map[string][]domain.Bar, len(symbols))
	for _, sym := range symbols {
		rows := make([][4]float64, n)
		px := 20 + rng.Float64()*30
		for i := range rows {
			o := px
			px = px * (1.004 + (rng.Float64()-0.5)*0.04)
			rows[i] = [4]float64{o, max(o, px) * 1.01, min(o, px) * 0.99, px}
		}
		out[sym] = mkBars(sym, 0, rows)
	}
	return out
}

func TestRunsAreIdempotent(t *testing.T) {
	data := Data{Bars: syntheticUniverse(11, []string{"MSFT", "AAPL", "NVDA", "AMZN"}, 160)}
	p := builtins.BreakoutParams{
		FastMA: 5, MidMA: 10, SlowMA: 20, SlopeLookback: 5,
		BreakoutLookback: 10, ATRPeriod: 5, StopATRMultiple: 2,
	}
	cfg := testConfig()
	cfg.Exits = exit.Config{HardStop: true, TrailingATRMultiple: 3, ATRPeriod: 10, MaxBarsHeld: 30}
	costs := cost.Model{SlippageBps: dec("5"), CommissionFixed: dec("1")}

	run := func() *Result {
		strat, err := builtins.NewTrendBreakout(p)
		require.NoError(t, err)
		res, err := newEngine(t, cfg).Run(context.Background(), data, strat, nil, costs)
		require.NoError(t, err)
		return res
	}
	a, b := run(), run()
	require.NotEmpty(t, a.Trades)
	assert.Equal(t, a, b)
	assert.Equal(t, fmt.Sprintf("%v", a.Trades), fmt.Sprintf("%v", b.Trades))
	assert.Equal(t, fmt.Sprintf("%v", a.Equity), fmt.Sprintf("%v", b.Equity))
}

func TestRegimeOffBlocksEntriesButNotExits(t *testing.T) {
	bench := mkBars("SPY", 0, [][4]float64{
		{100, 100, 100, 100}, {101, 101, 101, 101}, {102, 102, 102, 102},
		{103, 103, 103, 103}, {104, 104, 104, 104}, {105, 105, 105, 105},
		{90, 90, 90, 90}, {80, 80, 80, 80}, {70, 70, 70, 70}, {60, 60, 60, 60},
	})
	aaa := flatBars("AAA", 10, 50)
	aaa[8] = domain.Bar{Symbol: "AAA", Timestamp: day(8), Open: 48, High: 49, Low: 40, Close: 41, Timeframe: domain.TimeframeDaily}
	bbb := flatBars("BBB", 10, 30)

	gate, err := regime.New(regime.Config{LongMA: 3, CautionMultiplier: 0.5})
	require.NoError(t, err)
	strat := &scripted{bySession: map[int][]domain.SignalIntent{
		3: {enter("AAA", 10, "45")},
		6: {enter("BBB", 10, "25")},
		7: {enter("BBB", 10, "25")},
		8: {enter("BBB", 10, "25")},
	}}

	res, err := newEngine(t, testConfig()).Run(context.Background(),
		Data{Bars: map[string][]domain.Bar{"AAA": aaa, "BBB": bbb}, Benchmark: bench}, strat, gate, zeroCosts())
	require.NoError(t, err)

	require.Len(t, res.Regimes, 10)
	assert.Equal(t, domain.RegimeTrendOn, res.Regimes[3].Kind)
	for i := 6; i < 10; i++ {
		assert.Equal(t, domain.RegimeTrendOff, res.Regimes[i].Kind, "session %d", i)
	}

	require.Len(t, res.Trades, 1, "the AAA position still exits under trend_off")
	assert.Equal(t, "AAA", res.Trades[0].Symbol)
	assert.Equal(t, domain.ExitReasonHardStop, res.Trades[0].ExitReason)
	assert.Equal(t, 3, countKind(res, DiagRegimeBlocked))
	assert.Empty(t, res.Open)
}

func TestCautionScalesEntrySize(t *testing.T) {
	bars := flatBars("AAA", 5, 50)
	gate := fixedGate{domain.RegimeState{Kind: domain.RegimeTrendCaution, RiskMultiplier: dec("0.5")}}
	strat := &scripted{bySession: map[int][]domain.SignalIntent{1: {enter("AAA", 15, "45")}}}

	res, err := newEngine(t, testConfig()).Run(context.Background(), Data{Bars: map[string][]domain.Bar{"AAA": bars}}, strat, gate, zeroCosts())
	require.NoError(t, err)
	require.Len(t, res.Open, 1)
	assert.Equal(t, int64(7), res.Open[0].Quantity)
}

func TestCancellationReturnsPartialResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	strat := &scripted{onSession: func(s int) {
		if s == 3 {
			cancel()
		}
	}}
	bars := flatBars("AAA", 10, 50)

	res, err := newEngine(t, testConfig()).Run(ctx, Data{Bars: map[string][]domain.Bar{"AAA": bars}}, strat, nil, zeroCosts())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Equity, 4)
	assert.Equal(t, 4, res.Sessions)
}

func TestMisalignedCalendarsFail(t *testing.T) {
	full := flatBars("AAA", 12, 50)
	gappy := flatBars("BBB", 12, 30)
	gappy = withoutSession(gappy, 3)
	gappy = withoutSession(gappy, 3)
	gappy = withoutSession(gappy, 3)

	cfg := testConfig()
	cfg.AlignmentTolerance = 2
	_, err := newEngine(t, cfg).Run(context.Background(),
		Data{Bars: map[string][]domain.Bar{"AAA": full, "BBB": gappy}}, &scripted{}, nil, zeroCosts())

	var ae *DataAlignmentError
	require.True(t, errors.As(err, &ae), "got %v", err)
	assert.Equal(t, "BBB", ae.Instrument)
	assert.Equal(t, day(3), ae.Timestamp)
}

func TestDuplicateTimestampsFail(t *testing.T) {
	bars := flatBars("AAA", 5, 50)
	bars[3].Timestamp = bars[2].Timestamp
	_, err := newEngine(t, testConfig()).Run(context.Background(),
		Data{Bars: map[string][]domain.Bar{"AAA": bars}}, &scripted{}, nil, zeroCosts())

	var ae *DataAlignmentError
	assert.True(t, errors.As(err, &ae))
}

func TestMissingBarSkipsInstrument(t *testing.T) {
	full := flatBars("AAA", 8, 50)
	gappy := withoutSession(flatBars("BBB", 8, 30), 3)
	strat := &scripted{bySession: map[int][]domain.SignalIntent{
		2: {enter("BBB", 10, "25")},
	}}

	res, err := newEngine(t, testConfig()).Run(context.Background(),
		Data{Bars: map[string][]domain.Bar{"AAA": full, "BBB": gappy}}, strat, nil, zeroCosts())
	require.NoError(t, err)

	assert.Equal(t, 1, countKind(res, DiagMissingBar))
	assert.Equal(t, 1, countKind(res, DiagIntentDropped), "entry whose fill bar is missing is dropped")
	assert.Empty(t, res.Open)
	for _, in := range strat.seen {
		if in.Market.Session == 3 {
			_, ok := in.Market.View("BBB")
			assert.False(t, ok, "BBB has no bar at session 3")
		}
	}
}

func TestExitCarriesOverMissingBar(t *testing.T) {
	full := flatBars("AAA", 8, 50)
	gappy := withoutSession(flatBars("BBB", 8, 30), 4)
	strat := &scripted{bySession: map[int][]domain.SignalIntent{
		1: {enter("BBB", 10, "25")},
		3: {exitAll("BBB")},
	}}

	res, err := newEngine(t, testConfig()).Run(context.Background(),
		Data{Bars: map[string][]domain.Bar{"AAA": full, "BBB": gappy}}, strat, nil, zeroCosts())
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, day(5), res.Trades[0].Exit.ExecutionTime)
	assert.Equal(t, day(3), res.Trades[0].Exit.SignalTime)
}

func TestInsufficientBuyingPowerRejectsFill(t *testing.T) {
	bars := flatBars("AAA", 5, 50)
	strat := &scripted{bySession: map[int][]domain.SignalIntent{1: {enter("AAA", 1000, "45")}}}

	res, err := newEngine(t, testConfig()).Run(context.Background(), Data{Bars: map[string][]domain.Bar{"AAA": bars}}, strat, nil, zeroCosts())
	require.NoError(t, err)
	assert.Empty(t, res.Open)
	assert.Equal(t, 1, countKind(res, DiagFillRejected))
	for _, pt := range res.Equity {
		assert.True(t, pt.Cash.Equal(dec("10000")))
	}
}

func TestMaxPositionsTieBreakBySymbol(t *testing.T) {
	data := Data{Bars: map[string][]domain.Bar{
		"AAA": flatBars("AAA", 5, 50),
		"BBB": flatBars("BBB", 5, 40),
	}}
	strat := &scripted{bySession: map[int][]domain.SignalIntent{
		1: {enter("BBB", 10, "35"), enter("AAA", 10, "45")},
	}}
	cfg := testConfig()
	cfg.MaxPositions = 1

	res, err := newEngine(t, cfg).Run(context.Background(), data, strat, nil, zeroCosts())
	require.NoError(t, err)
	require.Len(t, res.Open, 1)
	assert.Equal(t, "AAA", res.Open[0].Symbol)
	assert.Equal(t, 1, countKind(res, DiagIntentDropped))
}

func TestDuplicateEntryDropped(t *testing.T) {
	bars := flatBars("AAA", 6, 50)
	strat := &scripted{bySession: map[int][]domain.SignalIntent{
		1: {enter("AAA", 10, "45")},
		2: {enter("AAA", 10, "45")},
	}}
	res, err := newEngine(t, testConfig()).Run(context.Background(), Data{Bars: map[string][]domain.Bar{"AAA": bars}}, strat, nil, zeroCosts())
	require.NoError(t, err)
	require.Len(t, res.Open, 1)
	assert.Equal(t, int64(10), res.Open[0].Quantity)
	assert.Equal(t, 1, countKind(res, DiagIntentDropped))
}

func TestTimeStopFillsNextOpen(t *testing.T) {
	rows := make([][4]float64, 8)
	for i := range rows {
		f := float64(i)
		rows[i] = [4]float64{50 + f, 51 + f, 49 + f, 50.5 + f}
	}
	bars := mkBars("AAA", 0, rows)
	strat := &scripted{bySession: map[int][]domain.SignalIntent{0: {enter("AAA", 10, "40")}}}
	cfg := testConfig()
	cfg.Exits = exit.Config{HardStop: true, MaxBarsHeld: 2}

	res, err := newEngine(t, cfg).Run(context.Background(), Data{Bars: map[string][]domain.Bar{"AAA": bars}}, strat, nil, zeroCosts())
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	// Opened at session 1, held 2 bars at session 3, filled at session 4's open.
	assert.Equal(t, domain.ExitReasonTimeStop, tr.ExitReason)
	assert.Equal(t, day(4), tr.Exit.ExecutionTime)
	assert.True(t, tr.Exit.Price.Equal(dec("54")))
	assert.Equal(t, 3, tr.BarsHeld)
}

func TestTrailingStopExit(t *testing.T) {
	bars := mkBars("AAA", 0, [][4]float64{
		{50, 51, 49, 50},
		{50, 52, 49.5, 51},
		{51, 56, 50.5, 55},
		{55, 60, 54.5, 59},
		{59, 59.5, 56.5, 57},
		{57, 57.5, 50, 51},
	})
	strat := &scripted{bySession: map[int][]domain.SignalIntent{0: {enter("AAA", 10, "40")}}}
	cfg := testConfig()
	cfg.Exits = exit.Config{HardStop: true, TrailingPercent: 0.05}

	res, err := newEngine(t, cfg).Run(context.Background(), Data{Bars: map[string][]domain.Bar{"AAA": bars}}, strat, nil, zeroCosts())
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	// The trail ratchets to 59*0.95 = 56.05 at session 4 (low 56.5 holds).
	// Session 5 proposes 57*0.95, which would loosen it, so 56.05 stays and
	// the low of 50 takes it out.
	assert.Equal(t, domain.ExitReasonTrailingStop, tr.ExitReason)
	assert.Equal(t, day(5), tr.Exit.ExecutionTime)
	assert.True(t, tr.Exit.Price.Equal(dec("56.05")), "exit %s", tr.Exit.Price)
}

func TestStrategySeesNoFutureBars(t *testing.T) {
	bars := toyBars()
	strat := &scripted{}
	_, err := newEngine(t, testConfig()).Run(context.Background(), Data{Bars: map[string][]domain.Bar{"TOY": bars}}, strat, nil, zeroCosts())
	require.NoError(t, err)

	require.Len(t, strat.seen, len(bars))
	for s, in := range strat.seen {
		v, ok := in.Market.View("TOY")
		require.True(t, ok)
		assert.Equal(t, s+1, v.Len())
		last, _ := v.Last()
		assert.Equal(t, in.Market.Time, last.Timestamp)
		_, beyond := v.Bar(s + 1)
		assert.False(t, beyond)
		for _, b := range v.Bars() {
			assert.False(t, b.Timestamp.After(in.Market.Time))
		}
	}
}

func TestRiskManagerScaleEntry(t *testing.T) {
	rm := NewRiskManager(0)
	in := domain.SignalIntent{SizeHint: 9}

	q, err := rm.ScaleEntry(in, domain.RegimeState{Kind: domain.RegimeTrendOn, RiskMultiplier: dec("1")})
	require.NoError(t, err)
	assert.Equal(t, int64(9), q)

	q, err = rm.ScaleEntry(in, domain.RegimeState{Kind: domain.RegimeTrendCaution, RiskMultiplier: dec("0.5")})
	require.NoError(t, err)
	assert.Equal(t, int64(4), q)

	_, err = rm.ScaleEntry(domain.SignalIntent{SizeHint: 1}, domain.RegimeState{Kind: domain.RegimeTrendCaution, RiskMultiplier: dec("0.5")})
	assert.Error(t, err)

	_, err = rm.ScaleEntry(in, domain.RegimeState{Kind: domain.RegimeTrendOff})
	assert.Error(t, err)
}

// recording passes intents through and keeps them per session.
type recording struct {
	strategy.Strategy
	bySession map[int][]domain.SignalIntent
}

func (r *recording) GenerateIntents(ctx context.Context, in strategy.Input) ([]domain.SignalIntent, error) {
	out, err := r.Strategy.GenerateIntents(ctx, in)
	if r.bySession == nil {
		r.bySession = make(map[int][]domain.SignalIntent)
	}
	r.bySession[in.Market.Session] = append([]domain.SignalIntent(nil), out...)
	return out, err
}

func TestBreakoutIntentsIgnoreLaterBars(t *testing.T) {
	p := builtins.BreakoutParams{
		FastMA: 2, MidMA: 3, SlowMA: 4, SlopeLookback: 1,
		BreakoutLookback: 5, ATRPeriod: 3, StopATRMultiple: 1,
	}
	run := func(bars []domain.Bar) map[int][]domain.SignalIntent {
		inner, err := builtins.NewTrendBreakout(p)
		require.NoError(t, err)
		rec := &recording{Strategy: inner}
		_, err = newEngine(t, testConfig()).Run(context.Background(),
			Data{Bars: map[string][]domain.Bar{"TOY": bars}}, rec, nil, zeroCosts())
		require.NoError(t, err)
		return rec.bySession
	}

	base := toyBars()
	altered := toyBars()
	for i := 6; i < len(altered); i++ {
		altered[i].Open *= 10
		altered[i].High *= 10
		altered[i].Close *= 10
		altered[i].Low = 1
	}

	a, b := run(base), run(altered)
	require.NotEmpty(t, a[5], "the session-5 breakout must signal")
	for s := 0; s <= 5; s++ {
		assert.Equal(t, a[s], b[s], "session %d", s)
	}
}

func TestShortCoverNotBlockedBySpentProceeds(t *testing.T) {
	shrt := mkBars("SHRT", 0, [][4]float64{
		{100, 101, 99, 100},
		{100, 101, 99, 100},
		{100, 101, 99, 100},
		{120, 200, 120, 200},
		{200, 201, 199, 200},
	})
	long := flatBars("LONG", 5, 100)
	short := domain.SignalIntent{
		Symbol: "SHRT", Direction: domain.DirectionEnter, Side: domain.PositionSideShort,
		StopLevel: dec("150"), SizeHint: 90,
	}
	strat := &scripted{bySession: map[int][]domain.SignalIntent{
		0: {short},
		1: {enter("LONG", 180, "90")},
	}}

	res, err := newEngine(t, testConfig()).Run(context.Background(),
		Data{Bars: map[string][]domain.Bar{"SHRT": shrt, "LONG": long}}, strat, nil, zeroCosts())
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, "SHRT", tr.Symbol)
	assert.Equal(t, domain.ExitReasonHardStop, tr.ExitReason)
	assert.True(t, tr.Exit.Price.Equal(dec("150")), "cover %s", tr.Exit.Price)
	assert.Empty(t, res.Open)

	// Only the long entry is refused; it would have spent the short's proceeds.
	for _, d := range res.Diagnostics {
		if d.Kind == DiagFillRejected {
			assert.Equal(t, "LONG", d.Instrument)
		}
	}
	assert.Equal(t, 1, countKind(res, DiagFillRejected))
	assert.Zero(t, countKind(res, DiagLedgerViolated))
	final := res.Equity[len(res.Equity)-1]
	assert.True(t, final.Cash.Equal(dec("5500")), "cash %s", final.Cash)
}

func TestTradeStartWarmsUpWithoutTrading(t *testing.T) {
	bars := flatBars("AAA", 6, 50)
	strat := &scripted{bySession: map[int][]domain.SignalIntent{
		1: {enter("AAA", 10, "45")},
		3: {enter("AAA", 10, "45")},
	}}
	cfg := testConfig()
	cfg.TradeStart = day(3)

	res, err := newEngine(t, cfg).Run(context.Background(), Data{Bars: map[string][]domain.Bar{"AAA": bars}}, strat, nil, zeroCosts())
	require.NoError(t, err)

	require.Len(t, strat.seen, 3)
	first := strat.seen[0]
	assert.Equal(t, day(3), first.Market.Time)
	v, ok := first.Market.View("AAA")
	require.True(t, ok)
	assert.Equal(t, 4, v.Len(), "warm-up bars stay visible as history")

	assert.Equal(t, 3, res.Sessions)
	require.Len(t, res.Equity, 3)
	assert.Equal(t, day(3), res.Equity[0].Timestamp)
	assert.True(t, res.Equity[0].Equity.Equal(dec("10000")))
	assert.Len(t, res.Regimes, 3)

	require.Len(t, res.Open, 1)
	assert.Equal(t, day(4), res.Open[0].OpenedAt)
}
