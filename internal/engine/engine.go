// Package engine replays bar history through a strategy, resolving fills
// through a cost model into a portfolio ledger, one session at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"trendlab/internal/cost"
	"trendlab/internal/domain"
	"trendlab/internal/exit"
	"trendlab/internal/indicator"
	"trendlab/internal/portfolio"
	"trendlab/internal/strategy"
	"trendlab/internal/util"
)

// RegimeGate classifies the market from the benchmark history up to and
// including the current session.
type RegimeGate interface {
	Classify(bars []domain.Bar) domain.RegimeState
}

// Data is the fully materialized input of one run.
type Data struct {
	Bars map[string][]domain.Bar
	// Benchmark feeds the regime gate. It does not need to share the
	// instruments' calendar.
	Benchmark []domain.Bar
}

// Result is the output of one run.
type Result struct {
	Strategy    string
	Trades      []domain.TradeRecord
	Equity      []domain.EquityPoint
	Regimes     []domain.RegimeState
	Diagnostics []Diagnostic
	// Open holds positions still open when the run ended.
	Open []portfolio.Position
	// Sessions is the number of tradable sessions processed.
	Sessions int
	// Truncated marks a partial result from a canceled run.
	Truncated bool
}

// Engine runs backtests. It holds no per-run state and may run several
// backtests concurrently.
type Engine struct {
	cfg  Config
	cal  *util.SessionCalendar
	log  *slog.Logger
	rec  Recorder
	ind  indicator.Provider
	risk *RiskManager
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithRecorder installs a run observer.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.rec = r }
}

// WithIndicatorProvider replaces the default indicator provider.
func WithIndicatorProvider(p indicator.Provider) Option {
	return func(e *Engine) { e.ind = p }
}

// New validates cfg and returns an Engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cal, err := util.NewSessionCalendar(cfg.Timeframe)
	if err != nil {
		return nil, &ConfigError{Field: "timeframe", Reason: err.Error()}
	}
	e := &Engine{
		cfg:  cfg,
		cal:  cal,
		log:  slog.Default(),
		rec:  nopRecorder{},
		ind:  indicator.Default{},
		risk: NewRiskManager(cfg.MaxPositions),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Calendar returns the session calendar of the configured timeframe.
func (e *Engine) Calendar() *util.SessionCalendar { return e.cal }

// order is a pending market order waiting for its fill session.
type order struct {
	symbol        string
	exit          bool
	side          domain.PositionSide
	qty           int64 // exits: 0 closes everything
	stop          decimal.Decimal
	budget        decimal.Decimal
	signalTime    time.Time
	signalSession int
	reason        domain.ExitReason
}

// run is the mutable state of one backtest.
type run struct {
	e        *Engine
	strat    strategy.Strategy
	gate     RegimeGate
	costs    cost.Model
	exits    exit.Set
	ledger   *portfolio.Ledger
	series   []*series
	bySym    map[string]*series
	bench    []domain.Bar
	benchEnd int
	sessions []time.Time
	warmup   int // sessions before TradeStart
	pending  []order
	res      *Result
	log      *slog.Logger
}

// Run replays data through strat. Configuration and alignment problems are
// returned before any session is processed. Cancellation is checked once
// per session; a canceled run returns its partial result, marked
// Truncated, together with ErrRunCanceled.
func (e *Engine) Run(ctx context.Context, data Data, strat strategy.Strategy, gate RegimeGate, costs cost.Model) (*Result, error) {
	if strat == nil {
		return nil, &ConfigError{Field: "strategy", Reason: "no strategy"}
	}
	if err := costs.Validate(); err != nil {
		return nil, &ConfigError{Field: "costs", Reason: err.Error()}
	}
	r, err := e.prepare(data, strat, gate, costs)
	if err != nil {
		return nil, err
	}

	r.log.Info("backtest started",
		"instruments", len(r.series),
		"sessions", len(r.sessions),
		"fill_rule", e.cfg.FillRule,
	)

	for s, ts := range r.sessions {
		if err := ctx.Err(); err != nil {
			return r.truncate(s, err)
		}
		if s < r.warmup {
			r.warm(ts)
			continue
		}
		if err := r.step(ctx, s, ts); err != nil {
			if ctx.Err() != nil {
				return r.truncate(s, ctx.Err())
			}
			return r.res, err
		}
		r.res.Sessions = s + 1 - r.warmup
	}
	r.finish()

	r.log.Info("backtest finished",
		"trades", len(r.res.Trades),
		"diagnostics", len(r.res.Diagnostics),
		"final_equity", r.finalEquity().StringFixed(2),
	)
	return r.res, nil
}

func (e *Engine) prepare(data Data, strat strategy.Strategy, gate RegimeGate, costs cost.Model) (*run, error) {
	r := &run{
		e:      e,
		strat:  strat,
		gate:   gate,
		costs:  costs,
		exits:  exit.NewSet(e.cfg.Exits),
		ledger: portfolio.NewLedger(e.cfg.InitialCash, portfolio.Limits{MaxPositions: e.cfg.MaxPositions}),
		bySym:  make(map[string]*series, len(data.Bars)),
		res:    &Result{Strategy: strat.Name()},
		log:    e.log.With("component", "engine", "strategy", strat.Name()),
	}

	symbols := make([]string, 0, len(data.Bars))
	for sym := range data.Bars {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	specs := strat.Indicators()
	atrSpec := indicator.Spec{Kind: indicator.KindATR, Period: e.cfg.Exits.ATRPeriod}
	if e.cfg.Exits.TrailingATRMultiple > 0 {
		specs = append(specs, atrSpec)
	}

	for _, sym := range symbols {
		bars := data.Bars[sym]
		if err := checkSeries(sym, bars, e.cal); err != nil {
			return nil, err
		}
		if len(bars) == 0 {
			r.diag(time.Time{}, sym, DiagDataGap, "no bars")
			continue
		}
		cols, err := e.ind.Compute(bars, specs)
		if err != nil {
			return nil, &ConfigError{Field: "indicators", Reason: fmt.Sprintf("%s: %v", sym, err)}
		}
		s := &series{symbol: sym, bars: bars, cols: cols, cur: -1, last: -1}
		if e.cfg.Exits.TrailingATRMultiple > 0 {
			s.atr = cols[atrSpec.Name()]
		}
		r.series = append(r.series, s)
		r.bySym[sym] = s
	}

	if err := checkSeries("benchmark", data.Benchmark, e.cal); err != nil {
		return nil, err
	}
	r.bench = data.Benchmark

	r.sessions = unionCalendar(r.series)
	if err := checkAlignment(r.series, r.sessions, e.cfg.AlignmentTolerance); err != nil {
		return nil, err
	}
	if !e.cfg.TradeStart.IsZero() {
		r.warmup = sort.Search(len(r.sessions), func(i int) bool {
			return !r.sessions[i].Before(e.cfg.TradeStart)
		})
	}
	return r, nil
}

// warm advances every series through a session before TradeStart.
func (r *run) warm(ts time.Time) {
	for _, sr := range r.series {
		sr.advance(ts)
	}
}

// step processes one session.
func (r *run) step(ctx context.Context, s int, ts time.Time) error {
	for _, sr := range r.series {
		sr.advance(ts)
		if sr.cur < 0 && sr.inSpan(ts) {
			r.diag(ts, sr.symbol, DiagMissingBar, "no bar for session; instrument skipped")
		}
	}

	regime := r.classify(ts)
	r.res.Regimes = append(r.res.Regimes, regime)

	r.fillPending(s, ts)
	r.evaluateExits(s, ts)

	if err := r.collectIntents(ctx, s, ts, regime); err != nil {
		return err
	}

	marks := r.marks()
	if err := r.ledger.CheckInvariant(marks); err != nil {
		r.diag(ts, "", DiagLedgerViolated, err.Error())
	}
	snap := r.ledger.MarkToMarket(marks)
	pt := domain.EquityPoint{Timestamp: ts, Cash: snap.Cash, Equity: snap.Equity, OpenPositions: snap.OpenPositions}
	r.res.Equity = append(r.res.Equity, pt)
	r.e.rec.SessionProcessed(pt)
	return nil
}

// classify runs the regime gate over the benchmark history up to ts. With
// no gate every session is trend_on.
func (r *run) classify(ts time.Time) domain.RegimeState {
	if r.gate == nil {
		return domain.RegimeState{Timestamp: ts, Kind: domain.RegimeTrendOn, RiskMultiplier: decimal.NewFromInt(1)}
	}
	for r.benchEnd < len(r.bench) && !r.bench[r.benchEnd].Timestamp.After(ts) {
		r.benchEnd++
	}
	st := r.gate.Classify(r.bench[:r.benchEnd:r.benchEnd])
	st.Timestamp = ts
	return st
}

// fillPending executes orders whose fill session is s. Exits go first so
// the cash they release is available to entries.
func (r *run) fillPending(s int, ts time.Time) {
	if len(r.pending) == 0 {
		return
	}
	sort.SliceStable(r.pending, func(i, j int) bool {
		if r.pending[i].exit != r.pending[j].exit {
			return r.pending[i].exit
		}
		return r.pending[i].symbol < r.pending[j].symbol
	})

	atClose := r.e.cfg.FillRule == FillNextClose
	var keep []order
	for _, o := range r.pending {
		sr := r.bySym[o.symbol]
		if sr.cur < 0 {
			if o.exit {
				keep = append(keep, o)
				continue
			}
			r.diag(ts, o.symbol, DiagIntentDropped, "no bar at the fill session; entry dropped")
			continue
		}
		bar := sr.bars[sr.cur]
		px := bar.Open
		if atClose {
			px = bar.Close
		}
		if o.exit {
			r.fillExit(o, s, bar.Timestamp, exit.Price(px), o.signalTime)
		} else {
			r.fillEntry(o, s, bar.Timestamp, exit.Price(px), atClose)
		}
	}
	r.pending = keep
}

func (r *run) fillEntry(o order, s int, at time.Time, intended decimal.Decimal, atClose bool) {
	side := o.side.EntrySide()
	price, _ := r.costs.ResolveFill(intended, o.qty, side)
	if err := r.e.risk.CheckFill(o.side, price, o.stop); err != nil {
		r.diag(at, o.symbol, DiagFillRejected, err.Error())
		return
	}
	qty := portfolio.RiskBoundedQuantity(o.qty, price, o.stop, o.budget)
	if qty <= 0 {
		r.diag(at, o.symbol, DiagFillRejected, "risk budget allows no shares at the fill price")
		return
	}
	price, comm := r.costs.ResolveFill(intended, qty, side)
	fill := domain.Fill{
		Symbol:        o.symbol,
		SignalTime:    o.signalTime,
		ExecutionTime: at,
		Side:          side,
		Quantity:      qty,
		IntendedPrice: intended,
		Price:         price,
		Commission:    comm,
	}
	_, err := r.ledger.Open(fill, portfolio.OpenRequest{
		Side:       o.side,
		StopLevel:  o.stop,
		RiskBudget: o.budget,
		Session:    s,
		AtClose:    atClose,
	})
	if err != nil {
		r.diag(at, o.symbol, DiagFillRejected, err.Error())
		return
	}
	r.log.Debug("entry filled", "symbol", o.symbol, "qty", qty, "price", price.StringFixed(4), "at", at)
}

func (r *run) fillExit(o order, s int, at time.Time, intended decimal.Decimal, signalTime time.Time) bool {
	pos, ok := r.ledger.Position(o.symbol)
	if !ok {
		return false
	}
	qty := o.qty
	if qty <= 0 || qty > pos.Quantity {
		qty = pos.Quantity
	}
	side := pos.Side.ExitSide()
	price, comm := r.costs.ResolveFill(intended, qty, side)
	fill := domain.Fill{
		Symbol:        o.symbol,
		SignalTime:    signalTime,
		ExecutionTime: at,
		Side:          side,
		Quantity:      qty,
		IntendedPrice: intended,
		Price:         price,
		Commission:    comm,
	}
	rec, err := r.ledger.Reduce(fill, o.reason, s)
	if err != nil {
		r.diag(at, o.symbol, DiagFillRejected, err.Error())
		return false
	}
	r.res.Trades = append(r.res.Trades, rec)
	r.e.rec.TradeClosed(rec)
	r.log.Debug("exit filled", "symbol", o.symbol, "reason", o.reason,
		"qty", qty, "price", price.StringFixed(4), "net_pnl", rec.NetPnL.StringFixed(2))
	return true
}

// evaluateExits ratchets trailing stops and runs the exit policies against
// every open position that has a bar at s. Stops fill inside the bar;
// other exits are queued for the fill rule.
func (r *run) evaluateExits(s int, ts time.Time) {
	var prevTS time.Time
	if s > 0 {
		prevTS = r.sessions[s-1]
	}
	for _, pos := range r.ledger.Positions() {
		sr := r.bySym[pos.Symbol]
		if sr.cur < 0 {
			continue
		}
		if pos.OpenedAtClose && pos.OpenedSession == s {
			continue
		}
		c := exit.Context{
			Bar:       sr.bars[sr.cur],
			PrevClose: sr.prevClose(),
			PrevATR:   sr.prevATR(),
			BarsHeld:  s - pos.OpenedSession,
		}
		if c.BarsHeld > 0 {
			if lvl, ok := r.exits.Trail(pos, c); ok {
				if _, err := r.ledger.AdjustStop(pos.Symbol, lvl); err != nil {
					r.diag(ts, pos.Symbol, DiagLedgerViolated, err.Error())
				}
				pos, _ = r.ledger.Position(pos.Symbol)
			}
		}

		dec, hit := r.exits.Evaluate(pos, c)
		if !hit {
			continue
		}
		if dec.OnBar {
			o := order{symbol: pos.Symbol, exit: true, reason: dec.Reason}
			if r.fillExit(o, s, ts, dec.Price, prevTS) {
				r.dropPending(pos.Symbol)
			}
			continue
		}
		if !r.hasPending(pos.Symbol, true) {
			r.pending = append(r.pending, order{
				symbol: pos.Symbol, exit: true, side: pos.Side,
				signalTime: ts, signalSession: s, reason: dec.Reason,
			})
		}
	}
}

// collectIntents asks the strategy for intents and queues the valid ones.
func (r *run) collectIntents(ctx context.Context, s int, ts time.Time, regime domain.RegimeState) error {
	views := make([]strategy.View, 0, len(r.series))
	for _, sr := range r.series {
		if sr.cur >= 0 {
			views = append(views, strategy.NewView(sr.symbol, sr.bars, sr.cols, sr.cur+1))
		}
	}
	snap := r.ledger.MarkToMarket(r.marks())
	in := strategy.Input{
		Market: strategy.NewMarket(ts, s, regime, views),
		Portfolio: strategy.Portfolio{
			Cash:      r.ledger.BuyingPower(),
			Equity:    snap.Equity,
			Positions: r.ledger.Positions(),
			Pending:   r.pendingEntries(),
		},
		RiskFraction: r.e.cfg.RiskFraction,
	}

	intents, err := r.strat.GenerateIntents(ctx, in)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}
		r.diag(ts, "", DiagStrategyError, err.Error())
		return nil
	}

	sort.SliceStable(intents, func(i, j int) bool { return intents[i].Symbol < intents[j].Symbol })
	for _, in := range intents {
		r.accept(in, s, ts, regime)
	}
	return nil
}

// accept validates one intent and queues it, or drops it with a diagnostic.
func (r *run) accept(in domain.SignalIntent, s int, ts time.Time, regime domain.RegimeState) {
	sr, ok := r.bySym[in.Symbol]
	if !ok || sr.cur < 0 {
		r.diag(ts, in.Symbol, DiagIntentDropped, "instrument has no bar at this session")
		return
	}
	if !in.SignalTime.Equal(ts) {
		r.diag(ts, in.Symbol, DiagIntentDropped, fmt.Sprintf("signal time %s is not the session close", in.SignalTime.Format(time.RFC3339)))
		return
	}

	if in.Direction == domain.DirectionExit {
		pos, held := r.ledger.Position(in.Symbol)
		switch {
		case !held:
			r.diag(ts, in.Symbol, DiagIntentDropped, "exit for an instrument without a position")
		case r.hasPending(in.Symbol, true):
			r.diag(ts, in.Symbol, DiagIntentDropped, "exit already pending")
		default:
			r.pending = append(r.pending, order{
				symbol: in.Symbol, exit: true, side: pos.Side, qty: in.SizeHint,
				signalTime: ts, signalSession: s, reason: domain.ExitReasonSignal,
			})
		}
		return
	}
	if in.Direction != domain.DirectionEnter {
		r.diag(ts, in.Symbol, DiagIntentDropped, fmt.Sprintf("unknown direction %q", in.Direction))
		return
	}

	if _, held := r.ledger.Position(in.Symbol); held || r.hasPending(in.Symbol, false) {
		r.diag(ts, in.Symbol, DiagIntentDropped, "position already open or pending")
		return
	}
	if err := r.e.risk.CheckIntent(in, sr.bars[sr.cur].Close); err != nil {
		r.diag(ts, in.Symbol, DiagIntentDropped, err.Error())
		return
	}
	qty, err := r.e.risk.ScaleEntry(in, regime)
	if err != nil {
		r.diag(ts, in.Symbol, DiagRegimeBlocked, err.Error())
		return
	}
	if err := r.e.risk.CheckCapacity(r.ledger.OpenCount(), len(r.pendingEntries())); err != nil {
		r.diag(ts, in.Symbol, DiagIntentDropped, err.Error())
		return
	}
	budget := in.RiskBudget
	if budget.IsPositive() && regime.RiskMultiplier.LessThan(decimal.NewFromInt(1)) {
		budget = budget.Mul(regime.RiskMultiplier)
	}
	r.pending = append(r.pending, order{
		symbol: in.Symbol, side: in.Side, qty: qty, stop: in.StopLevel, budget: budget,
		signalTime: ts, signalSession: s,
	})
}

// finish optionally liquidates at the last close and reports unfilled
// orders.
func (r *run) finish() {
	for _, o := range r.pending {
		kind := "entry"
		if o.exit {
			kind = "exit"
		}
		r.diag(o.signalTime, o.symbol, DiagUnfilledOrder, kind+" order unfilled at end of data")
	}
	r.pending = nil

	if r.e.cfg.CloseOpenAtEnd && r.ledger.OpenCount() > 0 {
		s := len(r.sessions) - 1
		for _, pos := range r.ledger.Positions() {
			sr := r.bySym[pos.Symbol]
			bar := sr.bars[sr.last]
			o := order{symbol: pos.Symbol, exit: true, reason: domain.ExitReasonEndOfData}
			r.fillExit(o, s, bar.Timestamp, exit.Price(bar.Close), bar.Timestamp)
		}
		if n := len(r.res.Equity); n > 0 {
			snap := r.ledger.MarkToMarket(r.marks())
			r.res.Equity[n-1].Cash = snap.Cash
			r.res.Equity[n-1].Equity = snap.Equity
			r.res.Equity[n-1].OpenPositions = snap.OpenPositions
		}
	}
	r.res.Open = r.ledger.Positions()
}

func (r *run) truncate(s int, cause error) (*Result, error) {
	r.res.Truncated = true
	r.res.Open = r.ledger.Positions()
	r.log.Warn("backtest canceled", "session", s, "of", len(r.sessions))
	return r.res, fmt.Errorf("%w after %d of %d sessions: %w", ErrRunCanceled, s, len(r.sessions), cause)
}

// marks values every open position at its latest close.
func (r *run) marks() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, r.ledger.OpenCount())
	for _, pos := range r.ledger.Positions() {
		sr := r.bySym[pos.Symbol]
		if sr.last >= 0 {
			out[pos.Symbol] = exit.Price(sr.bars[sr.last].Close)
		}
	}
	return out
}

func (r *run) finalEquity() decimal.Decimal {
	if n := len(r.res.Equity); n > 0 {
		return r.res.Equity[n-1].Equity
	}
	return r.e.cfg.InitialCash
}

func (r *run) hasPending(symbol string, exitOrder bool) bool {
	for _, o := range r.pending {
		if o.symbol == symbol && o.exit == exitOrder {
			return true
		}
	}
	return false
}

func (r *run) dropPending(symbol string) {
	keep := r.pending[:0]
	for _, o := range r.pending {
		if o.symbol != symbol {
			keep = append(keep, o)
		}
	}
	r.pending = keep
}

func (r *run) pendingEntries() []string {
	var out []string
	for _, o := range r.pending {
		if !o.exit {
			out = append(out, o.symbol)
		}
	}
	return out
}

func (r *run) diag(ts time.Time, symbol string, kind DiagnosticKind, detail string) {
	d := Diagnostic{Time: ts, Instrument: symbol, Kind: kind, Detail: detail}
	r.res.Diagnostics = append(r.res.Diagnostics, d)
	r.e.rec.Diagnosed(d)
	lvl := slog.LevelDebug
	if kind == DiagFillRejected || kind == DiagStrategyError || kind == DiagLedgerViolated {
		lvl = slog.LevelWarn
	}
	r.log.Log(context.Background(), lvl, "diagnostic",
		"kind", kind, "symbol", symbol, "time", ts, "detail", detail)
}
