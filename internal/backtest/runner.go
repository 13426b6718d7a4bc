// Package backtest turns a configured run into a report: it loads bars,
// builds the strategy and regime gate, runs the engine, computes metrics and
// persists the outcome.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"trendlab/internal/config"
	"trendlab/internal/domain"
	"trendlab/internal/engine"
	"trendlab/internal/metrics"
	"trendlab/internal/regime"
	"trendlab/internal/store"
	"trendlab/internal/strategy/builtins"
)

// loadConcurrency bounds parallel bar reads within one run.
const loadConcurrency = 16

// Report is the outcome of one run.
type Report struct {
	RunID   string
	Config  config.BacktestConfig
	Result  *engine.Result
	Summary metrics.Summary
	// Skipped lists universe instruments without data in the run's range.
	Skipped []string
	Elapsed time.Duration
	// Artifact paths, set when artifacts are enabled.
	TradesArtifact string
	EquityArtifact string
}

// Runner executes backtests against a bar store.
type Runner struct {
	bars        store.BarReader
	runs        store.RunRepository
	log         *slog.Logger
	rec         engine.Recorder
	artifactDir string
	now         func() time.Time
	newID       func() string
}

// Option customizes a Runner.
type Option func(*Runner)

// WithRunRepository persists every finished run.
func WithRunRepository(repo store.RunRepository) Option {
	return func(r *Runner) { r.runs = repo }
}

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithRecorder forwards engine events to rec.
func WithRecorder(rec engine.Recorder) Option {
	return func(r *Runner) { r.rec = rec }
}

// WithArtifactDir exports each run's trade log and equity curve as Parquet
// under dir.
func WithArtifactDir(dir string) Option {
	return func(r *Runner) { r.artifactDir = dir }
}

// NewRunner creates a Runner reading bars from bars.
func NewRunner(bars store.BarReader, opts ...Option) *Runner {
	r := &Runner{
		bars:  bars,
		log:   slog.Default(),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes one backtest. A canceled run still returns its truncated
// report, persisted, together with an error wrapping engine.ErrRunCanceled.
func (r *Runner) Run(ctx context.Context, bc config.BacktestConfig) (*Report, error) {
	if err := bc.Validate(); err != nil {
		return nil, err
	}
	started := r.now()
	log := r.log.With("component", "backtest", "run", bc.Name)

	data, gaps, err := r.load(ctx, bc)
	if err != nil {
		return nil, err
	}

	strat, err := builtins.Build(bc.Strategy, bc.Params)
	if err != nil {
		return nil, &engine.ConfigError{Field: "strategy", Reason: err.Error()}
	}
	var gate engine.RegimeGate
	if bc.Regime.Enabled {
		g, err := regime.New(bc.Regime)
		if err != nil {
			return nil, &engine.ConfigError{Field: "regime", Reason: err.Error()}
		}
		gate = g
	}

	opts := []engine.Option{engine.WithLogger(r.log)}
	if r.rec != nil {
		opts = append(opts, engine.WithRecorder(r.rec))
		for _, d := range gaps {
			r.rec.Diagnosed(d)
		}
	}
	eng, err := engine.New(bc.EngineConfig(), opts...)
	if err != nil {
		return nil, err
	}

	res, runErr := eng.Run(ctx, data, strat, gate, bc.CostModel())
	if runErr != nil && !errors.Is(runErr, engine.ErrRunCanceled) {
		return nil, fmt.Errorf("run %s: %w", bc.Name, runErr)
	}
	res.Diagnostics = append(gaps, res.Diagnostics...)

	rep := &Report{
		RunID:   r.newID(),
		Config:  bc,
		Result:  res,
		Summary: metrics.Compute(eng.Config().InitialCash, res.Trades, res.Equity, eng.Calendar().SessionsPerYear()),
		Elapsed: r.now().Sub(started),
	}
	for _, d := range gaps {
		rep.Skipped = append(rep.Skipped, d.Instrument)
	}

	// A canceled run is still saved.
	if err := r.persist(context.WithoutCancel(ctx), rep, started); err != nil {
		return rep, err
	}

	log.Info("run complete",
		"run_id", rep.RunID,
		"trades", rep.Summary.TotalTrades,
		"total_return", rep.Summary.TotalReturn,
		"max_drawdown", rep.Summary.MaxDrawdown,
		"skipped", len(rep.Skipped),
		"truncated", res.Truncated,
	)
	return rep, runErr
}

// load reads the universe and benchmark from the warm-up start. Instruments
// with a data gap are skipped and reported as diagnostics; a gap in every
// instrument, or in the benchmark of a gated run, is an error.
func (r *Runner) load(ctx context.Context, bc config.BacktestConfig) (engine.Data, []engine.Diagnostic, error) {
	start, _ := bc.StartTime()
	from, _ := bc.LoadStart()
	end, _ := bc.EndTime()
	tf := domain.Timeframe(bc.Timeframe)

	type result struct {
		bars []domain.Bar
		gap  *store.DataGapError
	}
	results := make([]result, len(bc.Universe))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)

	for i, sym := range bc.Universe {
		g.Go(func() error {
			bars, err := r.bars.ReadBars(gctx, sym, tf, from, end)
			var gap *store.DataGapError
			if errors.As(err, &gap) {
				results[i].gap = gap
				return nil
			}
			if err != nil {
				return fmt.Errorf("load %s: %w", sym, err)
			}
			results[i].bars = bars
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return engine.Data{}, nil, err
	}

	data := engine.Data{Bars: make(map[string][]domain.Bar, len(bc.Universe))}
	var gaps []engine.Diagnostic
	for i, sym := range bc.Universe {
		if gap := results[i].gap; gap != nil {
			gaps = append(gaps, engine.Diagnostic{
				Time: start, Instrument: sym, Kind: engine.DiagDataGap, Detail: gap.Error(),
			})
			r.log.Warn("skipping instrument", "symbol", sym, "error", gap)
			continue
		}
		data.Bars[sym] = results[i].bars
	}
	if len(data.Bars) == 0 {
		return engine.Data{}, nil, fmt.Errorf("run %s: no bars for any instrument in [%s, %s]", bc.Name, bc.Start, bc.End)
	}

	if bc.Regime.Enabled {
		bench, err := r.bars.ReadBars(ctx, bc.Benchmark, tf, from, end)
		if err != nil {
			return engine.Data{}, nil, fmt.Errorf("load benchmark %s: %w", bc.Benchmark, err)
		}
		data.Benchmark = bench
	}
	return data, gaps, nil
}

func (r *Runner) persist(ctx context.Context, rep *Report, started time.Time) error {
	if r.artifactDir != "" {
		tp, ep, err := store.ExportRun(r.artifactDir, rep.RunID, rep.Result.Trades, rep.Result.Equity)
		if err != nil {
			return fmt.Errorf("export run %s: %w", rep.RunID, err)
		}
		rep.TradesArtifact, rep.EquityArtifact = tp, ep
	}
	if r.runs == nil {
		return nil
	}

	cfgYAML, err := config.Marshal(rep.Config)
	if err != nil {
		return fmt.Errorf("encode run config: %w", err)
	}
	start, _ := rep.Config.StartTime()
	end, _ := rep.Config.EndTime()
	rec := &store.RunRecord{
		ID:          rep.RunID,
		Name:        rep.Config.Name,
		Strategy:    rep.Result.Strategy,
		Timeframe:   domain.Timeframe(rep.Config.Timeframe),
		Start:       start,
		End:         end,
		CreatedAt:   started,
		Truncated:   rep.Result.Truncated,
		Config:      string(cfgYAML),
		Summary:     rep.Summary,
		Trades:      rep.Result.Trades,
		Equity:      rep.Result.Equity,
		Diagnostics: make([]store.DiagnosticRecord, len(rep.Result.Diagnostics)),
	}
	for i, d := range rep.Result.Diagnostics {
		rec.Diagnostics[i] = store.DiagnosticRecord{Time: d.Time, Instrument: d.Instrument, Kind: string(d.Kind), Detail: d.Detail}
	}
	if err := r.runs.SaveRun(ctx, rec); err != nil {
		return fmt.Errorf("save run %s: %w", rep.RunID, err)
	}
	return nil
}

// RunBatch executes independent runs concurrently, at most parallel at a
// time (0 means one per config). Reports are returned in config order; a
// failed run leaves a nil entry and its error is joined into the returned
// error.
func (r *Runner) RunBatch(ctx context.Context, configs []config.BacktestConfig, parallel int) ([]*Report, error) {
	reports := make([]*Report, len(configs))
	errs := make([]error, len(configs))

	var g errgroup.Group
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, bc := range configs {
		g.Go(func() error {
			rep, err := r.Run(ctx, bc)
			reports[i] = rep
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", bc.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}
