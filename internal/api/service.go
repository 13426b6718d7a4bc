// Package api serves stored backtest results over gRPC.
package api

import (
	"context"
	"errors"
	"fmt"

	"trendlab/internal/backtest"
	"trendlab/internal/config"
	"trendlab/internal/store"
	"trendlab/pkg/trendlab"
)

// ErrRunnerDisabled is returned by RunRecipe when the service has no runner.
var ErrRunnerDisabled = errors.New("server does not run backtests")

// Service answers result queries from a run repository and, when a runner
// is attached, executes stored recipes on demand.
type Service struct {
	runs       store.RunRepository
	runner     *backtest.Runner
	recipesDir string
}

// NewService creates a Service. runner may be nil.
func NewService(runs store.RunRepository, runner *backtest.Runner, recipesDir string) *Service {
	return &Service{runs: runs, runner: runner, recipesDir: recipesDir}
}

// ListRuns returns run headers, newest first.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]trendlab.RunInfo, error) {
	recs, err := s.runs.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]trendlab.RunInfo, len(recs))
	for i := range recs {
		out[i] = runInfo(&recs[i])
	}
	return out, nil
}

// GetRun returns a run with its ledger.
func (s *Service) GetRun(ctx context.Context, id string) (*trendlab.Run, error) {
	rec, err := s.runs.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

// RunRecipe loads a recipe by name or path, runs it and returns the stored
// run's header.
func (s *Service) RunRecipe(ctx context.Context, recipe string) (*trendlab.RunInfo, error) {
	if s.runner == nil {
		return nil, ErrRunnerDisabled
	}
	bc, err := config.LoadRecipe(recipe, s.recipesDir)
	if err != nil {
		return nil, err
	}
	rep, err := s.runner.Run(ctx, *bc)
	if err != nil {
		return nil, err
	}
	rec, err := s.runs.GetRun(ctx, rep.RunID)
	if err != nil {
		return nil, fmt.Errorf("reading back run %s: %w", rep.RunID, err)
	}
	info := runInfo(rec)
	return &info, nil
}

func runInfo(r *store.RunRecord) trendlab.RunInfo {
	sm := r.Summary
	return trendlab.RunInfo{
		ID:        r.ID,
		Name:      r.Name,
		Strategy:  r.Strategy,
		Timeframe: string(r.Timeframe),
		Start:     r.Start,
		End:       r.End,
		CreatedAt: r.CreatedAt,
		Truncated: r.Truncated,
		Summary: trendlab.Summary{
			InitialEquity:        sm.InitialEquity,
			FinalEquity:          sm.FinalEquity,
			TotalReturn:          sm.TotalReturn,
			CAGR:                 sm.CAGR,
			MaxDrawdown:          sm.MaxDrawdown,
			SharpeRatio:          sm.SharpeRatio,
			TotalTrades:          sm.TotalTrades,
			Wins:                 sm.Wins,
			Losses:               sm.Losses,
			WinRate:              sm.WinRate,
			ProfitFactor:         sm.ProfitFactor,
			Expectancy:           sm.Expectancy,
			ExpectancyCurrency:   sm.ExpectancyCurrency,
			AvgWin:               sm.AvgWin,
			AvgLoss:              sm.AvgLoss,
			MaxConsecutiveLosses: sm.MaxConsecutiveLosses,
			AvgBarsHeld:          sm.AvgBarsHeld,
		},
	}
}

func fromRecord(r *store.RunRecord) *trendlab.Run {
	run := &trendlab.Run{
		RunInfo:     runInfo(r),
		Config:      r.Config,
		Trades:      make([]trendlab.Trade, len(r.Trades)),
		Equity:      make([]trendlab.EquityPoint, len(r.Equity)),
		Diagnostics: make([]trendlab.Diagnostic, len(r.Diagnostics)),
	}
	for i, t := range r.Trades {
		run.Trades[i] = trendlab.Trade{
			TradeID:         t.TradeID,
			Symbol:          t.Symbol,
			Side:            string(t.Side),
			Quantity:        t.Quantity,
			EntryTime:       t.Entry.ExecutionTime,
			EntryPrice:      t.Entry.Price.String(),
			EntryCommission: t.Entry.Commission.String(),
			ExitTime:        t.Exit.ExecutionTime,
			ExitPrice:       t.Exit.Price.String(),
			ExitCommission:  t.Exit.Commission.String(),
			GrossPnL:        t.GrossPnL.String(),
			NetPnL:          t.NetPnL.String(),
			RMultiple:       t.RMultiple,
			BarsHeld:        t.BarsHeld,
			ExitReason:      string(t.ExitReason),
		}
	}
	for i, p := range r.Equity {
		run.Equity[i] = trendlab.EquityPoint{
			Time:          p.Timestamp,
			Cash:          p.Cash.String(),
			Equity:        p.Equity.String(),
			OpenPositions: p.OpenPositions,
		}
	}
	for i, d := range r.Diagnostics {
		run.Diagnostics[i] = trendlab.Diagnostic(d)
	}
	return run
}
