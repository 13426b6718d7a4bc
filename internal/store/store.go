// Package store defines storage interfaces for bar data and backtest runs,
// with Parquet, in-memory and SQLite implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trendlab/internal/domain"
	"trendlab/internal/metrics"
)

var (
	// ErrNotFound is returned when a requested run does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateKey is returned when a run id is saved twice. Runs are
	// append-only.
	ErrDuplicateKey = errors.New("store: duplicate run id")
)

// DataGapError reports that an instrument has no bars in the requested
// range. Callers skip the instrument rather than fail the run.
type DataGapError struct {
	Instrument string
	Timeframe  domain.Timeframe
	Start, End time.Time
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("no %s bars for %s in [%s, %s]", e.Timeframe, e.Instrument,
		e.Start.Format(time.DateOnly), e.End.Format(time.DateOnly))
}

// BarReader retrieves OHLCV bars.
type BarReader interface {
	// ReadBars returns the bars of symbol at timeframe tf within [start, end]
	// in ascending time order, or a *DataGapError if there are none.
	ReadBars(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available at timeframe tf.
	ListSymbols(ctx context.Context, tf domain.Timeframe) ([]string, error)
}

// BarWriter persists OHLCV bars.
type BarWriter interface {
	// WriteBars persists a batch of bars, merging with what is stored.
	WriteBars(ctx context.Context, bars []domain.Bar) error
}

// BarStore reads and writes bars.
type BarStore interface {
	BarReader
	BarWriter
}

// DiagnosticRecord is a persisted engine diagnostic.
type DiagnosticRecord struct {
	Time       time.Time
	Instrument string
	Kind       string
	Detail     string
}

// RunRecord is one persisted backtest run. ListRuns returns records with
// only the header fields and Summary populated.
type RunRecord struct {
	ID        string
	Name      string
	Strategy  string
	Timeframe domain.Timeframe
	Start     time.Time
	End       time.Time
	CreatedAt time.Time
	Truncated bool
	Config    string // the run's recipe as YAML
	Summary   metrics.Summary

	Trades      []domain.TradeRecord
	Equity      []domain.EquityPoint
	Diagnostics []DiagnosticRecord
}

// RunRepository persists backtest runs.
type RunRepository interface {
	// SaveRun inserts a run with its trades, equity and diagnostics.
	SaveRun(ctx context.Context, run *RunRecord) error

	// GetRun retrieves a full run by id.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns run headers, newest first, up to limit (0 = all).
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}
