package store

import (
	"path/filepath"
	"time"

	"trendlab/internal/domain"
)

// TradeRow is the Parquet schema of an exported trade log. Money columns
// are float64 for downstream analysis; the run repository keeps exact
// values.
type TradeRow struct {
	TradeID         string  `parquet:"trade_id"`
	Symbol          string  `parquet:"symbol"`
	Side            string  `parquet:"side"`
	Quantity        int64   `parquet:"quantity"`
	EntrySignalTime int64   `parquet:"entry_signal_time,timestamp(millisecond)"`
	EntryTime       int64   `parquet:"entry_time,timestamp(millisecond)"`
	EntryPrice      float64 `parquet:"entry_price"`
	EntryCommission float64 `parquet:"entry_commission"`
	ExitSignalTime  int64   `parquet:"exit_signal_time,timestamp(millisecond)"`
	ExitTime        int64   `parquet:"exit_time,timestamp(millisecond)"`
	ExitPrice       float64 `parquet:"exit_price"`
	ExitCommission  float64 `parquet:"exit_commission"`
	GrossPnL        float64 `parquet:"gross_pnl"`
	NetPnL          float64 `parquet:"net_pnl"`
	InitialRisk     float64 `parquet:"initial_risk"`
	RMultiple       float64 `parquet:"r_multiple"`
	BarsHeld        int64   `parquet:"bars_held"`
	ExitReason      string  `parquet:"exit_reason"`
}

// EquityRow is the Parquet schema of an exported equity curve.
type EquityRow struct {
	Timestamp     int64   `parquet:"timestamp,timestamp(millisecond)"`
	Cash          float64 `parquet:"cash"`
	Equity        float64 `parquet:"equity"`
	OpenPositions int64   `parquet:"open_positions"`
}

// ExportRun writes a run's trade log and equity curve to
// <dir>/<runID>/trades.parquet and equity.parquet and returns both paths.
func ExportRun(dir, runID string, trades []domain.TradeRecord, equity []domain.EquityPoint) (string, string, error) {
	tradesPath := filepath.Join(dir, runID, "trades.parquet")
	equityPath := filepath.Join(dir, runID, "equity.parquet")

	rows := make([]TradeRow, len(trades))
	for i, t := range trades {
		rows[i] = TradeRow{
			TradeID:         t.TradeID,
			Symbol:          t.Symbol,
			Side:            string(t.Side),
			Quantity:        t.Quantity,
			EntrySignalTime: t.Entry.SignalTime.UnixMilli(),
			EntryTime:       t.Entry.ExecutionTime.UnixMilli(),
			EntryPrice:      t.Entry.Price.InexactFloat64(),
			EntryCommission: t.Entry.Commission.InexactFloat64(),
			ExitSignalTime:  t.Exit.SignalTime.UnixMilli(),
			ExitTime:        t.Exit.ExecutionTime.UnixMilli(),
			ExitPrice:       t.Exit.Price.InexactFloat64(),
			ExitCommission:  t.Exit.Commission.InexactFloat64(),
			GrossPnL:        t.GrossPnL.InexactFloat64(),
			NetPnL:          t.NetPnL.InexactFloat64(),
			InitialRisk:     t.InitialRisk.InexactFloat64(),
			RMultiple:       t.RMultiple,
			BarsHeld:        int64(t.BarsHeld),
			ExitReason:      string(t.ExitReason),
		}
	}
	if err := writeParquetFile(tradesPath, rows); err != nil {
		return "", "", err
	}

	points := make([]EquityRow, len(equity))
	for i, p := range equity {
		points[i] = EquityRow{
			Timestamp:     p.Timestamp.UnixMilli(),
			Cash:          p.Cash.InexactFloat64(),
			Equity:        p.Equity.InexactFloat64(),
			OpenPositions: int64(p.OpenPositions),
		}
	}
	if err := writeParquetFile(equityPath, points); err != nil {
		return "", "", err
	}
	return tradesPath, equityPath, nil
}

// ReadEquityArtifact loads an exported equity curve.
func ReadEquityArtifact(path string) ([]EquityRow, error) {
	return readParquetFile[EquityRow](path)
}

// ReadTradeArtifact loads an exported trade log.
func ReadTradeArtifact(path string) ([]TradeRow, error) {
	return readParquetFile[TradeRow](path)
}

func millis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
