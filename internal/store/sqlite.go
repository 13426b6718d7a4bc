package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trendlab/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ RunRepository = (*SQLiteStore)(nil)

// SQLiteStore implements RunRepository backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies
// the schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// One writer at a time; batch runs save concurrently.
	db.SetMaxOpenConns(1)
	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun inserts a run and its children in one transaction. It returns
// ErrDuplicateKey if the id exists.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, run.ID).Scan(&one)
	if err == nil {
		return ErrDuplicateKey
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check run %s: %w", run.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, name, strategy, timeframe, start_ms, end_ms, created_ms, truncated, config, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.Strategy, string(run.Timeframe),
		run.Start.UnixMilli(), run.End.UnixMilli(), run.CreatedAt.UnixMilli(),
		run.Truncated, run.Config, string(summary))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	tradeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trades (
			run_id, seq, trade_id, symbol, side, quantity,
			entry_signal_ms, entry_exec_ms, entry_side, entry_quantity, entry_intended, entry_price, entry_commission,
			exit_signal_ms, exit_exec_ms, exit_side, exit_quantity, exit_intended, exit_price, exit_commission,
			gross_pnl, net_pnl, initial_risk, r_multiple, bars_held, duration_ns, exit_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare trades: %w", err)
	}
	defer tradeStmt.Close()
	for i, t := range run.Trades {
		_, err := tradeStmt.ExecContext(ctx,
			run.ID, i, t.TradeID, t.Symbol, string(t.Side), t.Quantity,
			t.Entry.SignalTime.UnixMilli(), t.Entry.ExecutionTime.UnixMilli(), string(t.Entry.Side), t.Entry.Quantity,
			t.Entry.IntendedPrice.String(), t.Entry.Price.String(), t.Entry.Commission.String(),
			t.Exit.SignalTime.UnixMilli(), t.Exit.ExecutionTime.UnixMilli(), string(t.Exit.Side), t.Exit.Quantity,
			t.Exit.IntendedPrice.String(), t.Exit.Price.String(), t.Exit.Commission.String(),
			t.GrossPnL.String(), t.NetPnL.String(), t.InitialRisk.String(), t.RMultiple,
			t.BarsHeld, int64(t.Duration), string(t.ExitReason))
		if err != nil {
			return fmt.Errorf("insert trade %s: %w", t.TradeID, err)
		}
	}

	eqStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO equity (run_id, seq, ts_ms, cash, equity, open_positions) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare equity: %w", err)
	}
	defer eqStmt.Close()
	for i, p := range run.Equity {
		if _, err := eqStmt.ExecContext(ctx, run.ID, i, p.Timestamp.UnixMilli(),
			p.Cash.String(), p.Equity.String(), p.OpenPositions); err != nil {
			return fmt.Errorf("insert equity point %d: %w", i, err)
		}
	}

	diagStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO diagnostics (run_id, seq, ts_ms, instrument, kind, detail) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare diagnostics: %w", err)
	}
	defer diagStmt.Close()
	for i, d := range run.Diagnostics {
		if _, err := diagStmt.ExecContext(ctx, run.ID, i, d.Time.UnixMilli(), d.Instrument, d.Kind, d.Detail); err != nil {
			return fmt.Errorf("insert diagnostic %d: %w", i, err)
		}
	}

	return tx.Commit()
}

const runColumns = `id, name, strategy, timeframe, start_ms, end_ms, created_ms, truncated, config, summary`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		r                         RunRecord
		tf, summary               string
		startMs, endMs, createdMs int64
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Strategy, &tf, &startMs, &endMs, &createdMs,
		&r.Truncated, &r.Config, &summary); err != nil {
		return nil, err
	}
	r.Timeframe = domain.Timeframe(tf)
	r.Start, r.End, r.CreatedAt = millis(startMs), millis(endMs), millis(createdMs)
	if err := json.Unmarshal([]byte(summary), &r.Summary); err != nil {
		return nil, fmt.Errorf("decode summary of run %s: %w", r.ID, err)
	}
	return &r, nil
}

// GetRun retrieves a full run by id, or ErrNotFound.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	if run.Trades, err = s.trades(ctx, id); err != nil {
		return nil, err
	}
	if run.Equity, err = s.equity(ctx, id); err != nil {
		return nil, err
	}
	if run.Diagnostics, err = s.diagnostics(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns run headers, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	q := `SELECT ` + runColumns + ` FROM runs ORDER BY created_ms DESC, id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) trades(ctx context.Context, runID string) ([]domain.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, symbol, side, quantity,
			entry_signal_ms, entry_exec_ms, entry_side, entry_quantity, entry_intended, entry_price, entry_commission,
			exit_signal_ms, exit_exec_ms, exit_side, exit_quantity, exit_intended, exit_price, exit_commission,
			gross_pnl, net_pnl, initial_risk, r_multiple, bars_held, duration_ns, exit_reason
		FROM trades WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeRecord
	for rows.Next() {
		var (
			t                                 domain.TradeRecord
			side, entrySide, exitSide, reason string
			enSig, enExec, exSig, exExec, dur int64
			money                             [9]string
		)
		if err := rows.Scan(&t.TradeID, &t.Symbol, &side, &t.Quantity,
			&enSig, &enExec, &entrySide, &t.Entry.Quantity, &money[0], &money[1], &money[2],
			&exSig, &exExec, &exitSide, &t.Exit.Quantity, &money[3], &money[4], &money[5],
			&money[6], &money[7], &money[8], &t.RMultiple, &t.BarsHeld, &dur, &reason); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		dec, err := parseDecimals(money[:])
		if err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.TradeID, err)
		}
		t.Side = domain.PositionSide(side)
		t.ExitReason = domain.ExitReason(reason)
		t.Duration = time.Duration(dur)
		t.Entry.Symbol, t.Exit.Symbol = t.Symbol, t.Symbol
		t.Entry.Side, t.Exit.Side = domain.Side(entrySide), domain.Side(exitSide)
		t.Entry.SignalTime, t.Entry.ExecutionTime = millis(enSig), millis(enExec)
		t.Exit.SignalTime, t.Exit.ExecutionTime = millis(exSig), millis(exExec)
		t.Entry.IntendedPrice, t.Entry.Price, t.Entry.Commission = dec[0], dec[1], dec[2]
		t.Exit.IntendedPrice, t.Exit.Price, t.Exit.Commission = dec[3], dec[4], dec[5]
		t.GrossPnL, t.NetPnL, t.InitialRisk = dec[6], dec[7], dec[8]
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) equity(ctx context.Context, runID string) ([]domain.EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts_ms, cash, equity, open_positions FROM equity WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query equity: %w", err)
	}
	defer rows.Close()

	var out []domain.EquityPoint
	for rows.Next() {
		var (
			p        domain.EquityPoint
			ts       int64
			cash, eq string
		)
		if err := rows.Scan(&ts, &cash, &eq, &p.OpenPositions); err != nil {
			return nil, fmt.Errorf("scan equity: %w", err)
		}
		dec, err := parseDecimals([]string{cash, eq})
		if err != nil {
			return nil, err
		}
		p.Timestamp, p.Cash, p.Equity = millis(ts), dec[0], dec[1]
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) diagnostics(ctx context.Context, runID string) ([]DiagnosticRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts_ms, instrument, kind, detail FROM diagnostics WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query diagnostics: %w", err)
	}
	defer rows.Close()

	var out []DiagnosticRecord
	for rows.Next() {
		var (
			d  DiagnosticRecord
			ts int64
		)
		if err := rows.Scan(&ts, &d.Instrument, &d.Kind, &d.Detail); err != nil {
			return nil, fmt.Errorf("scan diagnostic: %w", err)
		}
		d.Time = millis(ts)
		out = append(out, d)
	}
	return out, rows.Err()
}

func parseDecimals(in []string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(in))
	for i, s := range in {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("parse decimal %q: %w", s, err)
		}
		out[i] = d
	}
	return out, nil
}
