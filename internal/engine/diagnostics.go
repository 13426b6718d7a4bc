package engine

import (
	"time"

	"trendlab/internal/domain"
)

// DiagnosticKind classifies a non-fatal event absorbed during a run.
type DiagnosticKind string

const (
	DiagMissingBar     DiagnosticKind = "missing_bar"
	DiagIntentDropped  DiagnosticKind = "intent_dropped"
	DiagRegimeBlocked  DiagnosticKind = "regime_blocked"
	DiagFillRejected   DiagnosticKind = "fill_rejected"
	DiagStrategyError  DiagnosticKind = "strategy_error"
	DiagUnfilledOrder  DiagnosticKind = "unfilled_order"
	DiagDataGap        DiagnosticKind = "data_gap"
	DiagLedgerViolated DiagnosticKind = "ledger_invariant"
)

// Diagnostic is one entry of the per-run diagnostics log.
type Diagnostic struct {
	Time       time.Time
	Instrument string
	Kind       DiagnosticKind
	Detail     string
}

// Recorder observes a run as it progresses. Implementations must not
// influence the run; they exist for metrics.
type Recorder interface {
	SessionProcessed(point domain.EquityPoint)
	TradeClosed(rec domain.TradeRecord)
	Diagnosed(d Diagnostic)
}

type nopRecorder struct{}

func (nopRecorder) SessionProcessed(domain.EquityPoint) {}
func (nopRecorder) TradeClosed(domain.TradeRecord)      {}
func (nopRecorder) Diagnosed(Diagnostic)                {}
