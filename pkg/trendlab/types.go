package trendlab

import "time"

// Summary is the headline statistics of one run.
type Summary struct {
	InitialEquity        float64 `json:"initial_equity"`
	FinalEquity          float64 `json:"final_equity"`
	TotalReturn          float64 `json:"total_return"`
	CAGR                 float64 `json:"cagr"`
	MaxDrawdown          float64 `json:"max_drawdown"`
	SharpeRatio          float64 `json:"sharpe_ratio"`
	TotalTrades          int     `json:"total_trades"`
	Wins                 int     `json:"wins"`
	Losses               int     `json:"losses"`
	WinRate              float64 `json:"win_rate"`
	ProfitFactor         float64 `json:"profit_factor"`
	Expectancy           float64 `json:"expectancy"`
	ExpectancyCurrency   float64 `json:"expectancy_currency"`
	AvgWin               float64 `json:"avg_win"`
	AvgLoss              float64 `json:"avg_loss"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	AvgBarsHeld          float64 `json:"avg_bars_held"`
}

// RunInfo identifies a stored run.
type RunInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Strategy  string    `json:"strategy"`
	Timeframe string    `json:"timeframe"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	CreatedAt time.Time `json:"created_at"`
	Truncated bool      `json:"truncated"`
	Summary   Summary   `json:"summary"`
}

// Trade is one closed round trip. Money fields are decimal strings.
type Trade struct {
	TradeID         string    `json:"trade_id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	Quantity        int64     `json:"quantity"`
	EntryTime       time.Time `json:"entry_time"`
	EntryPrice      string    `json:"entry_price"`
	EntryCommission string    `json:"entry_commission"`
	ExitTime        time.Time `json:"exit_time"`
	ExitPrice       string    `json:"exit_price"`
	ExitCommission  string    `json:"exit_commission"`
	GrossPnL        string    `json:"gross_pnl"`
	NetPnL          string    `json:"net_pnl"`
	RMultiple       float64   `json:"r_multiple"`
	BarsHeld        int       `json:"bars_held"`
	ExitReason      string    `json:"exit_reason"`
}

// EquityPoint is one post-session portfolio snapshot.
type EquityPoint struct {
	Time          time.Time `json:"time"`
	Cash          string    `json:"cash"`
	Equity        string    `json:"equity"`
	OpenPositions int       `json:"open_positions"`
}

// Diagnostic is a non-fatal event recorded during a run.
type Diagnostic struct {
	Time       time.Time `json:"time"`
	Instrument string    `json:"instrument,omitempty"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail"`
}

// Run is a stored run with its full ledger.
type Run struct {
	RunInfo
	Config      string        `json:"config"`
	Trades      []Trade       `json:"trades"`
	Equity      []EquityPoint `json:"equity"`
	Diagnostics []Diagnostic  `json:"diagnostics"`
}
