// Package metrics derives run-level performance statistics from a trade log
// and an equity curve.
package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"trendlab/internal/domain"
)

// Summary holds the summary metrics produced by a backtest run. Ratios are
// fractions (0.25 is 25%).
type Summary struct {
	InitialEquity float64
	FinalEquity   float64
	TotalReturn   float64
	CAGR          float64
	MaxDrawdown   float64
	SharpeRatio   float64

	TotalTrades          int
	Wins                 int
	Losses               int
	WinRate              float64
	ProfitFactor         float64 // 0 when there are no losing trades
	Expectancy           float64 // mean R multiple of trades with a defined risk
	ExpectancyCurrency   float64 // mean net P&L per trade
	AvgWin               float64
	AvgLoss              float64
	MaxConsecutiveLosses int
	AvgBarsHeld          float64
}

const daysPerYear = 365.25

// Compute derives a Summary. sessionsPerYear annualises the Sharpe ratio
// of per-session equity returns.
func Compute(initial decimal.Decimal, trades []domain.TradeRecord, equity []domain.EquityPoint, sessionsPerYear float64) Summary {
	s := Summary{InitialEquity: initial.InexactFloat64(), FinalEquity: initial.InexactFloat64()}
	if n := len(equity); n > 0 {
		s.FinalEquity = equity[n-1].Equity.InexactFloat64()
	}
	s.TotalReturn = TotalReturn(s.InitialEquity, s.FinalEquity)
	if len(equity) > 0 {
		s.CAGR = CAGR(s.InitialEquity, s.FinalEquity, equity[len(equity)-1].Timestamp.Sub(equity[0].Timestamp))
	}
	curve := values(equity)
	s.MaxDrawdown = MaxDrawdown(s.InitialEquity, curve)
	s.SharpeRatio = Sharpe(append([]float64{s.InitialEquity}, curve...), sessionsPerYear)

	sorted := sortTrades(trades)
	s.TotalTrades = len(sorted)
	var grossWin, grossLoss, sumPnL, sumR, sumBars float64
	var withRisk int
	for _, t := range sorted {
		pnl := t.NetPnL.InexactFloat64()
		sumPnL += pnl
		sumBars += float64(t.BarsHeld)
		if pnl > 0 {
			s.Wins++
			grossWin += pnl
		} else {
			s.Losses++
			grossLoss -= pnl
		}
		if t.InitialRisk.IsPositive() {
			withRisk++
			sumR += t.RMultiple
		}
	}
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TotalTrades)
		s.ExpectancyCurrency = sumPnL / float64(s.TotalTrades)
		s.AvgBarsHeld = sumBars / float64(s.TotalTrades)
	}
	if withRisk > 0 {
		s.Expectancy = sumR / float64(withRisk)
	}
	if s.Wins > 0 {
		s.AvgWin = grossWin / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = -grossLoss / float64(s.Losses)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	}
	s.MaxConsecutiveLosses = maxConsecutiveLosses(sorted)
	return s
}

// TotalReturn is final/initial - 1.
func TotalReturn(initial, final float64) float64 {
	if initial <= 0 {
		return 0
	}
	return final/initial - 1
}

// CAGR annualises the growth from initial to final over elapsed calendar
// time. It is 0 for an empty span or a wiped-out account.
func CAGR(initial, final float64, elapsed time.Duration) float64 {
	years := elapsed.Hours() / 24 / daysPerYear
	if initial <= 0 || final <= 0 || years <= 0 {
		return 0
	}
	return math.Pow(final/initial, 1/years) - 1
}

// MaxDrawdown is the largest peak-to-trough decline of the curve as a
// fraction of the peak. The peak starts at initial.
func MaxDrawdown(initial float64, curve []float64) float64 {
	peak := initial
	maxDD := 0.0
	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - v) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// Sharpe is the annualised mean over sample standard deviation of
// per-session returns, with a zero risk-free rate.
func Sharpe(curve []float64, sessionsPerYear float64) float64 {
	if len(curve) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		if curve[i-1] <= 0 {
			continue
		}
		rets = append(rets, curve[i]/curve[i-1]-1)
	}
	m := mean(rets)
	sd := stddev(rets, m)
	if sd == 0 {
		return 0
	}
	return m / sd * math.Sqrt(sessionsPerYear)
}

func values(equity []domain.EquityPoint) []float64 {
	out := make([]float64, len(equity))
	for i, p := range equity {
		out[i] = p.Equity.InexactFloat64()
	}
	return out
}

// sortTrades orders trades by exit time, then trade id.
func sortTrades(trades []domain.TradeRecord) []domain.TradeRecord {
	out := append([]domain.TradeRecord(nil), trades...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Exit.ExecutionTime, out[j].Exit.ExecutionTime
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].TradeID < out[j].TradeID
	})
	return out
}

func maxConsecutiveLosses(trades []domain.TradeRecord) int {
	streak, best := 0, 0
	for _, t := range trades {
		if t.NetPnL.IsPositive() {
			streak = 0
			continue
		}
		streak++
		if streak > best {
			best = streak
		}
	}
	return best
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range x {
		sum += v
	}
	return sum / float64(len(x))
}

// stddev is the sample standard deviation (n-1 denominator).
func stddev(x []float64, m float64) float64 {
	if len(x) < 2 {
		return 0
	}
	ss := 0.0
	for _, v := range x {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(x)-1))
}
