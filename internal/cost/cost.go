// Package cost turns an intended fill into a realized fill price and
// commission.
package cost

import (
	"errors"

	"github.com/shopspring/decimal"

	"trendlab/internal/domain"
)

var bpsDivisor = decimal.NewFromInt(10_000)

// Model holds slippage and commission parameters. It has no hidden state:
// ResolveFill depends only on its arguments.
type Model struct {
	SlippageBps     decimal.Decimal // adverse price adjustment, basis points
	CommissionFixed decimal.Decimal // per fill
	CommissionBps   decimal.Decimal // basis points of notional
}

// Validate rejects negative parameters.
func (m Model) Validate() error {
	if m.SlippageBps.IsNegative() {
		return errors.New("slippage_bps must not be negative")
	}
	if m.CommissionFixed.IsNegative() {
		return errors.New("commission_fixed must not be negative")
	}
	if m.CommissionBps.IsNegative() {
		return errors.New("commission_bps must not be negative")
	}
	return nil
}

// ResolveFill applies slippage against the trader (buys fill higher, sells
// fill lower) and charges fixed + bps * notional commission.
func (m Model) ResolveFill(intended decimal.Decimal, quantity int64, side domain.Side) (fillPrice, commission decimal.Decimal) {
	adj := intended.Mul(m.SlippageBps).Div(bpsDivisor)
	if side == domain.SideBuy {
		fillPrice = intended.Add(adj)
	} else {
		fillPrice = intended.Sub(adj)
	}

	notional := fillPrice.Mul(decimal.NewFromInt(quantity))
	commission = m.CommissionFixed.Add(notional.Mul(m.CommissionBps).Div(bpsDivisor))
	return fillPrice, commission
}
