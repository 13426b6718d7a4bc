package portfolio

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Ledger errors. Each is fatal to one fill only.
var (
	ErrPositionExists  = errors.New("position already open for instrument")
	ErrNoPosition      = errors.New("no open position for instrument")
	ErrMaxPositions    = errors.New("max concurrent positions reached")
	ErrRiskBudget      = errors.New("fill exceeds per-trade risk budget")
	ErrInvalidQuantity = errors.New("invalid fill quantity")
	ErrSideMismatch    = errors.New("fill side does not match position")
)

// InsufficientBuyingPowerError reports a fill whose cash requirement exceeds
// available cash.
type InsufficientBuyingPowerError struct {
	Symbol    string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBuyingPowerError) Error() string {
	return fmt.Sprintf("insufficient buying power for %s: required %s, available %s",
		e.Symbol, e.Required.StringFixed(2), e.Available.StringFixed(2))
}
