package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trendlab/internal/domain"
)

// RiskManager applies the pre-trade rules of one run: regime scaling and
// the concurrent-position cap at signal time, and stop sanity at fill time.
type RiskManager struct {
	maxPositions int
}

// NewRiskManager creates a RiskManager. maxPositions of 0 means unlimited.
func NewRiskManager(maxPositions int) *RiskManager {
	return &RiskManager{maxPositions: maxPositions}
}

// ScaleEntry returns the share count an entry may take under regime. A
// zero result means the entry is blocked.
func (rm *RiskManager) ScaleEntry(intent domain.SignalIntent, regime domain.RegimeState) (int64, error) {
	if !regime.AllowsEntries() {
		return 0, fmt.Errorf("regime %s blocks new entries", regime.Kind)
	}
	one := decimal.NewFromInt(1)
	if regime.RiskMultiplier.GreaterThanOrEqual(one) {
		return intent.SizeHint, nil
	}
	qty := decimal.NewFromInt(intent.SizeHint).Mul(regime.RiskMultiplier).Floor().IntPart()
	if qty <= 0 {
		return 0, fmt.Errorf("regime %s scales %d shares to zero", regime.Kind, intent.SizeHint)
	}
	return qty, nil
}

// CheckCapacity rejects an entry when open plus pending entries already
// fill the position cap.
func (rm *RiskManager) CheckCapacity(open, pending int) error {
	if rm.maxPositions > 0 && open+pending >= rm.maxPositions {
		return fmt.Errorf("max concurrent positions (%d) reached", rm.maxPositions)
	}
	return nil
}

// CheckIntent validates the static shape of an entry intent against the
// signal bar's close.
func (rm *RiskManager) CheckIntent(intent domain.SignalIntent, close float64) error {
	if intent.SizeHint <= 0 {
		return fmt.Errorf("non-positive size hint %d", intent.SizeHint)
	}
	if intent.Side != domain.PositionSideLong && intent.Side != domain.PositionSideShort {
		return fmt.Errorf("unknown position side %q", intent.Side)
	}
	if intent.StopLevel.IsZero() {
		return nil
	}
	c := decimal.NewFromFloat(close)
	if intent.StopLevel.IsNegative() {
		return fmt.Errorf("negative stop %s", intent.StopLevel)
	}
	if intent.Side == domain.PositionSideLong && intent.StopLevel.GreaterThanOrEqual(c) {
		return fmt.Errorf("long stop %s not below close %s", intent.StopLevel, c)
	}
	if intent.Side == domain.PositionSideShort && intent.StopLevel.LessThanOrEqual(c) {
		return fmt.Errorf("short stop %s not above close %s", intent.StopLevel, c)
	}
	return nil
}

// CheckFill rejects an entry whose fill price is already at or through its
// stop.
func (rm *RiskManager) CheckFill(side domain.PositionSide, price, stop decimal.Decimal) error {
	if !stop.IsPositive() {
		return nil
	}
	if side == domain.PositionSideLong && price.LessThanOrEqual(stop) {
		return fmt.Errorf("fill %s at or below stop %s", price.StringFixed(4), stop.StringFixed(4))
	}
	if side == domain.PositionSideShort && price.GreaterThanOrEqual(stop) {
		return fmt.Errorf("fill %s at or above stop %s", price.StringFixed(4), stop.StringFixed(4))
	}
	return nil
}
