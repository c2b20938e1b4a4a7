package pricing

import (
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

// IntrabarPath encodes the deterministic, side-aware ordering of sub-bar price
// points used to conservatively tie-break SL/TP within a single bar:
//
//	long:  open -> low -> high -> close
//	short: open -> high -> low -> close
//
// On both paths the stop-loss side comes before the take-profit side, the
// same precedence CheckTPSL applies when both are hit within one bar.
type IntrabarPath struct{}

// NewIntrabarPath constructs an IntrabarPath.
func NewIntrabarPath() *IntrabarPath { return &IntrabarPath{} }

// Points returns the four-point deterministic path for the given bar and side.
func (p *IntrabarPath) Points(bar types.Bar, side types.PositionSide) []decimal.Decimal {
	if side == types.SideLong {
		return []decimal.Decimal{bar.Open, bar.Low, bar.High, bar.Close}
	}
	return []decimal.Decimal{bar.Open, bar.High, bar.Low, bar.Close}
}

// GetExitPrice resolves the concrete exit price for a triggered fill reason.
func (p *IntrabarPath) GetExitPrice(bar types.Bar, side types.PositionSide, reason types.FillReason, takeProfit, stopLoss *decimal.Decimal) decimal.Decimal {
	switch reason {
	case types.FillReasonTakeProfit:
		if takeProfit != nil {
			return *takeProfit
		}
	case types.FillReasonStopLoss:
		if stopLoss != nil {
			return *stopLoss
		}
	}
	return bar.Close
}

// CheckTPSL applies the locked tie-break: for a long, SL fires if low <= sl,
// TP fires if high >= tp; for a short the inequalities invert. If both fire in
// the same bar, SL wins.
func CheckTPSL(bar types.Bar, side types.PositionSide, stopLoss, takeProfit *decimal.Decimal) (types.FillReason, bool) {
	slHit := false
	tpHit := false

	if side == types.SideLong {
		if stopLoss != nil && bar.Low.LessThanOrEqual(*stopLoss) {
			slHit = true
		}
		if takeProfit != nil && bar.High.GreaterThanOrEqual(*takeProfit) {
			tpHit = true
		}
	} else {
		if stopLoss != nil && bar.High.GreaterThanOrEqual(*stopLoss) {
			slHit = true
		}
		if takeProfit != nil && bar.Low.LessThanOrEqual(*takeProfit) {
			tpHit = true
		}
	}

	switch {
	case slHit:
		return types.FillReasonStopLoss, true
	case tpHit:
		return types.FillReasonTakeProfit, true
	default:
		return "", false
	}
}
