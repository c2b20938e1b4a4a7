// Package liquidation implements the mark-triggered forced close when equity
// falls to or below the maintenance margin, and the bankruptcy-price estimator.
package liquidation

import (
	"time"

	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

// Result is the outcome of a liquidation check for one bar.
type Result struct {
	Liquidated bool
	Event      *types.LiquidationEvent
	Fill       *types.Fill
}

// Model checks liquidatability and produces the forced-close fill and event.
type Model struct {
	FeeRate decimal.Decimal
}

// New builds a liquidation Model with the given liquidation fee rate.
func New(feeRate decimal.Decimal) *Model {
	return &Model{FeeRate: feeRate}
}

// Check closes the position at mark price with a liquidation fee when
// liquidatable. The fill realizes at fillTs (the bar's ts_open, like every
// other intra-bar exit); the event is stamped at eventTs (ts_close, when the
// mark-based trigger is actually observable).
func (m *Model) Check(position *types.Position, markPrice, equity, maintenanceMargin decimal.Decimal, fillTs, eventTs time.Time) Result {
	if position == nil {
		return Result{}
	}
	if maintenanceMargin.LessThanOrEqual(decimal.Zero) || equity.GreaterThan(maintenanceMargin) {
		return Result{}
	}

	positionValue := position.Size.Mul(markPrice).Abs()
	fee := positionValue.Mul(m.FeeRate)
	bankruptcy := BankruptcyPrice(position, markPrice, equity)

	fill := &types.Fill{
		Symbol:    position.Symbol,
		Side:      position.Side,
		Price:     markPrice,
		Size:      position.Size,
		SizeUSDT:  position.SizeUSDT,
		Timestamp: fillTs,
		Reason:    types.FillReasonLiquidation,
		Fee:       fee,
	}

	event := &types.LiquidationEvent{
		Timestamp:             eventTs,
		Symbol:                position.Symbol,
		Side:                  position.Side,
		MarkPrice:             markPrice,
		BankruptcyPrice:       bankruptcy,
		EquityUSDT:            equity,
		MaintenanceMarginUSDT: maintenanceMargin,
		LiquidationFee:        fee,
	}

	return Result{Liquidated: true, Event: event, Fill: fill}
}

// BankruptcyPrice estimates the price at which equity reaches zero for the
// position, derived from equity = cash + unrealized: cash is backed out from
// the known equity and unrealized PnL at markPrice, then the zero-equity
// price is solved for directly.
//
//	long:  bankruptcy = entry - cash / size
//	short: bankruptcy = entry + cash / size
//
// clamped at zero.
func BankruptcyPrice(position *types.Position, markPrice, equity decimal.Decimal) decimal.Decimal {
	if position.Size.IsZero() {
		return decimal.Zero
	}
	unrealized := position.UnrealizedPnL(markPrice)
	cash := equity.Sub(unrealized)

	var bankruptcy decimal.Decimal
	if position.Side == types.SideLong {
		bankruptcy = position.EntryPrice.Sub(cash.Div(position.Size))
	} else {
		bankruptcy = position.EntryPrice.Add(cash.Div(position.Size))
	}
	if bankruptcy.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	return bankruptcy
}
