// Package ledger maintains the Bybit-aligned isolated-USDT margin model:
// cash/unrealized/equity/used/free/available with invariant checking.
package ledger

import (
	"fmt"

	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

// Config parameterizes the ledger's margin and fee arithmetic.
type Config struct {
	InitialMarginRate    decimal.Decimal // IMR = 1/leverage
	MaintenanceMarginRate decimal.Decimal // MMR
	TakerFeeRate         decimal.Decimal
	DebugCheckInvariants bool
}

// State is the complete ledger snapshot at a point in time, all fields in USDT.
type State struct {
	CashBalance           decimal.Decimal
	UnrealizedPnL         decimal.Decimal
	Equity                decimal.Decimal
	UsedMargin            decimal.Decimal
	FreeMargin            decimal.Decimal
	AvailableBalance      decimal.Decimal
	MaintenanceMargin     decimal.Decimal
	TotalFeesPaid         decimal.Decimal
}

// Update is the result of a ledger mutation.
type Update struct {
	State       State
	RealizedPnL decimal.Decimal
	FeesPaid    decimal.Decimal
	FundingPaid decimal.Decimal
}

// Ledger tracks account balances and enforces the USDT accounting invariants:
//  1. equity == cash + unrealized
//  2. free == equity - used
//  3. available == max(0, free)
type Ledger struct {
	cfg Config

	cash              decimal.Decimal
	unrealized        decimal.Decimal
	used              decimal.Decimal
	maintenanceMargin decimal.Decimal
	totalFees         decimal.Decimal

	equity    decimal.Decimal
	free      decimal.Decimal
	available decimal.Decimal
}

// New creates a ledger seeded with the given starting capital.
func New(initialCapital decimal.Decimal, cfg Config) *Ledger {
	l := &Ledger{
		cfg:  cfg,
		cash: initialCapital,
	}
	l.recompute()
	return l
}

// State returns the current ledger snapshot.
func (l *Ledger) State() State {
	return State{
		CashBalance:       l.cash,
		UnrealizedPnL:     l.unrealized,
		Equity:            l.equity,
		UsedMargin:        l.used,
		FreeMargin:        l.free,
		AvailableBalance:  l.available,
		MaintenanceMargin: l.maintenanceMargin,
		TotalFeesPaid:     l.totalFees,
	}
}

// CheckInvariants returns a list of violated invariants, empty when all hold.
func (l *Ledger) CheckInvariants() []string {
	var errs []string
	const eps = "0.00000001"
	tol := decimal.RequireFromString(eps)

	if l.equity.Sub(l.cash.Add(l.unrealized)).Abs().GreaterThan(tol) {
		errs = append(errs, fmt.Sprintf("equity (%s) != cash (%s) + unrealized (%s)", l.equity, l.cash, l.unrealized))
	}
	if l.free.Sub(l.equity.Sub(l.used)).Abs().GreaterThan(tol) {
		errs = append(errs, fmt.Sprintf("free_margin (%s) != equity (%s) - used (%s)", l.free, l.equity, l.used))
	}
	wantAvailable := decimal.Max(decimal.Zero, l.free)
	if l.available.Sub(wantAvailable).Abs().GreaterThan(tol) {
		errs = append(errs, fmt.Sprintf("available (%s) != max(0, free_margin) (%s)", l.available, wantAvailable))
	}
	return errs
}

func (l *Ledger) recompute() {
	l.equity = l.cash.Add(l.unrealized)
	l.free = l.equity.Sub(l.used)
	l.available = decimal.Max(decimal.Zero, l.free)

	if l.cfg.DebugCheckInvariants {
		if errs := l.CheckInvariants(); len(errs) > 0 {
			panic(fmt.Sprintf("%s: ledger invariant violation: %v", types.ErrInvariantViolation, errs))
		}
	}
}

// UpdateForMarkPrice recomputes unrealized PnL and margins against the current mark price.
// Pass a nil position to clear all position-dependent state.
func (l *Ledger) UpdateForMarkPrice(position *types.Position, mark decimal.Decimal) Update {
	if position == nil {
		l.unrealized = decimal.Zero
		l.used = decimal.Zero
		l.maintenanceMargin = decimal.Zero
	} else {
		l.unrealized = position.UnrealizedPnL(mark)
		positionValue := position.Size.Mul(mark).Abs()
		l.used = positionValue.Mul(l.cfg.InitialMarginRate)
		l.maintenanceMargin = positionValue.Mul(l.cfg.MaintenanceMarginRate)
	}
	l.recompute()
	return Update{State: l.State()}
}

// ApplyEntryFee deducts an entry fee from cash.
func (l *Ledger) ApplyEntryFee(fee decimal.Decimal) {
	l.cash = l.cash.Sub(fee)
	l.totalFees = l.totalFees.Add(fee)
	l.recompute()
}

// ApplyExit realizes PnL on a full position close: adds realized-fee to cash and
// clears all position-dependent state.
func (l *Ledger) ApplyExit(realizedPnL, exitFee decimal.Decimal) Update {
	l.cash = l.cash.Add(realizedPnL).Sub(exitFee)
	l.totalFees = l.totalFees.Add(exitFee)
	l.unrealized = decimal.Zero
	l.used = decimal.Zero
	l.maintenanceMargin = decimal.Zero
	l.recompute()
	return Update{State: l.State(), RealizedPnL: realizedPnL, FeesPaid: exitFee}
}

// ApplyPartialExit realizes PnL on a partial close: cash moves like a full
// exit but margin state is left standing; the next mark-price update
// recomputes it from the surviving position.
func (l *Ledger) ApplyPartialExit(realizedPnL, exitFee decimal.Decimal) Update {
	l.cash = l.cash.Add(realizedPnL).Sub(exitFee)
	l.totalFees = l.totalFees.Add(exitFee)
	l.recompute()
	return Update{State: l.State(), RealizedPnL: realizedPnL, FeesPaid: exitFee}
}

// ApplyFunding applies a funding settlement; positive is received, negative is paid.
func (l *Ledger) ApplyFunding(fundingPnL decimal.Decimal) Update {
	l.cash = l.cash.Add(fundingPnL)
	l.recompute()
	return Update{State: l.State(), FundingPaid: fundingPnL}
}

// ApplyLiquidationFee deducts a liquidation fee from cash.
func (l *Ledger) ApplyLiquidationFee(fee decimal.Decimal) {
	l.cash = l.cash.Sub(fee)
	l.totalFees = l.totalFees.Add(fee)
	l.recompute()
}

// ComputeRequiredForEntry is the entry gate: position IM plus estimated open fee,
// plus estimated close fee when includeCloseFee is set.
func (l *Ledger) ComputeRequiredForEntry(notional decimal.Decimal, includeCloseFee bool) decimal.Decimal {
	positionIM := notional.Mul(l.cfg.InitialMarginRate)
	estOpenFee := notional.Mul(l.cfg.TakerFeeRate)
	required := positionIM.Add(estOpenFee)
	if includeCloseFee {
		required = required.Add(notional.Mul(l.cfg.TakerFeeRate))
	}
	return required
}

// CanAffordEntry reports whether available balance covers ComputeRequiredForEntry.
func (l *Ledger) CanAffordEntry(notional decimal.Decimal, includeCloseFee bool) bool {
	return l.available.GreaterThanOrEqual(l.ComputeRequiredForEntry(notional, includeCloseFee))
}

// IsLiquidatable reports whether equity has fallen to or below the maintenance margin,
// gated on an open position (maintenance margin > 0).
func (l *Ledger) IsLiquidatable() bool {
	if l.maintenanceMargin.LessThanOrEqual(decimal.Zero) {
		return false
	}
	return l.equity.LessThanOrEqual(l.maintenanceMargin)
}
