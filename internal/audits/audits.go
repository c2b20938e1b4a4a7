// Package audits implements the engine's property checks as an executable
// suite: per-bar invariants observed live through a Recorder hooked into the
// engine's step handler, plus post-run checks over the finished result.
// Every check returns a structured pass/fail with the reason it failed, so
// the suite doubles as a regression harness and a debugging aid.
package audits

import (
	"fmt"

	"github.com/quantlayer/perpbt/internal/artifacts"
	"github.com/quantlayer/perpbt/internal/engine"
	"github.com/quantlayer/perpbt/internal/exchange"
	"github.com/quantlayer/perpbt/internal/rationalizer"
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

// Check is one named property check outcome.
type Check struct {
	Name    string
	Passed  bool
	Details string
}

func pass(name string) Check { return Check{Name: name, Passed: true} }

func fail(name, format string, args ...any) Check {
	return Check{Name: name, Passed: false, Details: fmt.Sprintf(format, args...)}
}

var tolerance = decimal.RequireFromString("0.000001")

// Recorder observes every engine step and accumulates live-invariant
// violations: ledger identities per bar, transition well-formedness, and
// detector version monotonicity.
type Recorder struct {
	violations []string

	lastVersions map[string]int64
	barCount     int64
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{lastVersions: make(map[string]int64)}
}

// OnStep is wired into engine.Run as the step handler (or called from a
// wrapper that also streams progress).
func (r *Recorder) OnStep(barIdx int64, bar types.Bar, step exchange.StepResult, rationalized rationalizer.RationalizedState) {
	r.barCount++

	// Ledger identities hold after every bar.
	led := step.Ledger
	if led.Equity.Sub(led.CashBalance.Add(led.UnrealizedPnL)).Abs().GreaterThan(tolerance) {
		r.violations = append(r.violations, fmt.Sprintf("bar %d: equity %s != cash %s + unrealized %s", barIdx, led.Equity, led.CashBalance, led.UnrealizedPnL))
	}
	if led.FreeMargin.Sub(led.Equity.Sub(led.UsedMargin)).Abs().GreaterThan(tolerance) {
		r.violations = append(r.violations, fmt.Sprintf("bar %d: free %s != equity %s - used %s", barIdx, led.FreeMargin, led.Equity, led.UsedMargin))
	}
	wantAvail := decimal.Max(decimal.Zero, led.FreeMargin)
	if led.AvailableBalance.Sub(wantAvail).Abs().GreaterThan(tolerance) {
		r.violations = append(r.violations, fmt.Sprintf("bar %d: available %s != max(0, free) %s", barIdx, led.AvailableBalance, wantAvail))
	}

	// Transitions emitted this bar carry this bar's index and a real change.
	for _, t := range rationalized.Transitions {
		if t.BarIdx != barIdx {
			r.violations = append(r.violations, fmt.Sprintf("bar %d: transition %s stamped with bar %d", barIdx, t.Path(), t.BarIdx))
		}
		if t.OldValue != nil && t.OldValue.Equal(t.NewValue) {
			r.violations = append(r.violations, fmt.Sprintf("bar %d: transition %s has old == new (%s)", barIdx, t.Path(), t.NewValue.String()))
		}
	}

	// Detector versions never decrease. Versions surface through the
	// rationalized value map as <path ending in .version>.
	for path, v := range rationalized.Values {
		if len(path) < 8 || path[len(path)-8:] != ".version" {
			continue
		}
		if prev, seen := r.lastVersions[path]; seen && v.Int < prev {
			r.violations = append(r.violations, fmt.Sprintf("bar %d: %s went backwards: %d -> %d", barIdx, path, prev, v.Int))
		}
		r.lastVersions[path] = v.Int
	}

	// No regular fill lands after its bar's open.
	for _, f := range step.Fills {
		switch f.Reason {
		case types.FillReasonEndOfData, types.FillReasonForceClose:
			// Terminal closes settle at the final bar's close.
		default:
			if f.Timestamp.After(bar.TsOpen) {
				r.violations = append(r.violations, fmt.Sprintf("bar %d: fill %s at %s after ts_open %s", barIdx, f.Reason, f.Timestamp, bar.TsOpen))
			}
		}
	}
}

// LiveChecks folds the recorder's observations into a single check.
func (r *Recorder) LiveChecks() Check {
	if len(r.violations) == 0 {
		return pass("live_invariants")
	}
	max := len(r.violations)
	if max > 10 {
		max = 10
	}
	return fail("live_invariants", "%d violation(s) over %d bars; first %d: %v", len(r.violations), r.barCount, max, r.violations[:max])
}

// RunAll executes the post-run property suite over a finished result.
func RunAll(res engine.Result, initialCapital decimal.Decimal) []Check {
	return []Check{
		checkTradeOrdering(res),
		checkRealizedPnLLaw(res),
		checkCashReconciliation(res, initialCapital),
		checkEquityMonotoneTimestamps(res),
	}
}

// checkTradeOrdering: no trade exits before it entered.
func checkTradeOrdering(res engine.Result) Check {
	for _, t := range res.Trades {
		if t.ExitBarIndex < t.EntryBarIndex {
			return fail("trade_ordering", "trade %s exits at bar %d before entry bar %d", t.TradeID, t.ExitBarIndex, t.EntryBarIndex)
		}
		if t.ExitTime.Before(t.EntryTime) {
			return fail("trade_ordering", "trade %s exits at %s before entry %s", t.TradeID, t.ExitTime, t.EntryTime)
		}
	}
	return pass("trade_ordering")
}

// checkRealizedPnLLaw: realized = (exit - entry) * size for longs, inverted
// for shorts, and the sign matches the favorable-move direction.
func checkRealizedPnLLaw(res engine.Result) Check {
	for _, t := range res.Trades {
		var want decimal.Decimal
		if t.Side == types.SideLong {
			want = t.ExitPrice.Sub(t.EntryPrice).Mul(t.EntrySize)
		} else {
			want = t.EntryPrice.Sub(t.ExitPrice).Mul(t.EntrySize)
		}
		if t.RealizedPnL.Sub(want).Abs().GreaterThan(tolerance) {
			return fail("realized_pnl_law", "trade %s: realized %s != expected %s", t.TradeID, t.RealizedPnL, want)
		}
	}
	return pass("realized_pnl_law")
}

// checkCashReconciliation: sum(realized - fees) + cumulative funding equals
// the final cash delta within 1e-6.
func checkCashReconciliation(res engine.Result, initialCapital decimal.Decimal) Check {
	var sum decimal.Decimal
	for _, t := range res.Trades {
		sum = sum.Add(t.RealizedPnL).Sub(t.FeesPaid)
	}
	sum = sum.Add(res.Metrics.TotalFundingPnL)

	delta := res.FinalLedger.CashBalance.Sub(initialCapital)
	if sum.Sub(delta).Abs().GreaterThan(tolerance) {
		return fail("cash_reconciliation", "sum(realized - fees) + funding = %s but cash delta = %s", sum, delta)
	}
	return pass("cash_reconciliation")
}

// checkEquityMonotoneTimestamps: the equity curve is strictly ordered in
// time with no duplicate rows.
func checkEquityMonotoneTimestamps(res engine.Result) Check {
	for i := 1; i < len(res.Equity); i++ {
		if res.Equity[i].TsMs <= res.Equity[i-1].TsMs {
			return fail("equity_timestamps", "equity rows %d/%d out of order: %d then %d", i-1, i, res.Equity[i-1].TsMs, res.Equity[i].TsMs)
		}
	}
	return pass("equity_timestamps")
}

// CheckDeterminism compares two independent results of the same run input
// for hash equality of trades and equity.
func CheckDeterminism(a, b engine.Result) Check {
	ta, tb := artifacts.TradesHash(a.Trades), artifacts.TradesHash(b.Trades)
	if ta != tb {
		return fail("determinism", "trades hashes differ: %s vs %s", ta, tb)
	}
	ea, eb := artifacts.EquityHash(a.Equity), artifacts.EquityHash(b.Equity)
	if ea != eb {
		return fail("determinism", "equity hashes differ: %s vs %s", ea, eb)
	}
	return pass("determinism")
}
