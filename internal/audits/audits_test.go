package audits

import (
	"testing"
	"time"

	"github.com/quantlayer/perpbt/internal/engine"
	"github.com/quantlayer/perpbt/internal/exchange"
	"github.com/quantlayer/perpbt/internal/rationalizer"
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func goodTrade() types.ExecTrade {
	return types.ExecTrade{
		TradeID:       "t",
		Symbol:        "BTCUSDT",
		Side:          types.SideLong,
		EntryTime:     time.UnixMilli(1000),
		EntryPrice:    dec("100"),
		EntrySize:     dec("10"),
		ExitTime:      time.UnixMilli(2000),
		ExitPrice:     dec("110"),
		RealizedPnL:   dec("100"),
		FeesPaid:      dec("2"),
		EntryBarIndex: 1,
		ExitBarIndex:  2,
	}
}

func rationalizedEmpty() rationalizer.RationalizedState {
	return rationalizer.RationalizedState{}
}

func TestRunAllPassesOnConsistentResult(t *testing.T) {
	res := engine.Result{
		Trades: []types.ExecTrade{goodTrade()},
		Equity: []engine.EquityPoint{{TsMs: 1, Equity: dec("1000")}, {TsMs: 2, Equity: dec("1098")}},
	}
	res.FinalLedger.CashBalance = dec("1098")

	for _, c := range RunAll(res, dec("1000")) {
		if !c.Passed {
			t.Fatalf("check %s failed: %s", c.Name, c.Details)
		}
	}
}

func TestTradeOrderingViolation(t *testing.T) {
	bad := goodTrade()
	bad.ExitBarIndex = 0
	res := engine.Result{Trades: []types.ExecTrade{bad}}
	res.FinalLedger.CashBalance = dec("1098")

	found := false
	for _, c := range RunAll(res, dec("1000")) {
		if c.Name == "trade_ordering" && !c.Passed {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected trade_ordering failure")
	}
}

func TestRealizedPnLLawViolation(t *testing.T) {
	bad := goodTrade()
	bad.RealizedPnL = dec("123")
	res := engine.Result{Trades: []types.ExecTrade{bad}}

	found := false
	for _, c := range RunAll(res, dec("1000")) {
		if c.Name == "realized_pnl_law" && !c.Passed {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected realized_pnl_law failure")
	}
}

func TestCashReconciliationViolation(t *testing.T) {
	res := engine.Result{Trades: []types.ExecTrade{goodTrade()}}
	res.FinalLedger.CashBalance = dec("5000") // does not match 1000 + 98

	found := false
	for _, c := range RunAll(res, dec("1000")) {
		if c.Name == "cash_reconciliation" && !c.Passed {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cash_reconciliation failure")
	}
}

func TestDeterminismCheck(t *testing.T) {
	a := engine.Result{Trades: []types.ExecTrade{goodTrade()}, Equity: []engine.EquityPoint{{TsMs: 1, Equity: dec("1000")}}}
	b := engine.Result{Trades: []types.ExecTrade{goodTrade()}, Equity: []engine.EquityPoint{{TsMs: 1, Equity: dec("1000")}}}
	if c := CheckDeterminism(a, b); !c.Passed {
		t.Fatalf("identical results must pass: %s", c.Details)
	}

	b.Trades[0].RealizedPnL = dec("999")
	if c := CheckDeterminism(a, b); c.Passed {
		t.Fatalf("diverged results must fail")
	}
}

func TestRecorderFlagsLedgerViolations(t *testing.T) {
	r := NewRecorder()
	bar := types.Bar{TsOpen: time.Unix(0, 0), TsClose: time.Unix(60, 0)}

	step := exchange.StepResult{}
	step.Ledger.CashBalance = dec("100")
	step.Ledger.UnrealizedPnL = dec("0")
	step.Ledger.Equity = dec("150") // violates equity = cash + unrealized
	step.Ledger.FreeMargin = dec("150")
	step.Ledger.AvailableBalance = dec("150")

	r.OnStep(0, bar, step, rationalizedEmpty())
	if c := r.LiveChecks(); c.Passed {
		t.Fatalf("expected ledger violation to be recorded")
	}
}

func TestRecorderCleanStep(t *testing.T) {
	r := NewRecorder()
	bar := types.Bar{TsOpen: time.Unix(0, 0), TsClose: time.Unix(60, 0)}

	step := exchange.StepResult{}
	step.Ledger.CashBalance = dec("100")
	step.Ledger.Equity = dec("100")
	step.Ledger.FreeMargin = dec("100")
	step.Ledger.AvailableBalance = dec("100")

	r.OnStep(0, bar, step, rationalizedEmpty())
	if c := r.LiveChecks(); !c.Passed {
		t.Fatalf("clean step flagged: %s", c.Details)
	}
}
