package exchange

import (
	"testing"
	"time"

	"github.com/quantlayer/perpbt/internal/execution"
	"github.com/quantlayer/perpbt/internal/funding"
	"github.com/quantlayer/perpbt/internal/ledger"
	"github.com/quantlayer/perpbt/internal/pricing"
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() Config {
	return Config{
		Symbol: "BTCUSDT",
		Ledger: ledger.Config{
			InitialMarginRate:     dec("0.5"),
			MaintenanceMarginRate: dec("0.005"),
			TakerFeeRate:          dec("0.0006"),
			DebugCheckInvariants:  true,
		},
		Spread:         pricing.SpreadConfig{FixedBps: decimal.Zero},
		PriceModel:     pricing.Config{MarkSource: pricing.MarkClose},
		Execution:      execution.Config{Slippage: execution.SlippageConfig{FixedBps: decimal.Zero}, TakerFeeRate: dec("0.0006")},
		LiquidationFee: dec("0.005"),
	}
}

func newExchange(capital string) *SimulatedExchange {
	return New(testConfig(), dec(capital), funding.EmptyTable{})
}

func mkBar(idx int64, o, h, l, c string) types.Bar {
	open := time.Unix(idx*60, 0).UTC()
	return types.Bar{
		Symbol: "BTCUSDT", TF: "1m",
		TsOpen: open, TsClose: open.Add(time.Minute),
		Open: dec(o), High: dec(h), Low: dec(l), Close: dec(c), Volume: dec("100"),
	}
}

func submitLong(t *testing.T, e *SimulatedExchange, barIdx int64, notional, sl, tp string) {
	t.Helper()
	slP, tpP := dec(sl), dec(tp)
	_, err := e.SubmitOrder(&types.ExecOrder{
		Side:       types.SideLong,
		SizeUSDT:   dec(notional),
		OrderType:  types.ExecOrderMarket,
		StopLoss:   &slP,
		TakeProfit: &tpP,
	}, barIdx, time.Unix(barIdx*60, 0))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
}

// S1: entry fills at next bar's open; TP at 42000 exits with
// exit_price_source tp_level when only TP is struck.
func TestLongTakeProfit(t *testing.T) {
	e := newExchange("20000")
	submitLong(t, e, 0, "10000", "39000", "42000")

	// The submission bar itself must not fill the order.
	step0 := e.ProcessBar(0, mkBar(0, "40000", "40100", "39950", "40050"))
	if len(step0.Fills) != 0 {
		t.Fatalf("order filled on its own submission bar")
	}

	step1 := e.ProcessBar(1, mkBar(1, "40200", "42100", "39900", "41500"))
	if len(step1.Fills) != 2 {
		t.Fatalf("expected entry + tp fills, got %d", len(step1.Fills))
	}
	entry, exit := step1.Fills[0], step1.Fills[1]
	if entry.Reason != types.FillReasonEntry || !entry.Price.Equal(dec("40200")) {
		t.Fatalf("entry fill = %+v", entry)
	}
	if !entry.Timestamp.Equal(mkBar(1, "0", "0", "0", "0").TsOpen) {
		t.Fatalf("entry must fill at ts_open")
	}
	if exit.Reason != types.FillReasonTakeProfit || !exit.Price.Equal(dec("42000")) {
		t.Fatalf("exit fill = %+v", exit)
	}
	trade := step1.ClosedTrade
	if trade == nil || trade.ExitPriceSource != types.ExitPriceTPLevel {
		t.Fatalf("closed trade = %+v", trade)
	}
	wantRealized := dec("42000").Sub(dec("40200")).Mul(dec("10000").Div(dec("40200")))
	if !trade.RealizedPnL.Equal(wantRealized) {
		t.Fatalf("realized = %s, want %s", trade.RealizedPnL, wantRealized)
	}
	if trade.EntryBarIndex != 1 || trade.ExitBarIndex != 1 {
		t.Fatalf("bar indices = %d/%d", trade.EntryBarIndex, trade.ExitBarIndex)
	}
}

// S2: when both SL and TP are struck in one bar, SL wins.
func TestLongStopLossWinsTie(t *testing.T) {
	e := newExchange("20000")
	submitLong(t, e, 0, "10000", "39000", "42000")
	e.ProcessBar(0, mkBar(0, "40000", "40100", "39950", "40050"))

	step := e.ProcessBar(1, mkBar(1, "40200", "42100", "38500", "39000"))
	trade := step.ClosedTrade
	if trade == nil {
		t.Fatalf("expected a closed trade")
	}
	if trade.ExitReason != types.FillReasonStopLoss || trade.ExitPriceSource != types.ExitPriceSLLevel {
		t.Fatalf("exit = %s / %s, want sl / sl_level", trade.ExitReason, trade.ExitPriceSource)
	}
	if !trade.ExitPrice.Equal(dec("39000")) {
		t.Fatalf("exit price = %s, want 39000 (zero slippage)", trade.ExitPrice)
	}
	if trade.RealizedPnL.IsPositive() {
		t.Fatalf("stop-loss trade should lose, got %s", trade.RealizedPnL)
	}
}

// S3: short entry takes profit when price falls to TP.
func TestShortTakeProfit(t *testing.T) {
	e := newExchange("20000")
	sl, tp := dec("41000"), dec("38000")
	e.SubmitOrder(&types.ExecOrder{
		Side: types.SideShort, SizeUSDT: dec("10000"), OrderType: types.ExecOrderMarket,
		StopLoss: &sl, TakeProfit: &tp,
	}, 0, time.Unix(0, 0))
	e.ProcessBar(0, mkBar(0, "40000", "40100", "39950", "40000"))

	step := e.ProcessBar(1, mkBar(1, "39500", "39800", "37500", "37800"))
	trade := step.ClosedTrade
	if trade == nil || trade.ExitReason != types.FillReasonTakeProfit {
		t.Fatalf("expected short tp exit, got %+v", trade)
	}
	if !trade.ExitPrice.Equal(dec("38000")) {
		t.Fatalf("exit price = %s, want 38000", trade.ExitPrice)
	}
	if !trade.RealizedPnL.IsPositive() {
		t.Fatalf("short tp should profit, got %s", trade.RealizedPnL)
	}
}

// S4: the entry gate rejects when required margin exceeds available.
func TestEntryGateRejection(t *testing.T) {
	e := newExchange("5000")
	submitLong(t, e, 0, "10000", "39000", "42000")
	e.ProcessBar(0, mkBar(0, "40000", "40100", "39950", "40050"))

	step := e.ProcessBar(1, mkBar(1, "40000", "40100", "39950", "40050"))
	if len(step.Fills) != 0 {
		t.Fatalf("expected no fills")
	}
	if len(step.Rejections) != 1 || step.Rejections[0].Code != types.ErrInsufficientEntryGate {
		t.Fatalf("expected INSUFFICIENT_ENTRY_GATE, got %+v", step.Rejections)
	}
	if e.Position() != nil {
		t.Fatalf("no position must open on rejection")
	}
	// The bar completes normally: ledger untouched except MTM.
	if !step.Ledger.CashBalance.Equal(dec("5000")) {
		t.Fatalf("cash changed on rejection: %s", step.Ledger.CashBalance)
	}
}

// S5: a flat round trip charges exactly two taker fees.
func TestFeeSymmetry(t *testing.T) {
	e := newExchange("20000")
	slP, tpP := dec("30000"), dec("50000")
	e.SubmitOrder(&types.ExecOrder{
		Side: types.SideLong, SizeUSDT: dec("10000"), OrderType: types.ExecOrderMarket,
		StopLoss: &slP, TakeProfit: &tpP,
	}, 0, time.Unix(0, 0))
	e.ProcessBar(0, mkBar(0, "40000", "40100", "39950", "40000"))
	e.ProcessBar(1, mkBar(1, "40000", "40100", "39950", "40000"))

	e.RequestClose(types.FillReasonSignal)
	step := e.ProcessBar(2, mkBar(2, "40000", "40100", "39950", "40000"))
	trade := step.ClosedTrade
	if trade == nil {
		t.Fatalf("expected closed trade")
	}
	if !trade.RealizedPnL.IsZero() {
		t.Fatalf("flat round trip realized %s, want 0", trade.RealizedPnL)
	}
	if !trade.FeesPaid.Equal(dec("12")) {
		t.Fatalf("fees = %s, want 12", trade.FeesPaid)
	}
	if !step.Ledger.CashBalance.Equal(dec("19988")) {
		t.Fatalf("cash = %s, want 19988", step.Ledger.CashBalance)
	}
}

func TestFundingAppliedAgainstOpenPosition(t *testing.T) {
	cfg := testConfig()
	e := New(cfg, dec("20000"), funding.ConstantTable{Rate: dec("0.0001")})

	slP, tpP := dec("30000"), dec("50000")
	base := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	mk := func(idx int64, o, h, l, c string) types.Bar {
		open := base.Add(time.Duration(idx) * time.Hour)
		return types.Bar{
			Symbol: "BTCUSDT", TF: "1h",
			TsOpen: open, TsClose: open.Add(time.Hour),
			Open: dec(o), High: dec(h), Low: dec(l), Close: dec(c), Volume: dec("100"),
		}
	}

	e.SubmitOrder(&types.ExecOrder{
		Side: types.SideLong, SizeUSDT: dec("10000"), OrderType: types.ExecOrderMarket,
		StopLoss: &slP, TakeProfit: &tpP,
	}, 0, base)
	e.ProcessBar(0, mk(0, "40000", "40100", "39950", "40000")) // closes 08:00, no position yet
	e.ProcessBar(1, mk(1, "40000", "40100", "39950", "40000")) // entry fills 08:00 open, closes 09:00
	step := e.ProcessBar(2, mk(2, "40000", "40100", "39950", "40000"))
	if len(step.FundingEvents) != 0 {
		t.Fatalf("no settlement inside (09:00, 10:00], got %d", len(step.FundingEvents))
	}

	// Jump the next bar window across 16:00.
	far := types.Bar{
		Symbol: "BTCUSDT", TF: "1h",
		TsOpen:  base.Add(8 * time.Hour),
		TsClose: base.Add(10 * time.Hour),
		Open:    dec("40000"), High: dec("40100"), Low: dec("39950"), Close: dec("40000"), Volume: dec("100"),
	}
	step = e.ProcessBar(3, far)
	if len(step.FundingEvents) != 1 {
		t.Fatalf("expected one settlement at 16:00, got %d", len(step.FundingEvents))
	}
	if !step.FundingPnL.IsNegative() {
		t.Fatalf("long should pay positive rate, got %s", step.FundingPnL)
	}
}

func TestLiquidationAtMaintenanceMargin(t *testing.T) {
	e := newExchange("5100")
	// 10000 notional at 2x margin: IMR 0.5 needs 5000 + 6 fee, barely affordable.
	submitLong(t, e, 0, "10000", "15000", "90000")
	e.ProcessBar(0, mkBar(0, "40000", "40100", "39950", "40000"))
	e.ProcessBar(1, mkBar(1, "40000", "40100", "39950", "40000"))
	if e.Position() == nil {
		t.Fatalf("expected open position")
	}

	// Crash the mark far enough that equity <= maintenance margin without
	// touching the (deliberately deep) stop loss.
	step := e.ProcessBar(2, mkBar(2, "24000", "24100", "19000", "19600"))
	if step.LiquidationEvent == nil {
		t.Fatalf("expected liquidation event")
	}
	if e.Position() != nil {
		t.Fatalf("position must be closed after liquidation")
	}
	if step.ClosedTrade == nil || step.ClosedTrade.ExitReason != types.FillReasonLiquidation {
		t.Fatalf("expected liquidation trade, got %+v", step.ClosedTrade)
	}
	if step.LiquidationEvent.LiquidationFee.IsZero() {
		t.Fatalf("liquidation fee must be charged")
	}
}

func TestForceCloseEndOfData(t *testing.T) {
	e := newExchange("20000")
	submitLong(t, e, 0, "10000", "30000", "90000")
	e.ProcessBar(0, mkBar(0, "40000", "40100", "39950", "40000"))
	e.ProcessBar(1, mkBar(1, "40000", "40100", "39950", "40100"))

	trade := e.ForceClose(1, mkBar(1, "40000", "40100", "39950", "40100"), types.FillReasonEndOfData)
	if trade == nil || trade.ExitReason != types.FillReasonEndOfData {
		t.Fatalf("expected end_of_data close, got %+v", trade)
	}
	if !trade.ExitPrice.Equal(dec("40100")) {
		t.Fatalf("force close at %s, want bar close 40100", trade.ExitPrice)
	}
	if e.Position() != nil {
		t.Fatalf("position must be flat after force close")
	}
}

func TestStopMarketTriggerBecomesEntry(t *testing.T) {
	e := newExchange("20000")
	rises := types.TriggerRisesTo
	trigger := dec("40500")
	slP, tpP := dec("39000"), dec("60000")
	e.SubmitOrder(&types.ExecOrder{
		Side: types.SideLong, SizeUSDT: dec("10000"), OrderType: types.ExecOrderStopMarket,
		TriggerPrice: &trigger, TriggerDirection: &rises,
		StopLoss: &slP, TakeProfit: &tpP,
	}, 0, time.Unix(0, 0))

	// Bar 1 never reaches the trigger.
	step := e.ProcessBar(1, mkBar(1, "40000", "40400", "39900", "40300"))
	if len(step.Fills) != 0 {
		t.Fatalf("triggered early")
	}

	// Bar 2 trades through it: converted and filled the same bar.
	step = e.ProcessBar(2, mkBar(2, "40400", "40800", "40300", "40700"))
	if len(step.Fills) != 1 || step.Fills[0].Reason != types.FillReasonEntry {
		t.Fatalf("expected entry after trigger, got %+v", step.Fills)
	}
}

func TestMetricsAccumulate(t *testing.T) {
	e := newExchange("20000")
	submitLong(t, e, 0, "10000", "39000", "42000")
	e.ProcessBar(0, mkBar(0, "40000", "40100", "39950", "40050"))
	e.ProcessBar(1, mkBar(1, "40200", "42100", "39900", "41500"))

	m := e.ExchangeMetrics()
	if m.EntryFills != 1 || m.ExitFills != 1 {
		t.Fatalf("fill counters = %d/%d", m.EntryFills, m.ExitFills)
	}
	if !m.TotalFeesPaid.IsPositive() {
		t.Fatalf("fees must accumulate")
	}
}
