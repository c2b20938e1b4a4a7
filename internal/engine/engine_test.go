package engine

import (
	"context"
	"testing"
	"time"

	"github.com/quantlayer/perpbt/internal/detectors"
	"github.com/quantlayer/perpbt/internal/exchange"
	"github.com/quantlayer/perpbt/internal/execution"
	"github.com/quantlayer/perpbt/internal/funding"
	"github.com/quantlayer/perpbt/internal/ledger"
	"github.com/quantlayer/perpbt/internal/pricing"
	"github.com/quantlayer/perpbt/internal/rationalizer"
	"github.com/quantlayer/perpbt/internal/structure"
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestExchange(capital string) *exchange.SimulatedExchange {
	return exchange.New(exchange.Config{
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
	}, dec(capital), funding.EmptyTable{})
}

func newTestState(t *testing.T) *structure.MultiTFIncrementalState {
	t.Helper()
	exec, err := structure.NewTFIncrementalState("1m", detectors.DefaultRegistry(), []structure.StructureSpec{
		{Key: "swing", Type: "swing", Params: map[string]any{"left": 1, "right": 1}},
	})
	if err != nil {
		t.Fatalf("build state: %v", err)
	}
	return structure.NewMultiTFIncrementalState(exec, nil)
}

func mkBars(n int, prices ...string) []types.Bar {
	bars := make([]types.Bar, n)
	for i := 0; i < n; i++ {
		p := dec(prices[i%len(prices)])
		open := time.Unix(int64(i)*60, 0).UTC()
		bars[i] = types.Bar{
			Symbol: "BTCUSDT", TF: "1m",
			TsOpen: open, TsClose: open.Add(time.Minute),
			Open: p, High: p.Add(dec("10")), Low: p.Sub(dec("10")), Close: p, Volume: dec("100"),
		}
	}
	return bars
}

// openOnceEvaluator enters a long on the first admissible bar and then
// holds.
type openOnceEvaluator struct {
	opened bool
	sl, tp string
}

func (ev *openOnceEvaluator) Evaluate(snap Snapshot) (Decision, error) {
	if ev.opened || snap.Position != nil {
		return Decision{}, nil
	}
	ev.opened = true
	sl, tp := dec(ev.sl), dec(ev.tp)
	return Decision{Open: []*types.ExecOrder{{
		Side:       types.SideLong,
		SizeUSDT:   dec("10000"),
		OrderType:  types.ExecOrderMarket,
		StopLoss:   &sl,
		TakeProfit: &tp,
	}}}, nil
}

func newEngineForTest(t *testing.T, cfg Config, exch *exchange.SimulatedExchange, ev Evaluator) *Engine {
	t.Helper()
	state := newTestState(t)
	rational := rationalizer.New(state, rationalizer.DefaultConfig())
	return New(cfg, nil, exch, state, rational, ev, FeatureSet{}, nil)
}

func TestRunEndOfDataForceClosesOpenPosition(t *testing.T) {
	exch := newTestExchange("20000")
	eng := newEngineForTest(t, Config{Symbol: "BTCUSDT"}, exch, &openOnceEvaluator{sl: "30000", tp: "90000"})

	bars := mkBars(5, "40000")
	res := eng.Run(context.Background(), bars, nil)

	if res.StopReason != types.StopEndOfData {
		t.Fatalf("stop reason = %s, want end_of_data", res.StopReason)
	}
	if !res.Success {
		t.Fatalf("expected success: %+v", res)
	}
	if res.BarsProcessed != 5 {
		t.Fatalf("bars processed = %d, want 5", res.BarsProcessed)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected the open position force-closed into 1 trade, got %d", len(res.Trades))
	}
	if res.Trades[0].ExitReason != types.FillReasonEndOfData {
		t.Fatalf("exit reason = %s, want end_of_data", res.Trades[0].ExitReason)
	}
	if len(res.Equity) != 5 {
		t.Fatalf("equity rows = %d, want 5 (none after the final close)", len(res.Equity))
	}
}

func TestRunTakeProfitTrade(t *testing.T) {
	exch := newTestExchange("20000")
	eng := newEngineForTest(t, Config{Symbol: "BTCUSDT"}, exch, &openOnceEvaluator{sl: "39000", tp: "40005"})

	// Decision at bar 0 close (40000); entry at bar 1 open; bar 1 high
	// 40010 >= tp 40005 exits the same bar.
	bars := mkBars(4, "40000")
	res := eng.Run(context.Background(), bars, nil)

	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	trade := res.Trades[0]
	if trade.ExitReason != types.FillReasonTakeProfit {
		t.Fatalf("exit reason = %s, want tp", trade.ExitReason)
	}
	if trade.EntryBarIndex != 1 || trade.ExitBarIndex != 1 {
		t.Fatalf("entry/exit bars = %d/%d, want 1/1", trade.EntryBarIndex, trade.ExitBarIndex)
	}
}

func TestWarmupDelaysEvaluation(t *testing.T) {
	exch := newTestExchange("20000")
	ev := &openOnceEvaluator{sl: "30000", tp: "90000"}
	eng := newEngineForTest(t, Config{Symbol: "BTCUSDT", DelayBars: 1, WarmupBars: 2}, exch, ev)

	bars := mkBars(6, "40000")
	res := eng.Run(context.Background(), bars, nil)

	// First evaluation at bar 3, entry fill at bar 4's open.
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	if res.Trades[0].EntryBarIndex != 4 {
		t.Fatalf("entry bar = %d, want 4 after warmup", res.Trades[0].EntryBarIndex)
	}
}

func TestCancelStopsRun(t *testing.T) {
	exch := newTestExchange("20000")
	eng := newEngineForTest(t, Config{Symbol: "BTCUSDT"}, exch, &openOnceEvaluator{sl: "30000", tp: "90000"})
	eng.Cancel()

	res := eng.Run(context.Background(), mkBars(5, "40000"), nil)
	if res.StopReason != types.StopManual {
		t.Fatalf("stop reason = %s, want manual", res.StopReason)
	}
	if res.BarsProcessed != 0 {
		t.Fatalf("cancel before start should process 0 bars, got %d", res.BarsProcessed)
	}
}

func TestSnapshotNotReadyWithMissingFeatures(t *testing.T) {
	fs := FeatureSet{
		Names:  []string{"atr"},
		Values: []map[string]decimal.Decimal{nil, {"atr": dec("10")}},
	}
	if fs.Ready(0) {
		t.Fatalf("bar 0 has no features; must not be ready")
	}
	if !fs.Ready(1) {
		t.Fatalf("bar 1 has all features; must be ready")
	}
	if fs.Ready(5) {
		t.Fatalf("out of range must not be ready")
	}
}

func TestHTFAppliedBeforeExec(t *testing.T) {
	exch := newTestExchange("20000")
	state := newTestState(t)

	htfExec, err := structure.NewTFIncrementalState("1h", detectors.DefaultRegistry(), []structure.StructureSpec{
		{Key: "hswing", Type: "swing", Params: map[string]any{"left": 1, "right": 1}},
	})
	if err != nil {
		t.Fatalf("htf state: %v", err)
	}
	state.HTF = map[string]*structure.TFIncrementalState{"1h": htfExec}

	htfOpen := time.Unix(0, 0).UTC()
	htfBar := types.Bar{
		Symbol: "BTCUSDT", TF: "1h",
		TsOpen: htfOpen, TsClose: htfOpen.Add(time.Hour),
		Open: dec("40000"), High: dec("40100"), Low: dec("39900"), Close: dec("40000"), Volume: dec("1000"),
	}

	rational := rationalizer.New(state, rationalizer.DefaultConfig())
	eng := New(Config{Symbol: "BTCUSDT"}, nil, exch, state, rational, &openOnceEvaluator{sl: "30000", tp: "90000"}, FeatureSet{},
		[]HTFFeed{{Label: "1h", TF: "1h", Bars: []types.Bar{htfBar}}})

	// 61 one-minute bars: the HTF bar closing at minute 60 must be applied
	// by the exec bar whose ts_close is minute 61.
	res := eng.Run(context.Background(), mkBars(61, "40000"), nil)
	if res.BarsProcessed != 61 {
		t.Fatalf("bars processed = %d", res.BarsProcessed)
	}
	if htfExec.LastIdx() != 0 {
		t.Fatalf("htf bar not applied (last idx %d)", htfExec.LastIdx())
	}
}
