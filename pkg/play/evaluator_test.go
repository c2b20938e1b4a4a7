package play

import (
	"strings"
	"testing"
	"time"

	"github.com/quantlayer/perpbt/internal/detectors"
	"github.com/quantlayer/perpbt/internal/engine"
	"github.com/quantlayer/perpbt/internal/ledger"
	"github.com/quantlayer/perpbt/internal/rationalizer"
	"github.com/quantlayer/perpbt/internal/structure"
	"github.com/quantlayer/perpbt/pkg/types"
)

const evaluatorPlayYAML = `
id: always_long
symbol: BTCUSDT
timeframes:
  exec: 15m
account:
  initial_capital: "10000"
  leverage: "2"
  maintenance_margin_rate: "0.005"
  taker_fee_rate: "0.0006"
structures:
  exec: []
position_policy:
  mode: long_only
  exit_mode: sl_tp_and_signal
risk:
  size_usdt: "1000"
  stop_loss_pct: "0.02"
  take_profit_pct: "0.04"
rules:
  - name: always_enter
    when:
      left: close
      op: ">"
      right: "0"
    action:
      kind: enter_long
`

func snapshotAt(t *testing.T, close string, position *types.Position) engine.Snapshot {
	t.Helper()
	exec, err := structure.NewTFIncrementalState("15m", detectors.DefaultRegistry(), nil)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	p := dec(close)
	return engine.Snapshot{
		BarIdx: 10,
		Bar: types.Bar{
			Symbol: "BTCUSDT", TF: "15m",
			TsOpen: time.Unix(0, 0), TsClose: time.Unix(900, 0),
			Open: p, High: p, Low: p, Close: p, Volume: dec("1"),
		},
		TsClose:      time.Unix(900, 0),
		MarkPrice:    p,
		State:        structure.NewMultiTFIncrementalState(exec, nil),
		Rationalized: rationalizer.RationalizedState{Regime: rationalizer.RegimeUnknown},
		Position:     position,
		Ledger:       ledger.State{Equity: dec("10000"), AvailableBalance: dec("10000")},
		Ready:        true,
	}
}

func TestEvaluatorEntersLongWithRiskBrackets(t *testing.T) {
	p, err := Load([]byte(evaluatorPlayYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ev, err := NewEvaluator(p, nil)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}

	d, err := ev.Evaluate(snapshotAt(t, "100", nil))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(d.Open) != 1 {
		t.Fatalf("expected one order, got %d", len(d.Open))
	}
	order := d.Open[0]
	if order.Side != types.SideLong || !order.SizeUSDT.Equal(dec("1000")) {
		t.Fatalf("order = %+v", order)
	}
	if order.StopLoss == nil || !order.StopLoss.Equal(dec("98")) {
		t.Fatalf("stop loss = %v, want 98 (2%% below close)", order.StopLoss)
	}
	if order.TakeProfit == nil || !order.TakeProfit.Equal(dec("104")) {
		t.Fatalf("take profit = %v, want 104 (4%% above close)", order.TakeProfit)
	}
}

func TestEvaluatorHoldsWhilePositionOpen(t *testing.T) {
	p, _ := Load([]byte(evaluatorPlayYAML))
	ev, _ := NewEvaluator(p, nil)

	pos := &types.Position{Side: types.SideLong, EntryPrice: dec("100"), Size: dec("10"), SizeUSDT: dec("1000")}
	d, err := ev.Evaluate(snapshotAt(t, "100", pos))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(d.Open) != 0 {
		t.Fatalf("must not stack entries while a position is open")
	}
}

func TestEvaluatorRespectsPositionPolicyMode(t *testing.T) {
	yaml := evaluatorPlayYAML
	yaml = replaceOnce(yaml, "kind: enter_long", "kind: enter_short")
	p, err := Load([]byte(yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ev, _ := NewEvaluator(p, nil)

	d, err := ev.Evaluate(snapshotAt(t, "100", nil))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(d.Open) != 0 {
		t.Fatalf("long_only must suppress short entries")
	}
}

func TestEvaluatorSkipsWhenNotReady(t *testing.T) {
	p, _ := Load([]byte(evaluatorPlayYAML))
	ev, _ := NewEvaluator(p, nil)

	snap := snapshotAt(t, "100", nil)
	snap.Ready = false
	d, err := ev.Evaluate(snap)
	if err != nil || len(d.Open) != 0 {
		t.Fatalf("not-ready snapshot must yield no decision: %v %v", d, err)
	}
}

func TestEvaluatorSignalCloseRespectsExitMode(t *testing.T) {
	yaml := replaceOnce(evaluatorPlayYAML, "kind: enter_long", "kind: close")
	pos := &types.Position{Side: types.SideLong, EntryPrice: dec("100"), Size: dec("10"), SizeUSDT: dec("1000")}

	p, _ := Load([]byte(yaml))
	ev, _ := NewEvaluator(p, nil)
	d, _ := ev.Evaluate(snapshotAt(t, "100", pos))
	if d.CloseReason == nil || *d.CloseReason != types.FillReasonSignal {
		t.Fatalf("expected signal close, got %v", d.CloseReason)
	}

	yaml2 := replaceOnce(yaml, "exit_mode: sl_tp_and_signal", "exit_mode: sl_tp_only")
	p2, _ := Load([]byte(yaml2))
	ev2, _ := NewEvaluator(p2, nil)
	d2, _ := ev2.Evaluate(snapshotAt(t, "100", pos))
	if d2.CloseReason != nil {
		t.Fatalf("sl_tp_only must suppress signal closes")
	}
}

func TestNewEvaluatorValidatesRiskNumbers(t *testing.T) {
	yaml := replaceOnce(evaluatorPlayYAML, `size_usdt: "1000"`, `size_usdt: "nope"`)
	p, err := Load([]byte(yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := NewEvaluator(p, nil); err == nil {
		t.Fatalf("expected error for non-decimal size_usdt")
	}
}

func replaceOnce(s, old, new string) string {
	return strings.Replace(s, old, new, 1)
}
