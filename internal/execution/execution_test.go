package execution

import (
	"testing"
	"time"

	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func baseModel() *Model {
	return New(Config{
		Slippage:     SlippageConfig{FixedBps: decimal.Zero},
		TakerFeeRate: dec("0.0006"),
	})
}

func testBar() types.Bar {
	return types.Bar{
		TsOpen:  time.Unix(0, 0),
		TsClose: time.Unix(60, 0),
		Open:    dec("40200"),
		High:    dec("42100"),
		Low:     dec("39900"),
		Close:   dec("41500"),
		Volume:  dec("1000"),
	}
}

func TestFillEntryOrderRejectsInsufficientGate(t *testing.T) {
	m := baseModel()
	order := &types.ExecOrder{OrderID: "o1", Symbol: "BTCUSDT", Side: types.SideLong, SizeUSDT: dec("10000")}
	result := m.FillEntryOrder(order, testBar(), dec("5000"), func(notional decimal.Decimal) decimal.Decimal {
		return notional.Mul(dec("0.5")).Add(notional.Mul(dec("0.0006")))
	})
	if len(result.Fills) != 0 {
		t.Fatalf("expected no fills")
	}
	if len(result.Rejections) != 1 || result.Rejections[0].Code != types.ErrInsufficientEntryGate {
		t.Fatalf("expected INSUFFICIENT_ENTRY_GATE rejection, got %+v", result.Rejections)
	}
}

func TestFillEntryOrderFillsAtOpen(t *testing.T) {
	m := baseModel()
	order := &types.ExecOrder{OrderID: "o1", Symbol: "BTCUSDT", Side: types.SideLong, SizeUSDT: dec("10000")}
	result := m.FillEntryOrder(order, testBar(), dec("20000"), func(notional decimal.Decimal) decimal.Decimal {
		return notional.Mul(dec("0.5"))
	})
	if len(result.Fills) != 1 {
		t.Fatalf("expected one fill, got %d", len(result.Fills))
	}
	f := result.Fills[0]
	if !f.Price.Equal(dec("40200")) {
		t.Fatalf("expected fill at bar open 40200, got %s", f.Price)
	}
	if f.Reason != types.FillReasonEntry {
		t.Fatalf("expected entry reason, got %s", f.Reason)
	}
}

func TestCalculateRealizedPnLLongAndShort(t *testing.T) {
	long := &types.Position{Side: types.SideLong, EntryPrice: dec("40200"), Size: dec("0.2488")}
	pnl := CalculateRealizedPnL(long, dec("42000"))
	want := dec("42000").Sub(dec("40200")).Mul(dec("0.2488"))
	if !pnl.Equal(want) {
		t.Fatalf("long pnl = %s want %s", pnl, want)
	}

	short := &types.Position{Side: types.SideShort, EntryPrice: dec("40000"), Size: dec("0.25")}
	pnl = CalculateRealizedPnL(short, dec("38000"))
	want = dec("40000").Sub(dec("38000")).Mul(dec("0.25"))
	if !pnl.Equal(want) {
		t.Fatalf("short pnl = %s want %s", pnl, want)
	}
}
