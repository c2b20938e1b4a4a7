package orderbook

import (
	"testing"
	"time"

	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func pendingOrder(id string, orderType types.ExecOrderType) *types.ExecOrder {
	return &types.ExecOrder{
		OrderID:   types.OrderID(id),
		Symbol:    "BTCUSDT",
		Side:      types.SideLong,
		SizeUSDT:  dec("1000"),
		OrderType: orderType,
		Status:    types.ExecOrderPending,
	}
}

func testBar(high, low string) types.Bar {
	return types.Bar{
		TsOpen: time.Unix(0, 0), TsClose: time.Unix(60, 0),
		Open: dec(low), High: dec(high), Low: dec(low), Close: dec(high),
	}
}

func TestCapacityOverflowIsLoud(t *testing.T) {
	b := New(2)
	if _, err := b.Add(pendingOrder("a", types.ExecOrderMarket)); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if _, err := b.Add(pendingOrder("b", types.ExecOrderMarket)); err != nil {
		t.Fatalf("add b: %v", err)
	}
	if _, err := b.Add(pendingOrder("c", types.ExecOrderMarket)); err == nil {
		t.Fatalf("expected capacity error on third order")
	}
}

func TestPendingInSubmissionOrderIsInsertionOrder(t *testing.T) {
	b := New(0)
	b.Add(pendingOrder("first", types.ExecOrderMarket))
	b.Add(pendingOrder("second", types.ExecOrderMarket))
	b.Add(pendingOrder("third", types.ExecOrderMarket))
	b.Cancel("second")

	got := b.PendingInSubmissionOrder("BTCUSDT")
	if len(got) != 2 || got[0].OrderID != "first" || got[1].OrderID != "third" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestCheckTriggersDirections(t *testing.T) {
	b := New(0)

	rises := types.TriggerRisesTo
	falls := types.TriggerFallsTo
	up := pendingOrder("up", types.ExecOrderStopMarket)
	trigUp := dec("105")
	up.TriggerPrice = &trigUp
	up.TriggerDirection = &rises

	down := pendingOrder("down", types.ExecOrderStopMarket)
	trigDown := dec("95")
	down.TriggerPrice = &trigDown
	down.TriggerDirection = &falls

	b.Add(up)
	b.Add(down)

	hit := b.CheckTriggers(testBar("106", "100"))
	if len(hit) != 1 || hit[0].OrderID != "up" {
		t.Fatalf("expected only rises_to trigger, got %v", hit)
	}

	hit = b.CheckTriggers(testBar("104", "94"))
	if len(hit) != 1 || hit[0].OrderID != "down" {
		t.Fatalf("expected only falls_to trigger, got %v", hit)
	}
}

func TestAmendRules(t *testing.T) {
	b := New(0)
	limit := pendingOrder("lim", types.ExecOrderLimit)
	px := dec("100")
	limit.LimitPrice = &px
	b.Add(limit)

	newPx := dec("101")
	newSize := dec("2000")
	if !b.Amend("lim", AmendRequest{LimitPrice: &newPx, SizeUSDT: &newSize}) {
		t.Fatalf("amend failed")
	}
	got := b.Get("lim")
	if !got.LimitPrice.Equal(dec("101")) || !got.SizeUSDT.Equal(dec("2000")) {
		t.Fatalf("amend not applied: %+v", got)
	}

	// Zero SL removes the attachment.
	sl := dec("90")
	b.Amend("lim", AmendRequest{StopLoss: &sl})
	if b.Get("lim").StopLoss == nil {
		t.Fatalf("stop loss not attached")
	}
	zero := decimal.Zero
	b.Amend("lim", AmendRequest{StopLoss: &zero})
	if b.Get("lim").StopLoss != nil {
		t.Fatalf("zero stop loss must remove the attachment")
	}

	// Trigger price is not amendable on a plain limit order.
	trig := dec("99")
	b.Amend("lim", AmendRequest{TriggerPrice: &trig})
	if b.Get("lim").TriggerPrice != nil {
		t.Fatalf("trigger price must not apply to limit orders")
	}

	if b.Amend("missing", AmendRequest{}) {
		t.Fatalf("amending a missing order must fail")
	}
}

func TestCancelAllBySymbol(t *testing.T) {
	b := New(0)
	b.Add(pendingOrder("a", types.ExecOrderMarket))
	other := pendingOrder("b", types.ExecOrderMarket)
	other.Symbol = "ETHUSDT"
	b.Add(other)

	if n := b.CancelAll("BTCUSDT"); n != 1 {
		t.Fatalf("expected 1 cancelled, got %d", n)
	}
	if b.Count() != 1 {
		t.Fatalf("expected 1 remaining, got %d", b.Count())
	}
}
