// Package orderbook is the single source of truth for pending orders on the
// simulated exchange: an indexed, capacity-bounded collection supporting
// add/get/cancel/amend and conditional-order trigger scanning. Iteration is
// always in insertion order so fill sequencing is deterministic.
package orderbook

import (
	"fmt"

	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

const defaultMaxOrders = 100

// Book is an indexed collection of pending orders.
type Book struct {
	maxOrders int
	orders    map[types.OrderID]*types.ExecOrder
	seq       []types.OrderID // insertion order
	counter   int
}

// New creates an order book with the given capacity (0 uses the default of 100).
func New(maxOrders int) *Book {
	if maxOrders <= 0 {
		maxOrders = defaultMaxOrders
	}
	return &Book{maxOrders: maxOrders, orders: make(map[types.OrderID]*types.ExecOrder)}
}

// Add inserts an order, generating an order_id if empty. Returns an error when
// the book is at capacity.
func (b *Book) Add(order *types.ExecOrder) (types.OrderID, error) {
	if len(b.orders) >= b.maxOrders {
		return "", fmt.Errorf("order book full (max %d orders)", b.maxOrders)
	}
	if order.OrderID == "" {
		b.counter++
		order.OrderID = types.OrderID(fmt.Sprintf("order_%04d", b.counter))
	}
	if _, dup := b.orders[order.OrderID]; dup {
		return "", fmt.Errorf("duplicate order id %q", order.OrderID)
	}
	b.orders[order.OrderID] = order
	b.seq = append(b.seq, order.OrderID)
	return order.OrderID, nil
}

// Get returns the order by id, or nil if not found.
func (b *Book) Get(id types.OrderID) *types.ExecOrder {
	return b.orders[id]
}

func (b *Book) remove(id types.OrderID) {
	delete(b.orders, id)
	for i, sid := range b.seq {
		if sid == id {
			b.seq = append(b.seq[:i], b.seq[i+1:]...)
			break
		}
	}
}

// Cancel removes an order by id, returning true if it was present.
func (b *Book) Cancel(id types.OrderID) bool {
	order, ok := b.orders[id]
	if !ok {
		return false
	}
	order.Status = types.ExecOrderCancelled
	b.remove(id)
	return true
}

// CancelAll cancels all orders, optionally filtered by symbol, returning the count cancelled.
func (b *Book) CancelAll(symbol string) int {
	var toCancel []types.OrderID
	for _, id := range b.seq {
		if symbol == "" || b.orders[id].Symbol == symbol {
			toCancel = append(toCancel, id)
		}
	}
	for _, id := range toCancel {
		b.Cancel(id)
	}
	return len(toCancel)
}

// CheckTriggers scans conditional orders in insertion order and returns those
// whose trigger condition fires against the bar's OHLC, per Bybit
// trigger-direction semantics: RisesTo fires when bar.high >= trigger_price,
// FallsTo when bar.low <= trigger_price.
func (b *Book) CheckTriggers(bar types.Bar) []*types.ExecOrder {
	var triggered []*types.ExecOrder
	for _, id := range b.seq {
		order := b.orders[id]
		if order.OrderType != types.ExecOrderStopMarket && order.OrderType != types.ExecOrderStopLimit {
			continue
		}
		if order.TriggerPrice == nil || order.TriggerDirection == nil {
			continue
		}
		switch *order.TriggerDirection {
		case types.TriggerRisesTo:
			if bar.High.GreaterThanOrEqual(*order.TriggerPrice) {
				triggered = append(triggered, order)
			}
		case types.TriggerFallsTo:
			if bar.Low.LessThanOrEqual(*order.TriggerPrice) {
				triggered = append(triggered, order)
			}
		}
	}
	return triggered
}

// PendingInSubmissionOrder returns pending orders for the symbol in
// insertion order (which is also submission-bar order, since submissions are
// appended as they arrive).
func (b *Book) PendingInSubmissionOrder(symbol string) []*types.ExecOrder {
	var result []*types.ExecOrder
	for _, id := range b.seq {
		order := b.orders[id]
		if order.Status != types.ExecOrderPending {
			continue
		}
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		result = append(result, order)
	}
	return result
}

// GetPendingOrders returns pending orders optionally filtered by type and
// symbol, in insertion order.
func (b *Book) GetPendingOrders(orderType types.ExecOrderType, symbol string) []*types.ExecOrder {
	var result []*types.ExecOrder
	for _, order := range b.PendingInSubmissionOrder(symbol) {
		if orderType != "" && order.OrderType != orderType {
			continue
		}
		result = append(result, order)
	}
	return result
}

// MarkFilled marks an order filled and removes it from the book.
func (b *Book) MarkFilled(id types.OrderID) {
	if order, ok := b.orders[id]; ok {
		order.Status = types.ExecOrderFilled
		b.remove(id)
	}
}

// MarkRejected marks an order rejected and removes it from the book.
func (b *Book) MarkRejected(id types.OrderID) {
	if order, ok := b.orders[id]; ok {
		order.Status = types.ExecOrderRejected
		b.remove(id)
	}
}

// Amend mutates a pending order's fields in place. limit_price only applies
// to Limit/StopLimit orders, trigger_price only to Stop* orders; a nil field
// is left untouched; a zero StopLoss/TakeProfit removes the attachment.
// Returns false if the order is not found or not pending.
func (b *Book) Amend(id types.OrderID, amend AmendRequest) bool {
	order, ok := b.orders[id]
	if !ok || order.Status != types.ExecOrderPending {
		return false
	}

	if amend.LimitPrice != nil && (order.OrderType == types.ExecOrderLimit || order.OrderType == types.ExecOrderStopLimit) {
		order.LimitPrice = amend.LimitPrice
	}
	if amend.TriggerPrice != nil && (order.OrderType == types.ExecOrderStopMarket || order.OrderType == types.ExecOrderStopLimit) {
		order.TriggerPrice = amend.TriggerPrice
	}
	if amend.SizeUSDT != nil {
		order.SizeUSDT = *amend.SizeUSDT
	}
	if amend.StopLoss != nil {
		if amend.StopLoss.IsZero() {
			order.StopLoss = nil
		} else {
			order.StopLoss = amend.StopLoss
		}
	}
	if amend.TakeProfit != nil {
		if amend.TakeProfit.IsZero() {
			order.TakeProfit = nil
		} else {
			order.TakeProfit = amend.TakeProfit
		}
	}
	return true
}

// AmendRequest carries the optional fields of an order amendment.
type AmendRequest struct {
	LimitPrice   *decimal.Decimal
	TriggerPrice *decimal.Decimal
	SizeUSDT     *decimal.Decimal
	StopLoss     *decimal.Decimal
	TakeProfit   *decimal.Decimal
}

// Count returns the number of orders currently in the book.
func (b *Book) Count() int { return len(b.orders) }

// IsEmpty reports whether the book holds no orders.
func (b *Book) IsEmpty() bool { return len(b.orders) == 0 }

// Reset clears all orders, for starting a new backtest run.
func (b *Book) Reset() {
	b.orders = make(map[types.OrderID]*types.ExecOrder)
	b.seq = nil
	b.counter = 0
}
