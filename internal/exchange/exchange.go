// Package exchange wires the ledger, order book, pricing, execution,
// funding, and liquidation packages into the strict per-bar pipeline:
// prices -> funding -> stop triggers -> entry fills -> pending close ->
// SL/TP -> mark-to-market -> liquidation. A single mark price is computed
// once per bar and reused by every later stage to prevent drift between the
// MTM and liquidation paths.
package exchange

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quantlayer/perpbt/internal/execution"
	"github.com/quantlayer/perpbt/internal/funding"
	"github.com/quantlayer/perpbt/internal/ledger"
	"github.com/quantlayer/perpbt/internal/liquidation"
	"github.com/quantlayer/perpbt/internal/orderbook"
	"github.com/quantlayer/perpbt/internal/pricing"
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

// Config bundles every sub-model's configuration into one exchange setup.
type Config struct {
	Symbol           string
	Ledger           ledger.Config
	Spread           pricing.SpreadConfig
	PriceModel       pricing.Config
	Execution        execution.Config
	LiquidationFee   decimal.Decimal
	MaxPendingOrders int
}

// Metrics are the exchange's running cost totals, updated on every fill,
// funding settlement, and liquidation.
type Metrics struct {
	TotalFeesPaid     decimal.Decimal
	TotalSlippageCost decimal.Decimal
	TotalFundingPnL   decimal.Decimal
	EntryFills        int64
	ExitFills         int64
	Rejections        int64
	Liquidations      int64
}

// StepResult is everything that happened while processing one bar, emitted
// for the engine to fold into its trade/equity accumulators.
type StepResult struct {
	Bar              types.Bar
	Prices           pricing.Snapshot
	FundingEvents    []types.FundingEvent
	FundingPnL       decimal.Decimal
	Fills            []types.Fill
	Rejections       []execution.Rejection
	ClosedTrade      *types.ExecTrade
	LiquidationEvent *types.LiquidationEvent
	Ledger           ledger.State
	Position         *types.Position // nil if flat after this bar
	EntriesDisabled  bool
}

// SimulatedExchange is the Bybit-aligned isolated-USDT-margin simulated
// exchange: at most one open position per symbol, a pending-order book, and
// the strict bar-processing pipeline.
type SimulatedExchange struct {
	cfg Config

	ledger       *ledger.Ledger
	book         *orderbook.Book
	spreadModel  *pricing.SpreadModel
	priceModel   *pricing.PriceModel
	execModel    *execution.Model
	fundingSched *funding.Scheduler
	liqModel     *liquidation.Model

	position           *types.Position
	prevTs             *time.Time
	pendingCloseReason *types.FillReason
	entriesDisabled    bool

	// prices memoization: the mark for a bar is computed exactly once.
	pricesTs  time.Time
	pricesMem pricing.Snapshot

	trades  []types.ExecTrade
	metrics Metrics

	consecutiveRejectedBars int64
}

// New constructs a SimulatedExchange seeded with initialCapital, backed by a
// funding rate table.
func New(cfg Config, initialCapital decimal.Decimal, fundingTable funding.Table) *SimulatedExchange {
	return &SimulatedExchange{
		cfg:          cfg,
		ledger:       ledger.New(initialCapital, cfg.Ledger),
		book:         orderbook.New(cfg.MaxPendingOrders),
		spreadModel:  pricing.NewSpreadModel(cfg.Spread),
		priceModel:   pricing.NewPriceModel(cfg.PriceModel),
		execModel:    execution.New(cfg.Execution),
		fundingSched: funding.New(fundingTable),
		liqModel:     liquidation.New(cfg.LiquidationFee),
	}
}

// SubmitOrder enqueues a new entry order. Orders submitted while evaluating
// bar N carry SubmissionBarIndex N and only become fillable from bar N+1's
// open, enforcing the no-lookahead bar timing contract.
func (e *SimulatedExchange) SubmitOrder(order *types.ExecOrder, submissionBarIdx int64, ts time.Time) (types.OrderID, error) {
	if err := order.Validate(); err != nil {
		return "", fmt.Errorf("exchange: %w", err)
	}
	order.Symbol = e.cfg.Symbol
	order.Status = types.ExecOrderPending
	order.SubmissionBarIndex = submissionBarIdx
	if order.CreatedAt.IsZero() {
		order.CreatedAt = ts
	}
	return e.book.Add(order)
}

// CancelOrder cancels a pending order by id.
func (e *SimulatedExchange) CancelOrder(id types.OrderID) bool { return e.book.Cancel(id) }

// CancelAll cancels every pending order for the exchange's symbol.
func (e *SimulatedExchange) CancelAll() int { return e.book.CancelAll(e.cfg.Symbol) }

// AmendOrder mutates a pending order's amendable fields.
func (e *SimulatedExchange) AmendOrder(id types.OrderID, amend orderbook.AmendRequest) bool {
	return e.book.Amend(id, amend)
}

// Position returns the currently open position, nil if flat.
func (e *SimulatedExchange) Position() *types.Position { return e.position }

// LedgerState returns the current ledger snapshot.
func (e *SimulatedExchange) LedgerState() ledger.State { return e.ledger.State() }

// Trades returns every closed trade so far, in close order.
func (e *SimulatedExchange) Trades() []types.ExecTrade { return e.trades }

// ExchangeMetrics returns the running cost totals.
func (e *SimulatedExchange) ExchangeMetrics() Metrics { return e.metrics }

// EntriesDisabled reports whether the entry gate has latched shut.
func (e *SimulatedExchange) EntriesDisabled() bool { return e.entriesDisabled }

// ConsecutiveRejectedBars counts bars since the last successful entry fill
// during which at least one entry was rejected.
func (e *SimulatedExchange) ConsecutiveRejectedBars() int64 { return e.consecutiveRejectedBars }

// RequestClose submits a reduce-only close of the open position, filled in
// the pending-close stage of the next ProcessBar call.
func (e *SimulatedExchange) RequestClose(reason types.FillReason) {
	if e.position == nil {
		return
	}
	e.pendingCloseReason = &reason
}

// PricesFor computes the bar's price snapshot exactly once, memoized by
// ts_close: the engine reads it for the evaluator snapshot and ProcessBar
// reuses the identical values for funding, MTM, and liquidation.
func (e *SimulatedExchange) PricesFor(bar types.Bar) pricing.Snapshot {
	if e.pricesTs.Equal(bar.TsClose) {
		return e.pricesMem
	}
	spread := e.spreadModel.GetSpread(bar)
	e.pricesMem = e.priceModel.GetPrices(bar, spread)
	e.pricesTs = bar.TsClose
	return e.pricesMem
}

// ProcessBar runs the full strict pipeline for one closed bar. barIdx is the
// engine's monotonic exec-bar counter, recorded on fills/trades so the
// exit_bar_index >= entry_bar_index invariant is checkable downstream.
func (e *SimulatedExchange) ProcessBar(barIdx int64, bar types.Bar) StepResult {
	result := StepResult{Bar: bar}

	// 1. Prices: computed exactly once, reused by every later stage.
	prices := e.PricesFor(bar)
	result.Prices = prices

	// 2. Funding: settle any windows crossed since the previous bar's close.
	if e.position != nil {
		fr := e.fundingSched.ApplyEvents(e.cfg.Symbol, e.prevTs, bar.TsClose, e.position)
		if len(fr.EventsApplied) > 0 {
			e.ledger.ApplyFunding(fr.FundingPnL)
			e.position.FundingPnLCumulative = e.position.FundingPnLCumulative.Add(fr.FundingPnL)
			e.metrics.TotalFundingPnL = e.metrics.TotalFundingPnL.Add(fr.FundingPnL)
			result.FundingEvents = fr.EventsApplied
			result.FundingPnL = fr.FundingPnL
		}
	}
	ts := bar.TsClose
	e.prevTs = &ts

	// 3. Stop triggers: conditional orders whose trigger fires against this
	// bar's OHLC become immediately fillable market/limit orders.
	for _, order := range e.book.CheckTriggers(bar) {
		if order.SubmissionBarIndex >= barIdx {
			continue
		}
		if order.OrderType == types.ExecOrderStopLimit && order.LimitPrice != nil {
			order.OrderType = types.ExecOrderLimit
		} else {
			order.OrderType = types.ExecOrderMarket
		}
		order.TriggerPrice = nil
		order.TriggerDirection = nil
	}

	// 4. Entry fills: at most one position open at a time; orders from this
	// bar's own evaluation wait until the next bar's open.
	if e.position == nil && !e.entriesDisabled {
		rejectedThisBar := false
		for _, order := range e.book.PendingInSubmissionOrder(e.cfg.Symbol) {
			if order.SubmissionBarIndex >= barIdx {
				continue
			}
			if !e.fillableNow(order, bar) {
				continue
			}
			fr := e.execModel.FillEntryOrder(order, bar, e.ledger.State().AvailableBalance, func(notional decimal.Decimal) decimal.Decimal {
				return e.ledger.ComputeRequiredForEntry(notional, false)
			})
			if len(fr.Rejections) > 0 {
				result.Rejections = append(result.Rejections, fr.Rejections...)
				e.metrics.Rejections += int64(len(fr.Rejections))
				e.book.MarkRejected(order.OrderID)
				rejectedThisBar = true
				continue
			}
			fill := fr.Fills[0]
			e.openPosition(order, fill, barIdx)
			e.book.MarkFilled(order.OrderID)
			result.Fills = append(result.Fills, fill)
			e.metrics.EntryFills++
			e.metrics.TotalFeesPaid = e.metrics.TotalFeesPaid.Add(fill.Fee)
			e.metrics.TotalSlippageCost = e.metrics.TotalSlippageCost.Add(fill.Slippage.Mul(fill.Size))
			e.consecutiveRejectedBars = 0
			break
		}
		if rejectedThisBar && e.position == nil {
			e.consecutiveRejectedBars++
		}
	}

	// 5. Pending close: a close requested on a prior bar fills now at open.
	if e.position != nil && e.pendingCloseReason != nil {
		reason := *e.pendingCloseReason
		e.pendingCloseReason = nil
		fill := e.execModel.FillExit(e.position, reason, bar.Open, bar.TsOpen)
		e.closePosition(fill, reason, types.ExitPriceSignal, barIdx, &result)
	}

	// 6. SL/TP: conservative intrabar tie-break via the deterministic path.
	if e.position != nil {
		if reason, hit := e.execModel.CheckTPSL(e.position, bar); hit {
			var priceSrc types.ExitPriceSource
			var refPrice decimal.Decimal
			if reason == types.FillReasonStopLoss {
				priceSrc = types.ExitPriceSLLevel
				refPrice = *e.position.StopLoss
			} else {
				priceSrc = types.ExitPriceTPLevel
				refPrice = *e.position.TakeProfit
			}
			fill := e.execModel.FillExit(e.position, reason, refPrice, bar.TsOpen)
			e.closePosition(fill, reason, priceSrc, barIdx, &result)
		}
	}

	// 7. Mark-to-market from the single stage-1 mark price.
	e.ledger.UpdateForMarkPrice(e.position, prices.MarkPrice)
	result.Ledger = e.ledger.State()

	// 8. Liquidation: checked last, against the post-MTM ledger state.
	if e.position != nil {
		lr := e.liqModel.Check(e.position, prices.MarkPrice, result.Ledger.Equity, result.Ledger.MaintenanceMargin, bar.TsOpen, bar.TsClose)
		if lr.Liquidated {
			// The liquidation fee settles through the exit application
			// below; charging it separately would double-count.
			e.metrics.Liquidations++
			e.closePosition(*lr.Fill, types.FillReasonLiquidation, types.ExitPriceMark, barIdx, &result)
			result.LiquidationEvent = lr.Event
			e.ledger.UpdateForMarkPrice(nil, prices.MarkPrice)
			result.Ledger = e.ledger.State()
		}
	}

	result.Position = e.position
	result.EntriesDisabled = e.entriesDisabled
	return result
}

// fillableNow reports whether a non-conditional order can fill against this
// bar: market orders always, limit orders only when the bar trades through
// the limit price.
func (e *SimulatedExchange) fillableNow(order *types.ExecOrder, bar types.Bar) bool {
	switch order.OrderType {
	case types.ExecOrderMarket:
		return true
	case types.ExecOrderLimit:
		if order.LimitPrice == nil {
			return false
		}
		if order.Side == types.SideLong {
			return bar.Low.LessThanOrEqual(*order.LimitPrice)
		}
		return bar.High.GreaterThanOrEqual(*order.LimitPrice)
	}
	return false
}

// DisableEntries latches the entry gate shut (starvation policy); pending
// entries are left in the book but no longer fill.
func (e *SimulatedExchange) DisableEntries() { e.entriesDisabled = true }

// ForceClose closes any open position at the bar's close price (plus exit
// slippage) outside the normal pipeline, for end-of-data / cancellation /
// wall-clock termination. Returns the closing trade, nil when flat.
func (e *SimulatedExchange) ForceClose(barIdx int64, bar types.Bar, reason types.FillReason) *types.ExecTrade {
	if e.position == nil {
		return nil
	}
	var result StepResult
	fill := e.execModel.FillExit(e.position, reason, bar.Close, bar.TsClose)
	e.closePosition(fill, reason, types.ExitPriceBarClose, barIdx, &result)
	e.ledger.UpdateForMarkPrice(nil, bar.Close)
	return result.ClosedTrade
}

func (e *SimulatedExchange) openPosition(order *types.ExecOrder, fill types.Fill, barIdx int64) {
	e.ledger.ApplyEntryFee(fill.Fee)
	e.position = &types.Position{
		PositionID:    uuid.NewString(),
		Symbol:        e.cfg.Symbol,
		Side:          order.Side,
		EntryPrice:    fill.Price,
		EntryTime:     fill.Timestamp,
		Size:          fill.Size,
		SizeUSDT:      fill.SizeUSDT,
		StopLoss:      order.StopLoss,
		TakeProfit:    order.TakeProfit,
		FeesPaid:      fill.Fee,
		EntryFee:      fill.Fee,
		EntryBarIndex: barIdx,
		EntryReady:    true,
		InitialStop:   order.StopLoss,
	}
}

// closePosition realizes PnL on the given fill, updates the ledger, records
// a closed trade, and clears the open position.
func (e *SimulatedExchange) closePosition(fill types.Fill, reason types.FillReason, src types.ExitPriceSource, barIdx int64, result *StepResult) {
	pos := e.position
	realized := execution.CalculateRealizedPnL(pos, fill.Price)
	e.ledger.ApplyExit(realized, fill.Fee)
	e.metrics.ExitFills++
	e.metrics.TotalFeesPaid = e.metrics.TotalFeesPaid.Add(fill.Fee)
	e.metrics.TotalSlippageCost = e.metrics.TotalSlippageCost.Add(fill.Slippage.Mul(fill.Size))

	trade := types.ExecTrade{
		TradeID:         uuid.NewString(),
		Symbol:          pos.Symbol,
		Side:            pos.Side,
		EntryTime:       pos.EntryTime,
		EntryPrice:      pos.EntryPrice,
		EntrySize:       pos.Size,
		EntrySizeUSDT:   pos.SizeUSDT,
		ExitTime:        fill.Timestamp,
		ExitPrice:       fill.Price,
		ExitReason:      reason,
		ExitPriceSource: src,
		RealizedPnL:     realized,
		FeesPaid:        pos.FeesPaid.Add(fill.Fee),
		NetPnL:          realized.Sub(pos.FeesPaid).Sub(fill.Fee),
		StopLoss:        pos.StopLoss,
		TakeProfit:      pos.TakeProfit,
		EntryBarIndex:   pos.EntryBarIndex,
		ExitBarIndex:    barIdx,
		EntryReady:      pos.EntryReady,
		ExitReady:       true,
	}
	e.trades = append(e.trades, trade)
	result.ClosedTrade = &trade
	result.Fills = append(result.Fills, fill)
	e.position = nil
}
