package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the directional side of a Position or Order.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// ExecOrderType mirrors the exchange's supported order types for the simulated book.
type ExecOrderType string

const (
	ExecOrderMarket     ExecOrderType = "market"
	ExecOrderLimit      ExecOrderType = "limit"
	ExecOrderStopMarket ExecOrderType = "stop_market"
	ExecOrderStopLimit  ExecOrderType = "stop_limit"
)

// TriggerDirection is the Bybit-aligned conditional-order trigger semantics.
type TriggerDirection int

const (
	TriggerRisesTo  TriggerDirection = 1 // trigger when bar.high >= trigger_price
	TriggerFallsTo  TriggerDirection = 2 // trigger when bar.low <= trigger_price
)

// TimeInForce is the order time-in-force.
type TimeInForce string

const (
	TIFGTC      TimeInForce = "gtc"
	TIFIOC      TimeInForce = "ioc"
	TIFFOK      TimeInForce = "fok"
	TIFPostOnly TimeInForce = "post_only"
)

// ExecOrderStatus is the lifecycle status of an ExecOrder.
type ExecOrderStatus string

const (
	ExecOrderPending   ExecOrderStatus = "pending"
	ExecOrderFilled    ExecOrderStatus = "filled"
	ExecOrderCancelled ExecOrderStatus = "cancelled"
	ExecOrderRejected  ExecOrderStatus = "rejected"
)

// FillReason records why a Fill occurred.
type FillReason string

const (
	FillReasonEntry       FillReason = "entry"
	FillReasonStopLoss    FillReason = "sl"
	FillReasonTakeProfit  FillReason = "tp"
	FillReasonSignal      FillReason = "signal"
	FillReasonEndOfData   FillReason = "end_of_data"
	FillReasonLiquidation FillReason = "liquidation"
	FillReasonForceClose  FillReason = "force_close"
)

// ExitPriceSource records how an exit price was determined.
type ExitPriceSource string

const (
	ExitPriceTPLevel   ExitPriceSource = "tp_level"
	ExitPriceSLLevel   ExitPriceSource = "sl_level"
	ExitPriceMark      ExitPriceSource = "mark_price"
	ExitPriceBarClose  ExitPriceSource = "bar_close"
	ExitPriceSignal    ExitPriceSource = "signal"
)

// StopReason is the engine-wide reason a run or a position stream stopped.
type StopReason string

const (
	StopEndOfData         StopReason = "end_of_data"
	StopStrategyStarved    StopReason = "strategy_starved"
	StopLiquidated         StopReason = "liquidated"
	StopInsufficientMargin StopReason = "insufficient_margin"
	StopManual             StopReason = "manual"
	StopMaxRuntime         StopReason = "max_runtime"
)

// ErrorCode enumerates the structured error codes the core emits.
type ErrorCode string

const (
	ErrInsufficientEntryGate   ErrorCode = "INSUFFICIENT_ENTRY_GATE"
	ErrEntriesDisabled         ErrorCode = "ENTRIES_DISABLED"
	ErrStrategyStarved         ErrorCode = "STRATEGY_STARVED"
	ErrDataNotAvailable        ErrorCode = "DATA_NOT_AVAILABLE"
	ErrInvariantViolation      ErrorCode = "INVARIANT_VIOLATION"
	ErrRegistryUnknownType     ErrorCode = "REGISTRY_UNKNOWN_TYPE"
	ErrValidationFailed        ErrorCode = "VALIDATION_FAILED"
	ErrSizeExceedsLiquidityCap ErrorCode = "SIZE_EXCEEDS_LIQUIDITY_CAP"
)

// OrderID identifies an ExecOrder.
type OrderID string

// ExecOrder is a pending order waiting to be filled by the simulated exchange.
//
// Invariant: Limit/StopLimit require LimitPrice; Stop* require TriggerPrice and TriggerDirection.
type ExecOrder struct {
	OrderID             OrderID
	Symbol              string
	Side                PositionSide
	SizeUSDT            decimal.Decimal
	OrderType           ExecOrderType
	LimitPrice          *decimal.Decimal
	TriggerPrice        *decimal.Decimal
	TriggerDirection    *TriggerDirection
	TimeInForce         TimeInForce
	ReduceOnly          bool
	StopLoss            *decimal.Decimal
	TakeProfit          *decimal.Decimal
	Status              ExecOrderStatus
	CreatedAt           time.Time
	SubmissionBarIndex  int64
}

// Validate enforces the Order invariant from the data model.
func (o ExecOrder) Validate() error {
	switch o.OrderType {
	case ExecOrderLimit, ExecOrderStopLimit:
		if o.LimitPrice == nil {
			return fmt.Errorf("order type %q requires limit_price", o.OrderType)
		}
	}
	switch o.OrderType {
	case ExecOrderStopMarket, ExecOrderStopLimit:
		if o.TriggerPrice == nil || o.TriggerDirection == nil {
			return fmt.Errorf("order type %q requires trigger_price and trigger_direction", o.OrderType)
		}
	}
	return nil
}

// Position is the at-most-one open position per symbol tracked by the exchange.
type Position struct {
	PositionID            string
	Symbol                string
	Side                  PositionSide
	EntryPrice            decimal.Decimal
	EntryTime             time.Time
	Size                  decimal.Decimal // base currency units
	SizeUSDT              decimal.Decimal
	StopLoss              *decimal.Decimal
	TakeProfit            *decimal.Decimal
	FeesPaid              decimal.Decimal
	EntryFee              decimal.Decimal
	EntryBarIndex         int64
	EntryReady            bool
	MinPrice              *decimal.Decimal
	MaxPrice              *decimal.Decimal
	FundingPnLCumulative  decimal.Decimal
	InitialStop           *decimal.Decimal
	TrailingActive        bool
	BEActivated            bool
	TPOrderType           string
	SLOrderType           string
}

// UnrealizedPnL returns the mark-to-market unrealized PnL at the given mark price.
func (p Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Side == SideLong {
		return mark.Sub(p.EntryPrice).Mul(p.Size)
	}
	return p.EntryPrice.Sub(mark).Mul(p.Size)
}

// Fill is a record of an order fill (entry or exit).
type Fill struct {
	FillID    string
	OrderID   OrderID
	Symbol    string
	Side      PositionSide
	Price     decimal.Decimal
	Size      decimal.Decimal
	SizeUSDT  decimal.Decimal
	Timestamp time.Time // = bar.ts_open
	Reason    FillReason
	Fee       decimal.Decimal
	Slippage  decimal.Decimal
}

// ExecTrade is a closed trade derived from a full position close.
type ExecTrade struct {
	TradeID          string
	Symbol           string
	Side             PositionSide
	EntryTime        time.Time
	EntryPrice       decimal.Decimal
	EntrySize        decimal.Decimal
	EntrySizeUSDT    decimal.Decimal
	ExitTime         time.Time
	ExitPrice        decimal.Decimal
	ExitReason       FillReason
	ExitPriceSource  ExitPriceSource
	RealizedPnL      decimal.Decimal
	FeesPaid         decimal.Decimal
	NetPnL           decimal.Decimal
	StopLoss         *decimal.Decimal
	TakeProfit       *decimal.Decimal
	EntryBarIndex    int64
	ExitBarIndex     int64
	EntryReady       bool
	ExitReady        bool
}

// FundingEvent is a scheduled funding-rate settlement against the open position.
type FundingEvent struct {
	Timestamp   time.Time
	Symbol      string
	FundingRate decimal.Decimal
}

// LiquidationEvent records a mark-triggered forced close.
type LiquidationEvent struct {
	Timestamp             time.Time
	Symbol                string
	Side                  PositionSide
	MarkPrice             decimal.Decimal
	BankruptcyPrice       decimal.Decimal
	EquityUSDT            decimal.Decimal
	MaintenanceMarginUSDT decimal.Decimal
	LiquidationFee        decimal.Decimal
}
