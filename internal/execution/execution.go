// Package execution fills entry/exit orders against a bar, applying
// direction-aware slippage and the optional impact/liquidity-cap stages, and
// delegates TP/SL triggering to the intrabar path.
package execution

import (
	"fmt"
	"time"

	"github.com/quantlayer/perpbt/internal/pricing"
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

// SlippageConfig is the fixed-bps, direction-aware slippage model.
type SlippageConfig struct {
	FixedBps decimal.Decimal
}

// ImpactConfig is an optional fill-price multiplier >= 1, gated off by default.
type ImpactConfig struct {
	Enabled    bool
	Multiplier decimal.Decimal
}

// LiquidityConfig optionally caps fillable notional as a fraction of bar volume*close.
type LiquidityConfig struct {
	Enabled        bool
	VolumeFraction decimal.Decimal
}

// Config bundles all execution-model parameters.
type Config struct {
	Slippage     SlippageConfig
	Impact       ImpactConfig
	Liquidity    LiquidityConfig
	TakerFeeRate decimal.Decimal
}

// Rejection records why an order was not filled.
type Rejection struct {
	OrderID types.OrderID
	Code    types.ErrorCode
	Reason  string
}

// FillResult is the result of attempting to fill a pending order.
type FillResult struct {
	Fills      []types.Fill
	Rejections []Rejection
}

// RequiredForEntryFunc computes the USDT required to open a position of the given notional.
type RequiredForEntryFunc func(notional decimal.Decimal) decimal.Decimal

// Model executes fills, slippage, TP/SL checks, and realized-PnL math against bars.
type Model struct {
	cfg  Config
	path *pricing.IntrabarPath
}

// New builds an execution Model.
func New(cfg Config) *Model {
	return &Model{cfg: cfg, path: pricing.NewIntrabarPath()}
}

func (m *Model) slippageRate() decimal.Decimal {
	return m.cfg.Slippage.FixedBps.Div(decimal.NewFromInt(10000))
}

// applySlippage adjusts price against the taker: entry longs pay up, shorts receive
// less; the direction inverts on exit.
func (m *Model) applySlippage(price decimal.Decimal, side types.PositionSide, isEntry bool) decimal.Decimal {
	rate := m.slippageRate()
	adverse := side == types.SideLong
	if !isEntry {
		adverse = !adverse
	}
	delta := price.Mul(rate)
	if adverse {
		return price.Add(delta)
	}
	return price.Sub(delta)
}

func (m *Model) applyLiquidityCap(notional, volume, refPrice decimal.Decimal) decimal.Decimal {
	if !m.cfg.Liquidity.Enabled {
		return notional
	}
	cap := volume.Mul(refPrice).Mul(m.cfg.Liquidity.VolumeFraction)
	if notional.GreaterThan(cap) {
		return cap
	}
	return notional
}

func (m *Model) applyImpact(price decimal.Decimal) decimal.Decimal {
	if !m.cfg.Impact.Enabled {
		return price
	}
	return price.Mul(m.cfg.Impact.Multiplier)
}

// FillEntryOrder fills a pending entry order at bar.ts_open, rejecting with
// INSUFFICIENT_ENTRY_GATE when available balance cannot cover the entry gate.
func (m *Model) FillEntryOrder(order *types.ExecOrder, b types.Bar, availableBalance decimal.Decimal, requiredForEntry RequiredForEntryFunc) FillResult {
	notional := m.applyLiquidityCap(order.SizeUSDT, b.Volume, b.Open)
	if notional.LessThan(order.SizeUSDT) {
		return FillResult{Rejections: []Rejection{{
			OrderID: order.OrderID,
			Code:    types.ErrSizeExceedsLiquidityCap,
			Reason:  fmt.Sprintf("requested notional %s exceeds liquidity cap %s", order.SizeUSDT, notional),
		}}}
	}

	required := requiredForEntry(notional)
	if availableBalance.LessThan(required) {
		return FillResult{Rejections: []Rejection{{
			OrderID: order.OrderID,
			Code:    types.ErrInsufficientEntryGate,
			Reason:  fmt.Sprintf("required %s > available %s", required, availableBalance),
		}}}
	}

	fillPrice := m.applyImpact(m.applySlippage(b.Open, order.Side, true))
	size := notional.Div(fillPrice)
	fee := notional.Mul(m.cfg.TakerFeeRate)

	return FillResult{Fills: []types.Fill{{
		OrderID:   order.OrderID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Price:     fillPrice,
		Size:      size,
		SizeUSDT:  notional,
		Timestamp: b.TsOpen,
		Reason:    types.FillReasonEntry,
		Fee:       fee,
		Slippage:  fillPrice.Sub(b.Open).Abs(),
	}}}
}

// CheckTPSL delegates to the intrabar path, returning the triggered reason if any.
func (m *Model) CheckTPSL(pos *types.Position, b types.Bar) (types.FillReason, bool) {
	return pricing.CheckTPSL(b, pos.Side, pos.StopLoss, pos.TakeProfit)
}

// FillExit fills an exit at the given reference price (conservatively at ts_open),
// applying slippage in the exit direction and charging a fee on notional size_usdt.
func (m *Model) FillExit(pos *types.Position, reason types.FillReason, refPrice decimal.Decimal, ts time.Time) types.Fill {
	price := m.applySlippage(refPrice, pos.Side, false)
	fee := pos.SizeUSDT.Mul(m.cfg.TakerFeeRate)

	return types.Fill{
		Symbol:    pos.Symbol,
		Side:      pos.Side,
		Price:     price,
		Size:      pos.Size,
		SizeUSDT:  pos.SizeUSDT,
		Timestamp: ts,
		Reason:    reason,
		Fee:       fee,
		Slippage:  price.Sub(refPrice).Abs(),
	}
}

// CalculateRealizedPnL computes realized PnL for a long/short close per the data model.
func CalculateRealizedPnL(pos *types.Position, exitPrice decimal.Decimal) decimal.Decimal {
	if pos.Side == types.SideLong {
		return exitPrice.Sub(pos.EntryPrice).Mul(pos.Size)
	}
	return pos.EntryPrice.Sub(exitPrice).Mul(pos.Size)
}
