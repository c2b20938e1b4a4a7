package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TFLabel is a Bybit-style timeframe label: 1m,3m,5m,15m,30m,1h,2h,4h,6h,12h,D,W,M.
type TFLabel string

// Bar is one OHLCV candle at some timeframe, with both open and close timestamps.
type Bar struct {
	Symbol  string
	TF      TFLabel
	TsOpen  time.Time
	TsClose time.Time
	Open    decimal.Decimal
	High    decimal.Decimal
	Low     decimal.Decimal
	Close   decimal.Decimal
	Volume  decimal.Decimal
}

// Validate enforces the bar invariants: low <= open,close <= high and ts_close > ts_open.
func (b Bar) Validate() error {
	if b.Low.GreaterThan(b.Open) || b.Open.GreaterThan(b.High) {
		return fmt.Errorf("bar invariant violated: low <= open <= high required, got low=%s open=%s high=%s", b.Low, b.Open, b.High)
	}
	if b.Low.GreaterThan(b.Close) || b.Close.GreaterThan(b.High) {
		return fmt.Errorf("bar invariant violated: low <= close <= high required, got low=%s close=%s high=%s", b.Low, b.Close, b.High)
	}
	if b.Low.GreaterThan(b.High) {
		return fmt.Errorf("bar invariant violated: low <= high required, got low=%s high=%s", b.Low, b.High)
	}
	if !b.TsClose.After(b.TsOpen) {
		return fmt.Errorf("bar invariant violated: ts_close (%s) must be after ts_open (%s)", b.TsClose, b.TsOpen)
	}
	return nil
}

// BarData is the immutable view a detector receives on update: OHLCV plus forward-filled
// per-TF indicator values. idx is monotonically non-decreasing per TF.
type BarData struct {
	Idx        int64
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	Indicators map[string]decimal.Decimal
}

// Indicator reads a named indicator, returning (value, ok).
func (d BarData) Indicator(name string) (decimal.Decimal, bool) {
	v, ok := d.Indicators[name]
	return v, ok
}
