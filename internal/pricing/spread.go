// Package pricing computes the single per-bar mark price, bid/ask spread, and the
// deterministic intrabar path used for conservative SL/TP tie-breaking.
package pricing

import (
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

// SpreadConfig configures the fixed-bps spread model.
type SpreadConfig struct {
	FixedBps decimal.Decimal
}

// SpreadModel derives a bid/ask spread from the bar close and a fixed bps width.
type SpreadModel struct {
	cfg SpreadConfig
}

// NewSpreadModel builds a spread model from the given config.
func NewSpreadModel(cfg SpreadConfig) *SpreadModel { return &SpreadModel{cfg: cfg} }

// GetSpread returns close * (bps / 1e4).
func (m *SpreadModel) GetSpread(bar types.Bar) decimal.Decimal {
	return bar.Close.Mul(m.cfg.FixedBps).Div(decimal.NewFromInt(10000))
}
