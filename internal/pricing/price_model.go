package pricing

import (
	"time"

	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

// MarkSource selects how the mark price is derived from a bar's OHLC.
type MarkSource string

const (
	MarkClose MarkSource = "close"
	MarkHLC3  MarkSource = "hlc3"
	MarkOHLC4 MarkSource = "ohlc4"
)

// Config selects the mark-price source used by PriceModel.
type Config struct {
	MarkSource MarkSource
}

// Snapshot is the point-in-time price state for one bar, computed exactly once.
type Snapshot struct {
	Timestamp  time.Time
	MarkPrice  decimal.Decimal
	LastPrice  decimal.Decimal
	MidPrice   decimal.Decimal
	BidPrice   decimal.Decimal
	AskPrice   decimal.Decimal
	Spread     decimal.Decimal
	MarkSource MarkSource
}

// PriceModel derives the canonical PriceSnapshot for a bar, computing mark price
// exactly once per step per spec's single-source-of-truth design note.
type PriceModel struct {
	cfg Config
}

// NewPriceModel builds a price model using the given mark-price source.
func NewPriceModel(cfg Config) *PriceModel {
	if cfg.MarkSource == "" {
		cfg.MarkSource = MarkClose
	}
	return &PriceModel{cfg: cfg}
}

// GetPrices computes the single PriceSnapshot for this bar given a precomputed spread.
func (m *PriceModel) GetPrices(bar types.Bar, spread decimal.Decimal) Snapshot {
	var mark decimal.Decimal
	switch m.cfg.MarkSource {
	case MarkHLC3:
		mark = bar.High.Add(bar.Low).Add(bar.Close).Div(decimal.NewFromInt(3))
	case MarkOHLC4:
		mark = bar.Open.Add(bar.High).Add(bar.Low).Add(bar.Close).Div(decimal.NewFromInt(4))
	default:
		mark = bar.Close
	}

	mid := bar.Close
	half := spread.Div(decimal.NewFromInt(2))

	return Snapshot{
		Timestamp:  bar.TsClose,
		MarkPrice:  mark,
		LastPrice:  bar.Close,
		MidPrice:   mid,
		BidPrice:   mid.Sub(half),
		AskPrice:   mid.Add(half),
		Spread:     spread,
		MarkSource: m.cfg.MarkSource,
	}
}
