package funding

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ConstantTable applies one fixed rate at every settlement.
type ConstantTable struct {
	Rate decimal.Decimal
}

// RateAt implements Table.
func (t ConstantTable) RateAt(string, time.Time) (decimal.Decimal, bool) {
	return t.Rate, true
}

// EmptyTable yields no funding events at all.
type EmptyTable struct{}

// RateAt implements Table.
func (EmptyTable) RateAt(string, time.Time) (decimal.Decimal, bool) {
	return decimal.Decimal{}, false
}

type ratePoint struct {
	ts   time.Time
	rate decimal.Decimal
}

// HistoryTable looks up the rate recorded for each settlement timestamp.
// Settlements with no recorded rate yield no event (a data gap, not a zero
// rate).
type HistoryTable struct {
	points map[string][]ratePoint // symbol -> sorted by ts
}

// NewHistoryTable returns an empty history table; fill with Add.
func NewHistoryTable() *HistoryTable {
	return &HistoryTable{points: make(map[string][]ratePoint)}
}

// Add records the funding rate for one settlement timestamp.
func (t *HistoryTable) Add(symbol string, ts time.Time, rate decimal.Decimal) {
	pts := append(t.points[symbol], ratePoint{ts: ts.UTC(), rate: rate})
	sort.Slice(pts, func(i, j int) bool { return pts[i].ts.Before(pts[j].ts) })
	t.points[symbol] = pts
}

// RateAt implements Table: exact-timestamp lookup.
func (t *HistoryTable) RateAt(symbol string, ts time.Time) (decimal.Decimal, bool) {
	pts := t.points[symbol]
	i := sort.Search(len(pts), func(i int) bool { return !pts[i].ts.Before(ts.UTC()) })
	if i < len(pts) && pts[i].ts.Equal(ts.UTC()) {
		return pts[i].rate, true
	}
	return decimal.Decimal{}, false
}
