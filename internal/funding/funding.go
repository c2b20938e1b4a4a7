// Package funding implements Bybit's 8-hourly funding settlement windows
// (00:00, 08:00, 16:00 UTC) and applies the settled rate against any open
// position.
package funding

import (
	"time"

	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

// Table looks up the funding rate in effect for a given settlement timestamp.
type Table interface {
	RateAt(symbol string, ts time.Time) (decimal.Decimal, bool)
}

// Result is the outcome of applying funding for one bar step.
type Result struct {
	FundingPnL    decimal.Decimal
	EventsApplied []types.FundingEvent
}

// Scheduler finds the funding settlements crossed by each bar step and
// applies them to the currently open position. Settlement times are
// computed on each call; no settlement set is precomputed.
type Scheduler struct {
	table Table
}

// New builds a funding Scheduler backed by the given rate table.
func New(table Table) *Scheduler {
	return &Scheduler{table: table}
}

var settlementHours = [3]int{0, 8, 16}

// settlementsInRange returns every Bybit settlement timestamp in (from, to].
func settlementsInRange(from, to time.Time) []time.Time {
	var out []time.Time
	if !to.After(from) {
		return out
	}
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	for !day.After(to) {
		for _, h := range settlementHours {
			candidate := day.Add(time.Duration(h) * time.Hour)
			if candidate.After(from) && !candidate.After(to) {
				out = append(out, candidate)
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return out
}

// ApplyEvents applies any settlement in (prevTs, ts] to the position, returning
// the aggregate funding PnL. direction = -1 for long (positive rates cost
// longs), +1 for short.
func (s *Scheduler) ApplyEvents(symbol string, prevTs *time.Time, ts time.Time, position *types.Position) Result {
	if position == nil {
		return Result{}
	}
	var from time.Time
	if prevTs != nil {
		from = *prevTs
	} else {
		from = ts.Add(-1 * time.Nanosecond) // no prior bar: only a settlement exactly at ts applies
	}

	var total decimal.Decimal
	var applied []types.FundingEvent

	for _, settlement := range settlementsInRange(from, ts) {
		rate, ok := s.table.RateAt(symbol, settlement)
		if !ok {
			continue
		}
		direction := decimal.NewFromInt(-1)
		if position.Side == types.SideShort {
			direction = decimal.NewFromInt(1)
		}
		pnl := position.Size.Mul(position.EntryPrice).Mul(rate).Mul(direction)
		total = total.Add(pnl)
		applied = append(applied, types.FundingEvent{Timestamp: settlement, Symbol: symbol, FundingRate: rate})
	}

	return Result{FundingPnL: total, EventsApplied: applied}
}

// NextSettlement returns the first settlement timestamp strictly after ts.
func NextSettlement(ts time.Time) time.Time {
	day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	for {
		for _, h := range settlementHours {
			candidate := day.Add(time.Duration(h) * time.Hour)
			if candidate.After(ts) {
				return candidate
			}
		}
		day = day.AddDate(0, 0, 1)
	}
}

// TimeToNextSettlement is the duration until the next settlement after ts.
func TimeToNextSettlement(ts time.Time) time.Duration {
	return NextSettlement(ts).Sub(ts)
}

// CountSettlementsInRange counts settlements in (from, to].
func CountSettlementsInRange(from, to time.Time) int {
	return len(settlementsInRange(from, to))
}
