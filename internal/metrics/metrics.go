// Package metrics derives performance and risk statistics from the
// deterministic trade stream and equity curve of a finished run.
package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/quantlayer/perpbt/internal/engine"
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

// Performance is the trade/equity summary attached to run results.
type Performance struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       decimal.Decimal
	AvgWin        decimal.Decimal
	AvgLoss       decimal.Decimal
	LargestWin    decimal.Decimal
	LargestLoss   decimal.Decimal
	ProfitFactor  decimal.Decimal
	Expectancy    decimal.Decimal

	TotalReturn     decimal.Decimal
	MaxDrawdown     decimal.Decimal
	MaxDrawdownTsMs int64
	SharpeRatio     decimal.Decimal
	SortinoRatio    decimal.Decimal
	CalmarRatio     decimal.Decimal

	AvgHoldingTime time.Duration
}

// Risk is the return-distribution summary over the equity curve.
type Risk struct {
	PerBarVolatility decimal.Decimal
	VaR95            decimal.Decimal
	VaR99            decimal.Decimal
	CVaR95           decimal.Decimal
}

// Calculator computes Performance and Risk from run outputs.
type Calculator struct {
	// BarsPerYear annualizes ratios; defaults to 365*24*4 (15m bars) when 0.
	BarsPerYear float64
}

// NewCalculator returns a Calculator with default annualization.
func NewCalculator() *Calculator { return &Calculator{} }

func (c *Calculator) barsPerYear() float64 {
	if c.BarsPerYear > 0 {
		return c.BarsPerYear
	}
	return 365 * 24 * 4
}

// Calculate computes the full performance summary.
func (c *Calculator) Calculate(trades []types.ExecTrade, equity []engine.EquityPoint, initialCapital decimal.Decimal) Performance {
	var p Performance
	p.TotalTrades = len(trades)

	var totalWins, totalLosses decimal.Decimal
	var totalHolding time.Duration
	for _, t := range trades {
		pnl := t.NetPnL
		if pnl.GreaterThan(decimal.Zero) {
			p.WinningTrades++
			totalWins = totalWins.Add(pnl)
			if pnl.GreaterThan(p.LargestWin) {
				p.LargestWin = pnl
			}
		} else if pnl.LessThan(decimal.Zero) {
			p.LosingTrades++
			totalLosses = totalLosses.Add(pnl.Abs())
			if pnl.Abs().GreaterThan(p.LargestLoss) {
				p.LargestLoss = pnl.Abs()
			}
		}
		totalHolding += t.ExitTime.Sub(t.EntryTime)
	}

	if p.TotalTrades > 0 {
		p.WinRate = decimal.NewFromInt(int64(p.WinningTrades)).Div(decimal.NewFromInt(int64(p.TotalTrades)))
		p.AvgHoldingTime = totalHolding / time.Duration(p.TotalTrades)
	}
	if p.WinningTrades > 0 {
		p.AvgWin = totalWins.Div(decimal.NewFromInt(int64(p.WinningTrades)))
	}
	if p.LosingTrades > 0 {
		p.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(p.LosingTrades)))
	}
	if !totalLosses.IsZero() {
		p.ProfitFactor = totalWins.Div(totalLosses)
	}
	if p.TotalTrades > 0 {
		lossPct := decimal.NewFromInt(1).Sub(p.WinRate)
		p.Expectancy = p.WinRate.Mul(p.AvgWin).Sub(lossPct.Mul(p.AvgLoss))
	}

	if len(equity) > 0 && !initialCapital.IsZero() {
		final := equity[len(equity)-1].Equity
		p.TotalReturn = final.Sub(initialCapital).Div(initialCapital)
	}

	returns := perBarReturns(equity)
	if len(returns) > 1 {
		avg := mean(returns)
		if sd := stdDev(returns); sd > 0 {
			p.SharpeRatio = decimal.NewFromFloat(avg / sd * math.Sqrt(c.barsPerYear()))
		}
		if dd := downsideDeviation(returns); dd > 0 {
			p.SortinoRatio = decimal.NewFromFloat(avg / dd * math.Sqrt(c.barsPerYear()))
		}
	}

	p.MaxDrawdown, p.MaxDrawdownTsMs = maxDrawdown(equity)
	if !p.MaxDrawdown.IsZero() && len(returns) > 0 {
		annualized := decimal.NewFromFloat(mean(returns) * c.barsPerYear())
		p.CalmarRatio = annualized.Div(p.MaxDrawdown)
	}
	return p
}

// CalculateRisk computes the return-distribution risk summary.
func (c *Calculator) CalculateRisk(equity []engine.EquityPoint) Risk {
	var r Risk
	returns := perBarReturns(equity)
	if len(returns) == 0 {
		return r
	}

	r.PerBarVolatility = decimal.NewFromFloat(stdDev(returns))

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx95 := int(float64(len(sorted)) * 0.05)
	if idx95 >= 0 && idx95 < len(sorted) {
		r.VaR95 = decimal.NewFromFloat(-sorted[idx95])
	}
	idx99 := int(float64(len(sorted)) * 0.01)
	if idx99 >= 0 && idx99 < len(sorted) {
		r.VaR99 = decimal.NewFromFloat(-sorted[idx99])
	}
	if idx95 > 0 {
		var sum float64
		for i := 0; i < idx95; i++ {
			sum += sorted[i]
		}
		r.CVaR95 = decimal.NewFromFloat(-sum / float64(idx95))
	}
	return r
}

func perBarReturns(equity []engine.EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev.IsZero() {
			continue
		}
		ret, _ := equity[i].Equity.Sub(prev).Div(prev).Float64()
		returns = append(returns, ret)
	}
	return returns
}

func maxDrawdown(equity []engine.EquityPoint) (decimal.Decimal, int64) {
	if len(equity) == 0 {
		return decimal.Zero, 0
	}
	var maxDD decimal.Decimal
	var maxDDTs int64
	peak := equity[0].Equity
	for _, p := range equity {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
		}
		if !peak.IsZero() {
			dd := peak.Sub(p.Equity).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
				maxDDTs = p.TsMs
			}
		}
	}
	return maxDD, maxDDTs
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - m
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

func downsideDeviation(returns []float64) float64 {
	var negative []float64
	for _, r := range returns {
		if r < 0 {
			negative = append(negative, r)
		}
	}
	return stdDev(negative)
}
