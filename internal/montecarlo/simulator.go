// Package montecarlo resamples a finished run's trade stream to estimate
// the robustness of its outcome: shuffled-order equity paths, drawdown
// distribution, and probability of ruin. The simulator never touches prices
// or the engine; it only permutes realized trade results, and it is seeded
// explicitly so validation reports are reproducible alongside the run they
// describe.
package montecarlo

import (
	"math"
	"math/rand"
	"sort"

	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config parameterizes the simulation.
type Config struct {
	Iterations    int
	Seed          int64
	RuinThreshold float64 // fraction of starting equity treated as ruin, default 0.5
}

// Result is the distribution summary over all simulated paths.
type Result struct {
	Iterations      int
	MedianReturn    decimal.Decimal
	P5Return        decimal.Decimal
	P95Return       decimal.Decimal
	ProbabilityRuin decimal.Decimal
	MaxDrawdownP95  decimal.Decimal
}

// Simulator performs trade-order resampling over realized results.
type Simulator struct {
	log *zap.Logger
	cfg Config
	rng *rand.Rand
}

// New creates a Simulator. The seed is part of the config so two invocations
// over the same trades produce the same report.
func New(log *zap.Logger, cfg Config) *Simulator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 1000
	}
	if cfg.RuinThreshold <= 0 {
		cfg.RuinThreshold = 0.5
	}
	return &Simulator{log: log, cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// Run resamples the trade stream's per-trade returns (net PnL relative to
// initial capital) across shuffled orderings.
func (s *Simulator) Run(trades []types.ExecTrade, initialCapital decimal.Decimal) Result {
	if len(trades) == 0 || initialCapital.IsZero() {
		return Result{}
	}

	returns := make([]float64, len(trades))
	for i, t := range trades {
		r, _ := t.NetPnL.Div(initialCapital).Float64()
		returns[i] = r
	}

	simulated := make([]float64, s.cfg.Iterations)
	drawdowns := make([]float64, s.cfg.Iterations)
	ruinCount := 0

	for i := 0; i < s.cfg.Iterations; i++ {
		shuffled := make([]float64, len(returns))
		copy(shuffled, returns)
		s.rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		total, maxDD, ruined := simulatePath(shuffled, s.cfg.RuinThreshold)
		simulated[i] = total
		drawdowns[i] = maxDD
		if ruined {
			ruinCount++
		}
	}

	sort.Float64s(simulated)
	sort.Float64s(drawdowns)

	res := Result{
		Iterations:      s.cfg.Iterations,
		MedianReturn:    decimal.NewFromFloat(percentile(simulated, 50)),
		P5Return:        decimal.NewFromFloat(percentile(simulated, 5)),
		P95Return:       decimal.NewFromFloat(percentile(simulated, 95)),
		ProbabilityRuin: decimal.NewFromFloat(float64(ruinCount) / float64(s.cfg.Iterations)),
		MaxDrawdownP95:  decimal.NewFromFloat(percentile(drawdowns, 95)),
	}

	s.log.Info("monte carlo resampling complete",
		zap.Int("iterations", res.Iterations),
		zap.String("median_return", res.MedianReturn.String()),
		zap.String("p5_return", res.P5Return.String()),
		zap.String("p95_return", res.P95Return.String()),
		zap.String("probability_ruin", res.ProbabilityRuin.String()),
	)
	return res
}

// simulatePath walks one shuffled return sequence, adding each return to an
// equity that starts at 1.0 (no compounding).
func simulatePath(returns []float64, ruinThreshold float64) (totalReturn, maxDrawdown float64, ruined bool) {
	equity := 1.0
	peak := equity
	maxDD := 0.0

	for _, ret := range returns {
		equity += ret
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
		if equity <= ruinThreshold {
			return equity - 1.0, maxDD, true
		}
	}
	return equity - 1.0, maxDD, false
}

// percentile linearly interpolates the pth percentile of sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
