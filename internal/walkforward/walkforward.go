// Package walkforward splits a backtest window into rolling in-sample /
// out-of-sample pairs and runs the same Play over each, measuring how much
// out-of-sample performance degrades versus in-sample. The actual run is
// delegated through a RunFunc so this package stays independent of engine
// wiring.
package walkforward

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantlayer/perpbt/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config parameterizes the window split, in days.
type Config struct {
	WindowDays int // in-sample length, default 30
	StepDays   int // slide per window (also the out-of-sample length), default 7
	// Parallelism bounds how many windows run concurrently. Each window's
	// two runs share no mutable state with any other window, so running
	// them in parallel cannot perturb per-run determinism. Default 1.
	Parallelism int
}

// Window is one in-sample / out-of-sample pair.
type Window struct {
	InSampleStart  time.Time
	InSampleEnd    time.Time
	OutSampleStart time.Time
	OutSampleEnd   time.Time
}

// WindowResult pairs a window with both runs' performance.
type WindowResult struct {
	Window           Window
	InSample         metrics.Performance
	OutSample        metrics.Performance
	DegradationRatio decimal.Decimal // out-of-sample / in-sample total return
}

// Result summarizes the full analysis.
type Result struct {
	Windows            []WindowResult
	AvgDegradation     decimal.Decimal
	ProfitableOutRatio decimal.Decimal // fraction of windows profitable out-of-sample
}

// RunFunc executes one backtest over [start, end) and returns its
// performance summary.
type RunFunc func(ctx context.Context, start, end time.Time) (metrics.Performance, error)

// Analyzer generates windows and drives RunFunc across them.
type Analyzer struct {
	log *zap.Logger
	cfg Config
}

// New creates an Analyzer.
func New(log *zap.Logger, cfg Config) *Analyzer {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 30
	}
	if cfg.StepDays <= 0 {
		cfg.StepDays = 7
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &Analyzer{log: log, cfg: cfg}
}

// GenerateWindows produces the rolling window pairs covering [start, end).
func (a *Analyzer) GenerateWindows(start, end time.Time) ([]Window, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("walkforward: end %s must be after start %s", end, start)
	}
	var windows []Window
	for cursor := start; ; cursor = cursor.AddDate(0, 0, a.cfg.StepDays) {
		inEnd := cursor.AddDate(0, 0, a.cfg.WindowDays)
		outEnd := inEnd.AddDate(0, 0, a.cfg.StepDays)
		if outEnd.After(end) {
			break
		}
		windows = append(windows, Window{
			InSampleStart:  cursor,
			InSampleEnd:    inEnd,
			OutSampleStart: inEnd,
			OutSampleEnd:   outEnd,
		})
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("walkforward: window of %d+%d days does not fit in [%s, %s)", a.cfg.WindowDays, a.cfg.StepDays, start, end)
	}
	return windows, nil
}

// Run executes the analysis. Cancellation is checked between windows.
func (a *Analyzer) Run(ctx context.Context, start, end time.Time, run RunFunc) (Result, error) {
	windows, err := a.GenerateWindows(start, end)
	if err != nil {
		return Result{}, err
	}
	a.log.Info("starting walk-forward analysis",
		zap.Int("window_count", len(windows)),
		zap.Int("window_days", a.cfg.WindowDays),
		zap.Int("step_days", a.cfg.StepDays),
	)

	// Windows are independent runs; fan out under a bounded semaphore and
	// collect into a fixed slice so aggregation order stays deterministic.
	results := make([]*WindowResult, len(windows))
	sem := make(chan struct{}, a.cfg.Parallelism)
	var wg sync.WaitGroup
	for i, w := range windows {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, w Window) {
			defer wg.Done()
			defer func() { <-sem }()

			inPerf, err := run(ctx, w.InSampleStart, w.InSampleEnd)
			if err != nil {
				a.log.Warn("in-sample run failed", zap.Int("window", i), zap.Error(err))
				return
			}
			outPerf, err := run(ctx, w.OutSampleStart, w.OutSampleEnd)
			if err != nil {
				a.log.Warn("out-of-sample run failed", zap.Int("window", i), zap.Error(err))
				return
			}
			results[i] = &WindowResult{Window: w, InSample: inPerf, OutSample: outPerf}
		}(i, w)
	}
	wg.Wait()

	var res Result
	var degradationSum decimal.Decimal
	degradationCount := 0
	profitableOut := 0

	for _, wr := range results {
		if wr == nil {
			continue
		}
		if !wr.InSample.TotalReturn.IsZero() {
			wr.DegradationRatio = wr.OutSample.TotalReturn.Div(wr.InSample.TotalReturn)
			degradationSum = degradationSum.Add(wr.DegradationRatio)
			degradationCount++
		}
		if wr.OutSample.TotalReturn.GreaterThan(decimal.Zero) {
			profitableOut++
		}
		res.Windows = append(res.Windows, *wr)
	}

	if degradationCount > 0 {
		res.AvgDegradation = degradationSum.Div(decimal.NewFromInt(int64(degradationCount)))
	}
	if len(res.Windows) > 0 {
		res.ProfitableOutRatio = decimal.NewFromInt(int64(profitableOut)).Div(decimal.NewFromInt(int64(len(res.Windows))))
	}
	return res, nil
}
