// Package engine runs the outer deterministic bar loop: warmup, per-bar
// multi-timeframe structure updates (higher timeframes before the execution
// timeframe, closed bars only), rationalization, Play evaluation, exchange
// stepping, and termination with a structured stop reason.
package engine

import (
	"context"
	"time"

	"github.com/quantlayer/perpbt/internal/exchange"
	"github.com/quantlayer/perpbt/internal/ledger"
	"github.com/quantlayer/perpbt/internal/rationalizer"
	"github.com/quantlayer/perpbt/internal/structure"
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config parameterizes a single deterministic run.
type Config struct {
	Symbol     string
	DelayBars  int64 // bars to skip before any detector output is trusted
	WarmupBars int64 // additional bars required before entries are allowed
	MaxRuntime time.Duration
	// StarvationBars is how many consecutive bars of entry rejections latch
	// entries_disabled and stop the run as strategy_starved. 0 disables.
	StarvationBars int64
}

// FeatureSet carries per-bar indicator values for one timeframe role,
// aligned index-for-index with that role's bar sequence. The engine does not
// compute indicators itself; it consumes precomputed arrays from the
// external indicator library.
type FeatureSet struct {
	Names  []string
	Values []map[string]decimal.Decimal // len == len(bars); nil entry = not yet available
}

// Ready reports whether every declared feature has a value at barIdx.
func (f FeatureSet) Ready(barIdx int64) bool {
	if len(f.Names) == 0 {
		return true
	}
	if barIdx < 0 || barIdx >= int64(len(f.Values)) || f.Values[barIdx] == nil {
		return false
	}
	row := f.Values[barIdx]
	for _, name := range f.Names {
		if _, ok := row[name]; !ok {
			return false
		}
	}
	return true
}

// At returns the feature row for barIdx, nil when out of range.
func (f FeatureSet) At(barIdx int64) map[string]decimal.Decimal {
	if barIdx < 0 || barIdx >= int64(len(f.Values)) {
		return nil
	}
	return f.Values[barIdx]
}

// HTFFeed is one higher timeframe's closed-bar sequence plus its features.
// Bars must be sorted by ts_close; the engine applies each bar exactly once,
// as soon as its ts_close is at or before the current exec bar's ts_close.
type HTFFeed struct {
	Label    string
	TF       types.TFLabel
	Bars     []types.Bar
	Features FeatureSet
}

// EquityPoint is one row of the equity curve.
type EquityPoint struct {
	TsMs   int64
	Equity decimal.Decimal
}

// Snapshot is the immutable view handed to the Play evaluator each exec
// close: the bar, the single per-bar mark price, resolved structure state,
// rationalized transitions/regime, features, and the exchange state view.
type Snapshot struct {
	BarIdx          int64
	Bar             types.Bar
	TsClose         time.Time
	MarkPrice       decimal.Decimal
	MarkPriceSource string
	Features        map[string]decimal.Decimal // exec-role features at this bar
	State           *structure.MultiTFIncrementalState
	Rationalized    rationalizer.RationalizedState
	Position        *types.Position
	Ledger          ledger.State
	Ready           bool // all declared features present for every TF role
}

// Decision is what the Play evaluator returns for one bar.
type Decision struct {
	Open        []*types.ExecOrder
	CloseReason *types.FillReason
	CancelAll   bool
}

// Evaluator is the Play condition/action tree, invoked once per closed exec
// bar after warmup.
type Evaluator interface {
	Evaluate(snap Snapshot) (Decision, error)
}

// Result is the structured outcome of one run.
type Result struct {
	Success       bool
	StopReason    types.StopReason
	ErrorCode     types.ErrorCode
	ErrorDetails  string
	BarsProcessed int64
	EvalStartIdx  int64
	Trades        []types.ExecTrade
	Equity        []EquityPoint
	FinalLedger   ledger.State
	Fills         []types.Fill
	FundingEvents []types.FundingEvent
	Liquidations  []types.LiquidationEvent
	Metrics       exchange.Metrics
}

// Engine drives one deterministic backtest run across a fixed bar sequence.
type Engine struct {
	cfg      Config
	log      *zap.Logger
	exch     *exchange.SimulatedExchange
	state    *structure.MultiTFIncrementalState
	rational *rationalizer.StateRationalizer
	evalr    Evaluator

	execFeatures FeatureSet
	htfFeeds     []HTFFeed
	htfApplied   []int // per-feed count of HTF bars already applied

	cancelled bool
}

// New constructs an Engine wired to an already-configured exchange, a
// composed multi-timeframe structure state, a rationalizer over it, and the
// Play evaluator. A nil logger is replaced with a no-op logger.
func New(cfg Config, log *zap.Logger, exch *exchange.SimulatedExchange, state *structure.MultiTFIncrementalState, rational *rationalizer.StateRationalizer, evalr Evaluator, execFeatures FeatureSet, htfFeeds []HTFFeed) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:          cfg,
		log:          log,
		exch:         exch,
		state:        state,
		rational:     rational,
		evalr:        evalr,
		execFeatures: execFeatures,
		htfFeeds:     htfFeeds,
		htfApplied:   make([]int, len(htfFeeds)),
	}
}

// Cancel requests cooperative early termination; checked between bars.
func (e *Engine) Cancel() { e.cancelled = true }

// StepHandler observes each processed bar, for progress reporting and
// artifact streaming. May be nil.
type StepHandler func(barIdx int64, bar types.Bar, step exchange.StepResult, rationalized rationalizer.RationalizedState)

// Run iterates execBars in order, applying any due higher-timeframe closes
// before each exec bar's own structure update (HTF-before-exec; a HTF bar
// only becomes visible once its ts_close <= the current exec bar's
// ts_close), and returns the structured run result.
func (e *Engine) Run(ctx context.Context, execBars []types.Bar, onStep StepHandler) Result {
	started := time.Now()
	res := Result{StopReason: types.StopEndOfData, EvalStartIdx: e.cfg.DelayBars + e.cfg.WarmupBars}

	var barIdx int64
	var lastBar *types.Bar
	stopped := false

	for i := range execBars {
		bar := execBars[i]

		if err := bar.Validate(); err != nil {
			res.StopReason = types.StopEndOfData
			res.ErrorCode = types.ErrInvariantViolation
			res.ErrorDetails = err.Error()
			e.finish(&res, barIdx, lastBar)
			return res
		}
		if e.cancelled {
			res.StopReason = types.StopManual
			stopped = true
			break
		}
		select {
		case <-ctx.Done():
			res.StopReason = types.StopManual
			stopped = true
		default:
		}
		if stopped {
			break
		}
		if e.cfg.MaxRuntime > 0 && time.Since(started) > e.cfg.MaxRuntime {
			res.StopReason = types.StopMaxRuntime
			stopped = true
			break
		}

		e.applyDueHTFBars(barIdx, bar.TsClose)

		if err := e.state.Exec.Update(e.toBarData(barIdx, bar)); err != nil {
			res.ErrorCode = types.ErrInvariantViolation
			res.ErrorDetails = err.Error()
			e.finish(&res, barIdx, lastBar)
			return res
		}

		rationalized := e.rational.Rationalize(barIdx, bar.TsClose, bar.Close)

		if barIdx >= res.EvalStartIdx {
			snap := e.buildSnapshot(barIdx, bar, rationalized)
			decision, err := e.evalr.Evaluate(snap)
			if err != nil {
				res.ErrorCode = types.ErrValidationFailed
				res.ErrorDetails = err.Error()
				e.finish(&res, barIdx, &bar)
				return res
			}
			e.applyDecision(barIdx, bar, decision)
		}

		step := e.exch.ProcessBar(barIdx, bar)
		e.collect(&res, step)

		if onStep != nil {
			onStep(barIdx, bar, step, rationalized)
		}

		if e.cfg.StarvationBars > 0 && e.exch.ConsecutiveRejectedBars() >= e.cfg.StarvationBars {
			e.exch.DisableEntries()
			e.log.Warn("entries disabled: strategy starved",
				zap.Int64("bar_idx", barIdx),
				zap.Int64("consecutive_rejected_bars", e.exch.ConsecutiveRejectedBars()))
			res.StopReason = types.StopStrategyStarved
			res.ErrorCode = types.ErrStrategyStarved
			lastBar = &execBars[i]
			barIdx++
			stopped = true
			break
		}

		lastBar = &execBars[i]
		barIdx++
	}

	e.finish(&res, barIdx, lastBar)
	return res
}

// finish force-closes any open position at the last seen bar's close and
// seals the result. No further equity points are appended after the close.
func (e *Engine) finish(res *Result, barsProcessed int64, lastBar *types.Bar) {
	if lastBar != nil && e.exch.Position() != nil {
		reason := types.FillReasonEndOfData
		if res.StopReason == types.StopManual || res.StopReason == types.StopMaxRuntime {
			reason = types.FillReasonForceClose
		}
		if trade := e.exch.ForceClose(barsProcessed-1, *lastBar, reason); trade != nil {
			res.Trades = append(res.Trades, *trade)
		}
	}
	res.BarsProcessed = barsProcessed
	res.FinalLedger = e.exch.LedgerState()
	res.Metrics = e.exch.ExchangeMetrics()
	res.Success = res.ErrorCode == "" || res.ErrorCode == types.ErrStrategyStarved
}

func (e *Engine) collect(res *Result, step exchange.StepResult) {
	res.Fills = append(res.Fills, step.Fills...)
	res.FundingEvents = append(res.FundingEvents, step.FundingEvents...)
	if step.ClosedTrade != nil {
		res.Trades = append(res.Trades, *step.ClosedTrade)
	}
	if step.LiquidationEvent != nil {
		res.Liquidations = append(res.Liquidations, *step.LiquidationEvent)
	}
	res.Equity = append(res.Equity, EquityPoint{
		TsMs:   step.Bar.TsClose.UnixMilli(),
		Equity: step.Ledger.Equity,
	})
}

func (e *Engine) applyDueHTFBars(execBarIdx int64, execTsClose time.Time) {
	for fi := range e.htfFeeds {
		feed := &e.htfFeeds[fi]
		htfState, ok := e.state.HTF[feed.Label]
		if !ok {
			continue
		}
		i := e.htfApplied[fi]
		for ; i < len(feed.Bars) && !feed.Bars[i].TsClose.After(execTsClose); i++ {
			bd := types.BarData{
				Idx:        int64(i),
				Open:       feed.Bars[i].Open,
				High:       feed.Bars[i].High,
				Low:        feed.Bars[i].Low,
				Close:      feed.Bars[i].Close,
				Volume:     feed.Bars[i].Volume,
				Indicators: feed.Features.At(int64(i)),
			}
			if err := htfState.Update(bd); err != nil {
				e.log.Error("htf update rejected", zap.String("label", feed.Label), zap.Error(err))
				break
			}
		}
		e.htfApplied[fi] = i
	}
}

func (e *Engine) buildSnapshot(barIdx int64, bar types.Bar, rationalized rationalizer.RationalizedState) Snapshot {
	prices := e.exch.PricesFor(bar)

	ready := e.execFeatures.Ready(barIdx)
	for fi := range e.htfFeeds {
		applied := e.htfApplied[fi]
		if applied == 0 {
			if len(e.htfFeeds[fi].Features.Names) > 0 {
				ready = false
			}
			continue
		}
		if !e.htfFeeds[fi].Features.Ready(int64(applied - 1)) {
			ready = false
		}
	}

	return Snapshot{
		BarIdx:          barIdx,
		Bar:             bar,
		TsClose:         bar.TsClose,
		MarkPrice:       prices.MarkPrice,
		MarkPriceSource: string(prices.MarkSource),
		Features:        e.execFeatures.At(barIdx),
		State:           e.state,
		Rationalized:    rationalized,
		Position:        e.exch.Position(),
		Ledger:          e.exch.LedgerState(),
		Ready:           ready,
	}
}

func (e *Engine) applyDecision(barIdx int64, bar types.Bar, d Decision) {
	if d.CancelAll {
		e.exch.CancelAll()
	}
	if d.CloseReason != nil {
		e.exch.RequestClose(*d.CloseReason)
	}
	for _, order := range d.Open {
		if _, err := e.exch.SubmitOrder(order, barIdx, bar.TsClose); err != nil {
			// Malformed orders and a full book surface through the
			// exchange's rejection path; log and move on.
			e.log.Warn("order submission rejected", zap.Int64("bar_idx", barIdx), zap.Error(err))
		}
	}
}

func (e *Engine) toBarData(idx int64, bar types.Bar) types.BarData {
	return types.BarData{
		Idx:        idx,
		Open:       bar.Open,
		High:       bar.High,
		Low:        bar.Low,
		Close:      bar.Close,
		Volume:     bar.Volume,
		Indicators: e.execFeatures.At(idx),
	}
}
