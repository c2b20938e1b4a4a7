// Package runner wires a validated Play, a price source, and a funding
// table into one deterministic backtest run: structure build, engine loop,
// live audits, metrics, and canonical artifact writing. Both the CLI and
// the API server drive runs through this package so they cannot diverge.
package runner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/quantlayer/perpbt/internal/artifacts"
	"github.com/quantlayer/perpbt/internal/audits"
	"github.com/quantlayer/perpbt/internal/detectors"
	"github.com/quantlayer/perpbt/internal/engine"
	"github.com/quantlayer/perpbt/internal/exchange"
	"github.com/quantlayer/perpbt/internal/execution"
	"github.com/quantlayer/perpbt/internal/funding"
	"github.com/quantlayer/perpbt/internal/ledger"
	"github.com/quantlayer/perpbt/internal/metrics"
	"github.com/quantlayer/perpbt/internal/pricesource"
	"github.com/quantlayer/perpbt/internal/pricing"
	"github.com/quantlayer/perpbt/internal/rationalizer"
	"github.com/quantlayer/perpbt/internal/structure"
	"github.com/quantlayer/perpbt/pkg/play"
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/quantlayer/perpbt/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Options parameterize one run beyond what the Play itself declares.
type Options struct {
	OutputDir      string
	WindowStart    time.Time
	WindowEnd      time.Time
	DelayBars      int64
	WarmupBars     int64
	StarvationBars int64
	MaxRuntime     time.Duration
	WriteEventsCSV bool

	// Features carries precomputed indicator values per timeframe role
	// ("exec" or "htf_<label>"), aligned with that role's bar sequence.
	// Indicator computation itself lives outside this module.
	Features map[string]engine.FeatureSet
}

// Outcome bundles everything a caller wants back from one run.
type Outcome struct {
	Result      engine.Result
	Performance metrics.Performance
	Risk        metrics.Risk
	Checks      []audits.Check
	RunDir      string
	RunHash     string
	PlayHash    string
}

// Runner executes Plays against a price source.
type Runner struct {
	log      *zap.Logger
	registry *detectors.Registry
	source   pricesource.PriceSource
	funding  funding.Table
}

// New builds a Runner. A nil registry uses the built-in detector set; a nil
// funding table applies no funding.
func New(log *zap.Logger, registry *detectors.Registry, source pricesource.PriceSource, fundingTable funding.Table) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if registry == nil {
		registry = detectors.DefaultRegistry()
	}
	if fundingTable == nil {
		fundingTable = funding.EmptyTable{}
	}
	return &Runner{log: log, registry: registry, source: source, funding: fundingTable}
}

// account is the parsed numeric form of the Play's account block.
type account struct {
	initialCapital decimal.Decimal
	imr            decimal.Decimal
	mmr            decimal.Decimal
	takerFee       decimal.Decimal
	liquidationFee decimal.Decimal
	slippageBps    decimal.Decimal
	spreadBps      decimal.Decimal
	markSource     pricing.MarkSource
}

func parseAccount(p *play.Play) (account, error) {
	var a account
	var err error

	if a.initialCapital, err = decimal.NewFromString(p.Account.InitialCapital); err != nil || a.initialCapital.LessThanOrEqual(decimal.Zero) {
		return a, fmt.Errorf("play %q: account.initial_capital must be a positive decimal, got %q", p.ID, p.Account.InitialCapital)
	}
	leverage, err := decimal.NewFromString(p.Account.Leverage)
	if err != nil || leverage.LessThanOrEqual(decimal.Zero) {
		return a, fmt.Errorf("play %q: account.leverage must be a positive decimal, got %q", p.ID, p.Account.Leverage)
	}
	a.imr = decimal.NewFromInt(1).Div(leverage)
	if a.mmr, err = decimal.NewFromString(p.Account.MaintenanceMarginRate); err != nil || a.mmr.LessThanOrEqual(decimal.Zero) {
		return a, fmt.Errorf("play %q: account.maintenance_margin_rate must be a positive decimal, got %q", p.ID, p.Account.MaintenanceMarginRate)
	}
	if a.takerFee, err = decimal.NewFromString(p.Account.TakerFeeRate); err != nil || a.takerFee.IsNegative() {
		return a, fmt.Errorf("play %q: account.taker_fee_rate must be a non-negative decimal, got %q", p.ID, p.Account.TakerFeeRate)
	}
	a.liquidationFee = decimal.RequireFromString("0.005")
	if p.Account.LiquidationFeeRate != "" {
		if a.liquidationFee, err = decimal.NewFromString(p.Account.LiquidationFeeRate); err != nil || a.liquidationFee.IsNegative() {
			return a, fmt.Errorf("play %q: account.liquidation_fee_rate must be a non-negative decimal, got %q", p.ID, p.Account.LiquidationFeeRate)
		}
	}
	a.slippageBps = decimal.Zero
	if p.Account.SlippageBps != "" {
		if a.slippageBps, err = decimal.NewFromString(p.Account.SlippageBps); err != nil {
			return a, fmt.Errorf("play %q: account.slippage_bps: %q is not a decimal", p.ID, p.Account.SlippageBps)
		}
	}
	a.spreadBps = decimal.Zero
	if p.Account.SpreadBps != "" {
		if a.spreadBps, err = decimal.NewFromString(p.Account.SpreadBps); err != nil {
			return a, fmt.Errorf("play %q: account.spread_bps: %q is not a decimal", p.ID, p.Account.SpreadBps)
		}
	}
	switch p.Account.MarkPriceSource {
	case "", "close":
		a.markSource = pricing.MarkClose
	case "hlc3":
		a.markSource = pricing.MarkHLC3
	case "ohlc4":
		a.markSource = pricing.MarkOHLC4
	default:
		return a, fmt.Errorf("play %q: account.mark_price_source must be close, hlc3 or ohlc4; got %q", p.ID, p.Account.MarkPriceSource)
	}
	return a, nil
}

func buildStructures(p *play.Play, registry *detectors.Registry) (*structure.MultiTFIncrementalState, error) {
	toSpecs := func(cfgs []play.StructureConfig) []structure.StructureSpec {
		specs := make([]structure.StructureSpec, len(cfgs))
		for i, c := range cfgs {
			specs[i] = structure.StructureSpec{Key: c.Key, Type: c.Type, Params: c.Params, DependsOn: c.DependsOn}
		}
		return specs
	}

	exec, err := structure.NewTFIncrementalState(types.TFLabel(p.Timeframes.Exec), registry, toSpecs(p.Structures["exec"]))
	if err != nil {
		return nil, err
	}

	htf := make(map[string]*structure.TFIncrementalState)
	for label, tf := range p.Timeframes.HTF {
		st, err := structure.NewTFIncrementalState(types.TFLabel(tf), registry, toSpecs(p.Structures["htf_"+label]))
		if err != nil {
			return nil, err
		}
		htf[label] = st
	}
	return structure.NewMultiTFIncrementalState(exec, htf), nil
}

// Run executes one full backtest and writes its canonical artifacts.
func (r *Runner) Run(ctx context.Context, p *play.Play, opts Options) (Outcome, error) {
	var out Outcome

	playHash, err := play.Hash(p)
	if err != nil {
		return out, err
	}
	out.PlayHash = playHash

	acct, err := parseAccount(p)
	if err != nil {
		return out, fmt.Errorf("%s: %w", types.ErrValidationFailed, err)
	}

	state, err := buildStructures(p, r.registry)
	if err != nil {
		return out, fmt.Errorf("%s: %w", types.ErrValidationFailed, err)
	}

	evaluator, err := play.NewEvaluator(p, r.log)
	if err != nil {
		return out, fmt.Errorf("%s: %w", types.ErrValidationFailed, err)
	}

	// Exec bars are loaded from window_start - (delay + warmup) bars so the
	// evaluator's first admissible bar already has a fully warmed structure
	// state.
	execTF := types.TFLabel(p.Timeframes.Exec)
	tfDur, err := utils.ParseTFLabel(execTF)
	if err != nil {
		return out, fmt.Errorf("%s: %w", types.ErrValidationFailed, err)
	}
	loadStart := opts.WindowStart.Add(-time.Duration(opts.DelayBars+opts.WarmupBars) * tfDur)

	execBars, err := r.source.OHLCV(p.Symbol, execTF, loadStart, opts.WindowEnd)
	if err != nil {
		return out, fmt.Errorf("%s: load exec bars: %w", types.ErrDataNotAvailable, err)
	}
	if len(execBars) == 0 {
		return out, fmt.Errorf("%s: no %s bars for %s in [%s, %s]", types.ErrDataNotAvailable, p.Timeframes.Exec, p.Symbol, opts.WindowStart, opts.WindowEnd)
	}

	var htfFeeds []engine.HTFFeed
	for _, label := range sortedHTFLabels(p) {
		tf := p.Timeframes.HTF[label]
		if !utils.IsValidTFLabel(types.TFLabel(tf)) {
			return out, fmt.Errorf("%s: htf %q: unknown timeframe label %q", types.ErrValidationFailed, label, tf)
		}
		bars, err := r.source.OHLCV(p.Symbol, types.TFLabel(tf), loadStart, opts.WindowEnd)
		if err != nil {
			return out, fmt.Errorf("%s: load htf %s bars: %w", types.ErrDataNotAvailable, label, err)
		}
		feed := engine.HTFFeed{Label: label, TF: types.TFLabel(tf), Bars: bars}
		if opts.Features != nil {
			feed.Features = opts.Features["htf_"+label]
		}
		htfFeeds = append(htfFeeds, feed)
	}

	exchCfg := exchange.Config{
		Symbol: p.Symbol,
		Ledger: ledger.Config{
			InitialMarginRate:     acct.imr,
			MaintenanceMarginRate: acct.mmr,
			TakerFeeRate:          acct.takerFee,
			DebugCheckInvariants:  false,
		},
		Spread:     pricing.SpreadConfig{FixedBps: acct.spreadBps},
		PriceModel: pricing.Config{MarkSource: acct.markSource},
		Execution: execution.Config{
			Slippage:     execution.SlippageConfig{FixedBps: acct.slippageBps},
			TakerFeeRate: acct.takerFee,
		},
		LiquidationFee: acct.liquidationFee,
	}
	exch := exchange.New(exchCfg, acct.initialCapital, r.funding)

	rational := rationalizer.New(state, rationalizer.DefaultConfig())

	var execFeatures engine.FeatureSet
	if opts.Features != nil {
		execFeatures = opts.Features["exec"]
	}

	eng := engine.New(engine.Config{
		Symbol:         p.Symbol,
		DelayBars:      opts.DelayBars,
		WarmupBars:     opts.WarmupBars,
		MaxRuntime:     opts.MaxRuntime,
		StarvationBars: opts.StarvationBars,
	}, r.log, exch, state, rational, evaluator, execFeatures, htfFeeds)

	recorder := audits.NewRecorder()
	result := eng.Run(ctx, execBars, recorder.OnStep)
	out.Result = result

	calc := metrics.NewCalculator()
	out.Performance = calc.Calculate(result.Trades, result.Equity, acct.initialCapital)
	out.Risk = calc.CalculateRisk(result.Equity)

	out.Checks = append(audits.RunAll(result, acct.initialCapital), recorder.LiveChecks())

	if opts.OutputDir != "" {
		dir, runHash, err := artifacts.WriteRun(opts.OutputDir, artifacts.RunInput{
			PlayID:         p.ID,
			PlayHash:       playHash,
			Symbol:         p.Symbol,
			ExecTF:         p.Timeframes.Exec,
			HTFLabels:      sortedHTFLabels(p),
			WindowStart:    opts.WindowStart,
			WindowEnd:      opts.WindowEnd,
			DataSourceID:   r.source.SourceName(),
			InitialCapital: acct.initialCapital.String(),
			Signature:      artifacts.NewPipelineSignature(r.registry.Fingerprint()),
			Result:         result,
			WriteEventsCSV: opts.WriteEventsCSV,
		})
		if err != nil {
			return out, err
		}
		out.RunDir = dir
		out.RunHash = runHash
	}

	r.log.Info("run complete",
		zap.String("play_id", p.ID),
		zap.String("stop_reason", string(result.StopReason)),
		zap.Int64("bars", result.BarsProcessed),
		zap.Int("trades", len(result.Trades)),
		zap.String("final_equity", result.FinalLedger.Equity.String()),
		zap.String("run_dir", out.RunDir),
	)
	return out, nil
}

func sortedHTFLabels(p *play.Play) []string {
	labels := make([]string, 0, len(p.Timeframes.HTF))
	for l := range p.Timeframes.HTF {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}
