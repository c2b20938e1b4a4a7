package play

import (
	"fmt"
	"strings"

	"github.com/quantlayer/perpbt/internal/detectors"
	"github.com/quantlayer/perpbt/internal/engine"
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// snapshotEnv adapts an engine.Snapshot to the expression Env. Unknown
// paths fail with the list of valid prefixes so a Play author can
// self-correct.
type snapshotEnv struct {
	snap engine.Snapshot
}

func (e snapshotEnv) Resolve(path string) (detectors.Value, error) {
	switch path {
	case "open":
		return detectors.FloatValue(e.snap.Bar.Open), nil
	case "high":
		return detectors.FloatValue(e.snap.Bar.High), nil
	case "low":
		return detectors.FloatValue(e.snap.Bar.Low), nil
	case "close":
		return detectors.FloatValue(e.snap.Bar.Close), nil
	case "volume":
		return detectors.FloatValue(e.snap.Bar.Volume), nil
	case "mark_price":
		return detectors.FloatValue(e.snap.MarkPrice), nil
	case "bar_idx":
		return detectors.IntValue(e.snap.BarIdx), nil
	case "regime":
		return detectors.StringValue(string(e.snap.Rationalized.Regime)), nil
	case "derived_values.confluence_score":
		return detectors.FloatValue(decimal.NewFromFloat(e.snap.Rationalized.Derived.ConfluenceScore)), nil
	case "derived_values.alignment":
		return detectors.FloatValue(decimal.NewFromFloat(e.snap.Rationalized.Derived.Alignment)), nil
	case "equity":
		return detectors.FloatValue(e.snap.Ledger.Equity), nil
	case "cash_balance":
		return detectors.FloatValue(e.snap.Ledger.CashBalance), nil
	case "available_balance":
		return detectors.FloatValue(e.snap.Ledger.AvailableBalance), nil
	case "free_margin":
		return detectors.FloatValue(e.snap.Ledger.FreeMargin), nil
	case "used_margin":
		return detectors.FloatValue(e.snap.Ledger.UsedMargin), nil
	case "unrealized_pnl":
		return detectors.FloatValue(e.snap.Ledger.UnrealizedPnL), nil
	case "position.size":
		if e.snap.Position == nil {
			return detectors.FloatValue(decimal.Zero), nil
		}
		return detectors.FloatValue(e.snap.Position.Size), nil
	case "position.size_usdt":
		if e.snap.Position == nil {
			return detectors.FloatValue(decimal.Zero), nil
		}
		return detectors.FloatValue(e.snap.Position.SizeUSDT), nil
	case "position.entry_price":
		if e.snap.Position == nil {
			return detectors.NullFloat(), nil
		}
		return detectors.FloatValue(e.snap.Position.EntryPrice), nil
	case "position.side":
		if e.snap.Position == nil {
			return detectors.StringValue(""), nil
		}
		return detectors.StringValue(string(e.snap.Position.Side)), nil
	}

	if name, ok := strings.CutPrefix(path, "feature."); ok {
		if e.snap.Features != nil {
			if v, ok := e.snap.Features[name]; ok {
				return detectors.FloatValue(v), nil
			}
		}
		return detectors.NullFloat(), nil
	}

	if rest, ok := strings.CutPrefix(path, "structure."); ok {
		return e.snap.State.Get(rest)
	}
	if strings.HasPrefix(path, "htf_") {
		return e.snap.State.Get(path)
	}

	return detectors.Value{}, fmt.Errorf("unknown path %q; valid prefixes: open/high/low/close/volume, mark_price, bar_idx, regime, derived_values.*, equity and ledger fields, position.*, feature.<name>, structure.<key>.<field>, htf_<label>.<key>.<field>", path)
}

// Evaluator turns a validated Play into an engine.Evaluator: each exec-bar
// close it advances condition state, evaluates every rule's condition (all
// rules evaluate every bar so cross/window state stays aligned), and fires
// the first rule whose condition holds. If the position policy does not
// admit that rule's action, nothing fires this bar; later matching rules
// are not tried.
type Evaluator struct {
	play *Play
	st   *CondState
	log  *zap.Logger

	sizeUSDT      decimal.Decimal
	stopLossPct   *decimal.Decimal
	takeProfitPct *decimal.Decimal
}

// NewEvaluator validates the Play's risk numerics and builds an Evaluator.
func NewEvaluator(p *Play, log *zap.Logger) (*Evaluator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ev := &Evaluator{play: p, st: NewCondState(), log: log}

	size, err := decimal.NewFromString(p.Risk.SizeUSDT)
	if err != nil || size.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("play %q: risk.size_usdt must be a positive decimal, got %q", p.ID, p.Risk.SizeUSDT)
	}
	ev.sizeUSDT = size

	if p.Risk.StopLossPct != "" {
		pct, err := decimal.NewFromString(p.Risk.StopLossPct)
		if err != nil || pct.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("play %q: risk.stop_loss_pct must be a positive decimal, got %q", p.ID, p.Risk.StopLossPct)
		}
		ev.stopLossPct = &pct
	}
	if p.Risk.TakeProfitPct != "" {
		pct, err := decimal.NewFromString(p.Risk.TakeProfitPct)
		if err != nil || pct.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("play %q: risk.take_profit_pct must be a positive decimal, got %q", p.ID, p.Risk.TakeProfitPct)
		}
		ev.takeProfitPct = &pct
	}
	return ev, nil
}

// Evaluate implements engine.Evaluator.
func (ev *Evaluator) Evaluate(snap engine.Snapshot) (engine.Decision, error) {
	var decision engine.Decision
	if !snap.Ready {
		return decision, nil
	}

	env := snapshotEnv{snap: snap}
	ev.st.AdvanceBar(snap.BarIdx)

	matchedIdx := -1
	for i := range ev.play.Rules {
		ok, err := ev.play.Rules[i].When.Eval(env, ev.st, fmt.Sprintf("rule%d", i))
		if err != nil {
			return decision, fmt.Errorf("rule %q: %w", ev.play.Rules[i].Name, err)
		}
		if ok && matchedIdx < 0 {
			matchedIdx = i
		}
	}
	if matchedIdx < 0 {
		return decision, nil
	}

	rule := ev.play.Rules[matchedIdx]
	switch rule.Action.Kind {
	case "enter_long", "enter_short":
		if snap.Position != nil {
			return decision, nil
		}
		side := types.SideLong
		if rule.Action.Kind == "enter_short" {
			side = types.SideShort
		}
		if !ev.sideAllowed(side) {
			return decision, nil
		}
		order, err := ev.buildEntryOrder(rule, side, env, snap)
		if err != nil {
			return decision, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		decision.Open = append(decision.Open, order)
	case "close":
		if snap.Position == nil || ev.play.PositionPolicy.ExitMode == "sl_tp_only" {
			return decision, nil
		}
		reason := types.FillReasonSignal
		decision.CloseReason = &reason
	case "cancel_all":
		decision.CancelAll = true
	}
	return decision, nil
}

func (ev *Evaluator) sideAllowed(side types.PositionSide) bool {
	switch ev.play.PositionPolicy.Mode {
	case "long_only":
		return side == types.SideLong
	case "short_only":
		return side == types.SideShort
	}
	return true
}

func (ev *Evaluator) buildEntryOrder(rule Rule, side types.PositionSide, env Env, snap engine.Snapshot) (*types.ExecOrder, error) {
	size := ev.sizeUSDT
	if rule.Action.SizeUSDT != "" {
		v, err := evalExpr(rule.Action.SizeUSDT, env)
		if err != nil {
			return nil, fmt.Errorf("size_usdt: %w", err)
		}
		n, err := asNumber(v)
		if err != nil {
			return nil, fmt.Errorf("size_usdt: %w", err)
		}
		size = n
	}

	order := &types.ExecOrder{
		Side:        side,
		SizeUSDT:    size,
		OrderType:   types.ExecOrderMarket,
		TimeInForce: types.TIFGTC,
	}
	switch rule.Action.OrderType {
	case "limit":
		order.OrderType = types.ExecOrderLimit
	case "stop_market":
		order.OrderType = types.ExecOrderStopMarket
	case "stop_limit":
		order.OrderType = types.ExecOrderStopLimit
	}
	switch rule.Action.TimeInForce {
	case "ioc":
		order.TimeInForce = types.TIFIOC
	case "fok":
		order.TimeInForce = types.TIFFOK
	case "post_only":
		order.TimeInForce = types.TIFPostOnly
	}

	evalPrice := func(field, expr string) (*decimal.Decimal, error) {
		if expr == "" {
			return nil, nil
		}
		v, err := evalExpr(expr, env)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		n, err := asNumber(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		return &n, nil
	}

	var err error
	if order.LimitPrice, err = evalPrice("limit_price", rule.Action.LimitPrice); err != nil {
		return nil, err
	}
	if order.TriggerPrice, err = evalPrice("trigger_price", rule.Action.TriggerPrice); err != nil {
		return nil, err
	}
	switch rule.Action.TriggerDirection {
	case "rises_to":
		dir := types.TriggerRisesTo
		order.TriggerDirection = &dir
	case "falls_to":
		dir := types.TriggerFallsTo
		order.TriggerDirection = &dir
	}

	// SL/TP: explicit price expressions win; otherwise the risk percentages
	// bracket the decision bar's close (the fill realizes next open, so the
	// close is the canonical reference price at decision time).
	if order.StopLoss, err = evalPrice("stop_loss", rule.Action.StopLoss); err != nil {
		return nil, err
	}
	if order.TakeProfit, err = evalPrice("take_profit", rule.Action.TakeProfit); err != nil {
		return nil, err
	}
	ref := snap.Bar.Close
	one := decimal.NewFromInt(1)
	if order.StopLoss == nil && ev.stopLossPct != nil {
		var sl decimal.Decimal
		if side == types.SideLong {
			sl = ref.Mul(one.Sub(*ev.stopLossPct))
		} else {
			sl = ref.Mul(one.Add(*ev.stopLossPct))
		}
		order.StopLoss = &sl
	}
	if order.TakeProfit == nil && ev.takeProfitPct != nil {
		var tp decimal.Decimal
		if side == types.SideLong {
			tp = ref.Mul(one.Add(*ev.takeProfitPct))
		} else {
			tp = ref.Mul(one.Sub(*ev.takeProfitPct))
		}
		order.TakeProfit = &tp
	}

	return order, nil
}
