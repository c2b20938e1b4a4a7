// Package play defines the Play/IdeaCard strategy definition: a declarative
// YAML document naming the symbol, timeframes, account and risk parameters,
// structures to build per timeframe role, and a list of condition->action
// rules evaluated against resolved structure state each exec-bar close.
// Loaded with gopkg.in/yaml.v3 and validated loudly at build time with
// corrective messages rather than failing deep inside a run.
package play

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Play is the top-level strategy definition.
type Play struct {
	ID             string            `yaml:"id"`
	Symbol         string            `yaml:"symbol"`
	Timeframes     Timeframes        `yaml:"timeframes"`
	Account        AccountConfig     `yaml:"account"`
	Features       map[string][]string `yaml:"features,omitempty"` // role -> declared indicator names
	Structures     map[string][]StructureConfig `yaml:"structures"` // role ("exec", "htf_<label>") -> detector specs
	Rules          []Rule            `yaml:"rules"`
	PositionPolicy PositionPolicy    `yaml:"position_policy"`
	Risk           RiskConfig        `yaml:"risk"`
}

// Timeframes names the execution timeframe and the labeled higher
// timeframes providing context.
type Timeframes struct {
	Exec string            `yaml:"exec"`
	HTF  map[string]string `yaml:"htf,omitempty"` // label -> tf, e.g. trend: 1h
}

// AccountConfig carries the ledger/exchange parameters the Play's risk
// profile assumes. A single taker_fee_rate governs both the entry-gate
// arithmetic and the fee charged on fills; divergence is unrepresentable.
type AccountConfig struct {
	InitialCapital        string `yaml:"initial_capital"`
	Leverage              string `yaml:"leverage"`
	MaintenanceMarginRate string `yaml:"maintenance_margin_rate"`
	TakerFeeRate          string `yaml:"taker_fee_rate"`
	LiquidationFeeRate    string `yaml:"liquidation_fee_rate,omitempty"`
	SlippageBps           string `yaml:"slippage_bps,omitempty"`
	SpreadBps             string `yaml:"spread_bps,omitempty"`
	MarkPriceSource       string `yaml:"mark_price_source,omitempty"` // close | hlc3 | ohlc4
}

// StructureConfig declares one detector instance within a timeframe role.
type StructureConfig struct {
	Key       string            `yaml:"key"`
	Type      string            `yaml:"type"`
	Params    map[string]any    `yaml:"params,omitempty"`
	DependsOn map[string]string `yaml:"depends_on,omitempty"` // role -> earlier key
}

// PositionPolicy constrains which rule actions are admissible.
type PositionPolicy struct {
	Mode                   string `yaml:"mode"`      // long_only | short_only | both
	ExitMode               string `yaml:"exit_mode"` // sl_tp_only | signal_only | sl_tp_and_signal
	MaxPositionsPerSymbol  int    `yaml:"max_positions_per_symbol,omitempty"`
}

// RiskConfig carries the Play's sizing and stop parameters. Sizing is a
// deterministic function of these fields and ledger state, never adaptive.
type RiskConfig struct {
	SizeUSDT        string `yaml:"size_usdt"`
	StopLossPct     string `yaml:"stop_loss_pct,omitempty"`
	TakeProfitPct   string `yaml:"take_profit_pct,omitempty"`
	IncludeCloseFee bool   `yaml:"include_close_fee_in_gate,omitempty"`
}

// Rule is one condition->action binding, evaluated in declaration order;
// the first rule whose condition holds fires its action and later rules are
// skipped this bar (first-match-wins).
type Rule struct {
	Name   string    `yaml:"name"`
	When   Condition `yaml:"when"`
	Action Action    `yaml:"action"`
}

// Action is what a matched rule does.
type Action struct {
	Kind string `yaml:"kind"` // enter_long | enter_short | close | cancel_all

	// Entry refinements, all optional. Expressions may reference any
	// snapshot path; empty strings fall back to risk defaults.
	SizeUSDT         string `yaml:"size_usdt,omitempty"`
	OrderType        string `yaml:"order_type,omitempty"` // market (default) | limit | stop_market | stop_limit
	LimitPrice       string `yaml:"limit_price,omitempty"`
	TriggerPrice     string `yaml:"trigger_price,omitempty"`
	TriggerDirection string `yaml:"trigger_direction,omitempty"` // rises_to | falls_to
	TimeInForce      string `yaml:"time_in_force,omitempty"`     // gtc (default) | ioc | fok | post_only
	StopLoss         string `yaml:"stop_loss,omitempty"`         // absolute price expression
	TakeProfit       string `yaml:"take_profit,omitempty"`
}

var actionKinds = map[string]bool{"enter_long": true, "enter_short": true, "close": true, "cancel_all": true}

// Validate checks an action's structural invariants.
func (a Action) Validate() error {
	if !actionKinds[a.Kind] {
		return fmt.Errorf("action kind must be one of enter_long, enter_short, close, cancel_all; got %q", a.Kind)
	}
	switch a.OrderType {
	case "", "market":
	case "limit":
		if a.LimitPrice == "" {
			return fmt.Errorf("order_type limit requires limit_price")
		}
	case "stop_market":
		if a.TriggerPrice == "" || a.TriggerDirection == "" {
			return fmt.Errorf("order_type stop_market requires trigger_price and trigger_direction")
		}
	case "stop_limit":
		if a.LimitPrice == "" || a.TriggerPrice == "" || a.TriggerDirection == "" {
			return fmt.Errorf("order_type stop_limit requires limit_price, trigger_price and trigger_direction")
		}
	default:
		return fmt.Errorf("order_type must be one of market, limit, stop_market, stop_limit; got %q", a.OrderType)
	}
	switch a.TriggerDirection {
	case "", "rises_to", "falls_to":
	default:
		return fmt.Errorf("trigger_direction must be rises_to or falls_to; got %q", a.TriggerDirection)
	}
	switch a.TimeInForce {
	case "", "gtc", "ioc", "fok", "post_only":
	default:
		return fmt.Errorf("time_in_force must be one of gtc, ioc, fok, post_only; got %q", a.TimeInForce)
	}
	return nil
}

// Load parses and validates a Play definition from YAML bytes.
func Load(raw []byte) (*Play, error) {
	var p Play
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("play: parse error: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the Play's structural invariants, returning an error
// naming the offending field and a corrective example.
func (p *Play) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("play: missing required field \"id\"\n\nFix: add `id: my_play_name` at the document root")
	}
	if p.Symbol == "" {
		return fmt.Errorf("play %q: missing required field \"symbol\"\n\nFix: add `symbol: BTCUSDT`", p.ID)
	}
	if p.Timeframes.Exec == "" {
		return fmt.Errorf("play %q: missing timeframes.exec\n\nFix: add `timeframes: {exec: 15m}`", p.ID)
	}

	for role, specs := range p.Structures {
		if role != "exec" {
			label, ok := cutHTFRole(role)
			if !ok {
				return fmt.Errorf("play %q: structures role %q must be \"exec\" or \"htf_<label>\"", p.ID, role)
			}
			if _, declared := p.Timeframes.HTF[label]; !declared {
				return fmt.Errorf("play %q: structures role %q references undeclared htf label %q\n\nFix: declare it under timeframes.htf, e.g. `htf: {%s: 1h}`", p.ID, role, label, label)
			}
		}
		seen := make(map[string]bool, len(specs))
		for _, s := range specs {
			if s.Key == "" || s.Type == "" {
				return fmt.Errorf("play %q: role %q: every structure needs both \"key\" and \"type\"", p.ID, role)
			}
			if seen[s.Key] {
				return fmt.Errorf("play %q: role %q: duplicate structure key %q", p.ID, role, s.Key)
			}
			for depRole, dep := range s.DependsOn {
				if !seen[dep] {
					return fmt.Errorf("play %q: role %q: structure %q depends_on %q (role %q), which must be declared earlier in the same list", p.ID, role, s.Key, dep, depRole)
				}
			}
			seen[s.Key] = true
		}
	}

	switch p.PositionPolicy.Mode {
	case "", "long_only", "short_only", "both":
	default:
		return fmt.Errorf("play %q: position_policy.mode must be long_only, short_only or both; got %q", p.ID, p.PositionPolicy.Mode)
	}
	switch p.PositionPolicy.ExitMode {
	case "", "sl_tp_only", "signal_only", "sl_tp_and_signal":
	default:
		return fmt.Errorf("play %q: position_policy.exit_mode must be sl_tp_only, signal_only or sl_tp_and_signal; got %q", p.ID, p.PositionPolicy.ExitMode)
	}

	if len(p.Rules) == 0 {
		return fmt.Errorf("play %q: at least one rule is required\n\nFix: add a `rules:` list with at least one `when`/`action` entry", p.ID)
	}
	for i, r := range p.Rules {
		if r.Name == "" {
			return fmt.Errorf("play %q: rules[%d] missing \"name\"", p.ID, i)
		}
		if err := r.When.Validate(); err != nil {
			return fmt.Errorf("play %q: rule %q: when: %w", p.ID, r.Name, err)
		}
		if err := r.Action.Validate(); err != nil {
			return fmt.Errorf("play %q: rule %q: %w", p.ID, r.Name, err)
		}
	}
	return nil
}

func cutHTFRole(role string) (label string, ok bool) {
	const prefix = "htf_"
	if len(role) > len(prefix) && role[:len(prefix)] == prefix {
		return role[len(prefix):], true
	}
	return "", false
}
