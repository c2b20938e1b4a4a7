package play

import (
	"fmt"

	"github.com/quantlayer/perpbt/internal/detectors"
)

// Condition is a boolean tree over snapshot paths. Exactly one of the
// composite fields (all/any/not) or the leaf operator form (left/op/right
// plus operator-specific extras) must be set.
//
// Leaf operators: > < >= <= == != cross_above cross_below between near_pct
// near_abs. The time-window modifiers holds_for and occurred_within wrap the
// leaf's truth series: holds_for requires N consecutive true bars,
// occurred_within requires at least one true bar in the last N.
type Condition struct {
	All []Condition `yaml:"all,omitempty"`
	Any []Condition `yaml:"any,omitempty"`
	Not *Condition  `yaml:"not,omitempty"`

	Left  Operand `yaml:"left,omitempty"`
	Op    string  `yaml:"op,omitempty"`
	Right Operand `yaml:"right,omitempty"`

	// between bounds (op: between).
	Lower Operand `yaml:"lower,omitempty"`
	Upper Operand `yaml:"upper,omitempty"`

	// near_pct / near_abs tolerance.
	Tolerance string `yaml:"tolerance,omitempty"`

	// Time-window modifiers, in bars.
	HoldsFor       int `yaml:"holds_for,omitempty"`
	OccurredWithin int `yaml:"occurred_within,omitempty"`
}

var leafOps = map[string]bool{
	">": true, "<": true, ">=": true, "<=": true, "==": true, "!=": true,
	"cross_above": true, "cross_below": true,
	"between": true, "near_pct": true, "near_abs": true,
}

// Validate checks the condition tree's structural invariants.
func (c *Condition) Validate() error {
	composites := 0
	if len(c.All) > 0 {
		composites++
	}
	if len(c.Any) > 0 {
		composites++
	}
	if c.Not != nil {
		composites++
	}
	isLeaf := c.Op != ""

	if composites == 0 && !isLeaf {
		return fmt.Errorf("empty condition: set one of all/any/not or a left/op/right leaf")
	}
	if composites > 1 || (composites == 1 && isLeaf) {
		return fmt.Errorf("condition must be exactly one of all, any, not, or a leaf operator")
	}

	for i := range c.All {
		if err := c.All[i].Validate(); err != nil {
			return fmt.Errorf("all[%d]: %w", i, err)
		}
	}
	for i := range c.Any {
		if err := c.Any[i].Validate(); err != nil {
			return fmt.Errorf("any[%d]: %w", i, err)
		}
	}
	if c.Not != nil {
		return c.Not.Validate()
	}
	if !isLeaf {
		return nil
	}

	if !leafOps[c.Op] {
		ops := make([]string, 0, len(leafOps))
		for op := range leafOps {
			ops = append(ops, op)
		}
		return fmt.Errorf("unknown operator %q; valid operators: %v", c.Op, ops)
	}
	if c.Left.IsZero() {
		return fmt.Errorf("operator %q requires left", c.Op)
	}
	switch c.Op {
	case "between":
		if c.Lower.IsZero() || c.Upper.IsZero() {
			return fmt.Errorf("between requires lower and upper")
		}
	case "near_pct", "near_abs":
		if c.Right.IsZero() || c.Tolerance == "" {
			return fmt.Errorf("%s requires right and tolerance", c.Op)
		}
	default:
		if c.Right.IsZero() {
			return fmt.Errorf("operator %q requires right", c.Op)
		}
	}
	if c.HoldsFor < 0 || c.OccurredWithin < 0 {
		return fmt.Errorf("holds_for and occurred_within must be >= 0")
	}
	if c.HoldsFor > 0 && c.OccurredWithin > 0 {
		return fmt.Errorf("holds_for and occurred_within are mutually exclusive on one leaf")
	}
	return nil
}

// CondState carries the per-run mutable evaluation state conditions need
// across bars: previous operand values for cross operators and truth
// history for the time-window modifiers. One CondState serves one Play for
// one run; node identity is positional, so the same tree always maps to the
// same state slots.
type CondState struct {
	barIdx int64

	prevPairs map[string][2]detectors.Value
	hasPrev   map[string]bool

	consecutiveTrue map[string]int
	lastTrueBar     map[string]int64
}

// NewCondState returns an empty condition-evaluation state.
func NewCondState() *CondState {
	return &CondState{
		prevPairs:       make(map[string][2]detectors.Value),
		hasPrev:         make(map[string]bool),
		consecutiveTrue: make(map[string]int),
		lastTrueBar:     make(map[string]int64),
	}
}

// AdvanceBar must be called once per exec bar before evaluating rules.
func (st *CondState) AdvanceBar(barIdx int64) { st.barIdx = barIdx }

// Eval evaluates the condition tree against env at the current bar.
func (c *Condition) Eval(env Env, st *CondState, nodeID string) (bool, error) {
	return c.eval(env, st, nodeID)
}

func (c *Condition) eval(env Env, st *CondState, nodeID string) (bool, error) {
	switch {
	case len(c.All) > 0:
		for i := range c.All {
			ok, err := c.All[i].eval(env, st, fmt.Sprintf("%s.all%d", nodeID, i))
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case len(c.Any) > 0:
		hit := false
		// Every branch still evaluates so cross/window state advances
		// deterministically regardless of short-circuit opportunities.
		for i := range c.Any {
			ok, err := c.Any[i].eval(env, st, fmt.Sprintf("%s.any%d", nodeID, i))
			if err != nil {
				return false, err
			}
			if ok {
				hit = true
			}
		}
		return hit, nil
	case c.Not != nil:
		ok, err := c.Not.eval(env, st, nodeID+".not")
		return !ok, err
	}

	truth, err := c.evalLeaf(env, st, nodeID)
	if err != nil {
		return false, err
	}

	if truth {
		st.consecutiveTrue[nodeID]++
		st.lastTrueBar[nodeID] = st.barIdx
	} else {
		st.consecutiveTrue[nodeID] = 0
	}

	if c.HoldsFor > 0 {
		return st.consecutiveTrue[nodeID] >= c.HoldsFor, nil
	}
	if c.OccurredWithin > 0 {
		last, ever := st.lastTrueBar[nodeID]
		if !ever && !truth {
			return false, nil
		}
		return st.barIdx-last < int64(c.OccurredWithin), nil
	}
	return truth, nil
}

// valuesEqual compares numerically when both sides coerce to numbers (a
// detector's int output must equal the literal 1), falling back to strict
// tagged equality for strings/bools/nulls.
func valuesEqual(a, b detectors.Value) bool {
	x, errX := asNumber(a)
	y, errY := asNumber(b)
	if errX == nil && errY == nil {
		return x.Equal(y)
	}
	return a.Equal(b)
}

func (c *Condition) evalLeaf(env Env, st *CondState, nodeID string) (bool, error) {
	left, err := c.Left.Eval(env, st, nodeID+".left")
	if err != nil {
		return false, err
	}

	switch c.Op {
	case "between":
		lo, err := c.Lower.Eval(env, st, nodeID+".lower")
		if err != nil {
			return false, err
		}
		hi, err := c.Upper.Eval(env, st, nodeID+".upper")
		if err != nil {
			return false, err
		}
		x, err := asNumber(left)
		if err != nil {
			return false, nil // null operand: condition is simply false
		}
		l, errL := asNumber(lo)
		h, errH := asNumber(hi)
		if errL != nil || errH != nil {
			return false, nil
		}
		return l.LessThanOrEqual(x) && x.LessThanOrEqual(h), nil
	}

	right, err := c.Right.Eval(env, st, nodeID+".right")
	if err != nil {
		return false, err
	}

	switch c.Op {
	case "==":
		return valuesEqual(left, right), nil
	case "!=":
		return !valuesEqual(left, right), nil
	case "cross_above", "cross_below":
		pair, had := st.prevPairs[nodeID], st.hasPrev[nodeID]
		st.prevPairs[nodeID] = [2]detectors.Value{left, right}
		st.hasPrev[nodeID] = true
		if !had {
			return false, nil
		}
		pl, errPL := asNumber(pair[0])
		pr, errPR := asNumber(pair[1])
		cl, errCL := asNumber(left)
		cr, errCR := asNumber(right)
		if errPL != nil || errPR != nil || errCL != nil || errCR != nil {
			return false, nil
		}
		if c.Op == "cross_above" {
			return pl.LessThanOrEqual(pr) && cl.GreaterThan(cr), nil
		}
		return pl.GreaterThanOrEqual(pr) && cl.LessThan(cr), nil
	case "near_pct", "near_abs":
		x, errX := asNumber(left)
		y, errY := asNumber(right)
		if errX != nil || errY != nil {
			return false, nil
		}
		tol, err := evalExpr(c.Tolerance, env)
		if err != nil {
			return false, err
		}
		t, err := asNumber(tol)
		if err != nil {
			return false, err
		}
		diff := x.Sub(y).Abs()
		if c.Op == "near_abs" {
			return diff.LessThanOrEqual(t), nil
		}
		return diff.LessThanOrEqual(y.Abs().Mul(t)), nil
	}

	// Ordered comparisons: null or non-numeric operands make the condition
	// false rather than erroring, matching the NaN-compares-false rule.
	x, errX := asNumber(left)
	y, errY := asNumber(right)
	if errX != nil || errY != nil {
		return false, nil
	}
	switch c.Op {
	case ">":
		return x.GreaterThan(y), nil
	case "<":
		return x.LessThan(y), nil
	case ">=":
		return x.GreaterThanOrEqual(y), nil
	case "<=":
		return x.LessThanOrEqual(y), nil
	}
	return false, fmt.Errorf("unknown operator %q", c.Op)
}
