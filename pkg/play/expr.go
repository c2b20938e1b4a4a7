package play

import (
	"fmt"
	"strings"

	"github.com/quantlayer/perpbt/internal/detectors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Env resolves dotted snapshot paths referenced by expressions: bar fields
// (close, high, ...), mark_price, feature.<name>, structure.<key>.<field>,
// htf_<label>.<key>.<field>, regime, position.*, ledger fields.
type Env interface {
	Resolve(path string) (detectors.Value, error)
}

// Operand is one side of a comparison or an action price field: either a
// scalar arithmetic expression over snapshot paths and numbers, or a
// cases_when selector choosing between expressions by condition.
type Operand struct {
	Expr  string
	Cases *CasesWhen
}

// CasesWhen selects the value of the first case whose condition holds,
// falling back to Default.
type CasesWhen struct {
	Cases   []Case `yaml:"cases"`
	Default string `yaml:"default"`
}

// Case is one branch of a cases_when selector.
type Case struct {
	When  Condition `yaml:"when"`
	Value string    `yaml:"value"`
}

// UnmarshalYAML accepts either a scalar expression string/number or a
// mapping with a cases_when key.
func (o *Operand) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		o.Expr = node.Value
		return nil
	case yaml.MappingNode:
		var wrapper struct {
			CasesWhen *CasesWhen `yaml:"cases_when"`
		}
		if err := node.Decode(&wrapper); err != nil {
			return err
		}
		if wrapper.CasesWhen == nil {
			return fmt.Errorf("operand mapping must contain cases_when")
		}
		o.Cases = wrapper.CasesWhen
		return nil
	}
	return fmt.Errorf("operand must be a scalar expression or a cases_when mapping")
}

// MarshalYAML renders the operand back to its YAML form, for canonical
// normalization.
func (o Operand) MarshalYAML() (interface{}, error) {
	if o.Cases != nil {
		return map[string]*CasesWhen{"cases_when": o.Cases}, nil
	}
	return o.Expr, nil
}

// IsZero reports an unset operand.
func (o Operand) IsZero() bool { return o.Expr == "" && o.Cases == nil }

// Eval computes the operand's value. st carries per-node evaluation state
// for any nested cases_when conditions; nodeID uniquely addresses this
// operand within the Play.
func (o Operand) Eval(env Env, st *CondState, nodeID string) (detectors.Value, error) {
	if o.Cases != nil {
		for i, c := range o.Cases.Cases {
			ok, err := c.When.eval(env, st, fmt.Sprintf("%s.case%d", nodeID, i))
			if err != nil {
				return detectors.Value{}, err
			}
			if ok {
				return evalExpr(c.Value, env)
			}
		}
		if o.Cases.Default == "" {
			return detectors.NullFloat(), nil
		}
		return evalExpr(o.Cases.Default, env)
	}
	return evalExpr(o.Expr, env)
}

// --- expression parsing ---

// evalExpr parses and evaluates a scalar arithmetic expression: numbers,
// dotted identifiers, + - * /, parentheses, unary minus. Identifiers resolve
// through the Env; string-valued identifiers are only legal as the entire
// expression (for == / != comparisons against quoted strings).
func evalExpr(src string, env Env) (detectors.Value, error) {
	p := &exprParser{src: src, env: env}
	p.next()
	v, err := p.parseAdditive()
	if err != nil {
		return detectors.Value{}, fmt.Errorf("expression %q: %w", src, err)
	}
	if p.tok.kind != tokEOF {
		return detectors.Value{}, fmt.Errorf("expression %q: unexpected %q", src, p.tok.text)
	}
	return v, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokIdent
	tokString
	tokOp // + - * / ( )
)

type token struct {
	kind tokKind
	text string
}

type exprParser struct {
	src string
	pos int
	tok token
	env Env
}

func (p *exprParser) next() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
	if p.pos >= len(p.src) {
		p.tok = token{kind: tokEOF}
		return
	}
	c := p.src[p.pos]
	switch {
	case c == '+' || c == '-' || c == '*' || c == '/' || c == '(' || c == ')':
		p.tok = token{kind: tokOp, text: string(c)}
		p.pos++
	case c >= '0' && c <= '9':
		start := p.pos
		for p.pos < len(p.src) && (p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '.') {
			p.pos++
		}
		p.tok = token{kind: tokNumber, text: p.src[start:p.pos]}
	case c == '\'' || c == '"':
		quote := c
		p.pos++
		start := p.pos
		for p.pos < len(p.src) && p.src[p.pos] != quote {
			p.pos++
		}
		if p.pos >= len(p.src) {
			p.tok = token{kind: tokEOF, text: "unterminated string"}
			return
		}
		p.tok = token{kind: tokString, text: p.src[start:p.pos]}
		p.pos++
	case isIdentStart(c):
		start := p.pos
		for p.pos < len(p.src) && isIdentPart(p.src[p.pos]) {
			p.pos++
		}
		p.tok = token{kind: tokIdent, text: p.src[start:p.pos]}
	default:
		p.tok = token{kind: tokEOF, text: fmt.Sprintf("illegal character %q", c)}
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c == '.' || (c >= '0' && c <= '9')
}

func (p *exprParser) parseAdditive() (detectors.Value, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return detectors.Value{}, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return detectors.Value{}, err
		}
		left, err = arith(left, right, op)
		if err != nil {
			return detectors.Value{}, err
		}
	}
	return left, nil
}

func (p *exprParser) parseMultiplicative() (detectors.Value, error) {
	left, err := p.parseUnary()
	if err != nil {
		return detectors.Value{}, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "*" || p.tok.text == "/") {
		op := p.tok.text
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return detectors.Value{}, err
		}
		left, err = arith(left, right, op)
		if err != nil {
			return detectors.Value{}, err
		}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (detectors.Value, error) {
	if p.tok.kind == tokOp && p.tok.text == "-" {
		p.next()
		v, err := p.parseUnary()
		if err != nil {
			return detectors.Value{}, err
		}
		n, err := asNumber(v)
		if err != nil {
			return detectors.Value{}, err
		}
		return detectors.FloatValue(n.Neg()), nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (detectors.Value, error) {
	switch p.tok.kind {
	case tokNumber:
		d, err := decimal.NewFromString(p.tok.text)
		if err != nil {
			return detectors.Value{}, fmt.Errorf("bad number %q", p.tok.text)
		}
		p.next()
		return detectors.FloatValue(d), nil
	case tokString:
		s := p.tok.text
		p.next()
		return detectors.StringValue(s), nil
	case tokIdent:
		path := p.tok.text
		p.next()
		switch strings.ToLower(path) {
		case "true":
			return detectors.BoolValue(true), nil
		case "false":
			return detectors.BoolValue(false), nil
		}
		return p.env.Resolve(path)
	case tokOp:
		if p.tok.text == "(" {
			p.next()
			v, err := p.parseAdditive()
			if err != nil {
				return detectors.Value{}, err
			}
			if p.tok.kind != tokOp || p.tok.text != ")" {
				return detectors.Value{}, fmt.Errorf("missing closing parenthesis")
			}
			p.next()
			return v, nil
		}
	}
	return detectors.Value{}, fmt.Errorf("unexpected token %q", p.tok.text)
}

// asNumber coerces a float or int Value to decimal; null and non-numeric
// kinds are errors so strict mode never silently treats them as zero.
func asNumber(v detectors.Value) (decimal.Decimal, error) {
	if v.Null {
		return decimal.Decimal{}, fmt.Errorf("null value in numeric context")
	}
	switch v.Kind {
	case detectors.KindFloat:
		return v.Float, nil
	case detectors.KindInt:
		return decimal.NewFromInt(v.Int), nil
	case detectors.KindBool:
		if v.Bool {
			return decimal.NewFromInt(1), nil
		}
		return decimal.Zero, nil
	}
	return decimal.Decimal{}, fmt.Errorf("non-numeric value %q in numeric context", v.String())
}

func arith(a, b detectors.Value, op string) (detectors.Value, error) {
	x, err := asNumber(a)
	if err != nil {
		return detectors.Value{}, err
	}
	y, err := asNumber(b)
	if err != nil {
		return detectors.Value{}, err
	}
	switch op {
	case "+":
		return detectors.FloatValue(x.Add(y)), nil
	case "-":
		return detectors.FloatValue(x.Sub(y)), nil
	case "*":
		return detectors.FloatValue(x.Mul(y)), nil
	case "/":
		if y.IsZero() {
			return detectors.Value{}, fmt.Errorf("division by zero")
		}
		return detectors.FloatValue(x.Div(y)), nil
	}
	return detectors.Value{}, fmt.Errorf("unknown operator %q", op)
}
