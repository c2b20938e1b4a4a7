// Package detectors implements the O(1)-amortized incremental market-structure
// detectors (swing, trend, fibonacci, rolling window, zone, derived zone) that
// form the core of the structure engine. Each detector is a small struct
// satisfying the Detector interface; construction goes through a validating
// factory registered by type name in the package-level registry.
package detectors

import (
	"fmt"

	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

// ValueKind tags the dynamic type carried by a Value.
type ValueKind int

const (
	KindFloat ValueKind = iota
	KindInt
	KindString
	KindBool
)

// Value is the tagged union returned by Detector.Get: every detector output,
// regardless of its underlying Go type, is carried through this single shape
// so the rationalizer and Play evaluator can compare and print any field
// without a type switch per detector type. Null plays the role of NaN in the
// float convention: a float output that has no value yet (a swing level
// before the first confirmed pivot, an unused derived-zone slot).
type Value struct {
	Kind  ValueKind
	Null  bool
	Float decimal.Decimal // valid when Kind == KindFloat and !Null
	Int   int64           // valid when Kind == KindInt
	Str   string          // valid when Kind == KindString
	Bool  bool            // valid when Kind == KindBool
}

// FloatValue wraps a decimal as a Value.
func FloatValue(d decimal.Decimal) Value { return Value{Kind: KindFloat, Float: d} }

// NullFloat is the "no value yet" float output.
func NullFloat() Value { return Value{Kind: KindFloat, Null: true} }

// IntValue wraps an int64 as a Value.
func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

// StringValue wraps a string as a Value.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// BoolValue wraps a bool as a Value.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Equal compares two Values for kind, nullness, and payload equality.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind || v.Null != o.Null {
		return false
	}
	if v.Null {
		return true
	}
	switch v.Kind {
	case KindFloat:
		return v.Float.Equal(o.Float)
	case KindInt:
		return v.Int == o.Int
	case KindString:
		return v.Str == o.Str
	case KindBool:
		return v.Bool == o.Bool
	}
	return false
}

// String renders the value for error messages and artifact rows.
func (v Value) String() string {
	if v.Null {
		return "null"
	}
	switch v.Kind {
	case KindFloat:
		return v.Float.String()
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindString:
		return v.Str
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	}
	return "?"
}

// Detector is the common contract every incremental structure detector
// satisfies: bar-by-bar update, a stable output key list, O(1) lookup, and a
// monotonically increasing version counter bumped on material state changes
// (new pivot, trend flip, zone state transition, regen epoch).
type Detector interface {
	// Type returns the registered detector type name ("swing", "trend", ...).
	Type() string

	// Update processes one closed bar. Called once per close of the
	// detector's own timeframe.
	Update(barIdx int64, bar types.BarData)

	// OutputKeys returns the stable, ordered list of readable output keys.
	OutputKeys() []string

	// Get returns the named output. Returns an error listing valid keys if
	// key is not one of OutputKeys().
	Get(key string) (Value, error)

	// Version returns the detector's material-change version counter.
	Version() int64
}

// UnknownKeyError is returned by Detector.Get for an unrecognized key; it
// enumerates the valid keys so the caller can self-correct.
type UnknownKeyError struct {
	DetectorType string
	DetectorKey  string
	Key          string
	ValidKeys    []string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("structure %q (type: %s) has no output %q; available outputs: %v", e.DetectorKey, e.DetectorType, e.Key, e.ValidKeys)
}

// ParamError reports an invalid or missing construction parameter with an
// actionable corrective snippet: every configuration error surfaces at build
// time with the exact YAML fix.
type ParamError struct {
	StructType string
	Key        string
	Message    string
	Fix        string
}

func (e *ParamError) Error() string {
	if e.Fix == "" {
		return fmt.Sprintf("structure %q (type: %s): %s", e.Key, e.StructType, e.Message)
	}
	return fmt.Sprintf("structure %q (type: %s): %s\n\nFix: %s", e.Key, e.StructType, e.Message, e.Fix)
}

// DepError reports a missing or unresolved dependency role.
type DepError struct {
	StructType string
	Key        string
	Missing    []string
}

func (e *DepError) Error() string {
	return fmt.Sprintf("structure %q (type: %s) missing dependencies: %v", e.Key, e.StructType, e.Missing)
}

func paramFloat(params map[string]any, name string) (float64, bool) {
	v, ok := params[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func paramInt(params map[string]any, name string) (int, bool) {
	v, ok := params[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func paramString(params map[string]any, name, def string) string {
	v, ok := params[name]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// paramFloatList parses a non-empty list of positive numbers, the shared
// shape of the fibonacci and derived-zone "levels" params.
func paramFloatList(params map[string]any, name string) ([]decimal.Decimal, bool) {
	raw, ok := params[name]
	if !ok {
		return nil, false
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, false
	}
	out := make([]decimal.Decimal, 0, len(list))
	for _, v := range list {
		switch n := v.(type) {
		case float64:
			if n <= 0 {
				return nil, false
			}
			out = append(out, decimal.NewFromFloat(n))
		case int:
			if n <= 0 {
				return nil, false
			}
			out = append(out, decimal.NewFromInt(int64(n)))
		default:
			return nil, false
		}
	}
	return out, true
}
