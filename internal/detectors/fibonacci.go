package detectors

import (
	"fmt"
	"strconv"

	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

// FibonacciDetector projects retracement or extension levels between the
// most recent confirmed swing high and low of its swing dependency. Levels
// are recomputed only when the swing's high_idx or low_idx changes (a new
// confirmed pivot), never on every bar, and stay null until both swings
// exist.
//
//	retracement: high - (high - low) * r
//	extension:   high + (high - low) * r
type FibonacciDetector struct {
	key    string
	swing  Detector
	levels []decimal.Decimal
	mode   string

	lastHighIdx int64
	lastLowIdx  int64

	values  map[string]Value
	keys    []string
	version int64
}

func registerFibonacci(r *Registry) {
	r.Register(TypeInfo{
		Type:           "fibonacci",
		RequiredParams: []string{"levels"},
		OptionalParams: []string{"mode"},
		DependsOn:      []string{"swing"},
	}, func(key string, params map[string]any, deps map[string]Detector) (Detector, error) {
		levels, ok := paramFloatList(params, "levels")
		if !ok {
			return nil, &ParamError{StructType: "fibonacci", Key: key, Message: "levels must be a non-empty list of positive numbers", Fix: "levels: [0.236, 0.382, 0.5, 0.618, 0.786]"}
		}
		mode := paramString(params, "mode", "retracement")
		if mode != "retracement" && mode != "extension" {
			return nil, &ParamError{StructType: "fibonacci", Key: key, Message: fmt.Sprintf("mode must be 'retracement' or 'extension', got %q", mode), Fix: "mode: retracement  # or: mode: extension"}
		}

		f := &FibonacciDetector{
			key:         key,
			swing:       deps["swing"],
			levels:      levels,
			mode:        mode,
			lastHighIdx: -1,
			lastLowIdx:  -1,
			values:      make(map[string]Value, len(levels)),
		}
		for _, lv := range levels {
			k := levelKey(lv)
			f.keys = append(f.keys, k)
			f.values[k] = NullFloat()
		}
		f.keys = append(f.keys, "version")
		return f, nil
	})
}

// levelKey formats a ratio into its canonical output key with trailing zeros
// stripped: 0.5 -> "level_0.5", 0.618 -> "level_0.618".
func levelKey(level decimal.Decimal) string {
	f, _ := level.Float64()
	return "level_" + strconv.FormatFloat(f, 'g', -1, 64)
}

func (f *FibonacciDetector) Type() string { return "fibonacci" }

func (f *FibonacciDetector) Update(barIdx int64, bar types.BarData) {
	highIdxV, _ := f.swing.Get("high_idx")
	lowIdxV, _ := f.swing.Get("low_idx")

	if highIdxV.Int == f.lastHighIdx && lowIdxV.Int == f.lastLowIdx {
		return
	}
	f.lastHighIdx = highIdxV.Int
	f.lastLowIdx = lowIdxV.Int

	high, _ := f.swing.Get("high_level")
	low, _ := f.swing.Get("low_level")
	if high.Null || low.Null {
		return
	}

	span := high.Float.Sub(low.Float)
	for _, lv := range f.levels {
		var price decimal.Decimal
		if f.mode == "retracement" {
			price = high.Float.Sub(span.Mul(lv))
		} else {
			price = high.Float.Add(span.Mul(lv))
		}
		f.values[levelKey(lv)] = FloatValue(price)
	}
	f.version++
}

func (f *FibonacciDetector) OutputKeys() []string { return f.keys }

func (f *FibonacciDetector) Version() int64 { return f.version }

func (f *FibonacciDetector) Get(key string) (Value, error) {
	if key == "version" {
		return IntValue(f.version), nil
	}
	if v, ok := f.values[key]; ok {
		return v, nil
	}
	return Value{}, &UnknownKeyError{DetectorType: "fibonacci", DetectorKey: f.key, Key: key, ValidKeys: f.OutputKeys()}
}
