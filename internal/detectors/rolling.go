package detectors

import (
	"fmt"

	"github.com/quantlayer/perpbt/internal/primitives"
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

var rollingFields = map[string]bool{"open": true, "high": true, "low": true, "close": true, "volume": true}

// RollingWindowDetector tracks the rolling min or max of one OHLCV field
// over the last `size` bars, O(1) amortized per update via a monotonic
// deque. Outputs are the "value" and "version" keys.
type RollingWindowDetector struct {
	key   string
	size  int
	field string
	mode  string

	dq  *primitives.MonotonicDeque
	seq int64

	last    Value
	version int64
}

func registerRollingWindow(r *Registry) {
	r.Register(TypeInfo{
		Type:           "rolling_window",
		RequiredParams: []string{"size", "field", "mode"},
	}, func(key string, params map[string]any, _ map[string]Detector) (Detector, error) {
		size, ok := paramInt(params, "size")
		if !ok || size < 1 {
			return nil, &ParamError{StructType: "rolling_window", Key: key, Message: "size must be an integer >= 1", Fix: "size: 20"}
		}
		field := paramString(params, "field", "")
		if !rollingFields[field] {
			return nil, &ParamError{StructType: "rolling_window", Key: key, Message: fmt.Sprintf("field must be one of open, high, low, close, volume; got %q", field), Fix: "field: low  # for 20-bar low tracking"}
		}
		mode := paramString(params, "mode", "")
		if mode != "min" && mode != "max" {
			return nil, &ParamError{StructType: "rolling_window", Key: key, Message: fmt.Sprintf("mode must be 'min' or 'max', got %q", mode), Fix: "mode: min"}
		}
		dqMode := primitives.DequeMin
		if mode == "max" {
			dqMode = primitives.DequeMax
		}
		return &RollingWindowDetector{
			key:   key,
			size:  size,
			field: field,
			mode:  mode,
			dq:    primitives.NewMonotonicDeque(int64(size), dqMode),
			last:  NullFloat(),
		}, nil
	})
}

func (rw *RollingWindowDetector) Type() string { return "rolling_window" }

func (rw *RollingWindowDetector) Update(barIdx int64, bar types.BarData) {
	var v decimal.Decimal
	switch rw.field {
	case "open":
		v = bar.Open
	case "high":
		v = bar.High
	case "low":
		v = bar.Low
	case "close":
		v = bar.Close
	case "volume":
		v = bar.Volume
	}
	rw.dq.Push(rw.seq, v)
	rw.seq++

	cur, ok := rw.dq.Get()
	next := NullFloat()
	if ok {
		next = FloatValue(cur)
	}
	if !next.Equal(rw.last) {
		rw.last = next
		rw.version++
	}
}

func (rw *RollingWindowDetector) OutputKeys() []string { return []string{"value", "version"} }

func (rw *RollingWindowDetector) Version() int64 { return rw.version }

func (rw *RollingWindowDetector) Get(key string) (Value, error) {
	switch key {
	case "value":
		return rw.last, nil
	case "version":
		return IntValue(rw.version), nil
	}
	return Value{}, &UnknownKeyError{DetectorType: "rolling_window", DetectorKey: rw.key, Key: key, ValidKeys: rw.OutputKeys()}
}
