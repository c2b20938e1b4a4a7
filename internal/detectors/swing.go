package detectors

import (
	"github.com/quantlayer/perpbt/internal/primitives"
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

// SwingDetector identifies confirmed swing highs/lows over a left+1+right
// window held in two ring buffers. The candidate pivot sits at buffer index
// `left`; once the window is full, the candidate's high (resp. low) must be
// strictly greater (resp. less) than every other bar in the window to
// confirm. Confirmation therefore always lags the pivot bar by exactly
// `right` bars: a pivot at bar N is published at bar N+right with
// high_idx/low_idx pointing back at N.
type SwingDetector struct {
	key   string
	left  int
	right int

	highBuf *primitives.RingBuffer
	lowBuf  *primitives.RingBuffer

	highLevel Value
	highIdx   int64
	lowLevel  Value
	lowIdx    int64

	version               int64
	lastConfirmedPivotIdx int64
	lastConfirmedPivotTyp string // "high" or "low", "" until first pivot
}

func registerSwing(r *Registry) {
	r.Register(TypeInfo{
		Type:           "swing",
		RequiredParams: []string{"left", "right"},
	}, func(key string, params map[string]any, _ map[string]Detector) (Detector, error) {
		left, okL := paramInt(params, "left")
		right, okR := paramInt(params, "right")
		if !okL || left < 1 {
			return nil, &ParamError{StructType: "swing", Key: key, Message: "left must be an integer >= 1", Fix: "left: 5  # bars to the left of the pivot"}
		}
		if !okR || right < 1 {
			return nil, &ParamError{StructType: "swing", Key: key, Message: "right must be an integer >= 1", Fix: "right: 5  # bars to the right of the pivot"}
		}
		window := left + right + 1
		return &SwingDetector{
			key:                   key,
			left:                  left,
			right:                 right,
			highBuf:               primitives.NewRingBuffer(window),
			lowBuf:                primitives.NewRingBuffer(window),
			highLevel:             NullFloat(),
			highIdx:               -1,
			lowLevel:              NullFloat(),
			lowIdx:                -1,
			lastConfirmedPivotIdx: -1,
		}, nil
	})
}

func (s *SwingDetector) Type() string { return "swing" }

func (s *SwingDetector) Update(barIdx int64, bar types.BarData) {
	s.highBuf.Push(bar.High)
	s.lowBuf.Push(bar.Low)

	if !s.highBuf.IsFull() {
		return
	}

	// The candidate pivot is at buffer index left, i.e. bar_idx - right in
	// absolute terms.
	pivotBarIdx := barIdx - int64(s.right)

	if s.isSwingHigh() {
		s.highLevel = FloatValue(s.highBuf.Get(s.left).(decimal.Decimal))
		s.highIdx = pivotBarIdx
		s.version++
		s.lastConfirmedPivotIdx = pivotBarIdx
		s.lastConfirmedPivotTyp = "high"
	}
	if s.isSwingLow() {
		s.lowLevel = FloatValue(s.lowBuf.Get(s.left).(decimal.Decimal))
		s.lowIdx = pivotBarIdx
		s.version++
		s.lastConfirmedPivotIdx = pivotBarIdx
		s.lastConfirmedPivotTyp = "low"
	}
}

// isSwingHigh reports whether the candidate high is strictly greater than
// every other high in the window. Ties do not confirm.
func (s *SwingDetector) isSwingHigh() bool {
	pivot := s.highBuf.Get(s.left).(decimal.Decimal)
	for i := 0; i < s.highBuf.Len(); i++ {
		if i == s.left {
			continue
		}
		if s.highBuf.Get(i).(decimal.Decimal).GreaterThanOrEqual(pivot) {
			return false
		}
	}
	return true
}

// isSwingLow reports whether the candidate low is strictly less than every
// other low in the window.
func (s *SwingDetector) isSwingLow() bool {
	pivot := s.lowBuf.Get(s.left).(decimal.Decimal)
	for i := 0; i < s.lowBuf.Len(); i++ {
		if i == s.left {
			continue
		}
		if s.lowBuf.Get(i).(decimal.Decimal).LessThanOrEqual(pivot) {
			return false
		}
	}
	return true
}

func (s *SwingDetector) OutputKeys() []string {
	return []string{
		"high_level",
		"high_idx",
		"low_level",
		"low_idx",
		"version",
		"last_confirmed_pivot_idx",
		"last_confirmed_pivot_type",
	}
}

func (s *SwingDetector) Version() int64 { return s.version }

func (s *SwingDetector) Get(key string) (Value, error) {
	switch key {
	case "high_level":
		return s.highLevel, nil
	case "high_idx":
		return IntValue(s.highIdx), nil
	case "low_level":
		return s.lowLevel, nil
	case "low_idx":
		return IntValue(s.lowIdx), nil
	case "version":
		return IntValue(s.version), nil
	case "last_confirmed_pivot_idx":
		return IntValue(s.lastConfirmedPivotIdx), nil
	case "last_confirmed_pivot_type":
		return StringValue(s.lastConfirmedPivotTyp), nil
	}
	return Value{}, &UnknownKeyError{DetectorType: "swing", DetectorKey: s.key, Key: key, ValidKeys: s.OutputKeys()}
}
