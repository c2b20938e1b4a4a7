package detectors

import (
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

// TrendDetector classifies trend from the swing sequence of its dependency:
// direction +1 only on a higher high AND a higher low versus the previous
// confirmed pivot of each kind, -1 only on a lower high AND a lower low, 0
// otherwise (mixed or insufficient). bars_in_trend increments every bar and
// resets when direction changes, which also bumps version. No lookahead
// beyond the confirmed swings the dependency publishes.
type TrendDetector struct {
	key   string
	swing Detector

	prevHigh Value
	prevLow  Value

	lastHighIdx int64
	lastLowIdx  int64

	// lastHH/lastHL record the most recent higher-high / higher-low
	// comparison; nil until two pivots of that kind have been confirmed.
	lastHH *bool
	lastHL *bool

	direction   int64
	strength    decimal.Decimal // placeholder metric, fixed at 0 for now
	barsInTrend int64

	version int64
}

func registerTrend(r *Registry) {
	r.Register(TypeInfo{
		Type:      "trend",
		DependsOn: []string{"swing"},
	}, func(key string, params map[string]any, deps map[string]Detector) (Detector, error) {
		return &TrendDetector{
			key:         key,
			swing:       deps["swing"],
			prevHigh:    NullFloat(),
			prevLow:     NullFloat(),
			lastHighIdx: -1,
			lastLowIdx:  -1,
		}, nil
	})
}

func (t *TrendDetector) Type() string { return "trend" }

func (t *TrendDetector) Update(barIdx int64, bar types.BarData) {
	highIdxV, _ := t.swing.Get("high_idx")
	lowIdxV, _ := t.swing.Get("low_idx")
	highIdx, lowIdx := highIdxV.Int, lowIdxV.Int

	highChanged := highIdx != t.lastHighIdx && highIdx >= 0
	lowChanged := lowIdx != t.lastLowIdx && lowIdx >= 0

	if !highChanged && !lowChanged {
		t.barsInTrend++
		return
	}

	curHigh, _ := t.swing.Get("high_level")
	curLow, _ := t.swing.Get("low_level")

	if highChanged && !t.prevHigh.Null && !curHigh.Null {
		hh := curHigh.Float.GreaterThan(t.prevHigh.Float)
		t.lastHH = &hh
	}
	if lowChanged && !t.prevLow.Null && !curLow.Null {
		hl := curLow.Float.GreaterThan(t.prevLow.Float)
		t.lastHL = &hl
	}

	newDir := classifyDirection(t.lastHH, t.lastHL)
	if newDir != t.direction {
		t.direction = newDir
		t.barsInTrend = 0
		t.version++
	} else {
		t.barsInTrend++
	}

	if highChanged {
		t.prevHigh = curHigh
		t.lastHighIdx = highIdx
	}
	if lowChanged {
		t.prevLow = curLow
		t.lastLowIdx = lowIdx
	}
}

// classifyDirection: +1 needs both a higher high and a higher low, -1 needs
// both lower; anything mixed or undetermined is ranging.
func classifyDirection(hh, hl *bool) int64 {
	if hh != nil && hl != nil {
		if *hh && *hl {
			return 1
		}
		if !*hh && !*hl {
			return -1
		}
	}
	return 0
}

func (t *TrendDetector) OutputKeys() []string {
	return []string{"direction", "strength", "bars_in_trend", "version"}
}

func (t *TrendDetector) Version() int64 { return t.version }

func (t *TrendDetector) Get(key string) (Value, error) {
	switch key {
	case "direction":
		return IntValue(t.direction), nil
	case "strength":
		return FloatValue(t.strength), nil
	case "bars_in_trend":
		return IntValue(t.barsInTrend), nil
	case "version":
		return IntValue(t.version), nil
	}
	return Value{}, &UnknownKeyError{DetectorType: "trend", DetectorKey: t.key, Key: key, ValidKeys: t.OutputKeys()}
}
