package detectors

import (
	"fmt"

	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

// ZoneState is the lifecycle state of a demand/supply zone.
type ZoneState string

const (
	ZoneNone   ZoneState = "none"
	ZoneActive ZoneState = "active"
	ZoneBroken ZoneState = "broken"
)

// ZoneDetector tracks a single demand (from swing lows) or supply (from
// swing highs) zone with ATR-scaled width, through the state machine
// none -> active -> broken. A new swing of the matching side replaces the
// zone and reactivates it; broken is absorbing until then.
//
//	demand: lower = swing_low - atr*width_atr, upper = swing_low
//	supply: lower = swing_high, upper = swing_high + atr*width_atr
//
// ATR comes from the bar's indicators map (key "atr"); width is zero when
// it's absent.
type ZoneDetector struct {
	key      string
	swing    Detector
	zoneType string // "demand" or "supply"
	widthATR decimal.Decimal

	state     ZoneState
	upper     Value
	lower     Value
	anchorIdx int64

	lastSwingIdx int64
	version      int64
}

func registerZone(r *Registry) {
	r.Register(TypeInfo{
		Type:           "zone",
		RequiredParams: []string{"zone_type", "width_atr"},
		DependsOn:      []string{"swing"},
	}, func(key string, params map[string]any, deps map[string]Detector) (Detector, error) {
		zoneType := paramString(params, "zone_type", "")
		if zoneType != "demand" && zoneType != "supply" {
			return nil, &ParamError{StructType: "zone", Key: key, Message: fmt.Sprintf("zone_type must be 'demand' or 'supply', got %q", zoneType), Fix: "zone_type: demand  # zone from swing lows (support); 'supply' builds from swing highs"}
		}
		widthATR, ok := paramFloat(params, "width_atr")
		if !ok || widthATR <= 0 {
			return nil, &ParamError{StructType: "zone", Key: key, Message: "width_atr must be a positive number", Fix: "width_atr: 1.5  # multiplies ATR for the zone width"}
		}
		return &ZoneDetector{
			key:          key,
			swing:        deps["swing"],
			zoneType:     zoneType,
			widthATR:     decimal.NewFromFloat(widthATR),
			state:        ZoneNone,
			upper:        NullFloat(),
			lower:        NullFloat(),
			anchorIdx:    -1,
			lastSwingIdx: -1,
		}, nil
	})
}

func (z *ZoneDetector) Type() string { return "zone" }

func (z *ZoneDetector) Update(barIdx int64, bar types.BarData) {
	var level, idx Value
	if z.zoneType == "demand" {
		level, _ = z.swing.Get("low_level")
		idx, _ = z.swing.Get("low_idx")
	} else {
		level, _ = z.swing.Get("high_level")
		idx, _ = z.swing.Get("high_idx")
	}

	if idx.Int != z.lastSwingIdx && idx.Int >= 0 && !level.Null {
		width := decimal.Zero
		if atr, ok := bar.Indicator("atr"); ok {
			width = atr.Mul(z.widthATR)
		}
		if z.zoneType == "demand" {
			z.lower = FloatValue(level.Float.Sub(width))
			z.upper = FloatValue(level.Float)
		} else {
			z.lower = FloatValue(level.Float)
			z.upper = FloatValue(level.Float.Add(width))
		}
		z.state = ZoneActive
		z.anchorIdx = idx.Int
		z.lastSwingIdx = idx.Int
		z.version++
	}

	if z.state == ZoneActive {
		if z.zoneType == "demand" && bar.Close.LessThan(z.lower.Float) {
			z.state = ZoneBroken
			z.version++
		} else if z.zoneType == "supply" && bar.Close.GreaterThan(z.upper.Float) {
			z.state = ZoneBroken
			z.version++
		}
	}
}

func (z *ZoneDetector) OutputKeys() []string {
	return []string{"state", "upper", "lower", "anchor_idx", "version"}
}

func (z *ZoneDetector) Version() int64 { return z.version }

func (z *ZoneDetector) Get(key string) (Value, error) {
	switch key {
	case "state":
		return StringValue(string(z.state)), nil
	case "upper":
		return z.upper, nil
	case "lower":
		return z.lower, nil
	case "anchor_idx":
		return IntValue(z.anchorIdx), nil
	case "version":
		return IntValue(z.version), nil
	}
	return Value{}, &UnknownKeyError{DetectorType: "zone", DetectorKey: z.key, Key: key, ValidKeys: z.OutputKeys()}
}
