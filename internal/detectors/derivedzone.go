package detectors

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"
)

// Derived-zone slot states. Distinct from the single-zone detector's
// lowercase states: slot state is part of the flat K-slot output schema
// with a locked "NONE" empty value.
const (
	derivedStateNone   = "NONE"
	derivedStateActive = "ACTIVE"
	derivedStateBroken = "BROKEN"
)

var derivedSlotFields = []string{
	"lower", "upper", "state", "anchor_idx", "age_bars",
	"touched_this_bar", "touch_count", "last_touch_age",
	"inside", "instance_id",
}

var derivedAggregates = []string{
	"active_count",
	"any_active",
	"any_touched",
	"any_inside",
	"closest_active_lower",
	"closest_active_upper",
	"closest_active_idx",
	"newest_active_idx",
	"source_version",
}

type derivedSlot struct {
	lower          decimal.Decimal
	upper          decimal.Decimal
	state          string
	anchorIdx      int64
	ageBars        int64
	touchedThisBar bool
	touchCount     int64
	lastTouchBar   int64
	inside         bool
	instanceID     uint32
	level          decimal.Decimal
}

// DerivedZoneDetector fans a source swing's range into a K-slot set of price
// bands at configured ratios, most recent first (slot 0 = newest), exposing
// both per-slot fields and scalar aggregates as flat output keys.
//
// Two separable paths per bar:
//   - regen, only when the source version changes: one new zone per level is
//     prepended, the tail beyond max_active evicted;
//   - interaction, every exec bar: ages, touch/inside flags, and breaks at a
//     0.1% tolerance beyond either boundary.
type DerivedZoneDetector struct {
	key         string
	source      Detector
	levels      []decimal.Decimal
	maxActive   int
	mode        string
	widthPct    decimal.Decimal
	priceSource string

	slots         []derivedSlot
	sourceVersion int64
	curBarIdx     int64
	lastPrice     Value

	keys    []string
	version int64
}

func registerDerivedZone(r *Registry) {
	r.Register(TypeInfo{
		Type:           "derived_zone",
		RequiredParams: []string{"levels", "max_active"},
		OptionalParams: []string{"mode", "width_pct", "price_source"},
		DependsOn:      []string{"source"},
	}, func(key string, params map[string]any, deps map[string]Detector) (Detector, error) {
		levels, ok := paramFloatList(params, "levels")
		if !ok {
			return nil, &ParamError{StructType: "derived_zone", Key: key, Message: "levels must be a non-empty list of positive numbers", Fix: "levels: [0.382, 0.5, 0.618]"}
		}
		maxActive, ok := paramInt(params, "max_active")
		if !ok || maxActive < 1 {
			return nil, &ParamError{StructType: "derived_zone", Key: key, Message: "max_active must be an integer >= 1", Fix: "max_active: 5"}
		}
		mode := paramString(params, "mode", "retracement")
		if mode != "retracement" && mode != "extension" {
			return nil, &ParamError{StructType: "derived_zone", Key: key, Message: fmt.Sprintf("mode must be 'retracement' or 'extension', got %q", mode), Fix: "mode: retracement"}
		}
		widthPct, okW := paramFloat(params, "width_pct")
		if _, present := params["width_pct"]; !present {
			widthPct, okW = 0.002, true
		}
		if !okW || widthPct <= 0 {
			return nil, &ParamError{StructType: "derived_zone", Key: key, Message: "width_pct must be a positive number", Fix: "width_pct: 0.002  # 0.2%"}
		}
		priceSource := paramString(params, "price_source", "mark_close")
		if priceSource != "mark_close" && priceSource != "last_close" {
			return nil, &ParamError{StructType: "derived_zone", Key: key, Message: fmt.Sprintf("price_source must be 'mark_close' or 'last_close', got %q", priceSource), Fix: "price_source: mark_close"}
		}

		d := &DerivedZoneDetector{
			key:         key,
			source:      deps["source"],
			levels:      levels,
			maxActive:   maxActive,
			mode:        mode,
			widthPct:    decimal.NewFromFloat(widthPct),
			priceSource: priceSource,
			curBarIdx:   -1,
			lastPrice:   NullFloat(),
		}
		for i := 0; i < maxActive; i++ {
			for _, f := range derivedSlotFields {
				d.keys = append(d.keys, fmt.Sprintf("zone%d_%s", i, f))
			}
		}
		d.keys = append(d.keys, derivedAggregates...)
		return d, nil
	})
}

func (d *DerivedZoneDetector) Type() string { return "derived_zone" }

func (d *DerivedZoneDetector) Update(barIdx int64, bar types.BarData) {
	d.curBarIdx = barIdx

	if v := d.source.Version(); v != d.sourceVersion {
		d.regenerate(barIdx, v)
		d.sourceVersion = v
	}

	d.interact(barIdx, bar)
}

func (d *DerivedZoneDetector) regenerate(barIdx, sourceVersion int64) {
	high, errH := d.source.Get("high_level")
	low, errL := d.source.Get("low_level")
	highIdx, errHI := d.source.Get("high_idx")
	lowIdx, errLI := d.source.Get("low_idx")
	if errH != nil || errL != nil || errHI != nil || errLI != nil {
		return
	}
	if high.Null || low.Null || highIdx.Int < 0 || lowIdx.Int < 0 {
		return
	}
	span := high.Float.Sub(low.Float)
	if span.LessThanOrEqual(decimal.Zero) {
		return
	}

	two := decimal.NewFromInt(2)
	fresh := make([]derivedSlot, 0, len(d.levels))
	for _, level := range d.levels {
		var center decimal.Decimal
		if d.mode == "retracement" {
			center = high.Float.Sub(span.Mul(level))
		} else {
			center = high.Float.Add(span.Mul(level))
		}
		width := center.Mul(d.widthPct)
		fresh = append(fresh, derivedSlot{
			lower:        center.Sub(width.Div(two)),
			upper:        center.Add(width.Div(two)),
			state:        derivedStateActive,
			anchorIdx:    barIdx,
			lastTouchBar: -1,
			instanceID:   zoneInstanceID("derived_zone", sourceVersion, highIdx.Int, lowIdx.Int, level, d.mode),
			level:        level,
		})
	}

	d.slots = append(fresh, d.slots...)
	if len(d.slots) > d.maxActive {
		d.slots = d.slots[:d.maxActive]
	}
	d.version++
}

// zoneInstanceID is the platform-stable 32-bit BLAKE2b digest of the zone's
// deterministic construction inputs. The ratio is scaled to millionths so no
// float formatting enters the hash.
func zoneInstanceID(structType string, sourceVersion, pivotHighIdx, pivotLowIdx int64, level decimal.Decimal, mode string) uint32 {
	levelScaled := level.Mul(decimal.NewFromInt(1_000_000)).Round(0).IntPart()
	data := fmt.Sprintf("%s|%d|%d|%d|%d|%s", structType, sourceVersion, pivotHighIdx, pivotLowIdx, levelScaled, mode)

	h, err := blake2b.New(4, nil)
	if err != nil {
		panic(fmt.Sprintf("detectors: blake2b init: %v", err))
	}
	h.Write([]byte(data))
	return binary.BigEndian.Uint32(h.Sum(nil))
}

var breakLowerTol = decimal.RequireFromString("0.999")
var breakUpperTol = decimal.RequireFromString("1.001")

func (d *DerivedZoneDetector) interact(barIdx int64, bar types.BarData) {
	price := bar.Close
	if d.priceSource == "mark_close" {
		if mark, ok := bar.Indicator("mark_close"); ok {
			price = mark
		}
	}
	d.lastPrice = FloatValue(price)

	anyBroke := false
	for i := range d.slots {
		s := &d.slots[i]
		s.touchedThisBar = false

		if s.state != derivedStateActive {
			s.ageBars = barIdx - s.anchorIdx
			s.inside = false
			continue
		}

		s.ageBars = barIdx - s.anchorIdx

		inside := s.lower.LessThanOrEqual(price) && price.LessThanOrEqual(s.upper)
		if inside {
			s.touchedThisBar = true
			s.touchCount++
			s.lastTouchBar = barIdx
		}
		s.inside = inside

		if price.LessThan(s.lower.Mul(breakLowerTol)) || price.GreaterThan(s.upper.Mul(breakUpperTol)) {
			s.state = derivedStateBroken
			anyBroke = true
		}
	}
	if anyBroke {
		d.version++
	}
}

func (d *DerivedZoneDetector) OutputKeys() []string { return d.keys }

func (d *DerivedZoneDetector) Version() int64 { return d.version }

func (d *DerivedZoneDetector) Get(key string) (Value, error) {
	if strings.HasPrefix(key, "zone") {
		if v, ok := d.slotValue(key); ok {
			return v, nil
		}
	}

	switch key {
	case "active_count":
		var n int64
		for _, s := range d.slots {
			if s.state == derivedStateActive {
				n++
			}
		}
		return IntValue(n), nil
	case "any_active":
		for _, s := range d.slots {
			if s.state == derivedStateActive {
				return BoolValue(true), nil
			}
		}
		return BoolValue(false), nil
	case "any_touched":
		for _, s := range d.slots {
			if s.state == derivedStateActive && s.touchedThisBar {
				return BoolValue(true), nil
			}
		}
		return BoolValue(false), nil
	case "any_inside":
		for _, s := range d.slots {
			if s.state == derivedStateActive && s.inside {
				return BoolValue(true), nil
			}
		}
		return BoolValue(false), nil
	case "closest_active_lower":
		if idx := d.closestActiveIdx(); idx >= 0 {
			return FloatValue(d.slots[idx].lower), nil
		}
		return NullFloat(), nil
	case "closest_active_upper":
		if idx := d.closestActiveIdx(); idx >= 0 {
			return FloatValue(d.slots[idx].upper), nil
		}
		return NullFloat(), nil
	case "closest_active_idx":
		return IntValue(int64(d.closestActiveIdx())), nil
	case "newest_active_idx":
		for i, s := range d.slots {
			if s.state == derivedStateActive {
				return IntValue(int64(i)), nil
			}
		}
		return IntValue(-1), nil
	case "source_version":
		return IntValue(d.sourceVersion), nil
	}

	return Value{}, &UnknownKeyError{DetectorType: "derived_zone", DetectorKey: d.key, Key: key, ValidKeys: d.OutputKeys()}
}

// closestActiveIdx finds the active slot nearest the last interaction price:
// distance to the nearest boundary, zero when inside; lower slot index (the
// newer zone) wins ties. Returns -1 with no active slots or no price yet.
func (d *DerivedZoneDetector) closestActiveIdx() int {
	if d.lastPrice.Null {
		for i, s := range d.slots {
			if s.state == derivedStateActive {
				return i
			}
		}
		return -1
	}
	price := d.lastPrice.Float

	best := -1
	var bestDist decimal.Decimal
	for i, s := range d.slots {
		if s.state != derivedStateActive {
			continue
		}
		var dist decimal.Decimal
		switch {
		case price.LessThan(s.lower):
			dist = s.lower.Sub(price)
		case price.GreaterThan(s.upper):
			dist = price.Sub(s.upper)
		default:
			dist = decimal.Zero
		}
		if best == -1 || dist.LessThan(bestDist) {
			best = i
			bestDist = dist
		}
	}
	return best
}

// slotValue resolves a "zone{N}_{field}" key, returning the locked empty
// value when the slot is unpopulated: null for floats, "NONE" for state, -1
// for ints, 0 for instance_id and touch_count, false for flags.
func (d *DerivedZoneDetector) slotValue(key string) (Value, bool) {
	rest := key[len("zone"):]
	us := strings.Index(rest, "_")
	if us <= 0 {
		return Value{}, false
	}
	slotIdx, err := strconv.Atoi(rest[:us])
	if err != nil || slotIdx < 0 || slotIdx >= d.maxActive {
		return Value{}, false
	}
	field := rest[us+1:]

	if slotIdx >= len(d.slots) {
		return emptySlotValue(field)
	}

	s := d.slots[slotIdx]
	switch field {
	case "lower":
		return FloatValue(s.lower), true
	case "upper":
		return FloatValue(s.upper), true
	case "state":
		return StringValue(s.state), true
	case "anchor_idx":
		return IntValue(s.anchorIdx), true
	case "age_bars":
		return IntValue(s.ageBars), true
	case "touched_this_bar":
		return BoolValue(s.touchedThisBar), true
	case "touch_count":
		return IntValue(s.touchCount), true
	case "last_touch_age":
		if s.lastTouchBar < 0 {
			return IntValue(-1), true
		}
		return IntValue(d.curBarIdx - s.lastTouchBar), true
	case "inside":
		return BoolValue(s.inside), true
	case "instance_id":
		return IntValue(int64(s.instanceID)), true
	}
	return Value{}, false
}

func emptySlotValue(field string) (Value, bool) {
	switch field {
	case "lower", "upper":
		return NullFloat(), true
	case "state":
		return StringValue(derivedStateNone), true
	case "anchor_idx", "age_bars", "last_touch_age":
		return IntValue(-1), true
	case "touch_count", "instance_id":
		return IntValue(0), true
	case "touched_this_bar", "inside":
		return BoolValue(false), true
	}
	return Value{}, false
}

// SlotView is a read-only copy of one populated slot, for tests and audits.
type SlotView struct {
	Lower      decimal.Decimal
	Upper      decimal.Decimal
	State      string
	InstanceID uint32
}

// Slots exposes a copy of the current slots, most recent first.
func (d *DerivedZoneDetector) Slots() []SlotView {
	out := make([]SlotView, len(d.slots))
	for i, s := range d.slots {
		out[i] = SlotView{Lower: s.lower, Upper: s.upper, State: s.state, InstanceID: s.instanceID}
	}
	return out
}
