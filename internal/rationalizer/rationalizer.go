// Package rationalizer turns raw per-bar structure state into a curated
// transition log plus a lightweight market-regime classification. Only a
// deliberately chosen set of fields per detector type is watched for
// transitions, so Play authors see signal, not every micro-fluctuation of
// internal state.
package rationalizer

import (
	"strings"
	"time"

	"github.com/quantlayer/perpbt/internal/detectors"
	"github.com/quantlayer/perpbt/internal/structure"
	"github.com/shopspring/decimal"
)

// trackedFields is the curated per-detector-type field set watched for
// transitions. bars_in_trend and rolling values change nearly every bar;
// they are tracked anyway, and the ring bounds total retention.
var trackedFields = map[string][]string{
	"swing":          {"high_level", "low_level", "high_idx", "low_idx", "version"},
	"trend":          {"direction", "strength", "bars_in_trend", "version"},
	"fibonacci":      {"version"},
	"rolling_window": {"value"},
	"zone":           {"state", "upper", "lower", "version"},
	"derived_zone":   {"any_active", "active_count", "source_version"},
}

// derivedZoneSlotField reports whether a derived-zone output key is a
// per-slot state field (zone{N}_state), which are tracked in addition to the
// static aggregate set.
func derivedZoneSlotField(field string) bool {
	return strings.HasPrefix(field, "zone") && strings.HasSuffix(field, "_state")
}

const defaultHistoryDepth = 1000

// Config parameterizes the rationalizer's bounded history and tracking.
type Config struct {
	HistoryDepth int
	// VersionOnly restricts tracking to each detector's version field,
	// for callers that only care whether a detector moved at all.
	VersionOnly bool
	// RegimeWindow is the rolling close-history length used for regime
	// classification.
	RegimeWindow int
}

// DefaultConfig returns the default bounded history depth and curated
// tracking.
func DefaultConfig() Config {
	return Config{HistoryDepth: defaultHistoryDepth, RegimeWindow: 20}
}

// StateRationalizer watches a MultiTFIncrementalState across bars, emitting
// one RationalizedState per exec-bar close and retaining a bounded ring of
// transitions for lookback queries.
type StateRationalizer struct {
	cfg   Config
	state *structure.MultiTFIncrementalState

	prev map[string]detectors.Value // path -> last value

	// history is a fixed-capacity ring of transitions, oldest evicted
	// first. start/count index into the backing slice.
	history []Transition
	start   int
	count   int

	closes []decimal.Decimal
}

// New creates a StateRationalizer over the given multi-timeframe state.
func New(state *structure.MultiTFIncrementalState, cfg Config) *StateRationalizer {
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = defaultHistoryDepth
	}
	if cfg.RegimeWindow <= 0 {
		cfg.RegimeWindow = 20
	}
	return &StateRationalizer{
		cfg:     cfg,
		state:   state,
		prev:    make(map[string]detectors.Value),
		history: make([]Transition, cfg.HistoryDepth),
	}
}

func (r *StateRationalizer) tracked(detType, field string) bool {
	if r.cfg.VersionOnly {
		return field == "version"
	}
	if detType == "derived_zone" && derivedZoneSlotField(field) {
		return true
	}
	for _, f := range trackedFields[detType] {
		if f == field {
			return true
		}
	}
	return false
}

func (r *StateRationalizer) push(t Transition) {
	if r.count < len(r.history) {
		r.history[(r.start+r.count)%len(r.history)] = t
		r.count++
		return
	}
	r.history[r.start] = t
	r.start = (r.start + 1) % len(r.history)
}

// Rationalize advances the rationalizer by one exec-bar close: it diffs the
// current tracked fields against the previous bar's values, emits transitions
// (in detector declaration order, then field order within a detector, exec
// before HTF labels), appends them to bounded history, and classifies regime.
func (r *StateRationalizer) Rationalize(barIdx int64, ts time.Time, closePrice decimal.Decimal) RationalizedState {
	values := make(map[string]detectors.Value, 64)
	var transitions []Transition

	r.walkTF("exec", r.state.Exec, barIdx, ts, values, &transitions)
	for _, label := range r.state.HTFLabels() {
		r.walkTF(label, r.state.HTF[label], barIdx, ts, values, &transitions)
	}

	for _, t := range transitions {
		r.push(t)
	}

	r.closes = append(r.closes, closePrice)
	if len(r.closes) > r.cfg.RegimeWindow {
		r.closes = r.closes[len(r.closes)-r.cfg.RegimeWindow:]
	}

	return RationalizedState{
		BarIdx:      barIdx,
		Timestamp:   ts,
		Transitions: transitions,
		Derived:     DerivedValues{},
		Regime:      r.classifyRegime(),
		Values:      values,
	}
}

func (r *StateRationalizer) walkTF(label string, tf *structure.TFIncrementalState, barIdx int64, ts time.Time, values map[string]detectors.Value, transitions *[]Transition) {
	prefix := ""
	if label != "exec" {
		prefix = "htf_" + label + "."
	}
	for _, key := range tf.Keys() {
		det, _ := tf.Detector(key)
		for _, field := range det.OutputKeys() {
			v, err := det.Get(field)
			if err != nil {
				continue
			}
			path := prefix + key + "." + field
			values[path] = v

			if !r.tracked(det.Type(), field) {
				continue
			}
			prev, seen := r.prev[path]
			if !seen {
				// First observation only transitions out of null once a
				// real value exists; a null float stays silent.
				if v.Null {
					continue
				}
				*transitions = append(*transitions, Transition{
					Detector: key, Field: field, Timeframe: label,
					BarIdx: barIdx, Timestamp: ts, NewValue: v,
				})
				r.prev[path] = v
				continue
			}
			if !prev.Equal(v) {
				old := prev
				*transitions = append(*transitions, Transition{
					Detector: key, Field: field, Timeframe: label,
					BarIdx: barIdx, Timestamp: ts, OldValue: &old, NewValue: v,
				})
				r.prev[path] = v
			}
		}
	}
}

// classifyRegime applies a deterministic directionality/volatility rule over
// the rolling close window. The probabilistic machinery of a full regime
// model is deliberately absent: the output is a closed enum and must be
// byte-reproducible across runs.
func (r *StateRationalizer) classifyRegime() MarketRegime {
	n := len(r.closes)
	if n < 3 {
		return RegimeUnknown
	}

	first, last := r.closes[0], r.closes[n-1]
	netMove := last.Sub(first)

	var sumAbsDelta decimal.Decimal
	for i := 1; i < n; i++ {
		sumAbsDelta = sumAbsDelta.Add(r.closes[i].Sub(r.closes[i-1]).Abs())
	}
	if sumAbsDelta.IsZero() {
		return RegimeRanging
	}

	// Directionality: how much of the total absolute movement nets in one
	// direction. Close to 1 => persistent trend; close to 0 => chop.
	directionality := netMove.Abs().Div(sumAbsDelta)

	avgAbsDelta := sumAbsDelta.Div(decimal.NewFromInt(int64(n - 1)))
	volatilityRatio := avgAbsDelta.Div(first.Abs().Add(decimal.NewFromInt(1)))

	if volatilityRatio.GreaterThan(decimal.RequireFromString("0.02")) && directionality.LessThan(decimal.RequireFromString("0.5")) {
		return RegimeVolatile
	}
	if directionality.GreaterThanOrEqual(decimal.RequireFromString("0.6")) {
		if netMove.IsPositive() {
			return RegimeTrendingUp
		}
		return RegimeTrendingDown
	}
	return RegimeRanging
}

// GetHistory returns up to count most recent transitions matching the
// filter, oldest first. count <= 0 returns all matches retained.
func (r *StateRationalizer) GetHistory(filter TransitionFilter, count int) []Transition {
	var out []Transition
	for i := 0; i < r.count; i++ {
		t := r.history[(r.start+i)%len(r.history)]
		if filter.Matches(t) {
			out = append(out, t)
		}
	}
	if count > 0 && len(out) > count {
		out = out[len(out)-count:]
	}
	return out
}

// GetTransitionsSince returns retained transitions at or after fromBarIdx,
// optionally restricted to one detector key.
func (r *StateRationalizer) GetTransitionsSince(fromBarIdx int64, detector string) []Transition {
	f := NewTransitionFilter()
	f.FromBar = fromBarIdx
	f.Detector = detector
	return r.GetHistory(f, 0)
}

// GetLastTransition returns the most recent retained transition for the
// detector/field pair.
func (r *StateRationalizer) GetLastTransition(detector, field string) (Transition, bool) {
	for i := r.count - 1; i >= 0; i-- {
		t := r.history[(r.start+i)%len(r.history)]
		if t.Detector == detector && t.Field == field {
			return t, true
		}
	}
	return Transition{}, false
}

// CountTransitions counts retained transitions matching the filter.
func (r *StateRationalizer) CountTransitions(filter TransitionFilter) int {
	n := 0
	for i := 0; i < r.count; i++ {
		if filter.Matches(r.history[(r.start+i)%len(r.history)]) {
			n++
		}
	}
	return n
}
