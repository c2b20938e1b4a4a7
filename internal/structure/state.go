// Package structure holds the per-timeframe and multi-timeframe incremental
// detector state: a declared, dependency-ordered arena of detectors per
// timeframe, addressable by dotted path from the Play evaluator and
// rationalizer.
package structure

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quantlayer/perpbt/internal/detectors"
	"github.com/quantlayer/perpbt/pkg/types"
)

// StructureSpec declares one detector instance within a timeframe: its key
// (unique within the TF), its registered type, its construction params, and
// a role -> key map naming the detectors it depends on (which must be
// declared earlier in the same TF).
type StructureSpec struct {
	Key       string
	Type      string
	Params    map[string]any
	DependsOn map[string]string
}

// TFIncrementalState holds the ordered, constructed detector arena for a
// single timeframe. Detectors are updated in declaration order on every
// closed bar of this timeframe, which is also their dependency-resolution
// order: a detector may only depend on a key declared earlier in the list.
type TFIncrementalState struct {
	tf        types.TFLabel
	order     []string
	detectors map[string]detectors.Detector
	lastIdx   int64
}

// NewTFIncrementalState constructs a timeframe's detector arena from specs,
// building each detector in declaration order so dependency references
// always resolve against already-built detectors (a forward or self
// reference is a build-time error, not a runtime panic).
func NewTFIncrementalState(tf types.TFLabel, registry *detectors.Registry, specs []StructureSpec) (*TFIncrementalState, error) {
	s := &TFIncrementalState{
		tf:        tf,
		detectors: make(map[string]detectors.Detector, len(specs)),
		lastIdx:   -1,
	}

	for _, spec := range specs {
		if _, dup := s.detectors[spec.Key]; dup {
			return nil, fmt.Errorf("timeframe %s: duplicate structure key %q", tf, spec.Key)
		}
		for role, dep := range spec.DependsOn {
			if _, ok := s.detectors[dep]; !ok {
				return nil, fmt.Errorf("timeframe %s: structure %q depends on %q (role %q), which must be declared earlier in the same timeframe; defined so far: %v", tf, spec.Key, dep, role, s.order)
			}
		}
		d, err := registry.ValidateAndCreate(spec.Type, spec.Key, spec.Params, spec.DependsOn, s.detectors)
		if err != nil {
			return nil, fmt.Errorf("timeframe %s: %w", tf, err)
		}
		s.detectors[spec.Key] = d
		s.order = append(s.order, spec.Key)
	}
	return s, nil
}

// Update advances every detector in this timeframe by one closed bar, in
// declaration (= dependency) order. The bar's Idx must be monotonically
// non-decreasing; going backwards is a programming error in the feed.
func (s *TFIncrementalState) Update(bar types.BarData) error {
	if bar.Idx < s.lastIdx {
		return fmt.Errorf("timeframe %s: non-monotonic bar index %d after %d", s.tf, bar.Idx, s.lastIdx)
	}
	s.lastIdx = bar.Idx
	for _, key := range s.order {
		s.detectors[key].Update(bar.Idx, bar)
	}
	return nil
}

// Get resolves "<key>.<field>" against this timeframe's detectors.
func (s *TFIncrementalState) Get(path string) (detectors.Value, error) {
	key, field, ok := strings.Cut(path, ".")
	if !ok {
		return detectors.Value{}, fmt.Errorf("malformed structure path %q: expected <key>.<field>", path)
	}
	d, ok := s.detectors[key]
	if !ok {
		return detectors.Value{}, fmt.Errorf("timeframe %s: no structure %q (declared: %v)", s.tf, key, s.order)
	}
	return d.Get(field)
}

// Detector returns the named detector for typed access (e.g. the derived
// zone's slot inspection).
func (s *TFIncrementalState) Detector(key string) (detectors.Detector, bool) {
	d, ok := s.detectors[key]
	return d, ok
}

// Keys returns detector keys in declaration order.
func (s *TFIncrementalState) Keys() []string { return s.order }

// TF returns this state's timeframe label.
func (s *TFIncrementalState) TF() types.TFLabel { return s.tf }

// LastIdx returns the most recent bar index applied, -1 before any update.
func (s *TFIncrementalState) LastIdx() int64 { return s.lastIdx }

// Paths enumerates every resolvable "<key>.<field>" path in this timeframe,
// in declaration order then output-key order.
func (s *TFIncrementalState) Paths() []string {
	var out []string
	for _, key := range s.order {
		for _, field := range s.detectors[key].OutputKeys() {
			out = append(out, key+"."+field)
		}
	}
	return out
}

// MultiTFIncrementalState composes the execution timeframe's state with zero
// or more labeled higher-timeframe states, resolving the two path grammars:
// "exec.<key>.<field>" (or bare "<key>.<field>") against the exec TF, and
// "htf_<label>.<key>.<field>" against a named HTF state.
type MultiTFIncrementalState struct {
	Exec      *TFIncrementalState
	HTF       map[string]*TFIncrementalState // label -> state, e.g. "1h" -> ...
	htfLabels []string                       // deterministic iteration order
}

// NewMultiTFIncrementalState composes an exec-timeframe state with labeled
// higher-timeframe states.
func NewMultiTFIncrementalState(exec *TFIncrementalState, htf map[string]*TFIncrementalState) *MultiTFIncrementalState {
	labels := make([]string, 0, len(htf))
	for l := range htf {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return &MultiTFIncrementalState{Exec: exec, HTF: htf, htfLabels: labels}
}

// HTFLabels returns the sorted HTF label list.
func (m *MultiTFIncrementalState) HTFLabels() []string { return m.htfLabels }

// Get resolves a dotted path against either the exec TF or a
// "htf_<label>"-prefixed higher timeframe.
func (m *MultiTFIncrementalState) Get(path string) (detectors.Value, error) {
	if rest, ok := strings.CutPrefix(path, "htf_"); ok {
		label, sub, ok := strings.Cut(rest, ".")
		if !ok {
			return detectors.Value{}, fmt.Errorf("malformed htf path %q: expected htf_<label>.<key>.<field>", path)
		}
		tf, ok := m.HTF[label]
		if !ok {
			return detectors.Value{}, fmt.Errorf("no higher timeframe labeled %q; available: %v", label, m.htfLabels)
		}
		return tf.Get(sub)
	}
	if rest, ok := strings.CutPrefix(path, "exec."); ok {
		return m.Exec.Get(rest)
	}
	return m.Exec.Get(path)
}

// ListAllPaths enumerates every resolvable path across the exec TF and all
// HTF states: exec paths first, then HTF labels in sorted order. The order
// is deterministic so transitions emit in a stable sequence.
func (m *MultiTFIncrementalState) ListAllPaths() []string {
	out := m.Exec.Paths()
	for _, label := range m.htfLabels {
		for _, p := range m.HTF[label].Paths() {
			out = append(out, "htf_"+label+"."+p)
		}
	}
	return out
}
