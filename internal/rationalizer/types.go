package rationalizer

import (
	"time"

	"github.com/quantlayer/perpbt/internal/detectors"
)

// MarketRegime is the coarse market classification derived from recent
// price action, independent of any single detector's state.
type MarketRegime string

const (
	RegimeTrendingUp   MarketRegime = "trending_up"
	RegimeTrendingDown MarketRegime = "trending_down"
	RegimeRanging      MarketRegime = "ranging"
	RegimeVolatile     MarketRegime = "volatile"
	RegimeUnknown      MarketRegime = "unknown"
)

// Transition records one detected change in a tracked detector field: either
// an old-value-to-new-value change, or a first observation transitioning out
// of a null/absent prior value (OldValue == nil).
type Transition struct {
	Detector  string // detector key within its timeframe
	Field     string
	Timeframe string // "exec" or the HTF label
	BarIdx    int64
	Timestamp time.Time
	OldValue  *detectors.Value
	NewValue  detectors.Value
}

// Path renders the transition's address in the multi-TF path grammar.
func (t Transition) Path() string {
	if t.Timeframe == "exec" {
		return t.Detector + "." + t.Field
	}
	return "htf_" + t.Timeframe + "." + t.Detector + "." + t.Field
}

// DerivedValues are the cross-detector scalars computed each bar. Confluence
// and alignment are carried as stable zeros until their semantics are
// finalized, so snapshot contracts don't shift underneath Play authors.
type DerivedValues struct {
	ConfluenceScore float64
	Alignment       float64
}

// RationalizedState is the per-bar aggregation the Play evaluator and audits
// consume: the transitions that occurred this bar, the derived scalars, and
// the regime tag. Values carries the full resolved path->value map for
// snapshot construction.
type RationalizedState struct {
	BarIdx      int64
	Timestamp   time.Time
	Transitions []Transition
	Derived     DerivedValues
	Regime      MarketRegime
	Values      map[string]detectors.Value
}

// TransitionFilter selects transitions from history. Zero-valued fields
// match everything; FromBar/ToBar bound the bar-index range inclusively when
// non-negative.
type TransitionFilter struct {
	Detector  string
	Field     string
	Timeframe string
	FromBar   int64
	ToBar     int64
}

// NewTransitionFilter returns a filter matching all transitions.
func NewTransitionFilter() TransitionFilter {
	return TransitionFilter{FromBar: -1, ToBar: -1}
}

// Matches reports whether t passes the filter.
func (f TransitionFilter) Matches(t Transition) bool {
	if f.Detector != "" && t.Detector != f.Detector {
		return false
	}
	if f.Field != "" && t.Field != f.Field {
		return false
	}
	if f.Timeframe != "" && t.Timeframe != f.Timeframe {
		return false
	}
	if f.FromBar >= 0 && t.BarIdx < f.FromBar {
		return false
	}
	if f.ToBar >= 0 && t.BarIdx > f.ToBar {
		return false
	}
	return true
}
