package rationalizer

import (
	"testing"
	"time"

	"github.com/quantlayer/perpbt/internal/detectors"
	"github.com/quantlayer/perpbt/internal/structure"
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func buildState(t *testing.T) *structure.MultiTFIncrementalState {
	t.Helper()
	exec, err := structure.NewTFIncrementalState("15m", detectors.DefaultRegistry(), []structure.StructureSpec{
		{Key: "swing", Type: "swing", Params: map[string]any{"left": 1, "right": 1}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return structure.NewMultiTFIncrementalState(exec, nil)
}

func feed(t *testing.T, st *structure.MultiTFIncrementalState, idx int64, high, low string) {
	t.Helper()
	err := st.Exec.Update(types.BarData{
		Idx: idx, Open: dec(low), High: dec(high), Low: dec(low), Close: dec(high), Volume: dec("1"),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}

func ts(i int64) time.Time { return time.Unix(i*900, 0).UTC() }

func TestFirstObservationEmitsNullToValueTransition(t *testing.T) {
	st := buildState(t)
	r := New(st, DefaultConfig())

	feed(t, st, 0, "101", "99")
	rs := r.Rationalize(0, ts(0), dec("100"))

	// Non-null tracked fields (high_idx=-1, version=0) transition on first
	// observation; null floats (high_level) stay silent.
	var sawIdx, sawLevel bool
	for _, tr := range rs.Transitions {
		if tr.OldValue != nil {
			t.Fatalf("first observation must have nil old value: %+v", tr)
		}
		if tr.Field == "high_idx" {
			sawIdx = true
		}
		if tr.Field == "high_level" {
			sawLevel = true
		}
	}
	if !sawIdx {
		t.Fatalf("expected first-observation transition for high_idx")
	}
	if sawLevel {
		t.Fatalf("null high_level must not emit a transition")
	}
}

func TestTransitionOnPivotConfirmation(t *testing.T) {
	st := buildState(t)
	r := New(st, DefaultConfig())

	feed(t, st, 0, "100", "99")
	r.Rationalize(0, ts(0), dec("100"))
	feed(t, st, 1, "105", "98")
	r.Rationalize(1, ts(1), dec("104"))
	feed(t, st, 2, "101", "99")
	rs := r.Rationalize(2, ts(2), dec("100"))

	// Pivot high at bar 1 confirms at bar 2: high_level, high_idx, version
	// all transition this bar.
	fields := map[string]bool{}
	for _, tr := range rs.Transitions {
		fields[tr.Field] = true
		if tr.BarIdx != 2 {
			t.Fatalf("transition stamped with bar %d, want 2", tr.BarIdx)
		}
		if tr.Timeframe != "exec" {
			t.Fatalf("timeframe %q, want exec", tr.Timeframe)
		}
	}
	for _, want := range []string{"high_level", "high_idx", "version"} {
		if !fields[want] {
			t.Fatalf("missing transition for %s; got %v", want, fields)
		}
	}
}

func TestQueryAPI(t *testing.T) {
	st := buildState(t)
	r := New(st, DefaultConfig())

	for i := int64(0); i < 5; i++ {
		high := "100"
		if i == 1 {
			high = "105"
		}
		feed(t, st, i, high, "99")
		r.Rationalize(i, ts(i), dec(high))
	}

	last, ok := r.GetLastTransition("swing", "high_idx")
	if !ok {
		t.Fatalf("expected a high_idx transition")
	}
	if last.NewValue.Int != 1 {
		t.Fatalf("last high_idx transition -> %d, want 1", last.NewValue.Int)
	}

	f := NewTransitionFilter()
	f.Detector = "swing"
	f.Field = "version"
	if n := r.CountTransitions(f); n == 0 {
		t.Fatalf("expected version transitions counted")
	}

	since := r.GetTransitionsSince(2, "")
	for _, tr := range since {
		if tr.BarIdx < 2 {
			t.Fatalf("GetTransitionsSince returned bar %d", tr.BarIdx)
		}
	}
}

func TestVersionOnlyTracking(t *testing.T) {
	st := buildState(t)
	cfg := DefaultConfig()
	cfg.VersionOnly = true
	r := New(st, cfg)

	feed(t, st, 0, "100", "99")
	rs := r.Rationalize(0, ts(0), dec("100"))
	for _, tr := range rs.Transitions {
		if tr.Field != "version" {
			t.Fatalf("version-only mode emitted %s", tr.Field)
		}
	}
}

func TestHistoryBounded(t *testing.T) {
	st := buildState(t)
	cfg := DefaultConfig()
	cfg.HistoryDepth = 3
	r := New(st, cfg)

	// Alternate highs so high_level keeps transitioning.
	highs := []string{"100", "110", "100", "120", "100", "130", "100", "140", "100"}
	for i, h := range highs {
		feed(t, st, int64(i), h, "99")
		r.Rationalize(int64(i), ts(int64(i)), dec(h))
	}

	all := r.GetHistory(NewTransitionFilter(), 0)
	if len(all) != 3 {
		t.Fatalf("history depth 3, got %d retained", len(all))
	}
}

func TestDerivedValuesStableZeros(t *testing.T) {
	st := buildState(t)
	r := New(st, DefaultConfig())
	feed(t, st, 0, "100", "99")
	rs := r.Rationalize(0, ts(0), dec("100"))
	if rs.Derived.ConfluenceScore != 0 || rs.Derived.Alignment != 0 {
		t.Fatalf("derived values must stay zero until defined")
	}
}

func TestRegimeClassification(t *testing.T) {
	st := buildState(t)
	r := New(st, DefaultConfig())

	var rs RationalizedState
	price := dec("100")
	for i := int64(0); i < 15; i++ {
		feed(t, st, i, price.Add(dec("1")).String(), price.Sub(dec("1")).String())
		rs = r.Rationalize(i, ts(i), price)
		price = price.Add(dec("2"))
	}
	if rs.Regime != RegimeTrendingUp {
		t.Fatalf("expected trending_up on a monotonic rise, got %s", rs.Regime)
	}
}
