package detectors

import (
	"testing"

	"github.com/quantlayer/perpbt/pkg/types"
)

// stubSwing lets trend/fibonacci/zone tests drive swing outputs directly.
type stubSwing struct {
	high, low       Value
	highIdx, lowIdx int64
	version         int64
}

func newStubSwing() *stubSwing {
	return &stubSwing{high: NullFloat(), low: NullFloat(), highIdx: -1, lowIdx: -1}
}

func (s *stubSwing) setHigh(level string, idx int64) {
	s.high = FloatValue(dec(level))
	s.highIdx = idx
	s.version++
}

func (s *stubSwing) setLow(level string, idx int64) {
	s.low = FloatValue(dec(level))
	s.lowIdx = idx
	s.version++
}

func (s *stubSwing) Type() string              { return "swing" }
func (s *stubSwing) Update(int64, types.BarData) {}
func (s *stubSwing) Version() int64            { return s.version }
func (s *stubSwing) OutputKeys() []string {
	return []string{"high_level", "high_idx", "low_level", "low_idx", "version"}
}

func (s *stubSwing) Get(key string) (Value, error) {
	switch key {
	case "high_level":
		return s.high, nil
	case "high_idx":
		return IntValue(s.highIdx), nil
	case "low_level":
		return s.low, nil
	case "low_idx":
		return IntValue(s.lowIdx), nil
	case "version":
		return IntValue(s.version), nil
	}
	return Value{}, &UnknownKeyError{DetectorType: "swing", DetectorKey: "stub", Key: key, ValidKeys: s.OutputKeys()}
}

func mustTrend(t *testing.T, swing Detector) Detector {
	t.Helper()
	r := DefaultRegistry()
	d, err := r.ValidateAndCreate("trend", "trend", nil, map[string]string{"swing": "swing"}, map[string]Detector{"swing": swing})
	if err != nil {
		t.Fatalf("build trend: %v", err)
	}
	return d
}

func TestTrendStartsRanging(t *testing.T) {
	swing := newStubSwing()
	trend := mustTrend(t, swing)

	trend.Update(0, flatBar("100"))
	dir, _ := trend.Get("direction")
	if dir.Int != 0 {
		t.Fatalf("expected ranging before any pivots, got %d", dir.Int)
	}
}

func TestTrendUpOnHigherHighAndHigherLow(t *testing.T) {
	swing := newStubSwing()
	trend := mustTrend(t, swing)

	swing.setHigh("100", 2)
	swing.setLow("90", 4)
	trend.Update(5, flatBar("95"))

	swing.setHigh("110", 8)
	trend.Update(9, flatBar("105"))
	swing.setLow("95", 12)
	trend.Update(13, flatBar("100"))

	dir, _ := trend.Get("direction")
	if dir.Int != 1 {
		t.Fatalf("expected uptrend (+1) after HH and HL, got %d", dir.Int)
	}
	if trend.Version() == 0 {
		t.Fatalf("expected version bump on direction flip")
	}
}

func TestTrendDownAndBarsInTrendReset(t *testing.T) {
	swing := newStubSwing()
	trend := mustTrend(t, swing)

	swing.setHigh("100", 2)
	swing.setLow("90", 4)
	trend.Update(5, flatBar("95"))

	swing.setHigh("95", 8)
	trend.Update(9, flatBar("92"))
	swing.setLow("85", 12)
	trend.Update(13, flatBar("88"))

	dir, _ := trend.Get("direction")
	if dir.Int != -1 {
		t.Fatalf("expected downtrend (-1) after LH and LL, got %d", dir.Int)
	}
	bars, _ := trend.Get("bars_in_trend")
	if bars.Int != 0 {
		t.Fatalf("expected bars_in_trend reset to 0 on flip, got %d", bars.Int)
	}

	trend.Update(14, flatBar("88"))
	trend.Update(15, flatBar("88"))
	bars, _ = trend.Get("bars_in_trend")
	if bars.Int != 2 {
		t.Fatalf("expected bars_in_trend 2 after two quiet bars, got %d", bars.Int)
	}
}

func TestTrendMixedSignalsAreRanging(t *testing.T) {
	swing := newStubSwing()
	trend := mustTrend(t, swing)

	swing.setHigh("100", 2)
	swing.setLow("90", 4)
	trend.Update(5, flatBar("95"))

	// Higher high but lower low: mixed.
	swing.setHigh("110", 8)
	trend.Update(9, flatBar("105"))
	swing.setLow("85", 12)
	trend.Update(13, flatBar("95"))

	dir, _ := trend.Get("direction")
	if dir.Int != 0 {
		t.Fatalf("expected ranging on mixed HH/LL, got %d", dir.Int)
	}
}
