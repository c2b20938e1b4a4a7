package detectors

import (
	"testing"
)

func mustFib(t *testing.T, swing Detector, params map[string]any) Detector {
	t.Helper()
	r := DefaultRegistry()
	d, err := r.ValidateAndCreate("fibonacci", "fib", params, map[string]string{"swing": "swing"}, map[string]Detector{"swing": swing})
	if err != nil {
		t.Fatalf("build fibonacci: %v", err)
	}
	return d
}

func TestFibonacciNullUntilBothSwings(t *testing.T) {
	swing := newStubSwing()
	fib := mustFib(t, swing, map[string]any{"levels": []any{0.5}})

	fib.Update(0, flatBar("100"))
	v, err := fib.Get("level_0.5")
	if err != nil {
		t.Fatalf("get level_0.5: %v", err)
	}
	if !v.Null {
		t.Fatalf("expected null before both swings exist, got %s", v)
	}

	swing.setHigh("110", 3)
	fib.Update(4, flatBar("100"))
	v, _ = fib.Get("level_0.5")
	if !v.Null {
		t.Fatalf("expected null with only a high swing, got %s", v)
	}
}

func TestFibonacciRetracementLevels(t *testing.T) {
	swing := newStubSwing()
	fib := mustFib(t, swing, map[string]any{"levels": []any{0.382, 0.5, 0.618}})

	swing.setHigh("110", 3)
	swing.setLow("100", 6)
	fib.Update(7, flatBar("105"))

	cases := map[string]string{
		"level_0.382": "106.18",
		"level_0.5":   "105",
		"level_0.618": "103.82",
	}
	for key, want := range cases {
		v, err := fib.Get(key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if !v.Float.Equal(dec(want)) {
			t.Fatalf("%s = %s, want %s", key, v.Float, want)
		}
	}
}

func TestFibonacciExtensionMode(t *testing.T) {
	swing := newStubSwing()
	fib := mustFib(t, swing, map[string]any{"levels": []any{1.0}, "mode": "extension"})

	swing.setHigh("110", 3)
	swing.setLow("100", 6)
	fib.Update(7, flatBar("105"))

	v, _ := fib.Get("level_1")
	if !v.Float.Equal(dec("120")) {
		t.Fatalf("extension level_1 = %s, want 120 (high + range)", v.Float)
	}
}

func TestFibonacciRecomputesOnlyOnSwingChange(t *testing.T) {
	swing := newStubSwing()
	fib := mustFib(t, swing, map[string]any{"levels": []any{0.5}})

	swing.setHigh("110", 3)
	swing.setLow("100", 6)
	fib.Update(7, flatBar("105"))
	v1 := fib.Version()

	fib.Update(8, flatBar("200"))
	if fib.Version() != v1 {
		t.Fatalf("version changed without a swing change")
	}

	swing.setLow("95", 10)
	fib.Update(11, flatBar("105"))
	if fib.Version() != v1+1 {
		t.Fatalf("expected recompute on swing change")
	}
	v, _ := fib.Get("level_0.5")
	if !v.Float.Equal(dec("102.5")) {
		t.Fatalf("level_0.5 = %s, want 102.5 after low moved to 95", v.Float)
	}
}

func TestFibonacciRejectsBadParams(t *testing.T) {
	r := DefaultRegistry()
	swing := newStubSwing()
	deps := map[string]Detector{"swing": swing}
	roles := map[string]string{"swing": "swing"}

	if _, err := r.ValidateAndCreate("fibonacci", "f", map[string]any{"levels": []any{}}, roles, deps); err == nil {
		t.Fatalf("expected error for empty levels")
	}
	if _, err := r.ValidateAndCreate("fibonacci", "f", map[string]any{"levels": []any{-0.5}}, roles, deps); err == nil {
		t.Fatalf("expected error for negative level")
	}
	if _, err := r.ValidateAndCreate("fibonacci", "f", map[string]any{"levels": []any{0.5}, "mode": "sideways"}, roles, deps); err == nil {
		t.Fatalf("expected error for bad mode")
	}
}
