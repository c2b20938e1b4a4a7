package utils

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParseTFLabel(t *testing.T) {
	d, err := ParseTFLabel("15m")
	if err != nil || d != 15*time.Minute {
		t.Fatalf("15m -> %s, %v", d, err)
	}
	d, err = ParseTFLabel("D")
	if err != nil || d != 24*time.Hour {
		t.Fatalf("D -> %s, %v", d, err)
	}
	if _, err := ParseTFLabel("7m"); err == nil {
		t.Fatalf("expected error for unknown label")
	}
	if !IsValidTFLabel("4h") || IsValidTFLabel("42h") {
		t.Fatalf("IsValidTFLabel misbehaving")
	}
}

func TestRounding(t *testing.T) {
	if got := RoundToTickSize(dec("100.37"), dec("0.25")); !got.Equal(dec("100.25")) {
		t.Fatalf("tick round = %s", got)
	}
	if got := RoundToStepSize(dec("0.1234"), dec("0.01")); !got.Equal(dec("0.12")) {
		t.Fatalf("step round = %s", got)
	}
	if got := RoundToTickSize(dec("100.37"), decimal.Zero); !got.Equal(dec("100.37")) {
		t.Fatalf("zero tick must pass through")
	}
}

func TestClampAndMinMax(t *testing.T) {
	if !ClampDecimal(dec("5"), dec("1"), dec("3")).Equal(dec("3")) {
		t.Fatalf("clamp above")
	}
	if !MinDecimal(dec("2"), dec("3")).Equal(dec("2")) || !MaxDecimal(dec("2"), dec("3")).Equal(dec("3")) {
		t.Fatalf("min/max")
	}
}

func TestFormatDuration(t *testing.T) {
	if got := FormatDuration(2*time.Hour + 30*time.Minute); got != "2h30m" {
		t.Fatalf("got %q", got)
	}
	if got := FormatDuration(45 * time.Second); got != "45s" {
		t.Fatalf("got %q", got)
	}
}
