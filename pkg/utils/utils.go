// Package utils provides small shared helpers: Bybit-style timeframe label
// parsing, decimal rounding to exchange tick/step sizes, and bounded math.
package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

// tfDurations maps Bybit-style timeframe labels to bar durations. Monthly
// bars have no fixed duration; ParseTFLabel approximates with 30 days, which
// is only used for warmup window sizing, never for bar alignment.
var tfDurations = map[types.TFLabel]time.Duration{
	"1m": time.Minute, "3m": 3 * time.Minute, "5m": 5 * time.Minute,
	"15m": 15 * time.Minute, "30m": 30 * time.Minute,
	"1h": time.Hour, "2h": 2 * time.Hour, "4h": 4 * time.Hour,
	"6h": 6 * time.Hour, "12h": 12 * time.Hour,
	"D": 24 * time.Hour, "W": 7 * 24 * time.Hour, "M": 30 * 24 * time.Hour,
}

// ParseTFLabel returns the bar duration for a Bybit-style timeframe label,
// with an error listing valid labels for anything unknown.
func ParseTFLabel(tf types.TFLabel) (time.Duration, error) {
	if d, ok := tfDurations[tf]; ok {
		return d, nil
	}
	valid := make([]string, 0, len(tfDurations))
	for label := range tfDurations {
		valid = append(valid, string(label))
	}
	return 0, fmt.Errorf("unknown timeframe label %q; valid labels: %s", tf, strings.Join(valid, ","))
}

// IsValidTFLabel reports whether tf is a recognized timeframe label.
func IsValidTFLabel(tf types.TFLabel) bool {
	_, ok := tfDurations[tf]
	return ok
}

// RoundToDecimalPlaces rounds half-up to the given number of places.
func RoundToDecimalPlaces(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

// RoundToTickSize rounds a price down to the nearest exchange tick.
func RoundToTickSize(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// RoundToStepSize rounds a quantity down to the nearest exchange step.
func RoundToStepSize(qty, stepSize decimal.Decimal) decimal.Decimal {
	if stepSize.IsZero() {
		return qty
	}
	return qty.Div(stepSize).Floor().Mul(stepSize)
}

// CalculatePercentageChange returns (new - old) / old, zero when old is zero.
func CalculatePercentageChange(oldVal, newVal decimal.Decimal) decimal.Decimal {
	if oldVal.IsZero() {
		return decimal.Zero
	}
	return newVal.Sub(oldVal).Div(oldVal)
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the larger of a and b.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// ClampDecimal bounds value into [min, max].
func ClampDecimal(value, min, max decimal.Decimal) decimal.Decimal {
	if value.LessThan(min) {
		return min
	}
	if value.GreaterThan(max) {
		return max
	}
	return value
}

// FormatDuration renders a duration compactly (e.g. "2h30m", "45s").
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%dh%dm", h, m)
	case h > 0:
		return fmt.Sprintf("%dh", h)
	case m > 0 && s > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	case m > 0:
		return fmt.Sprintf("%dm", m)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
