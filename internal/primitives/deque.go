// Package primitives provides the O(1) sliding-window building blocks
// shared by the detectors: a monotonic deque for rolling min/max and a
// fixed-capacity ring buffer for bounded lookback windows.
package primitives

import "github.com/shopspring/decimal"

// DequeMode selects whether MonotonicDeque tracks a rolling minimum or maximum.
type DequeMode int

const (
	// DequeMin keeps the deque monotonically increasing so the head is the minimum.
	DequeMin DequeMode = iota
	// DequeMax keeps the deque monotonically decreasing so the head is the maximum.
	DequeMax
)

type dequeEntry struct {
	seq   int64
	value decimal.Decimal
}

// MonotonicDeque maintains the running min or max over the last `window` pushed
// sequence values in O(1) amortized time per push.
type MonotonicDeque struct {
	mode   DequeMode
	window int64
	items  []dequeEntry
}

// NewMonotonicDeque creates a deque over a sliding window of the given size and mode.
func NewMonotonicDeque(window int64, mode DequeMode) *MonotonicDeque {
	return &MonotonicDeque{mode: mode, window: window}
}

// Push records value at sequence seq, evicting tail elements that can no longer
// be the extremum and head elements that have fallen out of the window.
func (d *MonotonicDeque) Push(seq int64, value decimal.Decimal) {
	for len(d.items) > 0 {
		tail := d.items[len(d.items)-1]
		dominated := false
		switch d.mode {
		case DequeMin:
			dominated = tail.value.GreaterThanOrEqual(value)
		case DequeMax:
			dominated = tail.value.LessThanOrEqual(value)
		}
		if !dominated {
			break
		}
		d.items = d.items[:len(d.items)-1]
	}
	d.items = append(d.items, dequeEntry{seq: seq, value: value})

	for len(d.items) > 0 && d.items[0].seq <= seq-d.window+1 {
		d.items = d.items[1:]
	}
}

// Get returns the current extremum and true, or (zero, false) if nothing has been pushed.
func (d *MonotonicDeque) Get() (decimal.Decimal, bool) {
	if len(d.items) == 0 {
		return decimal.Zero, false
	}
	return d.items[0].value, true
}
