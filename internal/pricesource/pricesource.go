// Package pricesource provides the deterministic, fixture-backed bar and
// mark-price feed the engine pulls from. Ingestion, gap-filling, and live
// exchange polling are explicitly out of scope (spec Non-goals); this
// package only replays a fixed historical data set.
package pricesource

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

// PriceSource is the read-only historical data feed the engine consumes:
// closed OHLCV bars per timeframe plus a 1-minute mark-price series used for
// intrabar liquidation/funding checks finer than the execution timeframe.
type PriceSource interface {
	SourceName() string
	OHLCV(symbol string, tf types.TFLabel, start, end time.Time) ([]types.Bar, error)
	MarkPrice1m(symbol string, at time.Time) (decimal.Decimal, bool)
	HealthCheck() error
}

// FixtureSource is an in-memory PriceSource loaded from CSV or JSON bar
// files, following the teacher's internal/data/store.go JSON load/save
// idiom but with no write path and no non-deterministic sample generator.
type FixtureSource struct {
	name  string
	bars  map[string][]types.Bar // key: symbol + "|" + tf
	marks map[string][]markPoint // key: symbol, sorted by timestamp
}

type markPoint struct {
	ts    time.Time
	price decimal.Decimal
}

// NewFixtureSource returns an empty fixture source; load bars with
// LoadCSV/LoadJSON before use.
func NewFixtureSource(name string) *FixtureSource {
	return &FixtureSource{
		name:  name,
		bars:  make(map[string][]types.Bar),
		marks: make(map[string][]markPoint),
	}
}

func barsKey(symbol string, tf types.TFLabel) string {
	return symbol + "|" + string(tf)
}

// LoadCSV reads OHLCV rows from a CSV file with header
// ts_open,ts_close,open,high,low,close,volume (RFC3339 timestamps) and
// registers them under symbol/tf, sorted by ts_open.
func (f *FixtureSource) LoadCSV(path, symbol string, tf types.TFLabel) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("pricesource: open %s: %w", path, err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("pricesource: read header from %s: %w", path, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	for _, req := range []string{"ts_open", "ts_close", "open", "high", "low", "close", "volume"} {
		if _, ok := col[req]; !ok {
			return fmt.Errorf("pricesource: %s missing required column %q", path, req)
		}
	}

	var bars []types.Bar
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("pricesource: read row from %s: %w", path, err)
		}
		b, err := parseCSVBar(symbol, tf, row, col)
		if err != nil {
			return fmt.Errorf("pricesource: %s: %w", path, err)
		}
		if err := b.Validate(); err != nil {
			return fmt.Errorf("pricesource: %s: %w", path, err)
		}
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].TsOpen.Before(bars[j].TsOpen) })
	f.bars[barsKey(symbol, tf)] = bars
	return nil
}

func parseCSVBar(symbol string, tf types.TFLabel, row []string, col map[string]int) (types.Bar, error) {
	tsOpen, err := time.Parse(time.RFC3339, row[col["ts_open"]])
	if err != nil {
		return types.Bar{}, fmt.Errorf("invalid ts_open %q: %w", row[col["ts_open"]], err)
	}
	tsClose, err := time.Parse(time.RFC3339, row[col["ts_close"]])
	if err != nil {
		return types.Bar{}, fmt.Errorf("invalid ts_close %q: %w", row[col["ts_close"]], err)
	}
	dec := func(name string) (decimal.Decimal, error) {
		return decimal.NewFromString(row[col[name]])
	}
	open, err := dec("open")
	if err != nil {
		return types.Bar{}, err
	}
	high, err := dec("high")
	if err != nil {
		return types.Bar{}, err
	}
	low, err := dec("low")
	if err != nil {
		return types.Bar{}, err
	}
	cls, err := dec("close")
	if err != nil {
		return types.Bar{}, err
	}
	vol, err := dec("volume")
	if err != nil {
		return types.Bar{}, err
	}
	return types.Bar{
		Symbol: symbol, TF: tf, TsOpen: tsOpen, TsClose: tsClose,
		Open: open, High: high, Low: low, Close: cls, Volume: vol,
	}, nil
}

// jsonBar is the on-disk JSON shape for bar fixtures, mirroring the
// teacher's store.go OHLCV persistence format.
type jsonBar struct {
	TsOpen  string `json:"ts_open"`
	TsClose string `json:"ts_close"`
	Open    string `json:"open"`
	High    string `json:"high"`
	Low     string `json:"low"`
	Close   string `json:"close"`
	Volume  string `json:"volume"`
}

// LoadJSON reads a JSON array of bar objects and registers them under
// symbol/tf, sorted by ts_open.
func (f *FixtureSource) LoadJSON(path, symbol string, tf types.TFLabel) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pricesource: read %s: %w", path, err)
	}
	var rows []jsonBar
	if err := json.Unmarshal(raw, &rows); err != nil {
		return fmt.Errorf("pricesource: parse %s: %w", path, err)
	}
	var bars []types.Bar
	for _, row := range rows {
		tsOpen, err := time.Parse(time.RFC3339, row.TsOpen)
		if err != nil {
			return fmt.Errorf("pricesource: %s: invalid ts_open %q: %w", path, row.TsOpen, err)
		}
		tsClose, err := time.Parse(time.RFC3339, row.TsClose)
		if err != nil {
			return fmt.Errorf("pricesource: %s: invalid ts_close %q: %w", path, row.TsClose, err)
		}
		b := types.Bar{
			Symbol: symbol, TF: tf, TsOpen: tsOpen, TsClose: tsClose,
			Open:   decimal.RequireFromString(row.Open),
			High:   decimal.RequireFromString(row.High),
			Low:    decimal.RequireFromString(row.Low),
			Close:  decimal.RequireFromString(row.Close),
			Volume: decimal.RequireFromString(row.Volume),
		}
		if err := b.Validate(); err != nil {
			return fmt.Errorf("pricesource: %s: %w", path, err)
		}
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].TsOpen.Before(bars[j].TsOpen) })
	f.bars[barsKey(symbol, tf)] = bars

	for _, b := range bars {
		f.marks[symbol] = append(f.marks[symbol], markPoint{ts: b.TsClose, price: b.Close})
	}
	return nil
}

func (f *FixtureSource) SourceName() string { return f.name }

// OHLCV returns the closed bars for symbol/tf within [start, end], inclusive
// of both bounds by ts_open.
func (f *FixtureSource) OHLCV(symbol string, tf types.TFLabel, start, end time.Time) ([]types.Bar, error) {
	all, ok := f.bars[barsKey(symbol, tf)]
	if !ok {
		return nil, fmt.Errorf("%s: no bars loaded for %s %s", types.ErrDataNotAvailable, symbol, tf)
	}
	lo := sort.Search(len(all), func(i int) bool { return !all[i].TsOpen.Before(start) })
	hi := sort.Search(len(all), func(i int) bool { return all[i].TsOpen.After(end) })
	if lo >= hi {
		return nil, fmt.Errorf("%s: no bars for %s %s in [%s, %s]", types.ErrDataNotAvailable, symbol, tf, start, end)
	}
	out := make([]types.Bar, hi-lo)
	copy(out, all[lo:hi])
	return out, nil
}

// MarkPrice1m returns the most recent close at or before `at` from the
// close series LoadJSON records for symbol, whatever timeframe those bars
// have. There is no separate 1-minute series or fallback, and LoadCSV
// records no marks; with no recorded closes it returns false.
func (f *FixtureSource) MarkPrice1m(symbol string, at time.Time) (decimal.Decimal, bool) {
	points, ok := f.marks[symbol]
	if !ok || len(points) == 0 {
		return decimal.Zero, false
	}
	idx := sort.Search(len(points), func(i int) bool { return points[i].ts.After(at) })
	if idx == 0 {
		return decimal.Zero, false
	}
	return points[idx-1].price, true
}

// HealthCheck reports whether the fixture source has any data loaded.
func (f *FixtureSource) HealthCheck() error {
	if len(f.bars) == 0 {
		return fmt.Errorf("pricesource %q: no bar fixtures loaded", f.name)
	}
	return nil
}
