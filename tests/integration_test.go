// Package tests holds cross-package integration tests: a full Play run over
// synthetic fixtures, artifact writing, and the determinism guarantee.
package tests

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantlayer/perpbt/internal/artifacts"
	"github.com/quantlayer/perpbt/internal/funding"
	"github.com/quantlayer/perpbt/internal/pricesource"
	"github.com/quantlayer/perpbt/internal/runner"
	"github.com/quantlayer/perpbt/pkg/play"
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
)

const integrationPlayYAML = `
id: integration_breakout
symbol: BTCUSDT
timeframes:
  exec: 1h
account:
  initial_capital: "100000"
  leverage: "2"
  maintenance_margin_rate: "0.005"
  taker_fee_rate: "0.0006"
structures:
  exec:
    - key: swing
      type: swing
      params:
        left: 2
        right: 2
    - key: high_20
      type: rolling_window
      params:
        size: 20
        field: high
        mode: max
position_policy:
  mode: long_only
  exit_mode: sl_tp_and_signal
risk:
  size_usdt: "10000"
  stop_loss_pct: "0.05"
  take_profit_pct: "0.03"
rules:
  - name: breakout_entry
    when:
      left: close
      op: ">="
      right: structure.high_20.value - 30
    action:
      kind: enter_long
`

// writeFixtureCSV produces a deterministic synthetic price series: a slow
// climb with a periodic sawtooth so breakouts, stops, and swings all occur.
func writeFixtureCSV(t *testing.T, dir string) {
	t.Helper()
	path := filepath.Join(dir, "BTCUSDT_1h.csv")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "ts_open,ts_close,open,high,low,close,volume")
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	price := decimal.RequireFromString("40000")
	for i := 0; i < 400; i++ {
		// Deterministic wave: +60 for 30 bars, -40 for 10 bars.
		var delta decimal.Decimal
		if i%40 < 30 {
			delta = decimal.RequireFromString("60")
		} else {
			delta = decimal.RequireFromString("-40")
		}
		open := price
		close := price.Add(delta)
		high := decimal.Max(open, close).Add(decimal.RequireFromString("20"))
		low := decimal.Min(open, close).Sub(decimal.RequireFromString("20"))
		tsOpen := base.Add(time.Duration(i) * time.Hour)
		fmt.Fprintf(f, "%s,%s,%s,%s,%s,%s,1000\n",
			tsOpen.Format(time.RFC3339), tsOpen.Add(time.Hour).Format(time.RFC3339),
			open, high, low, close)
		price = close
	}
}

func runOnce(t *testing.T, dataDir, outDir string) runner.Outcome {
	t.Helper()

	p, err := play.Load([]byte(integrationPlayYAML))
	if err != nil {
		t.Fatalf("load play: %v", err)
	}

	source := pricesource.NewFixtureSource("fixtures:integration")
	if err := source.LoadCSV(filepath.Join(dataDir, "BTCUSDT_1h.csv"), "BTCUSDT", types.TFLabel("1h")); err != nil {
		t.Fatalf("load csv: %v", err)
	}

	r := runner.New(nil, nil, source, funding.ConstantTable{Rate: decimal.RequireFromString("0.0001")})
	outcome, err := r.Run(context.Background(), p, runner.Options{
		OutputDir:      outDir,
		WindowStart:    time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC),
		WindowEnd:      time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC),
		WarmupBars:     25,
		WriteEventsCSV: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return outcome
}

func TestFullRunProducesTradesAndArtifacts(t *testing.T) {
	dataDir := t.TempDir()
	writeFixtureCSV(t, dataDir)

	outcome := runOnce(t, dataDir, t.TempDir())

	if !outcome.Result.Success {
		t.Fatalf("run not successful: %+v", outcome.Result)
	}
	if outcome.Result.StopReason != types.StopEndOfData {
		t.Fatalf("stop reason = %s", outcome.Result.StopReason)
	}
	if len(outcome.Result.Trades) == 0 {
		t.Fatalf("expected at least one trade from the sawtooth series")
	}
	if len(outcome.Result.Equity) == 0 {
		t.Fatalf("expected equity curve rows")
	}
	for _, c := range outcome.Checks {
		if !c.Passed {
			t.Fatalf("audit %s failed: %s", c.Name, c.Details)
		}
	}
	if outcome.RunDir == "" {
		t.Fatalf("expected artifacts written")
	}
	doc, err := artifacts.LoadResult(outcome.RunDir)
	if err != nil {
		t.Fatalf("load result.json: %v", err)
	}
	if doc.RunHash != outcome.RunHash {
		t.Fatalf("result.json run hash mismatch")
	}
}

// Property 7: the same (play, window, data source) twice yields equal
// trades/equity hashes.
func TestDeterminismAcrossRuns(t *testing.T) {
	dataDir := t.TempDir()
	writeFixtureCSV(t, dataDir)

	a := runOnce(t, dataDir, t.TempDir())
	b := runOnce(t, dataDir, t.TempDir())

	if artifacts.TradesHash(a.Result.Trades) != artifacts.TradesHash(b.Result.Trades) {
		t.Fatalf("trades hashes differ across identical runs")
	}
	if artifacts.EquityHash(a.Result.Equity) != artifacts.EquityHash(b.Result.Equity) {
		t.Fatalf("equity hashes differ across identical runs")
	}
	if a.RunHash != b.RunHash {
		t.Fatalf("run hashes differ across identical runs")
	}

	cmp, err := artifacts.CompareRuns(a.RunDir, b.RunDir)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !cmp.Equal {
		t.Fatalf("comparator found drift: %v", cmp.Mismatches)
	}
}
