// Package artifacts writes the canonical per-run output set (result.json,
// trades.parquet, equity.parquet, events.csv, run_manifest.json,
// pipeline_signature.json) with content hashes over row-canonicalized data,
// and compares two runs for hash equality.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/quantlayer/perpbt/internal/engine"
	"github.com/quantlayer/perpbt/pkg/types"
)

// canonicalTradeRow renders one closed trade as a stable, locale-free line.
// Field order is fixed; decimals print in shopspring's canonical form;
// timestamps are epoch milliseconds.
func canonicalTradeRow(t types.ExecTrade) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s|%s|%d|%s|%s|%s|%d|%s|%s|%s|%s|%s|%s|%s",
		t.Symbol,
		t.Side,
		t.EntryTime.UnixMilli(),
		t.EntryPrice.String(),
		t.EntrySize.String(),
		t.EntrySizeUSDT.String(),
		t.ExitTime.UnixMilli(),
		t.ExitPrice.String(),
		t.ExitReason,
		t.ExitPriceSource,
		t.RealizedPnL.String(),
		t.FeesPaid.String(),
		t.NetPnL.String(),
		fmt.Sprintf("%d|%d", t.EntryBarIndex, t.ExitBarIndex),
	)
	return sb.String()
}

// SortTrades orders trades canonically: entry_time, then entry_bar_index.
func SortTrades(trades []types.ExecTrade) []types.ExecTrade {
	out := make([]types.ExecTrade, len(trades))
	copy(out, trades)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].EntryTime.Before(out[j].EntryTime)
		}
		return out[i].EntryBarIndex < out[j].EntryBarIndex
	})
	return out
}

// SortEquity orders equity points canonically by ts_ms.
func SortEquity(points []engine.EquityPoint) []engine.EquityPoint {
	out := make([]engine.EquityPoint, len(points))
	copy(out, points)
	sort.SliceStable(out, func(i, j int) bool { return out[i].TsMs < out[j].TsMs })
	return out
}

// TradesHash is the SHA-256 hex digest of the row-canonicalized,
// canonically sorted trade set.
func TradesHash(trades []types.ExecTrade) string {
	h := sha256.New()
	for _, t := range SortTrades(trades) {
		h.Write([]byte(canonicalTradeRow(t)))
		h.Write([]byte("\n"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EquityHash is the SHA-256 hex digest of the row-canonicalized equity curve.
func EquityHash(points []engine.EquityPoint) string {
	h := sha256.New()
	for _, p := range SortEquity(points) {
		fmt.Fprintf(h, "%d|%s\n", p.TsMs, p.Equity.String())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RunHash chains the play, trades, equity, and pipeline-signature hashes
// into the single run identity.
func RunHash(playHash, tradesHash, equityHash, signatureHash string) string {
	h := sha256.New()
	h.Write([]byte(playHash))
	h.Write([]byte(tradesHash))
	h.Write([]byte(equityHash))
	h.Write([]byte(signatureHash))
	return hex.EncodeToString(h.Sum(nil))
}

// HashString is a convenience SHA-256 hex digest of a string.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
