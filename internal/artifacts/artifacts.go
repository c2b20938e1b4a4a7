package artifacts

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quantlayer/perpbt/internal/engine"
	"github.com/quantlayer/perpbt/pkg/types"
)

// SchemaVersion identifies the artifact file layouts; bump on any column or
// field change so old runs never hash-compare equal to new ones by accident.
const SchemaVersion = "1"

// ResultDoc is result.json: the run summary plus the four content hashes.
type ResultDoc struct {
	PlayID        string `json:"play_id"`
	Symbol        string `json:"symbol"`
	ExecTF        string `json:"exec_tf"`
	WindowStartMs int64  `json:"window_start_ms"`
	WindowEndMs   int64  `json:"window_end_ms"`
	Success       bool   `json:"success"`
	StopReason    string `json:"stop_reason"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorDetails  string `json:"error_details,omitempty"`
	BarsProcessed int64  `json:"bars_processed"`
	TradeCount    int    `json:"trade_count"`

	InitialCapital string `json:"initial_capital"`
	FinalEquity    string `json:"final_equity"`
	TotalFeesPaid  string `json:"total_fees_paid"`
	FundingPnL     string `json:"funding_pnl"`

	TradesHash    string `json:"trades_hash"`
	EquityHash    string `json:"equity_hash"`
	PlayHash      string `json:"play_hash"`
	RunHash       string `json:"run_hash"`
	SchemaVersion string `json:"schema_version"`
}

// Manifest is run_manifest.json: everything needed to reproduce the run.
type Manifest struct {
	PlayID                string   `json:"play_id"`
	PlayHash              string   `json:"play_hash"`
	Symbols               []string `json:"symbols"`
	ExecTF                string   `json:"exec_tf"`
	HTFLabels             []string `json:"htf_labels"`
	WindowStartMs         int64    `json:"window_start_ms"`
	WindowEndMs           int64    `json:"window_end_ms"`
	DataSourceID          string   `json:"data_source_id"`
	EquityTimestampColumn string   `json:"equity_timestamp_column"`
	EvalStartTsMs         int64    `json:"eval_start_ts_ms"`
}

// PipelineSignature is pipeline_signature.json: schema versions plus the
// detector registry fingerprint, hashed into the run identity.
type PipelineSignature struct {
	SchemaVersion       string `json:"schema_version"`
	RegistryFingerprint string `json:"registry_fingerprint"`
	SignatureHash       string `json:"signature_hash"`
}

// NewPipelineSignature builds the signature for the given registry
// fingerprint string.
func NewPipelineSignature(registryFingerprint string) PipelineSignature {
	sig := PipelineSignature{
		SchemaVersion:       SchemaVersion,
		RegistryFingerprint: registryFingerprint,
	}
	sig.SignatureHash = HashString(sig.SchemaVersion + "|" + sig.RegistryFingerprint)
	return sig
}

// RunInput bundles everything the writer needs for one canonical run
// directory.
type RunInput struct {
	PlayID         string
	PlayHash       string
	Symbol         string
	ExecTF         string
	HTFLabels      []string
	WindowStart    time.Time
	WindowEnd      time.Time
	DataSourceID   string
	InitialCapital string
	Signature      PipelineSignature
	Result         engine.Result
	WriteEventsCSV bool
}

// RunDir composes the canonical run directory path under root:
// runs/<play_id>/<symbol>/<tf_exec>/<window_start>_<window_end>_<short_hash>/.
func RunDir(root string, in RunInput, runHash string) string {
	short := runHash
	if len(short) > 12 {
		short = short[:12]
	}
	leaf := fmt.Sprintf("%d_%d_%s", in.WindowStart.UnixMilli(), in.WindowEnd.UnixMilli(), short)
	return filepath.Join(root, "runs", in.PlayID, in.Symbol, in.ExecTF, leaf)
}

// WriteRun writes the full canonical artifact set and returns the run
// directory and the computed run hash.
func WriteRun(root string, in RunInput) (string, string, error) {
	tradesHash := TradesHash(in.Result.Trades)
	equityHash := EquityHash(in.Result.Equity)
	runHash := RunHash(in.PlayHash, tradesHash, equityHash, in.Signature.SignatureHash)

	dir := RunDir(root, in, runHash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("artifacts: mkdir %s: %w", dir, err)
	}

	doc := ResultDoc{
		PlayID:         in.PlayID,
		Symbol:         in.Symbol,
		ExecTF:         in.ExecTF,
		WindowStartMs:  in.WindowStart.UnixMilli(),
		WindowEndMs:    in.WindowEnd.UnixMilli(),
		Success:        in.Result.Success,
		StopReason:     string(in.Result.StopReason),
		ErrorCode:      string(in.Result.ErrorCode),
		ErrorDetails:   in.Result.ErrorDetails,
		BarsProcessed:  in.Result.BarsProcessed,
		TradeCount:     len(in.Result.Trades),
		InitialCapital: in.InitialCapital,
		FinalEquity:    in.Result.FinalLedger.Equity.String(),
		TotalFeesPaid:  in.Result.FinalLedger.TotalFeesPaid.String(),
		FundingPnL:     in.Result.Metrics.TotalFundingPnL.String(),
		TradesHash:     tradesHash,
		EquityHash:     equityHash,
		PlayHash:       in.PlayHash,
		RunHash:        runHash,
		SchemaVersion:  SchemaVersion,
	}
	if err := writeJSON(filepath.Join(dir, "result.json"), doc); err != nil {
		return "", "", err
	}

	if err := WriteTradesParquet(filepath.Join(dir, "trades.parquet"), in.Result.Trades); err != nil {
		return "", "", err
	}
	if err := WriteEquityParquet(filepath.Join(dir, "equity.parquet"), in.Result.Equity); err != nil {
		return "", "", err
	}

	manifest := Manifest{
		PlayID:                in.PlayID,
		PlayHash:              in.PlayHash,
		Symbols:               []string{in.Symbol},
		ExecTF:                in.ExecTF,
		HTFLabels:             in.HTFLabels,
		WindowStartMs:         in.WindowStart.UnixMilli(),
		WindowEndMs:           in.WindowEnd.UnixMilli(),
		DataSourceID:          in.DataSourceID,
		EquityTimestampColumn: "ts_ms",
		EvalStartTsMs:         evalStartTs(in),
	}
	if err := writeJSON(filepath.Join(dir, "run_manifest.json"), manifest); err != nil {
		return "", "", err
	}
	if err := writeJSON(filepath.Join(dir, "pipeline_signature.json"), in.Signature); err != nil {
		return "", "", err
	}

	if in.WriteEventsCSV {
		if err := writeEventsCSV(filepath.Join(dir, "events.csv"), in.Result); err != nil {
			return "", "", err
		}
	}

	return dir, runHash, nil
}

func evalStartTs(in RunInput) int64 {
	idx := in.Result.EvalStartIdx
	if idx >= 0 && idx < int64(len(in.Result.Equity)) {
		return in.Result.Equity[idx].TsMs
	}
	return in.WindowStart.UnixMilli()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("artifacts: marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("artifacts: write %s: %w", path, err)
	}
	return nil
}

// writeEventsCSV writes one row per fill, funding settlement, and
// liquidation, in event-time order within each category.
func writeEventsCSV(path string, res engine.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("artifacts: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"event_type", "ts_ms", "symbol", "side", "price", "size", "size_usdt", "reason", "fee", "detail"}); err != nil {
		return err
	}
	for _, fill := range res.Fills {
		if err := w.Write([]string{
			"fill",
			fmt.Sprintf("%d", fill.Timestamp.UnixMilli()),
			fill.Symbol,
			string(fill.Side),
			fill.Price.String(),
			fill.Size.String(),
			fill.SizeUSDT.String(),
			string(fill.Reason),
			fill.Fee.String(),
			"",
		}); err != nil {
			return err
		}
	}
	for _, fe := range res.FundingEvents {
		if err := w.Write([]string{
			"funding",
			fmt.Sprintf("%d", fe.Timestamp.UnixMilli()),
			fe.Symbol,
			"", "", "", "", "", "",
			"rate=" + fe.FundingRate.String(),
		}); err != nil {
			return err
		}
	}
	for _, le := range res.Liquidations {
		if err := w.Write([]string{
			"liquidation",
			fmt.Sprintf("%d", le.Timestamp.UnixMilli()),
			le.Symbol,
			string(le.Side),
			le.MarkPrice.String(),
			"", "",
			string(types.FillReasonLiquidation),
			le.LiquidationFee.String(),
			"bankruptcy=" + le.BankruptcyPrice.String(),
		}); err != nil {
			return err
		}
	}
	return nil
}
