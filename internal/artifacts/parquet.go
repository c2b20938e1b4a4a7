package artifacts

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	pqfile "github.com/apache/arrow-go/v18/parquet/file"
	pqschema "github.com/apache/arrow-go/v18/parquet/schema"
	"github.com/quantlayer/perpbt/internal/engine"
	"github.com/quantlayer/perpbt/pkg/types"
)

func tradesGroupNode() *pqschema.GroupNode {
	return pqschema.MustGroup(pqschema.NewGroupNode("schema", parquet.Repetitions.Required, pqschema.FieldList{
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeConverted("symbol", parquet.Repetitions.Optional, parquet.Types.ByteArray, pqschema.ConvertedTypes.UTF8, 0, 0, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeConverted("side", parquet.Repetitions.Optional, parquet.Types.ByteArray, pqschema.ConvertedTypes.UTF8, 0, 0, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("entry_time_ms", parquet.Repetitions.Optional, pqschema.NewTimestampLogicalType(true, pqschema.TimeUnitMillis), parquet.Types.Int64, 0, -1)),
		pqschema.NewFloat64Node("entry_price", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("entry_size", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("entry_size_usdt", parquet.Repetitions.Optional, -1),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("exit_time_ms", parquet.Repetitions.Optional, pqschema.NewTimestampLogicalType(true, pqschema.TimeUnitMillis), parquet.Types.Int64, 0, -1)),
		pqschema.NewFloat64Node("exit_price", parquet.Repetitions.Optional, -1),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeConverted("exit_reason", parquet.Repetitions.Optional, parquet.Types.ByteArray, pqschema.ConvertedTypes.UTF8, 0, 0, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeConverted("exit_price_source", parquet.Repetitions.Optional, parquet.Types.ByteArray, pqschema.ConvertedTypes.UTF8, 0, 0, 0, -1)),
		pqschema.NewFloat64Node("realized_pnl", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("fees_paid", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("net_pnl", parquet.Repetitions.Optional, -1),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("entry_bar_index", parquet.Repetitions.Optional, pqschema.NewIntLogicalType(64, true), parquet.Types.Int64, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("exit_bar_index", parquet.Repetitions.Optional, pqschema.NewIntLogicalType(64, true), parquet.Types.Int64, 0, -1)),
	}, -1))
}

func equityGroupNode() *pqschema.GroupNode {
	return pqschema.MustGroup(pqschema.NewGroupNode("schema", parquet.Repetitions.Required, pqschema.FieldList{
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("ts_ms", parquet.Repetitions.Optional, pqschema.NewTimestampLogicalType(true, pqschema.TimeUnitMillis), parquet.Types.Int64, 0, -1)),
		pqschema.NewFloat64Node("equity", parquet.Repetitions.Optional, -1),
	}, -1))
}

func writeString(rgw pqfile.BufferedRowGroupWriter, col int, s string) {
	cw, _ := rgw.Column(col)
	cw.(*pqfile.ByteArrayColumnChunkWriter).WriteBatch([]parquet.ByteArray{parquet.ByteArray(s)}, []int16{1}, nil)
}

func writeInt64(rgw pqfile.BufferedRowGroupWriter, col int, v int64) {
	cw, _ := rgw.Column(col)
	cw.(*pqfile.Int64ColumnChunkWriter).WriteBatch([]int64{v}, []int16{1}, nil)
}

func writeFloat64(rgw pqfile.BufferedRowGroupWriter, col int, v float64) {
	cw, _ := rgw.Column(col)
	cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{v}, []int16{1}, nil)
}

// WriteTradesParquet writes the canonically sorted trade rows to path.
func WriteTradesParquet(path string, trades []types.ExecTrade) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("artifacts: create %s: %w", path, err)
	}
	defer f.Close()

	props := parquet.NewWriterProperties(
		parquet.WithVersion(parquet.V2_LATEST),
		parquet.WithCompression(compress.Codecs.Snappy))
	pw := pqfile.NewParquetWriter(f, tradesGroupNode(), pqfile.WithWriterProps(props))
	defer pw.Close()

	rgw := pw.AppendBufferedRowGroup()
	for _, t := range SortTrades(trades) {
		entryPrice, _ := t.EntryPrice.Float64()
		entrySize, _ := t.EntrySize.Float64()
		entryNotional, _ := t.EntrySizeUSDT.Float64()
		exitPrice, _ := t.ExitPrice.Float64()
		realized, _ := t.RealizedPnL.Float64()
		fees, _ := t.FeesPaid.Float64()
		net, _ := t.NetPnL.Float64()

		writeString(rgw, 0, t.Symbol)
		writeString(rgw, 1, string(t.Side))
		writeInt64(rgw, 2, t.EntryTime.UnixMilli())
		writeFloat64(rgw, 3, entryPrice)
		writeFloat64(rgw, 4, entrySize)
		writeFloat64(rgw, 5, entryNotional)
		writeInt64(rgw, 6, t.ExitTime.UnixMilli())
		writeFloat64(rgw, 7, exitPrice)
		writeString(rgw, 8, string(t.ExitReason))
		writeString(rgw, 9, string(t.ExitPriceSource))
		writeFloat64(rgw, 10, realized)
		writeFloat64(rgw, 11, fees)
		writeFloat64(rgw, 12, net)
		writeInt64(rgw, 13, t.EntryBarIndex)
		writeInt64(rgw, 14, t.ExitBarIndex)
	}
	if err := rgw.Close(); err != nil {
		return fmt.Errorf("artifacts: close row group: %w", err)
	}
	if err := pw.FlushWithFooter(); err != nil {
		return fmt.Errorf("artifacts: flush %s: %w", path, err)
	}
	return nil
}

// WriteEquityParquet writes the canonically sorted equity curve to path.
func WriteEquityParquet(path string, points []engine.EquityPoint) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("artifacts: create %s: %w", path, err)
	}
	defer f.Close()

	props := parquet.NewWriterProperties(
		parquet.WithVersion(parquet.V2_LATEST),
		parquet.WithCompression(compress.Codecs.Snappy))
	pw := pqfile.NewParquetWriter(f, equityGroupNode(), pqfile.WithWriterProps(props))
	defer pw.Close()

	rgw := pw.AppendBufferedRowGroup()
	for _, p := range SortEquity(points) {
		eq, _ := p.Equity.Float64()
		writeInt64(rgw, 0, p.TsMs)
		writeFloat64(rgw, 1, eq)
	}
	if err := rgw.Close(); err != nil {
		return fmt.Errorf("artifacts: close row group: %w", err)
	}
	if err := pw.FlushWithFooter(); err != nil {
		return fmt.Errorf("artifacts: flush %s: %w", path, err)
	}
	return nil
}
