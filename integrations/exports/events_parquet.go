package exports

import (
	"bytes"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"creditswap/native/creditswap"
)

// EventRow is the flat Parquet schema of an engine event. Amounts are decimal
// strings of base units.
type EventRow struct {
	ID             string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind           string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	OccurredAtUnix int64  `parquet:"name=occurred_at_unix_nanos, type=INT64"`
	Caller         string `parquet:"name=caller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Pair           string `parquet:"name=pair, type=BYTE_ARRAY, convertedtype=UTF8"`
	TokenIn        string `parquet:"name=token_in, type=BYTE_ARRAY, convertedtype=UTF8"`
	TokenOut       string `parquet:"name=token_out, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reverse        bool   `parquet:"name=reverse, type=BOOLEAN"`
	AmountIn       string `parquet:"name=amount_in, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountOut      string `parquet:"name=amount_out, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fee            string `parquet:"name=fee, type=BYTE_ARRAY, convertedtype=UTF8"`
	FeeBps         int64  `parquet:"name=fee_bps, type=INT64"`
	Shares         string `parquet:"name=shares, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func newEventRow(event creditswap.Event) *EventRow {
	row := &EventRow{
		ID:             event.ID,
		Kind:           event.Kind,
		OccurredAtUnix: event.Timestamp.UnixNano(),
		Caller:         event.Caller.Hex(),
		Reverse:        event.Reverse,
		AmountIn:       amount(event.AmountIn),
		AmountOut:      amount(event.AmountOut),
		Fee:            amount(event.Fee),
		FeeBps:         int64(event.FeeBps),
		Shares:         amount(event.Shares),
	}
	if event.PairID != (common.Hash{}) {
		row.Pair = event.PairID.Hex()
	}
	if event.TokenIn != (common.Address{}) {
		row.TokenIn = event.TokenIn.Hex()
	}
	if event.TokenOut != (common.Address{}) {
		row.TokenOut = event.TokenOut.Hex()
	}
	return row
}

func amount(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// WriteEventsParquet streams events to w as a Snappy-compressed Parquet file.
func WriteEventsParquet(w io.Writer, events []creditswap.Event) error {
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(EventRow), 1)
	if err != nil {
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, event := range events {
		if err := pw.Write(newEventRow(event)); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	return nil
}

// EventsParquet renders events as Parquet and returns the bytes with a
// SHA-256 checksum.
func EventsParquet(events []creditswap.Event) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	if err := WriteEventsParquet(buffer, events); err != nil {
		return nil, "", err
	}
	return checksummed(buffer.Bytes())
}
