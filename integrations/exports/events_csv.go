package exports

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"time"

	"creditswap/native/creditswap"
)

var csvHeader = []string{
	"id", "kind", "occurred_at", "caller", "pair", "token_in", "token_out",
	"reverse", "amount_in", "amount_out", "fee", "fee_bps", "shares",
}

// EventsCSV builds a CSV export for the supplied engine events and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func EventsCSV(events []creditswap.Event) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, event := range events {
		row := newEventRow(event)
		record := []string{
			row.ID,
			row.Kind,
			event.Timestamp.UTC().Format(time.RFC3339Nano),
			row.Caller,
			row.Pair,
			row.TokenIn,
			row.TokenOut,
			strconv.FormatBool(row.Reverse),
			row.AmountIn,
			row.AmountOut,
			row.Fee,
			strconv.FormatInt(row.FeeBps, 10),
			row.Shares,
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	return checksummed(buffer.Bytes())
}
