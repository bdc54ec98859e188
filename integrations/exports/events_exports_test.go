package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"creditswap/native/creditswap"
)

func sampleEvents() []creditswap.Event {
	return []creditswap.Event{
		{
			ID:        "evt-swap",
			Kind:      creditswap.EventSwap,
			Timestamp: time.Unix(1_700_000_000, 0).UTC(),
			Caller:    common.HexToAddress("0x7a"),
			PairID:    creditswap.NewPairID(common.HexToAddress("0xbb"), common.HexToAddress("0xaa")),
			TokenIn:   common.HexToAddress("0xbb"),
			TokenOut:  common.HexToAddress("0xaa"),
			AmountIn:  big.NewInt(10_000),
			AmountOut: big.NewInt(9_970),
			Fee:       big.NewInt(30),
			FeeBps:    30,
		},
		{
			ID:        "evt-deposit",
			Kind:      creditswap.EventLPDeposit,
			Timestamp: time.Unix(1_700_000_060, 0).UTC(),
			Caller:    common.HexToAddress("0x1b"),
			TokenIn:   common.HexToAddress("0xaa"),
			AmountIn:  big.NewInt(5_000),
			Shares:    big.NewInt(5_000),
		},
	}
}

func TestEventsJSONL(t *testing.T) {
	data, checksum, err := EventsJSONL(sampleEvents())
	if err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"kind":"swap"`) || !strings.Contains(lines[0], `"amountOut":"9970"`) {
		t.Fatalf("unexpected swap line: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"shares":"5000"`) {
		t.Fatalf("unexpected deposit line: %s", lines[1])
	}
	sum := sha256.Sum256(data)
	if checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum mismatch")
	}
}

func TestEventsCSV(t *testing.T) {
	data, checksum, err := EventsCSV(sampleEvents())
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if checksum == "" {
		t.Fatalf("expected checksum")
	}
	output := string(data)
	if !strings.HasPrefix(output, strings.Join(csvHeader, ",")) {
		t.Fatalf("missing header: %s", output)
	}
	if !strings.Contains(output, "evt-deposit,lp_deposit,") {
		t.Fatalf("missing deposit row: %s", output)
	}
}

func TestEventsParquetRoundTrip(t *testing.T) {
	data, checksum, err := EventsParquet(sampleEvents())
	if err != nil {
		t.Fatalf("parquet: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("PAR1")) || checksum == "" {
		t.Fatalf("unexpected parquet payload")
	}
	path := filepath.Join(t.TempDir(), "events.parquet")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	file, err := local.NewLocalFileReader(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	pr, err := reader.NewParquetReader(file, new(EventRow), 1)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer pr.ReadStop()
	if pr.GetNumRows() != 2 {
		t.Fatalf("expected 2 rows, got %d", pr.GetNumRows())
	}
	rows := make([]EventRow, 2)
	if err := pr.Read(&rows); err != nil {
		t.Fatalf("read: %v", err)
	}
	if rows[0].ID != "evt-swap" || rows[0].AmountOut != "9970" || rows[0].FeeBps != 30 {
		t.Fatalf("unexpected swap row %+v", rows[0])
	}
	if rows[1].Kind != creditswap.EventLPDeposit || rows[1].TokenOut != "" {
		t.Fatalf("unexpected deposit row %+v", rows[1])
	}
}
