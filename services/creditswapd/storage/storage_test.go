package storage

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"creditswap/native/creditswap"
)

func openTestDB(t *testing.T) *Storage {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := Open(MemoryDSN(name))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	if _, err := store.LatestSnapshot(ctx, "weth", "usdc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	observed := time.Unix(1_700_000_000, 0)
	if err := store.RecordSample(ctx, "weth", "usdc", "CoinGecko", big.NewRat(2500, 1), observed, observed); err != nil {
		t.Fatalf("record sample: %v", err)
	}
	if err := store.RecordSnapshot(ctx, "weth", "usdc", "2500.000000000000000000", []string{"coingecko", "static"}, "proof-1", observed); err != nil {
		t.Fatalf("record snapshot: %v", err)
	}
	if err := store.RecordSnapshot(ctx, "WETH", "USDC", "2510.000000000000000000", []string{"static"}, "proof-2", observed.Add(time.Minute)); err != nil {
		t.Fatalf("record snapshot: %v", err)
	}
	snap, err := store.LatestSnapshot(ctx, " weth ", "usdc")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if snap.ProofID != "proof-2" || snap.MedianRate != "2510.000000000000000000" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if len(snap.Feeders) != 1 || snap.Feeders[0] != "static" {
		t.Fatalf("unexpected feeders %v", snap.Feeders)
	}
	if snap.ObservedAtUnix != observed.Add(time.Minute).Unix() {
		t.Fatalf("unexpected observed time %d", snap.ObservedAtUnix)
	}
}

func TestEventJournal(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	tokenIn := common.HexToAddress("0xaa")
	tokenOut := common.HexToAddress("0xbb")
	swap := creditswap.Event{
		ID:        "ev-1",
		Kind:      creditswap.EventSwap,
		Timestamp: base,
		Caller:    common.HexToAddress("0x01"),
		PairID:    creditswap.NewPairID(tokenIn, tokenOut),
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  big.NewInt(1_000),
		AmountOut: big.NewInt(997),
		Fee:       big.NewInt(3),
		FeeBps:    30,
	}
	deposit := creditswap.Event{
		ID:        "ev-2",
		Kind:      creditswap.EventLPDeposit,
		Timestamp: base.Add(time.Second),
		Caller:    common.HexToAddress("0x02"),
		TokenIn:   tokenOut,
		AmountIn:  big.NewInt(5_000),
		Shares:    big.NewInt(5_000_000_000),
	}
	var sink creditswap.EventSink = store
	for _, ev := range []creditswap.Event{swap, deposit} {
		if err := sink.Emit(ctx, ev); err != nil {
			t.Fatalf("emit %s: %v", ev.ID, err)
		}
	}
	if err := store.Emit(ctx, swap); err == nil {
		t.Fatalf("expected duplicate event id to be rejected")
	}

	all, err := store.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(all) != 2 || all[0].ID != "ev-1" || all[1].ID != "ev-2" {
		t.Fatalf("unexpected events %+v", all)
	}
	got := all[0]
	if got.PairID != swap.PairID || got.TokenOut != tokenOut || got.FeeBps != 30 || got.Reverse {
		t.Fatalf("unexpected swap event %+v", got)
	}
	if got.AmountOut.Cmp(big.NewInt(997)) != 0 || got.Shares != nil {
		t.Fatalf("unexpected swap amounts %+v", got)
	}
	if !got.Timestamp.Equal(base) {
		t.Fatalf("unexpected timestamp %s", got.Timestamp)
	}
	if all[1].PairID != (creditswap.PairID{}) || all[1].Shares.Cmp(big.NewInt(5_000_000_000)) != 0 {
		t.Fatalf("unexpected deposit event %+v", all[1])
	}

	swaps, err := store.ListEvents(ctx, EventFilter{Kind: creditswap.EventSwap})
	if err != nil || len(swaps) != 1 {
		t.Fatalf("expected one swap event, got %d (%v)", len(swaps), err)
	}
	recent, err := store.ListEvents(ctx, EventFilter{Since: base.Add(time.Second)})
	if err != nil || len(recent) != 1 || recent[0].ID != "ev-2" {
		t.Fatalf("expected only ev-2 since filter, got %+v (%v)", recent, err)
	}
	limited, err := store.ListEvents(ctx, EventFilter{Limit: 1})
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d (%v)", len(limited), err)
	}
}

func TestFileDSN(t *testing.T) {
	if _, err := FileDSN("  "); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
	dir := filepath.Join(t.TempDir(), "nested")
	dsn, err := FileDSN(filepath.Join(dir, "creditswapd.sqlite"))
	if err != nil {
		t.Fatalf("file dsn: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("expected parent dir created: %v", err)
	}
	if !strings.HasPrefix(dsn, "file:/") || !strings.Contains(dsn, "journal_mode(WAL)") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
	if _, err := Open(""); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected ErrPathRequired from Open, got %v", err)
	}
}
