package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"creditswap/native/creditswap"
	"creditswap/services/creditswapd/storage"
)

var (
	wethToken = common.HexToAddress("0xbb")
	usdcToken = common.HexToAddress("0xaa")
)

type fakeSource struct {
	name  string
	quote Quote
	err   error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(context.Context, string, string) (Quote, error) {
	if f.err != nil {
		return Quote{}, f.err
	}
	return f.quote, nil
}

type capturingPublisher struct {
	updates []Update
}

func (c *capturingPublisher) PublishOracleUpdate(_ context.Context, update Update) error {
	c.updates = append(c.updates, update)
	return nil
}

func openStore(t *testing.T, name string) *storage.Storage {
	t.Helper()
	store, err := storage.Open(storage.MemoryDSN(name))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testPairs() []Pair {
	return []Pair{{Base: "WETH", Quote: "USDC", BaseToken: wethToken, QuoteToken: usdcToken}}
}

func TestManagerTickAggregatesMedian(t *testing.T) {
	store := openStore(t, "oracle_median")
	now := time.Unix(1_700_000_000, 0)
	sources := []Source{
		&fakeSource{name: "alpha", quote: Quote{Rate: mustRat("2400"), Timestamp: now}},
		&fakeSource{name: "beta", quote: Quote{Rate: mustRat("2500"), Timestamp: now}},
		&fakeSource{name: "gamma", quote: Quote{Rate: mustRat("2600"), Timestamp: now}},
		&fakeSource{name: "broken", err: errors.New("timeout")},
		&fakeSource{name: "stale", quote: Quote{Rate: mustRat("1"), Timestamp: now.Add(-time.Hour)}},
	}
	publisher := &capturingPublisher{}
	mgr, err := New(store, sources, testPairs(), time.Second, time.Minute, 2,
		WithPublisher(publisher), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	snap, err := store.LatestSnapshot(context.Background(), "WETH", "USDC")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if snap.MedianRate != "2500.000000000000000000" {
		t.Fatalf("unexpected median: %s", snap.MedianRate)
	}
	if len(snap.Feeders) != 3 {
		t.Fatalf("expected three feeders, got %v", snap.Feeders)
	}
	if len(publisher.updates) != 1 || publisher.updates[0].ProofID != snap.ProofID {
		t.Fatalf("unexpected published updates %+v", publisher.updates)
	}
}

func TestManagerRequiresMinimumFeeds(t *testing.T) {
	store := openStore(t, "oracle_minfeeds")
	now := time.Unix(1_700_000_000, 0)
	mgr, err := New(store, []Source{&fakeSource{name: "alpha", quote: Quote{Rate: mustRat("1"), Timestamp: now}}},
		testPairs(), time.Second, time.Minute, 2, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Tick(context.Background()); err == nil {
		t.Fatalf("expected insufficient feeds error")
	}
	if _, err := mgr.Price(context.Background(), wethToken, usdcToken); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice, got %v", err)
	}
}

func TestManagerPriceScalingAndStaleness(t *testing.T) {
	store := openStore(t, "oracle_price")
	now := time.Unix(1_700_000_000, 0)
	clock := now
	mgr, err := New(store, []Source{&fakeSource{name: "alpha", quote: Quote{Rate: mustRat("2500"), Timestamp: now}}},
		testPairs(), time.Second, time.Minute, 1, WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	price, err := mgr.Price(context.Background(), wethToken, usdcToken)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(2500), creditswap.PriceScale)
	if price.Cmp(want) != 0 {
		t.Fatalf("expected %s, got %s", want, price)
	}
	inverse, err := mgr.Price(context.Background(), usdcToken, wethToken)
	if err != nil {
		t.Fatalf("inverse price: %v", err)
	}
	wantInverse := new(big.Int).Quo(creditswap.PriceScale, big.NewInt(2500))
	if inverse.Cmp(wantInverse) != 0 {
		t.Fatalf("expected inverse %s, got %s", wantInverse, inverse)
	}
	if _, err := mgr.Price(context.Background(), usdcToken, common.HexToAddress("0xcc")); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice for unknown pair, got %v", err)
	}

	clock = now.Add(2 * time.Minute)
	if _, err := mgr.Price(context.Background(), wethToken, usdcToken); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
}

func TestManagerHydrateFromStorage(t *testing.T) {
	store := openStore(t, "oracle_hydrate")
	now := time.Unix(1_700_000_000, 0)
	if err := store.RecordSnapshot(context.Background(), "WETH", "USDC", "2000.5", []string{"alpha"}, "proof", now); err != nil {
		t.Fatalf("record snapshot: %v", err)
	}
	mgr, err := New(store, []Source{&fakeSource{name: "alpha"}}, testPairs(), time.Second, time.Minute, 1,
		WithClock(func() time.Time { return now.Add(10 * time.Second) }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Hydrate(context.Background()); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	median, at, ok := mgr.Median("weth", "usdc")
	if !ok || median.Cmp(mustRat("2000.5")) != 0 || !at.Equal(now) {
		t.Fatalf("unexpected hydrated median %v at %s", median, at)
	}
	if _, err := mgr.Price(context.Background(), wethToken, usdcToken); err != nil {
		t.Fatalf("price after hydrate: %v", err)
	}
}

func mustRat(value string) *big.Rat {
	rat, ok := new(big.Rat).SetString(value)
	if !ok {
		panic("invalid rat")
	}
	return rat
}
