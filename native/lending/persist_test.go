package lending

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"creditswap/storage"
)

func TestFacilityPersistsAndReloads(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	kv := storage.NewKV(storage.NewMemDB())

	if _, err := fx.facility.Supply(ctx, marketID, supplier, big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := fx.facility.SetCreditLine(marketID, borrower, big.NewInt(500)); err != nil {
		t.Fatalf("credit line: %v", err)
	}
	if _, err := fx.facility.Borrow(ctx, marketID, borrower, big.NewInt(400)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := kv.Update(fx.facility.StageChanges); err != nil {
		t.Fatalf("stage: %v", err)
	}
	fx.facility.ChangesFlushed()

	reloaded := NewFacility(facilityAddr, treasuryAddr, fx.ledger)
	reloaded.SetClock(func() time.Time { return fx.now })
	if err := reloaded.CreateMarket(marketID, MarketConfig{LoanToken: loanToken, ReserveFactorBps: 1_000}); err != nil {
		t.Fatalf("create market: %v", err)
	}
	found, err := reloaded.Load(kv)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	want, _ := fx.facility.Market(marketID)
	got, err := reloaded.Market(marketID)
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	if got.TotalSupplyAssets.Cmp(want.TotalSupplyAssets) != 0 || got.TotalBorrowShares.Cmp(want.TotalBorrowShares) != 0 ||
		got.LastUpdate != want.LastUpdate {
		t.Fatalf("market not restored: got %+v want %+v", got, want)
	}
	pos := reloaded.Position(marketID, borrower)
	if pos.BorrowShares.Cmp(fx.facility.Position(marketID, borrower).BorrowShares) != 0 {
		t.Fatalf("borrow shares not restored: %s", pos.BorrowShares)
	}
	if reloaded.Position(marketID, supplier).SupplyShares.Sign() == 0 {
		t.Fatalf("supply shares not restored")
	}
}

func TestFacilityLoadRejectsUnconfiguredMarket(t *testing.T) {
	fx := newFixture(t)
	kv := storage.NewKV(storage.NewMemDB())
	if err := kv.Update(fx.facility.StageChanges); err != nil {
		t.Fatalf("stage: %v", err)
	}

	bare := NewFacility(facilityAddr, treasuryAddr, fx.ledger)
	if _, err := bare.Load(kv); !errors.Is(err, ErrUnknownMarket) {
		t.Fatalf("expected ErrUnknownMarket, got %v", err)
	}

	other := NewFacility(facilityAddr, treasuryAddr, fx.ledger)
	if err := other.CreateMarket(marketID, MarketConfig{LoanToken: common.HexToAddress("0xb2")}); err != nil {
		t.Fatalf("create market: %v", err)
	}
	if _, err := other.Load(kv); err == nil {
		t.Fatalf("expected loan token mismatch")
	}
}
