package common

import (
	"math/big"
	"testing"
)

func TestMulDivRounding(t *testing.T) {
	x, y, d := big.NewInt(10), big.NewInt(10), big.NewInt(3)
	if got := MulDivDown(x, y, d); got.Cmp(big.NewInt(33)) != 0 {
		t.Fatalf("down: got %s want 33", got)
	}
	if got := MulDivUp(x, y, d); got.Cmp(big.NewInt(34)) != 0 {
		t.Fatalf("up: got %s want 34", got)
	}
	if got := MulDivUp(big.NewInt(9), big.NewInt(1), big.NewInt(3)); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("exact up: got %s want 3", got)
	}
	if got := MulDivDown(x, y, big.NewInt(0)); got.Sign() != 0 {
		t.Fatalf("zero denominator should yield zero, got %s", got)
	}
}

func TestMulDivDownFallsBackOnOverflow(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 300)
	got := MulDivDown(huge, big.NewInt(4), big.NewInt(2))
	want := new(big.Int).Lsh(big.NewInt(1), 301)
	if got.Cmp(want) != 0 {
		t.Fatalf("overflow fallback mismatch: got %s want %s", got, want)
	}
}

func TestShareConversionsNeverFavourCaller(t *testing.T) {
	totalAssets := big.NewInt(1_000_003)
	totalShares := big.NewInt(999_999_937)
	assets := big.NewInt(12_345)

	sharesDown := ToSharesDown(assets, totalAssets, totalShares)
	sharesUp := ToSharesUp(assets, totalAssets, totalShares)
	if sharesUp.Cmp(sharesDown) < 0 {
		t.Fatalf("shares up %s below shares down %s", sharesUp, sharesDown)
	}
	back := ToAssetsDown(sharesDown, totalAssets, totalShares)
	if back.Cmp(assets) > 0 {
		t.Fatalf("round trip created value: %s > %s", back, assets)
	}
	owed := ToAssetsUp(sharesUp, totalAssets, totalShares)
	if owed.Cmp(assets) < 0 {
		t.Fatalf("obligation rounded in caller's favour: %s < %s", owed, assets)
	}
}

func TestEmptyMarketConversion(t *testing.T) {
	shares := ToSharesDown(big.NewInt(5), big.NewInt(0), big.NewInt(0))
	if shares.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Fatalf("unexpected empty-market shares: %s", shares)
	}
	if assets := ToAssetsDown(shares, big.NewInt(5), shares); assets.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("unexpected assets: %s", assets)
	}
}
