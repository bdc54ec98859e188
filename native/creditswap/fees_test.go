package creditswap

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type rateFacility struct {
	LendingFacility
	rate *big.Int
}

func (f rateFacility) BorrowRate(context.Context, MarketID) (*big.Int, error) {
	return new(big.Int).Set(f.rate), nil
}

func wadTimes(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), wad)
}

func TestImbalanceAdjustmentRoles(t *testing.T) {
	cases := []struct {
		name      string
		imbalance *big.Int
		reverse   bool
		want      int64
	}{
		{"balanced", zero(), false, 0},
		{"below one unit", big.NewInt(999), false, 0},
		{"taker premium", wadTimes(5), false, 5},
		{"filler discount", wadTimes(5), true, -5},
		{"taker discount", wadTimes(-7), false, -7},
		{"filler premium", wadTimes(-7), true, 7},
		{"capped", wadTimes(500), false, MaxImbalanceAdjustmentBps},
	}
	for _, tc := range cases {
		if got := imbalanceAdjustment(tc.imbalance, tc.reverse); got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
}

func TestApplyFeeRoundsUp(t *testing.T) {
	fee, net := applyFee(big.NewInt(9_970), 30)
	if fee.Cmp(big.NewInt(30)) != 0 || net.Cmp(big.NewInt(9_940)) != 0 {
		t.Fatalf("expected 30/9940, got %s/%s", fee, net)
	}
	fee, net = applyFee(big.NewInt(1), 30)
	if fee.Cmp(big.NewInt(1)) != 0 || net.Sign() != 0 {
		t.Fatalf("dust fee must round up, got %s/%s", fee, net)
	}
	fee, _ = applyFee(big.NewInt(1_000), 0)
	if fee.Sign() != 0 {
		t.Fatalf("zero rate must charge nothing, got %s", fee)
	}
}

func TestFeeRateIncludesInterestCarry(t *testing.T) {
	// 1e12 WAD per second over the default hour, with the 150% buffer:
	// 1e12 * 3600 * 10000 * 150 / (1e18 * 100) = 54 bps.
	e := &Engine{facility: rateFacility{rate: big.NewInt(1_000_000_000_000)}}
	token := newTokenState(common.HexToAddress("0xaa"))
	token.MarketIDs = []MarketID{common.HexToHash("0x01")}
	pair := newPairState(common.HexToAddress("0xbb"), token.Asset)

	bps, err := e.feeRate(context.Background(), token, pair, false)
	if err != nil {
		t.Fatalf("fee rate: %v", err)
	}
	if bps != BaseFeeBps+54 {
		t.Fatalf("expected %d bps, got %d", BaseFeeBps+54, bps)
	}
	bps, err = e.feeRate(context.Background(), token, pair, true)
	if err != nil {
		t.Fatalf("fee rate: %v", err)
	}
	if bps != BaseFeeBps {
		t.Fatalf("fillers pay no interest carry, got %d", bps)
	}
}

func TestFeeRateClamped(t *testing.T) {
	e := &Engine{facility: rateFacility{rate: wadTimes(1)}}
	token := newTokenState(common.HexToAddress("0xaa"))
	token.MarketIDs = []MarketID{common.HexToHash("0x01")}
	pair := newPairState(common.HexToAddress("0xbb"), token.Asset)

	bps, err := e.feeRate(context.Background(), token, pair, false)
	if err != nil {
		t.Fatalf("fee rate: %v", err)
	}
	if bps != MaxFeeBps {
		t.Fatalf("expected cap %d, got %d", MaxFeeBps, bps)
	}

	pair.Imbalance = wadTimes(-1_000)
	bps, err = e.feeRate(context.Background(), newTokenState(token.Asset), pair, false)
	if err != nil {
		t.Fatalf("fee rate: %v", err)
	}
	if bps != BaseFeeBps-MaxImbalanceAdjustmentBps {
		t.Fatalf("expected discounted %d, got %d", BaseFeeBps-MaxImbalanceAdjustmentBps, bps)
	}
}

func TestDistributeForwardFeeSplitsByFunding(t *testing.T) {
	token := newTokenState(common.HexToAddress("0xbb"))
	src := sourcing{local: big.NewInt(500), supply: big.NewInt(250), borrow: big.NewInt(250)}
	distributeForwardFee(token, big.NewInt(100), src, big.NewInt(1_000))

	// protocol 10, rest 90 split 750/1000 to LPs.
	if token.ProtocolFees.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("protocol: %s", token.ProtocolFees)
	}
	if token.LPFeeReserve.Cmp(big.NewInt(67)) != 0 {
		t.Fatalf("lp reserve: %s", token.LPFeeReserve)
	}
	if token.InterestReserve.Cmp(big.NewInt(23)) != 0 {
		t.Fatalf("interest reserve: %s", token.InterestReserve)
	}
}

func TestDistributeReverseFee(t *testing.T) {
	token := newTokenState(common.HexToAddress("0xaa"))
	distributeReverseFee(token, big.NewInt(31))
	if token.ProtocolFees.Cmp(big.NewInt(3)) != 0 || token.LPFeeReserve.Cmp(big.NewInt(28)) != 0 {
		t.Fatalf("unexpected split %s/%s", token.ProtocolFees, token.LPFeeReserve)
	}
	if token.InterestReserve.Sign() != 0 {
		t.Fatalf("reverse fees never reach the interest reserve")
	}
}

func TestUpdateMatchTimeEWMA(t *testing.T) {
	pair := newPairState(common.HexToAddress("0xbb"), common.HexToAddress("0xaa"))
	pair.DebtTimestamp = 1_000
	updateMatchTime(pair, 1_600)
	if pair.ExpectedMatchTime != 3_300 || pair.TotalSwaps != 1 {
		t.Fatalf("expected 3300 after first match, got %d (%d swaps)", pair.ExpectedMatchTime, pair.TotalSwaps)
	}
	pair.DebtTimestamp = 2_000
	updateMatchTime(pair, 2_000)
	if pair.ExpectedMatchTime != 2_970 {
		t.Fatalf("expected 2970, got %d", pair.ExpectedMatchTime)
	}
}

func TestClassifyWrappedErrors(t *testing.T) {
	cases := map[error]ErrorClass{
		ErrUnauthorized:     ClassConfiguration,
		ErrInsufficientHeld: ClassLiquidity,
		ErrDepositTooSmall:  ClassEconomic,
		ErrInvariantBreach:  ClassIntegrity,
		nil:                 ClassUnknown,
	}
	for err, want := range cases {
		wrapped := err
		if err != nil {
			wrapped = fmt.Errorf("swap: %w", err)
		}
		if got := Classify(wrapped); got != want {
			t.Fatalf("%v: expected %s, got %s", err, want, got)
		}
	}
}
