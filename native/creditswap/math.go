package creditswap

import (
	"math/big"

	nativecommon "creditswap/native/common"
)

const (
	// FeeScale is the basis point denominator.
	FeeScale = 10_000
	// BaseFeeBps is charged on every swap before adjustments.
	BaseFeeBps = 30
	// MaxFeeBps caps the total fee rate.
	MaxFeeBps = 100
	// ProtocolFeePercent is the protocol's cut of every fee.
	ProtocolFeePercent = 10
	// InterestBufferPercent scales the interest-carry estimate.
	InterestBufferPercent = 150
	// MaxImbalanceAdjustmentBps bounds the imbalance premium or discount.
	MaxImbalanceAdjustmentBps = 20
	// DefaultMatchTime is assumed when a pair has no match history (seconds).
	DefaultMatchTime = 3_600
	// NoDebtSupplyPercent is the external supply share of LP deposits when the
	// asset carries no debt; the remainder stays local.
	NoDebtSupplyPercent = 66
)

var (
	wad = big.NewInt(1_000_000_000_000_000_000)
	// PriceScale is the fixed-point scale of oracle prices.
	PriceScale = mustBigInt("1000000000000000000000000000000000000")
	// EWMAAlpha is the WAD scaled smoothing factor of the match-time average.
	EWMAAlpha = big.NewInt(100_000_000_000_000_000)
	// MinLPDeposit is the smallest accepted LP deposit in base units.
	MinLPDeposit = big.NewInt(1_000)

	feeScale = big.NewInt(FeeScale)
	hundred  = big.NewInt(100)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func zero() *big.Int { return new(big.Int) }

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func add(a, b *big.Int) *big.Int { return new(big.Int).Add(a, b) }

// sub returns a-b and fails instead of going negative.
func sub(a, b *big.Int) (*big.Int, error) {
	if a.Cmp(b) < 0 {
		return nil, ErrNegativeBalance
	}
	return new(big.Int).Sub(a, b), nil
}

// saturatingSub floors a-b at zero.
func saturatingSub(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(a, b)
}

func percentOf(amount *big.Int, pct uint64) *big.Int {
	return nativecommon.MulDivDown(amount, new(big.Int).SetUint64(pct), hundred)
}

func isPositive(v *big.Int) bool { return v != nil && v.Sign() > 0 }
