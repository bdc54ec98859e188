package lending

import (
	"math/big"

	nativecommon "creditswap/native/common"
)

const secondsPerYear = 31_536_000

var (
	basisPoints = big.NewInt(10_000)
	wad         = big.NewInt(1_000_000_000_000_000_000)
)

// computeInterest returns borrowed * ratePerSecond * elapsed / WAD, rounded
// down. The linear approximation matches per-operation accrual.
func computeInterest(borrowed, ratePerSecond *big.Int, elapsed uint64) *big.Int {
	if borrowed == nil || borrowed.Sign() == 0 || ratePerSecond == nil || ratePerSecond.Sign() == 0 || elapsed == 0 {
		return new(big.Int)
	}
	factor := new(big.Int).Mul(ratePerSecond, new(big.Int).SetUint64(elapsed))
	return nativecommon.MulDivDown(borrowed, factor, wad)
}

func bps(amount *big.Int, points uint64) *big.Int {
	return nativecommon.MulDivDown(amount, new(big.Int).SetUint64(points), basisPoints)
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
