package common

import (
	"math/big"

	"github.com/holiman/uint256"
)

// Virtual offsets applied to share conversions so that empty markets have a
// well defined exchange rate and donation attacks cannot skew the first mint.
var (
	VirtualShares = big.NewInt(1_000_000)
	VirtualAssets = big.NewInt(1)
)

// MulDivDown returns floor(x * y / d). A nil or zero denominator yields zero.
func MulDivDown(x, y, d *big.Int) *big.Int {
	if x == nil || y == nil || d == nil || d.Sign() == 0 {
		return big.NewInt(0)
	}
	if ux, uy, ud, ok := toUint256(x, y, d); ok {
		if res, overflow := new(uint256.Int).MulDivOverflow(ux, uy, ud); !overflow {
			return res.ToBig()
		}
	}
	product := new(big.Int).Mul(x, y)
	return product.Quo(product, d)
}

// MulDivUp returns ceil(x * y / d). A nil or zero denominator yields zero.
func MulDivUp(x, y, d *big.Int) *big.Int {
	if x == nil || y == nil || d == nil || d.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(x, y)
	quo, rem := new(big.Int).QuoRem(product, d, new(big.Int))
	if rem.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

// ToSharesDown converts assets to shares rounding against the caller. Used
// when shares are credited to the caller.
func ToSharesDown(assets, totalAssets, totalShares *big.Int) *big.Int {
	return MulDivDown(assets, addOffset(totalShares, VirtualShares), addOffset(totalAssets, VirtualAssets))
}

// ToSharesUp converts assets to shares rounding up. Used when shares are the
// caller's obligation.
func ToSharesUp(assets, totalAssets, totalShares *big.Int) *big.Int {
	return MulDivUp(assets, addOffset(totalShares, VirtualShares), addOffset(totalAssets, VirtualAssets))
}

// ToAssetsDown converts shares to assets owed to the caller.
func ToAssetsDown(shares, totalAssets, totalShares *big.Int) *big.Int {
	return MulDivDown(shares, addOffset(totalAssets, VirtualAssets), addOffset(totalShares, VirtualShares))
}

// ToAssetsUp converts shares to assets the caller owes.
func ToAssetsUp(shares, totalAssets, totalShares *big.Int) *big.Int {
	return MulDivUp(shares, addOffset(totalAssets, VirtualAssets), addOffset(totalShares, VirtualShares))
}

func addOffset(v, offset *big.Int) *big.Int {
	if v == nil {
		return new(big.Int).Set(offset)
	}
	return new(big.Int).Add(v, offset)
}

func toUint256(values ...*big.Int) (ux, uy, ud *uint256.Int, ok bool) {
	if len(values) != 3 {
		return nil, nil, nil, false
	}
	out := make([]*uint256.Int, 3)
	for i, v := range values {
		if v.Sign() < 0 {
			return nil, nil, nil, false
		}
		converted, overflow := uint256.FromBig(v)
		if overflow {
			return nil, nil, nil, false
		}
		out[i] = converted
	}
	return out[0], out[1], out[2], true
}
