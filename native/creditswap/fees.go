package creditswap

import (
	"context"
	"fmt"
	"math/big"

	nativecommon "creditswap/native/common"
)

// feeRate returns the fee in basis points for a swap against pair. Takers pay
// the estimated interest carry of the output asset on top of the base fee;
// both roles receive the imbalance premium or discount.
func (e *Engine) feeRate(ctx context.Context, tokenOut *TokenState, pair *PairState, reverse bool) (uint64, error) {
	rate := int64(BaseFeeBps)
	if !reverse {
		interest, err := e.interestBps(ctx, tokenOut, pair)
		if err != nil {
			return 0, err
		}
		rate += interest
	}
	rate += imbalanceAdjustment(pair.Imbalance, reverse)
	switch {
	case rate < 0:
		rate = 0
	case rate > MaxFeeBps:
		rate = MaxFeeBps
	}
	return uint64(rate), nil
}

// interestBps estimates the carry cost of borrowing the output until the pair
// is expected to be matched: rate * matchTime, in bps, scaled by the safety
// buffer. The result is capped at MaxFeeBps.
func (e *Engine) interestBps(ctx context.Context, tokenOut *TokenState, pair *PairState) (int64, error) {
	market, ok := tokenOut.PrimaryMarket()
	if !ok {
		return 0, nil
	}
	rate, err := e.facility.BorrowRate(ctx, market)
	if err != nil {
		return 0, fmt.Errorf("creditswap: borrow rate: %w", err)
	}
	if !isPositive(rate) {
		return 0, nil
	}
	numerator := new(big.Int).Mul(rate, new(big.Int).SetUint64(pair.matchTime()))
	numerator.Mul(numerator, big.NewInt(FeeScale*InterestBufferPercent))
	denominator := new(big.Int).Mul(wad, hundred)
	bps := numerator.Quo(numerator, denominator)
	if bps.Cmp(big.NewInt(MaxFeeBps)) > 0 {
		return MaxFeeBps, nil
	}
	return bps.Int64(), nil
}

// imbalanceAdjustment returns the signed bps adjustment for the caller's role.
// A positive imbalance means the pair needs fillers: takers pay a premium and
// fillers get a discount. A negative imbalance mirrors this.
func imbalanceAdjustment(imbalance *big.Int, reverse bool) int64 {
	if imbalance == nil || imbalance.Sign() == 0 {
		return 0
	}
	magnitude := new(big.Int).Abs(imbalance)
	magnitude.Quo(magnitude, wad)
	adj := int64(MaxImbalanceAdjustmentBps)
	if magnitude.Cmp(big.NewInt(MaxImbalanceAdjustmentBps)) < 0 {
		adj = magnitude.Int64()
	}
	needsFillers := imbalance.Sign() > 0
	if needsFillers == reverse {
		return -adj
	}
	return adj
}

// applyFee splits amount into the fee, rounded up, and the net remainder.
func applyFee(amount *big.Int, bps uint64) (fee, net *big.Int) {
	fee = nativecommon.MulDivUp(amount, new(big.Int).SetUint64(bps), feeScale)
	net = new(big.Int).Sub(amount, fee)
	return fee, net
}

// distributeForwardFee credits a taker fee, denominated in the input asset.
// The protocol cut comes first; LPs earn the remainder in proportion to the
// payout funded from local and supplied liquidity, the interest reserve takes
// the part funded by new borrowing.
func distributeForwardFee(token *TokenState, fee *big.Int, src sourcing, amountOut *big.Int) {
	if !isPositive(fee) {
		return
	}
	protocol := percentOf(fee, ProtocolFeePercent)
	rest := new(big.Int).Sub(fee, protocol)
	lpPart := nativecommon.MulDivDown(rest, add(src.local, src.supply), amountOut)
	interest := new(big.Int).Sub(rest, lpPart)

	token.ProtocolFees.Add(token.ProtocolFees, protocol)
	token.LPFeeReserve.Add(token.LPFeeReserve, lpPart)
	token.InterestReserve.Add(token.InterestReserve, interest)
}

// distributeReverseFee credits a filler fee, denominated in the deposited
// asset, to the protocol and the LP fee reserve only.
func distributeReverseFee(token *TokenState, fee *big.Int) {
	if !isPositive(fee) {
		return
	}
	protocol := percentOf(fee, ProtocolFeePercent)
	token.ProtocolFees.Add(token.ProtocolFees, protocol)
	token.LPFeeReserve.Add(token.LPFeeReserve, new(big.Int).Sub(fee, protocol))
}
