package creditswap

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "creditswap/native/common"
)

// SwapHooks run inside a swap's unit of work. Before runs once the request
// is validated, ahead of any engine transfer; After sees the result before
// commit. An error from either fails the swap and rolls everything back.
type SwapHooks struct {
	Before func(ctx context.Context, u Unit) error
	After  func(ctx context.Context, u Unit, res *SwapResult) error
}

// Swap executes a forward or reverse swap against the ordered pair
// (req.TokenIn, req.TokenOut). Nothing is transferred unless the pair is
// whitelisted, priced, and the output meets req.MinAmountOut.
func (e *Engine) Swap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	return e.SwapWith(ctx, req, SwapHooks{})
}

// SwapWith executes a swap with hooks sharing its unit of work.
func (e *Engine) SwapWith(ctx context.Context, req SwapRequest, hooks SwapHooks) (*SwapResult, error) {
	var result *SwapResult
	err := e.execute(ctx, "swap", func(ctx context.Context, tx *txState) error {
		if err := e.guard(); err != nil {
			return err
		}
		if err := validateSwap(req); err != nil {
			return err
		}
		if hooks.Before != nil {
			if err := hooks.Before(ctx, tx); err != nil {
				return err
			}
		}
		price, err := e.price(ctx, req.TokenIn, req.TokenOut)
		if err != nil {
			return err
		}
		if req.Reverse {
			result, err = e.reverseSwap(ctx, tx, req, price)
		} else {
			result, err = e.forwardSwap(ctx, tx, req, price)
		}
		if err != nil {
			return err
		}
		ev := e.newEvent(EventSwap, req.Caller)
		ev.PairID = result.PairID
		ev.TokenIn = req.TokenIn
		ev.TokenOut = req.TokenOut
		ev.Reverse = req.Reverse
		ev.AmountIn = copyInt(req.AmountIn)
		ev.AmountOut = copyInt(result.AmountOut)
		ev.Fee = copyInt(result.Fee)
		ev.FeeBps = result.FeeBps
		tx.record(ev)
		if hooks.After != nil {
			return hooks.After(ctx, tx, result)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveFee(result.FeeBps)
	return result, nil
}

func validateSwap(req SwapRequest) error {
	if req.Caller == (common.Address{}) || req.TokenIn == (common.Address{}) || req.TokenOut == (common.Address{}) {
		return ErrZeroAddress
	}
	if req.TokenIn == req.TokenOut {
		return ErrIdenticalTokens
	}
	if !isPositive(req.AmountIn) {
		return ErrZeroAmount
	}
	return nil
}

// price returns the oracle price of tokenIn in tokenOut for a whitelisted
// pair. A zero or missing price is reported as ErrOracleNotSet.
func (e *Engine) price(ctx context.Context, tokenIn, tokenOut common.Address) (*big.Int, error) {
	e.cfgMu.RLock()
	pc, ok := e.cfg.Pairs[NewPairID(tokenIn, tokenOut)]
	e.cfgMu.RUnlock()
	if !ok || !pc.Whitelisted {
		return nil, ErrPairNotWhitelisted
	}
	if pc.Oracle == nil {
		return nil, ErrOracleNotSet
	}
	price, err := pc.Oracle.Price(ctx, tokenIn, tokenOut)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOracleNotSet, err)
	}
	if !isPositive(price) {
		return nil, ErrOracleNotSet
	}
	return price, nil
}

func checkOutput(amountOut, minAmountOut *big.Int) error {
	if amountOut.Sign() == 0 {
		return fmt.Errorf("%w: output rounds to zero", ErrZeroAmount)
	}
	if minAmountOut != nil && amountOut.Cmp(minAmountOut) < 0 {
		return fmt.Errorf("%w: output %s below minimum %s", ErrSlippageExceeded, amountOut, minAmountOut)
	}
	return nil
}

// forwardSwap takes tokenIn into the pair's held balance and funds the
// tokenOut payout through the liquidity sourcer.
func (e *Engine) forwardSwap(ctx context.Context, tx *txState, req SwapRequest, price *big.Int) (*SwapResult, error) {
	pair, err := tx.pair(req.TokenIn, req.TokenOut)
	if err != nil {
		return nil, err
	}
	tokenIn, err := tx.token(req.TokenIn)
	if err != nil {
		return nil, err
	}
	tokenOut, err := tx.token(req.TokenOut)
	if err != nil {
		return nil, err
	}

	bps, err := e.feeRate(ctx, tokenOut, pair, false)
	if err != nil {
		return nil, err
	}
	fee, net := applyFee(req.AmountIn, bps)
	amountOut := nativecommon.MulDivDown(net, price, PriceScale)
	if err := checkOutput(amountOut, req.MinAmountOut); err != nil {
		return nil, err
	}

	if err := e.bank.Transfer(ctx, req.TokenIn, req.Caller, e.address, req.AmountIn); err != nil {
		return nil, fmt.Errorf("creditswap: collect input: %w", err)
	}
	pair.HeldBalance.Add(pair.HeldBalance, net)
	tokenIn.TotalHeldBalance.Add(tokenIn.TotalHeldBalance, net)

	src, err := e.source(ctx, tokenOut, amountOut)
	if err != nil {
		return nil, err
	}
	if isPositive(src.borrow) {
		pair.OutstandingDebt.Add(pair.OutstandingDebt, src.borrow)
		pair.DebtTimestamp = e.now()
	}
	pair.Imbalance.Add(pair.Imbalance, amountOut)
	distributeForwardFee(tokenIn, fee, src, amountOut)

	if err := e.bank.Transfer(ctx, req.TokenOut, e.address, req.Caller, amountOut); err != nil {
		return nil, fmt.Errorf("creditswap: pay output: %w", err)
	}
	tx.markPair(pair)
	tx.markToken(tokenIn)
	tx.markToken(tokenOut)

	return &SwapResult{
		PairID:     pair.ID,
		AmountOut:  amountOut,
		Fee:        fee,
		FeeBps:     bps,
		FromLocal:  src.local,
		FromSupply: src.supply,
		FromBorrow: src.borrow,
		Repaid:     zero(),
	}, nil
}

// reverseSwap takes tokenOut to repay the pair's debt and releases tokenIn from
// the pair's held balance.
func (e *Engine) reverseSwap(ctx context.Context, tx *txState, req SwapRequest, price *big.Int) (*SwapResult, error) {
	pair, err := tx.pair(req.TokenIn, req.TokenOut)
	if err != nil {
		return nil, err
	}
	tokenIn, err := tx.token(req.TokenIn)
	if err != nil {
		return nil, err
	}
	tokenOut, err := tx.token(req.TokenOut)
	if err != nil {
		return nil, err
	}

	bps, err := e.feeRate(ctx, tokenOut, pair, true)
	if err != nil {
		return nil, err
	}
	fee, net := applyFee(req.AmountIn, bps)
	payout := nativecommon.MulDivDown(net, PriceScale, price)
	if err := checkOutput(payout, req.MinAmountOut); err != nil {
		return nil, err
	}
	if pair.HeldBalance.Cmp(payout) < 0 {
		return nil, fmt.Errorf("%w: held %s, payout %s", ErrInsufficientHeld, pair.HeldBalance, payout)
	}

	if err := e.bank.Transfer(ctx, req.TokenOut, req.Caller, e.address, req.AmountIn); err != nil {
		return nil, fmt.Errorf("creditswap: collect input: %w", err)
	}

	hadDebt := isPositive(pair.OutstandingDebt)
	repaid, reserveUsed := zero(), zero()
	if hadDebt {
		target := minInt(net, pair.OutstandingDebt)
		repaid, reserveUsed, err = e.repay(ctx, tokenOut, target)
		if err != nil {
			return nil, err
		}
		if pair.OutstandingDebt, err = sub(pair.OutstandingDebt, repaid); err != nil {
			return nil, err
		}
	}
	tokenOut.LocalLiquidity.Add(tokenOut.LocalLiquidity, new(big.Int).Sub(net, repaid))

	if pair.HeldBalance, err = sub(pair.HeldBalance, payout); err != nil {
		return nil, err
	}
	if tokenIn.TotalHeldBalance, err = sub(tokenIn.TotalHeldBalance, payout); err != nil {
		return nil, err
	}
	if hadDebt {
		now := e.now()
		updateMatchTime(pair, now)
		if isPositive(pair.OutstandingDebt) {
			pair.DebtTimestamp = now
		} else {
			pair.DebtTimestamp = 0
		}
		// The reserve top-up repaid debt of every pair paying out tokenOut.
		if err := e.settlePairDebt(tx, tokenOut, reserveUsed); err != nil {
			return nil, err
		}
	}
	pair.Imbalance.Sub(pair.Imbalance, net)
	distributeReverseFee(tokenOut, fee)

	if err := e.bank.Transfer(ctx, req.TokenIn, e.address, req.Caller, payout); err != nil {
		return nil, fmt.Errorf("creditswap: pay output: %w", err)
	}
	tx.markPair(pair)
	tx.markToken(tokenIn)
	tx.markToken(tokenOut)

	return &SwapResult{
		PairID:     pair.ID,
		AmountOut:  payout,
		Fee:        fee,
		FeeBps:     bps,
		FromLocal:  zero(),
		FromSupply: zero(),
		FromBorrow: zero(),
		Repaid:     repaid,
	}, nil
}

// updateMatchTime folds the time since the pair's debt last changed into the
// exponentially weighted match-time average.
func updateMatchTime(pair *PairState, now int64) {
	elapsed := now - pair.DebtTimestamp
	if pair.DebtTimestamp == 0 || elapsed < 0 {
		elapsed = 0
	}
	weighted := new(big.Int).Mul(EWMAAlpha, big.NewInt(elapsed))
	prior := new(big.Int).Mul(new(big.Int).Sub(wad, EWMAAlpha), new(big.Int).SetUint64(pair.matchTime()))
	weighted.Add(weighted, prior)
	weighted.Quo(weighted, wad)
	pair.ExpectedMatchTime = weighted.Uint64()
	pair.TotalSwaps++
}
