package creditswap

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "creditswap/native/common"
)

// DepositLP deposits amount of asset from provider and mints LP shares.
func (e *Engine) DepositLP(ctx context.Context, provider, asset common.Address, amount *big.Int) (*big.Int, error) {
	var minted *big.Int
	err := e.execute(ctx, "lp_deposit", func(ctx context.Context, tx *txState) error {
		if err := e.guard(); err != nil {
			return err
		}
		if provider == (common.Address{}) || asset == (common.Address{}) {
			return ErrZeroAddress
		}
		if !isPositive(amount) {
			return ErrZeroAmount
		}
		if amount.Cmp(MinLPDeposit) < 0 {
			return fmt.Errorf("%w: %s < %s", ErrDepositTooSmall, amount, MinLPDeposit)
		}
		token, err := tx.token(asset)
		if err != nil {
			return err
		}
		position, err := tx.position(asset, provider)
		if err != nil {
			return err
		}

		// Shares are priced against the assets held before this deposit.
		totalAssets, err := e.totalAssets(ctx, token)
		if err != nil {
			return err
		}
		if token.TotalShares.Sign() == 0 {
			minted = copyInt(amount)
		} else {
			if totalAssets.Sign() == 0 {
				return fmt.Errorf("%w: %s shares outstanding with no assets", ErrInvariantBreach, token.TotalShares)
			}
			minted = nativecommon.MulDivDown(amount, token.TotalShares, totalAssets)
		}
		if minted.Sign() == 0 {
			return fmt.Errorf("%w: deposit mints no shares", ErrDepositTooSmall)
		}

		if err := e.bank.Transfer(ctx, asset, provider, e.address, amount); err != nil {
			return fmt.Errorf("creditswap: collect deposit: %w", err)
		}
		if err := e.allocateDeposit(ctx, tx, token, amount); err != nil {
			return err
		}

		token.TotalLPDeposits.Add(token.TotalLPDeposits, amount)
		token.TotalShares.Add(token.TotalShares, minted)
		position.Shares.Add(position.Shares, minted)
		position.DepositTimestamp = e.now()
		tx.markToken(token)
		tx.markPosition(position)

		ev := e.newEvent(EventLPDeposit, provider)
		ev.TokenIn = asset
		ev.AmountIn = copyInt(amount)
		ev.Shares = copyInt(minted)
		tx.record(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// allocateDeposit places a deposit already held by the engine. While the asset
// carries debt it is split by the configured allocations, with any repay
// portion the debt could not absorb kept local. Otherwise it is split between
// external supply and local liquidity. Without a market the supply portion
// stays local. Debt repaid from a deposit is charged to the asset's pairs pro
// rata.
func (e *Engine) allocateDeposit(ctx context.Context, tx *txState, token *TokenState, amount *big.Int) error {
	cfg := e.Config()
	var supplyPart, repayPart *big.Int
	if token.HasDebt() {
		supplyPart = percentOf(amount, cfg.SupplyAllocation)
		repayPart = percentOf(amount, cfg.RepayAllocation)
	} else {
		supplyPart = percentOf(amount, NoDebtSupplyPercent)
		repayPart = zero()
	}
	localPart := new(big.Int).Sub(amount, supplyPart)
	localPart.Sub(localPart, repayPart)

	if isPositive(repayPart) {
		repaid, reserveUsed, err := e.repay(ctx, token, repayPart)
		if err != nil {
			return err
		}
		localPart.Add(localPart, new(big.Int).Sub(repayPart, repaid))
		if err := e.settlePairDebt(tx, token, add(repaid, reserveUsed)); err != nil {
			return err
		}
	}
	if isPositive(supplyPart) {
		if _, ok := token.PrimaryMarket(); ok {
			if err := e.supply(ctx, token, supplyPart); err != nil {
				return err
			}
		} else {
			localPart.Add(localPart, supplyPart)
		}
	}
	token.LocalLiquidity.Add(token.LocalLiquidity, localPart)
	return nil
}

// WithdrawLP burns shares of provider and pays out their pro-rata value,
// drawn from local liquidity, then the LP fee reserve, then external supply.
func (e *Engine) WithdrawLP(ctx context.Context, provider, asset common.Address, shares *big.Int) (*big.Int, error) {
	var amount *big.Int
	err := e.execute(ctx, "lp_withdraw", func(ctx context.Context, tx *txState) error {
		if err := e.guard(); err != nil {
			return err
		}
		if provider == (common.Address{}) || asset == (common.Address{}) {
			return ErrZeroAddress
		}
		if !isPositive(shares) {
			return ErrZeroAmount
		}
		token, err := tx.token(asset)
		if err != nil {
			return err
		}
		position, err := tx.position(asset, provider)
		if err != nil {
			return err
		}
		if position.Shares.Cmp(shares) < 0 {
			return fmt.Errorf("%w: holds %s, requested %s", ErrInsufficientShares, position.Shares, shares)
		}

		totalAssets, err := e.totalAssets(ctx, token)
		if err != nil {
			return err
		}
		amount = nativecommon.MulDivDown(shares, totalAssets, token.TotalShares)
		if amount.Sign() == 0 {
			return fmt.Errorf("%w: shares redeem to zero", ErrZeroAmount)
		}
		if err := e.sourceWithdrawal(ctx, token, amount); err != nil {
			return err
		}

		if position.Shares, err = sub(position.Shares, shares); err != nil {
			return err
		}
		if token.TotalShares, err = sub(token.TotalShares, shares); err != nil {
			return err
		}
		if err := e.bank.Transfer(ctx, asset, e.address, provider, amount); err != nil {
			return fmt.Errorf("creditswap: pay withdrawal: %w", err)
		}
		tx.markToken(token)
		tx.markPosition(position)

		ev := e.newEvent(EventLPWithdraw, provider)
		ev.TokenOut = asset
		ev.AmountOut = copyInt(amount)
		ev.Shares = copyInt(shares)
		tx.record(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}

func (e *Engine) sourceWithdrawal(ctx context.Context, token *TokenState, amount *big.Int) error {
	remaining := copyInt(amount)

	fromLocal := minInt(token.LocalLiquidity, remaining)
	token.LocalLiquidity.Sub(token.LocalLiquidity, fromLocal)
	remaining.Sub(remaining, fromLocal)

	fromFees := minInt(token.LPFeeReserve, remaining)
	token.LPFeeReserve.Sub(token.LPFeeReserve, fromFees)
	remaining.Sub(remaining, fromFees)

	if remaining.Sign() == 0 {
		return nil
	}
	withdrawable, err := e.withdrawableSupply(ctx, token)
	if err != nil {
		return err
	}
	if withdrawable.Cmp(remaining) < 0 {
		return fmt.Errorf("%w: %s of %s unavailable", ErrInsufficientLiquidity, remaining, amount)
	}
	return e.withdrawSupply(ctx, token, remaining)
}

// totalAssets is the LP-owned value of an asset: local liquidity, the value
// of external supply and the LP fee reserve. Held balances and debt are not
// LP assets.
func (e *Engine) totalAssets(ctx context.Context, token *TokenState) (*big.Int, error) {
	supplied, err := e.supplyValue(ctx, token)
	if err != nil {
		return nil, err
	}
	total := add(token.LocalLiquidity, supplied)
	return total.Add(total, token.LPFeeReserve), nil
}
