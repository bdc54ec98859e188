package creditswap

import (
	"context"
	"fmt"
	"math/big"

	nativecommon "creditswap/native/common"
)

// sourcing records where a forward swap's output is funded from.
type sourcing struct {
	local  *big.Int
	supply *big.Int
	borrow *big.Int
	market MarketID
}

// planSourcing selects, without side effects, the funding of amount: local
// liquidity, then the engine's supply in the primary market, then a borrow from
// the first market able to cover the rest on its own.
func (e *Engine) planSourcing(ctx context.Context, token *TokenState, amount *big.Int) (sourcing, error) {
	plan := sourcing{local: zero(), supply: zero(), borrow: zero()}
	remaining := copyInt(amount)

	plan.local = minInt(token.LocalLiquidity, remaining)
	remaining.Sub(remaining, plan.local)
	if remaining.Sign() == 0 {
		return plan, nil
	}

	primary, hasPrimary := token.PrimaryMarket()
	if hasPrimary && isPositive(token.ExternalSupplyShares) {
		withdrawable, err := e.withdrawableSupply(ctx, token)
		if err != nil {
			return plan, err
		}
		plan.supply = minInt(withdrawable, remaining)
		remaining.Sub(remaining, plan.supply)
		if remaining.Sign() == 0 {
			return plan, nil
		}
	}

	for _, id := range token.MarketIDs {
		state, err := e.facility.MarketState(ctx, id)
		if err != nil {
			return plan, fmt.Errorf("creditswap: market state: %w", err)
		}
		available := state.Available()
		if hasPrimary && id == primary {
			available = saturatingSub(available, plan.supply)
		}
		if available.Cmp(remaining) >= 0 {
			plan.borrow = remaining
			plan.market = id
			return plan, nil
		}
	}
	return plan, ErrInsufficientLiquidity
}

// withdrawableSupply is the value of the engine's primary market supply
// shares, rounded down, capped by the market's free liquidity.
func (e *Engine) withdrawableSupply(ctx context.Context, token *TokenState) (*big.Int, error) {
	primary, ok := token.PrimaryMarket()
	if !ok || !isPositive(token.ExternalSupplyShares) {
		return zero(), nil
	}
	state, err := e.facility.MarketState(ctx, primary)
	if err != nil {
		return nil, fmt.Errorf("creditswap: market state: %w", err)
	}
	value := nativecommon.ToAssetsDown(token.ExternalSupplyShares, state.TotalSupplyAssets, state.TotalSupplyShares)
	return minInt(value, state.Available()), nil
}

// supplyValue is the value of the engine's primary market supply shares,
// rounded down.
func (e *Engine) supplyValue(ctx context.Context, token *TokenState) (*big.Int, error) {
	primary, ok := token.PrimaryMarket()
	if !ok || !isPositive(token.ExternalSupplyShares) {
		return zero(), nil
	}
	state, err := e.facility.MarketState(ctx, primary)
	if err != nil {
		return nil, fmt.Errorf("creditswap: market state: %w", err)
	}
	return nativecommon.ToAssetsDown(token.ExternalSupplyShares, state.TotalSupplyAssets, state.TotalSupplyShares), nil
}

// source executes a sourcing plan for amount. Funds withdrawn or borrowed
// arrive in the engine account; local liquidity is debited.
func (e *Engine) source(ctx context.Context, token *TokenState, amount *big.Int) (sourcing, error) {
	plan, err := e.planSourcing(ctx, token, amount)
	if err != nil {
		return plan, err
	}
	if token.LocalLiquidity, err = sub(token.LocalLiquidity, plan.local); err != nil {
		return plan, err
	}
	if isPositive(plan.supply) {
		if err := e.withdrawSupply(ctx, token, plan.supply); err != nil {
			return plan, err
		}
	}
	if isPositive(plan.borrow) {
		shares, err := e.facility.Borrow(ctx, plan.market, plan.borrow)
		if err != nil {
			return plan, fmt.Errorf("creditswap: borrow: %w", err)
		}
		token.BorrowShares[plan.market] = add(token.borrowShares(plan.market), shares)
		token.TotalBorrowed.Add(token.TotalBorrowed, plan.borrow)
	}
	return plan, nil
}

func (e *Engine) withdrawSupply(ctx context.Context, token *TokenState, amount *big.Int) error {
	primary, ok := token.PrimaryMarket()
	if !ok {
		return ErrMarketNotListed
	}
	used, err := e.facility.Withdraw(ctx, primary, amount)
	if err != nil {
		return fmt.Errorf("creditswap: withdraw supply: %w", err)
	}
	remaining, err := sub(token.ExternalSupplyShares, used)
	if err != nil {
		return fmt.Errorf("%w: withdraw burned %s shares, engine holds %s", ErrFacilityMismatch, used, token.ExternalSupplyShares)
	}
	token.ExternalSupplyShares = remaining
	return nil
}

func (e *Engine) supply(ctx context.Context, token *TokenState, amount *big.Int) error {
	primary, ok := token.PrimaryMarket()
	if !ok {
		return ErrMarketNotListed
	}
	shares, err := e.facility.Supply(ctx, primary, amount)
	if err != nil {
		return fmt.Errorf("creditswap: supply: %w", err)
	}
	token.ExternalSupplyShares = add(token.ExternalSupplyShares, shares)
	return nil
}
