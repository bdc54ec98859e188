package creditswap

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// configure applies an owner-gated configuration change. It is ordered with
// every other operation and ignores the pause flag.
func (e *Engine) configure(ctx context.Context, caller common.Address, op string, fn func(cfg *Config) error) error {
	return e.execute(ctx, op, func(ctx context.Context, _ *txState) error {
		e.cfgMu.Lock()
		defer e.cfgMu.Unlock()
		if caller != e.cfg.Owner {
			return ErrUnauthorized
		}
		next := e.cfg.clone()
		if err := fn(&next); err != nil {
			return err
		}
		e.cfg = next
		e.logger.Info("creditswap configuration updated", "operation", op, "caller", caller.Hex())
		return nil
	})
}

// Pause halts swaps and LP operations. Admin operations remain available.
func (e *Engine) Pause(ctx context.Context, caller common.Address) error {
	return e.configure(ctx, caller, "pause", func(cfg *Config) error {
		cfg.Paused = true
		return nil
	})
}

// Unpause resumes swaps and LP operations.
func (e *Engine) Unpause(ctx context.Context, caller common.Address) error {
	return e.configure(ctx, caller, "unpause", func(cfg *Config) error {
		cfg.Paused = false
		return nil
	})
}

// SetOwner hands the admin role to owner.
func (e *Engine) SetOwner(ctx context.Context, caller, owner common.Address) error {
	return e.configure(ctx, caller, "set_owner", func(cfg *Config) error {
		if owner == (common.Address{}) {
			return ErrZeroAddress
		}
		cfg.Owner = owner
		return nil
	})
}

// SetAllocations sets the LP deposit split used while an asset carries debt.
func (e *Engine) SetAllocations(ctx context.Context, caller common.Address, supply, repay, liquidity uint64) error {
	return e.configure(ctx, caller, "set_allocations", func(cfg *Config) error {
		if err := validateAllocations(supply, repay, liquidity); err != nil {
			return err
		}
		cfg.SupplyAllocation = supply
		cfg.RepayAllocation = repay
		cfg.LiquidityAllocation = liquidity
		return nil
	})
}

func pairConfig(cfg *Config, tokenIn, tokenOut common.Address) (PairID, PairConfig, error) {
	if tokenIn == (common.Address{}) || tokenOut == (common.Address{}) {
		return PairID{}, PairConfig{}, ErrZeroAddress
	}
	if tokenIn == tokenOut {
		return PairID{}, PairConfig{}, ErrIdenticalTokens
	}
	id := NewPairID(tokenIn, tokenOut)
	pc, ok := cfg.Pairs[id]
	if !ok {
		pc = PairConfig{TokenIn: tokenIn, TokenOut: tokenOut}
	}
	return id, pc, nil
}

// WhitelistPair enables swaps on the ordered pair (tokenIn, tokenOut).
func (e *Engine) WhitelistPair(ctx context.Context, caller, tokenIn, tokenOut common.Address) error {
	return e.configure(ctx, caller, "whitelist_pair", func(cfg *Config) error {
		id, pc, err := pairConfig(cfg, tokenIn, tokenOut)
		if err != nil {
			return err
		}
		pc.Whitelisted = true
		cfg.Pairs[id] = pc
		return nil
	})
}

// DelistPair disables swaps on the pair. Its ledger is retained.
func (e *Engine) DelistPair(ctx context.Context, caller, tokenIn, tokenOut common.Address) error {
	return e.configure(ctx, caller, "delist_pair", func(cfg *Config) error {
		id, pc, err := pairConfig(cfg, tokenIn, tokenOut)
		if err != nil {
			return err
		}
		pc.Whitelisted = false
		cfg.Pairs[id] = pc
		return nil
	})
}

// SetPairOracle sets the price source of the pair. A nil oracle unsets it.
func (e *Engine) SetPairOracle(ctx context.Context, caller, tokenIn, tokenOut common.Address, oracle PriceOracle) error {
	return e.configure(ctx, caller, "set_pair_oracle", func(cfg *Config) error {
		id, pc, err := pairConfig(cfg, tokenIn, tokenOut)
		if err != nil {
			return err
		}
		pc.Oracle = oracle
		cfg.Pairs[id] = pc
		return nil
	})
}

// WhitelistMarket lists a lending market for asset. The first market listed
// becomes the primary market.
func (e *Engine) WhitelistMarket(ctx context.Context, caller, asset common.Address, market MarketID) error {
	return e.execute(ctx, "whitelist_market", func(ctx context.Context, tx *txState) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		if asset == (common.Address{}) {
			return ErrZeroAddress
		}
		token, err := tx.token(asset)
		if err != nil {
			return err
		}
		for _, id := range token.MarketIDs {
			if id == market {
				return ErrMarketExists
			}
		}
		state, err := e.facility.MarketState(ctx, market)
		if err != nil {
			return fmt.Errorf("creditswap: market state: %w", err)
		}
		if state.LoanToken != asset {
			return fmt.Errorf("%w: market lends %s", ErrMarketAsset, state.LoanToken.Hex())
		}
		token.MarketIDs = append(token.MarketIDs, market)
		tx.markToken(token)
		e.logger.Info("creditswap market whitelisted", "asset", asset.Hex(), "market", market.Hex())
		return nil
	})
}

// RemoveMarket delists a market. The market must carry no engine borrow
// shares, nor supply shares when it is the primary market. The last listed
// market takes the removed market's slot.
func (e *Engine) RemoveMarket(ctx context.Context, caller, asset common.Address, market MarketID) error {
	return e.execute(ctx, "remove_market", func(ctx context.Context, tx *txState) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		token, err := tx.token(asset)
		if err != nil {
			return err
		}
		index := -1
		for i, id := range token.MarketIDs {
			if id == market {
				index = i
				break
			}
		}
		if index < 0 {
			return ErrMarketNotListed
		}
		if token.borrowShares(market).Sign() > 0 {
			return fmt.Errorf("%w: borrow shares outstanding", ErrMarketInUse)
		}
		if index == 0 && isPositive(token.ExternalSupplyShares) {
			return fmt.Errorf("%w: supply shares outstanding", ErrMarketInUse)
		}
		last := len(token.MarketIDs) - 1
		token.MarketIDs[index] = token.MarketIDs[last]
		token.MarketIDs = token.MarketIDs[:last]
		delete(token.BorrowShares, market)
		tx.markToken(token)
		e.logger.Info("creditswap market removed", "asset", asset.Hex(), "market", market.Hex())
		return nil
	})
}

// WithdrawProtocolFees transfers the accumulated protocol fees of asset to
// recipient and returns the amount.
func (e *Engine) WithdrawProtocolFees(ctx context.Context, caller, asset, recipient common.Address) (*big.Int, error) {
	var amount *big.Int
	err := e.execute(ctx, "withdraw_fees", func(ctx context.Context, tx *txState) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		if asset == (common.Address{}) || recipient == (common.Address{}) {
			return ErrZeroAddress
		}
		token, err := tx.token(asset)
		if err != nil {
			return err
		}
		amount = copyInt(token.ProtocolFees)
		if amount.Sign() == 0 {
			return nil
		}
		token.ProtocolFees = zero()
		if err := e.bank.Transfer(ctx, asset, e.address, recipient, amount); err != nil {
			return fmt.Errorf("creditswap: pay protocol fees: %w", err)
		}
		tx.markToken(token)

		ev := e.newEvent(EventFeesWithdrawn, caller)
		ev.TokenOut = asset
		ev.AmountOut = copyInt(amount)
		tx.record(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}

func (e *Engine) requireOwner(caller common.Address) error {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	if caller != e.cfg.Owner {
		return ErrUnauthorized
	}
	return nil
}
