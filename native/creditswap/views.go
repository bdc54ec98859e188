package creditswap

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "creditswap/native/common"
)

// Views read committed state without taking the operation lock and never
// mutate anything.

// Quote projects the outcome of req without executing it.
func (e *Engine) Quote(ctx context.Context, req SwapRequest) (*Quote, error) {
	if err := validateSwap(req); err != nil {
		return nil, err
	}
	price, err := e.price(ctx, req.TokenIn, req.TokenOut)
	if err != nil {
		return nil, err
	}
	view := newTxState(e.state)
	pair, err := view.pair(req.TokenIn, req.TokenOut)
	if err != nil {
		return nil, err
	}
	tokenOut, err := view.token(req.TokenOut)
	if err != nil {
		return nil, err
	}
	bps, err := e.feeRate(ctx, tokenOut, pair, req.Reverse)
	if err != nil {
		return nil, err
	}
	fee, net := applyFee(req.AmountIn, bps)
	quote := &Quote{
		PairID:     pair.ID,
		AmountIn:   copyInt(req.AmountIn),
		Fee:        fee,
		FeeBps:     bps,
		FromLocal:  zero(),
		FromSupply: zero(),
		FromBorrow: zero(),
	}
	if req.Reverse {
		quote.AmountOut = nativecommon.MulDivDown(net, PriceScale, price)
		if err := checkOutput(quote.AmountOut, req.MinAmountOut); err != nil {
			return nil, err
		}
		if pair.HeldBalance.Cmp(quote.AmountOut) < 0 {
			return nil, fmt.Errorf("%w: held %s, payout %s", ErrInsufficientHeld, pair.HeldBalance, quote.AmountOut)
		}
		return quote, nil
	}
	quote.AmountOut = nativecommon.MulDivDown(net, price, PriceScale)
	if err := checkOutput(quote.AmountOut, req.MinAmountOut); err != nil {
		return nil, err
	}
	plan, err := e.planSourcing(ctx, tokenOut, quote.AmountOut)
	if err != nil {
		return nil, err
	}
	quote.FromLocal = plan.local
	quote.FromSupply = plan.supply
	quote.FromBorrow = plan.borrow
	return quote, nil
}

// Token returns a copy of the asset's accounting record.
func (e *Engine) Token(_ context.Context, asset common.Address) (*TokenState, error) {
	return newTxState(e.state).token(asset)
}

// Position returns the LP position of provider in asset.
func (e *Engine) Position(_ context.Context, asset, provider common.Address) (*LPPosition, error) {
	return newTxState(e.state).position(asset, provider)
}

// TotalAssets returns the LP-owned value of asset.
func (e *Engine) TotalAssets(ctx context.Context, asset common.Address) (*big.Int, error) {
	token, err := newTxState(e.state).token(asset)
	if err != nil {
		return nil, err
	}
	return e.totalAssets(ctx, token)
}

// LPValue returns the current value of provider's shares in asset.
func (e *Engine) LPValue(ctx context.Context, asset, provider common.Address) (*big.Int, error) {
	view := newTxState(e.state)
	token, err := view.token(asset)
	if err != nil {
		return nil, err
	}
	position, err := view.position(asset, provider)
	if err != nil {
		return nil, err
	}
	if token.TotalShares.Sign() == 0 || position.Shares.Sign() == 0 {
		return zero(), nil
	}
	total, err := e.totalAssets(ctx, token)
	if err != nil {
		return nil, err
	}
	return nativecommon.MulDivDown(position.Shares, total, token.TotalShares), nil
}

// PairStatus returns the ledger and whitelist status of the ordered pair.
func (e *Engine) PairStatus(_ context.Context, tokenIn, tokenOut common.Address) (*PairStatus, error) {
	pair, err := newTxState(e.state).pair(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	e.cfgMu.RLock()
	pc := e.cfg.Pairs[pair.ID]
	e.cfgMu.RUnlock()
	return &PairStatus{
		PairID:            pair.ID,
		Whitelisted:       pc.Whitelisted,
		HeldBalance:       pair.HeldBalance,
		OutstandingDebt:   pair.OutstandingDebt,
		DebtTimestamp:     pair.DebtTimestamp,
		ExpectedMatchTime: pair.matchTime(),
		TotalSwaps:        pair.TotalSwaps,
		Imbalance:         pair.Imbalance,
	}, nil
}

// AvailableLiquidity reports how much of asset a forward swap could source:
// local liquidity, withdrawable supply, and the largest amount a single
// market could lend.
func (e *Engine) AvailableLiquidity(ctx context.Context, asset common.Address) (*Liquidity, error) {
	token, err := newTxState(e.state).token(asset)
	if err != nil {
		return nil, err
	}
	supply, err := e.withdrawableSupply(ctx, token)
	if err != nil {
		return nil, err
	}
	borrowable := zero()
	primary, _ := token.PrimaryMarket()
	for _, id := range token.MarketIDs {
		state, err := e.facility.MarketState(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("creditswap: market state: %w", err)
		}
		available := state.Available()
		if id == primary {
			available = saturatingSub(available, supply)
		}
		if available.Cmp(borrowable) > 0 {
			borrowable = available
		}
	}
	total := add(token.LocalLiquidity, supply)
	total.Add(total, borrowable)
	return &Liquidity{
		Local:      copyInt(token.LocalLiquidity),
		Supply:     supply,
		Borrowable: borrowable,
		Total:      total,
	}, nil
}

// CheckInvariants verifies balance conservation, non-negativity and share
// backing for each asset.
func (e *Engine) CheckInvariants(ctx context.Context, assets ...common.Address) error {
	view := newTxState(e.state)
	for _, asset := range assets {
		token, err := view.token(asset)
		if err != nil {
			return err
		}
		if err := checkToken(token); err != nil {
			return err
		}
		balance := e.bank.BalanceOf(asset, e.address)
		if balance == nil || balance.Cmp(token.accountedBalance()) != 0 {
			return fmt.Errorf("%w: asset %s holds %s, accounted %s", ErrInvariantBreach, asset.Hex(), balance, token.accountedBalance())
		}
		if token.TotalShares.Sign() > 0 {
			total, err := e.totalAssets(ctx, token)
			if err != nil {
				return err
			}
			if total.Sign() == 0 {
				return fmt.Errorf("%w: %s shares of %s backed by no assets", ErrInvariantBreach, token.TotalShares, asset.Hex())
			}
		}
	}
	return nil
}
