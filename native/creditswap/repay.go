package creditswap

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "creditswap/native/common"
)

// repay spreads target across every market the asset has borrow shares in,
// topped up with the asset's interest reserve. It returns the part of the
// repayment funded by target and the part funded by the reserve; the unused
// reserve is restored.
func (e *Engine) repay(ctx context.Context, token *TokenState, target *big.Int) (callerRepaid, reserveUsed *big.Int, err error) {
	reserve := copyInt(token.InterestReserve)
	remaining := add(target, reserve)
	token.InterestReserve = zero()

	repaid := zero()
	for _, id := range token.MarketIDs {
		if remaining.Sign() == 0 {
			break
		}
		shares := token.borrowShares(id)
		if shares.Sign() == 0 {
			continue
		}
		state, err := e.facility.MarketState(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("creditswap: market state: %w", err)
		}
		debt := nativecommon.ToAssetsUp(shares, state.TotalBorrowAssets, state.TotalBorrowShares)
		pay := minInt(remaining, debt)
		if pay.Sign() == 0 {
			continue
		}
		burned, err := e.facility.Repay(ctx, id, pay)
		if err != nil {
			return nil, nil, fmt.Errorf("creditswap: repay: %w", err)
		}
		token.BorrowShares[id] = saturatingSub(shares, burned)
		repaid.Add(repaid, pay)
		remaining.Sub(remaining, pay)
	}
	token.TotalRepaid.Add(token.TotalRepaid, repaid)

	callerRepaid = minInt(repaid, target)
	reserveUsed = new(big.Int).Sub(repaid, callerRepaid)
	token.InterestReserve = new(big.Int).Sub(reserve, reserveUsed)
	return callerRepaid, reserveUsed, nil
}

// settlePairDebt charges amount, repaid on behalf of no single pair, against
// the debt of every pair paying out the asset in proportion to that debt.
// Rounding dust goes to the lowest pair ids. Once the asset carries no borrow
// shares every pair's debt is cleared.
func (e *Engine) settlePairDebt(tx *txState, token *TokenState, amount *big.Int) error {
	pairs, err := e.debtorPairs(tx, token.Asset)
	if err != nil {
		return err
	}
	if !token.HasDebt() {
		for _, pair := range pairs {
			pair.OutstandingDebt = zero()
			pair.DebtTimestamp = 0
			tx.markPair(pair)
		}
		return nil
	}
	total := zero()
	for _, pair := range pairs {
		total.Add(total, pair.OutstandingDebt)
	}
	if !isPositive(amount) || total.Sign() == 0 {
		return nil
	}
	amount = minInt(amount, total)

	cuts := make([]*big.Int, len(pairs))
	left := copyInt(amount)
	for i, pair := range pairs {
		cuts[i] = nativecommon.MulDivDown(amount, pair.OutstandingDebt, total)
		left.Sub(left, cuts[i])
	}
	for i, pair := range pairs {
		if left.Sign() == 0 {
			break
		}
		extra := minInt(left, new(big.Int).Sub(pair.OutstandingDebt, cuts[i]))
		cuts[i].Add(cuts[i], extra)
		left.Sub(left, extra)
	}
	for i, pair := range pairs {
		if cuts[i].Sign() == 0 {
			continue
		}
		pair.OutstandingDebt = new(big.Int).Sub(pair.OutstandingDebt, cuts[i])
		if pair.OutstandingDebt.Sign() == 0 {
			pair.DebtTimestamp = 0
		}
		tx.markPair(pair)
	}
	return nil
}

// debtorPairs loads the configured pairs paying out asset that carry debt,
// ordered by pair id. Delisted pairs are included.
func (e *Engine) debtorPairs(tx *txState, asset common.Address) ([]*PairState, error) {
	e.cfgMu.RLock()
	var configs []PairConfig
	for _, pc := range e.cfg.Pairs {
		if pc.TokenOut == asset {
			configs = append(configs, pc)
		}
	}
	e.cfgMu.RUnlock()
	sort.Slice(configs, func(i, j int) bool {
		return NewPairID(configs[i].TokenIn, configs[i].TokenOut).Cmp(NewPairID(configs[j].TokenIn, configs[j].TokenOut)) < 0
	})

	var out []*PairState
	for _, pc := range configs {
		pair, err := tx.pair(pc.TokenIn, pc.TokenOut)
		if err != nil {
			return nil, err
		}
		if isPositive(pair.OutstandingDebt) {
			out = append(out, pair)
		}
	}
	return out, nil
}
