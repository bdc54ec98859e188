package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// MarketConfig describes a market at creation.
type MarketConfig struct {
	LoanToken        common.Address
	Model            *InterestModel
	ReserveFactorBps uint64
}

// Market is the pooled state of one loan token market. Supply and borrow
// positions are tracked in shares of the respective totals.
type Market struct {
	ID                common.Hash
	LoanToken         common.Address
	Model             *InterestModel
	ReserveFactorBps  uint64
	TotalSupplyAssets *big.Int
	TotalSupplyShares *big.Int
	TotalBorrowAssets *big.Int
	TotalBorrowShares *big.Int
	LastUpdate        int64
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Model = m.Model.Clone()
	clone.TotalSupplyAssets = copyInt(m.TotalSupplyAssets)
	clone.TotalSupplyShares = copyInt(m.TotalSupplyShares)
	clone.TotalBorrowAssets = copyInt(m.TotalBorrowAssets)
	clone.TotalBorrowShares = copyInt(m.TotalBorrowShares)
	return &clone
}

// Available returns the unborrowed liquidity of the market.
func (m *Market) Available() *big.Int {
	out := new(big.Int).Sub(m.TotalSupplyAssets, m.TotalBorrowAssets)
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}

// Position is an account's share balances in one market.
type Position struct {
	SupplyShares *big.Int
	BorrowShares *big.Int
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	return &Position{SupplyShares: copyInt(p.SupplyShares), BorrowShares: copyInt(p.BorrowShares)}
}

type positionKey struct {
	market  common.Hash
	account common.Address
}
