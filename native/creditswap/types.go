package creditswap

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MarketID identifies a market on the external lending facility.
type MarketID = common.Hash

// PairID identifies an ordered (tokenIn, tokenOut) pair. Forward and reverse
// swaps against the pair share the identifier.
type PairID = common.Hash

// NewPairID derives the identifier of the ordered pair.
func NewPairID(tokenIn, tokenOut common.Address) PairID {
	return crypto.Keccak256Hash(tokenIn.Bytes(), tokenOut.Bytes())
}

// TokenState is the per-asset accounting record held by the engine.
type TokenState struct {
	Asset common.Address
	// MarketIDs lists the whitelisted lending markets; the first entry is the
	// primary market used for supply and withdraw.
	MarketIDs []MarketID
	// ExternalSupplyShares are the engine's supply shares in the primary market.
	ExternalSupplyShares *big.Int
	// BorrowShares tracks the engine's borrow shares per market.
	BorrowShares map[MarketID]*big.Int
	// LocalLiquidity is unencumbered float. It never includes held balances.
	LocalLiquidity   *big.Int
	TotalHeldBalance *big.Int
	TotalBorrowed    *big.Int
	TotalRepaid      *big.Int
	// TotalLPDeposits is lifetime LP principal, used for reporting only.
	TotalLPDeposits *big.Int
	LPFeeReserve    *big.Int
	InterestReserve *big.Int
	ProtocolFees    *big.Int
	// TotalShares is the outstanding LP share supply.
	TotalShares *big.Int
}

func newTokenState(asset common.Address) *TokenState {
	return &TokenState{
		Asset:                asset,
		ExternalSupplyShares: zero(),
		BorrowShares:         make(map[MarketID]*big.Int),
		LocalLiquidity:       zero(),
		TotalHeldBalance:     zero(),
		TotalBorrowed:        zero(),
		TotalRepaid:          zero(),
		TotalLPDeposits:      zero(),
		LPFeeReserve:         zero(),
		InterestReserve:      zero(),
		ProtocolFees:         zero(),
		TotalShares:          zero(),
	}
}

// Clone returns a deep copy of the token record.
func (t *TokenState) Clone() *TokenState {
	if t == nil {
		return nil
	}
	clone := &TokenState{
		Asset:                t.Asset,
		MarketIDs:            append([]MarketID(nil), t.MarketIDs...),
		ExternalSupplyShares: copyInt(t.ExternalSupplyShares),
		BorrowShares:         make(map[MarketID]*big.Int, len(t.BorrowShares)),
		LocalLiquidity:       copyInt(t.LocalLiquidity),
		TotalHeldBalance:     copyInt(t.TotalHeldBalance),
		TotalBorrowed:        copyInt(t.TotalBorrowed),
		TotalRepaid:          copyInt(t.TotalRepaid),
		TotalLPDeposits:      copyInt(t.TotalLPDeposits),
		LPFeeReserve:         copyInt(t.LPFeeReserve),
		InterestReserve:      copyInt(t.InterestReserve),
		ProtocolFees:         copyInt(t.ProtocolFees),
		TotalShares:          copyInt(t.TotalShares),
	}
	for id, shares := range t.BorrowShares {
		clone.BorrowShares[id] = copyInt(shares)
	}
	return clone
}

// PrimaryMarket returns the market used for supply and withdraw.
func (t *TokenState) PrimaryMarket() (MarketID, bool) {
	if t == nil || len(t.MarketIDs) == 0 {
		return MarketID{}, false
	}
	return t.MarketIDs[0], true
}

// HasDebt reports whether the engine holds borrow shares in any market.
func (t *TokenState) HasDebt() bool {
	for _, shares := range t.BorrowShares {
		if isPositive(shares) {
			return true
		}
	}
	return false
}

func (t *TokenState) borrowShares(id MarketID) *big.Int {
	if shares, ok := t.BorrowShares[id]; ok && shares != nil {
		return shares
	}
	return zero()
}

// accountedBalance is the amount of the asset the engine should hold itself.
func (t *TokenState) accountedBalance() *big.Int {
	total := add(t.LocalLiquidity, t.TotalHeldBalance)
	total.Add(total, t.LPFeeReserve)
	total.Add(total, t.InterestReserve)
	total.Add(total, t.ProtocolFees)
	return total
}

// PairState tracks one ordered asset pair.
type PairState struct {
	ID       PairID
	TokenIn  common.Address
	TokenOut common.Address
	// HeldBalance is tokenIn accumulated from forward swaps, owed to reverse swaps.
	HeldBalance *big.Int
	// OutstandingDebt is tokenOut borrowed on behalf of the pair.
	OutstandingDebt *big.Int
	// DebtTimestamp is the unix time debt last changed.
	DebtTimestamp int64
	// ExpectedMatchTime is the EWMA of realised match times, in seconds.
	ExpectedMatchTime uint64
	TotalSwaps        uint64
	// Imbalance is positive when the pair needs reverse swaps, negative when it
	// needs forward swaps.
	Imbalance *big.Int
}

func newPairState(tokenIn, tokenOut common.Address) *PairState {
	return &PairState{
		ID:              NewPairID(tokenIn, tokenOut),
		TokenIn:         tokenIn,
		TokenOut:        tokenOut,
		HeldBalance:     zero(),
		OutstandingDebt: zero(),
		Imbalance:       zero(),
	}
}

// Clone returns a deep copy of the pair record.
func (p *PairState) Clone() *PairState {
	if p == nil {
		return nil
	}
	clone := *p
	clone.HeldBalance = copyInt(p.HeldBalance)
	clone.OutstandingDebt = copyInt(p.OutstandingDebt)
	clone.Imbalance = copyInt(p.Imbalance)
	return &clone
}

func (p *PairState) matchTime() uint64 {
	if p == nil || p.ExpectedMatchTime == 0 {
		return DefaultMatchTime
	}
	return p.ExpectedMatchTime
}

// LPPosition is a liquidity provider's share balance for one asset.
type LPPosition struct {
	Asset            common.Address
	Provider         common.Address
	Shares           *big.Int
	DepositTimestamp int64
}

// Clone returns a deep copy of the position.
func (p *LPPosition) Clone() *LPPosition {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Shares = copyInt(p.Shares)
	return &clone
}

// MarketState is the synced state of an external lending market.
type MarketState struct {
	LoanToken         common.Address
	TotalSupplyAssets *big.Int
	TotalSupplyShares *big.Int
	TotalBorrowAssets *big.Int
	TotalBorrowShares *big.Int
}

// Available returns the market's unborrowed liquidity.
func (m MarketState) Available() *big.Int {
	return saturatingSub(copyInt(m.TotalSupplyAssets), copyInt(m.TotalBorrowAssets))
}

// LendingFacility is the external shares-based money market. Each call acts for
// the engine's own account.
type LendingFacility interface {
	Supply(ctx context.Context, market MarketID, amount *big.Int) (*big.Int, error)
	Withdraw(ctx context.Context, market MarketID, amount *big.Int) (*big.Int, error)
	Borrow(ctx context.Context, market MarketID, amount *big.Int) (*big.Int, error)
	Repay(ctx context.Context, market MarketID, amount *big.Int) (*big.Int, error)
	MarketState(ctx context.Context, market MarketID) (MarketState, error)
	BorrowRate(ctx context.Context, market MarketID) (*big.Int, error)
}

// PriceOracle returns the price of tokenIn denominated in tokenOut, scaled by
// PriceScale.
type PriceOracle interface {
	Price(ctx context.Context, tokenIn, tokenOut common.Address) (*big.Int, error)
}

// Bank moves assets between accounts.
type Bank interface {
	Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error
	BalanceOf(token, account common.Address) *big.Int
}

// Reverter is implemented by collaborators whose side effects can be rolled
// back when an engine operation fails.
type Reverter interface {
	Snapshot() int
	RevertToSnapshot(id int)
}

// SwapRequest describes a swap against an ordered pair. When Reverse is set the
// caller deposits AmountIn of TokenOut and receives TokenIn.
type SwapRequest struct {
	Caller       common.Address
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	MinAmountOut *big.Int
	Reverse      bool
}

// SwapResult reports the outcome of an executed swap.
type SwapResult struct {
	PairID     PairID
	AmountOut  *big.Int
	Fee        *big.Int
	FeeBps     uint64
	FromLocal  *big.Int
	FromSupply *big.Int
	FromBorrow *big.Int
	// Repaid is the caller-attributed debt repayment of a reverse swap.
	Repaid *big.Int
}

// Quote is a read-only projection of a swap.
type Quote struct {
	PairID     PairID
	AmountIn   *big.Int
	AmountOut  *big.Int
	Fee        *big.Int
	FeeBps     uint64
	FromLocal  *big.Int
	FromSupply *big.Int
	FromBorrow *big.Int
}

// PairStatus is the public view of a pair.
type PairStatus struct {
	PairID            PairID
	Whitelisted       bool
	HeldBalance       *big.Int
	OutstandingDebt   *big.Int
	DebtTimestamp     int64
	ExpectedMatchTime uint64
	TotalSwaps        uint64
	Imbalance         *big.Int
}

// Liquidity breaks down how much of an asset a forward swap could source.
type Liquidity struct {
	Local      *big.Int
	Supply     *big.Int
	Borrowable *big.Int
	Total      *big.Int
}
