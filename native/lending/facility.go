package lending

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "creditswap/native/common"
)

var (
	errNilBank               = errors.New("lending: bank not configured")
	ErrMarketExists          = errors.New("lending: market already exists")
	ErrUnknownMarket         = errors.New("lending: unknown market")
	ErrInvalidAmount         = errors.New("lending: amount must be positive")
	ErrInsufficientShares    = errors.New("lending: insufficient supply shares")
	ErrInsufficientLiquidity = errors.New("lending: insufficient liquidity")
	ErrCreditLimit           = errors.New("lending: credit line exceeded")
	ErrNoDebtToRepay         = errors.New("lending: no outstanding debt to repay")
)

const moduleName = "lending"

// Bank moves loan tokens in and out of the facility account.
type Bank interface {
	Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error
}

// Facility is an in-process shares-based money market. Borrowing is
// uncollateralised and bounded per account by a credit line. Interest accrues
// per second on every mutating call.
type Facility struct {
	mu          sync.RWMutex
	address     common.Address
	treasury    common.Address
	bank        Bank
	markets     map[common.Hash]*Market
	positions   map[positionKey]*Position
	creditLines map[positionKey]*big.Int
	journal     nativecommon.Journal
	pauses      nativecommon.PauseView
	clock       func() time.Time

	dirtyMarkets   nativecommon.DirtySet[common.Hash]
	dirtyPositions nativecommon.DirtySet[positionKey]
}

// NewFacility constructs a facility holding liquidity at address. Reserve
// factor shares are minted to treasury.
func NewFacility(address, treasury common.Address, bank Bank) *Facility {
	return &Facility{
		address:     address,
		treasury:    treasury,
		bank:        bank,
		markets:     make(map[common.Hash]*Market),
		positions:   make(map[positionKey]*Position),
		creditLines: make(map[positionKey]*big.Int),
		clock:       time.Now,
	}
}

// Address returns the account holding market liquidity.
func (f *Facility) Address() common.Address { return f.address }

// SetClock overrides the time source (primarily for deterministic testing).
func (f *Facility) SetClock(clock func() time.Time) {
	if f == nil || clock == nil {
		return
	}
	f.clock = clock
}

func (f *Facility) SetPauses(p nativecommon.PauseView) {
	if f == nil {
		return
	}
	f.pauses = p
}

// CreateMarket registers a market for cfg.LoanToken under id.
func (f *Facility) CreateMarket(id common.Hash, cfg MarketConfig) error {
	if cfg.LoanToken == (common.Address{}) {
		return fmt.Errorf("lending: loan token required")
	}
	if cfg.ReserveFactorBps > 10_000 {
		return fmt.Errorf("lending: reserve factor exceeds 100%%")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.markets[id]; ok {
		return ErrMarketExists
	}
	model := cfg.Model
	if model == nil {
		model = DefaultInterestModel
	}
	f.putMarket(&Market{
		ID:                id,
		LoanToken:         cfg.LoanToken,
		Model:             model.Clone(),
		ReserveFactorBps:  cfg.ReserveFactorBps,
		TotalSupplyAssets: new(big.Int),
		TotalSupplyShares: new(big.Int),
		TotalBorrowAssets: new(big.Int),
		TotalBorrowShares: new(big.Int),
		LastUpdate:        f.clock().Unix(),
	})
	return nil
}

// Markets lists the registered market identifiers in byte order.
func (f *Facility) Markets() []common.Hash {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]common.Hash, 0, len(f.markets))
	for id := range f.markets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Cmp(ids[j]) < 0 })
	return ids
}

// SetCreditLine bounds the debt account may carry in market. A nil or zero
// limit revokes the line.
func (f *Facility) SetCreditLine(market common.Hash, account common.Address, limit *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.markets[market]; !ok {
		return ErrUnknownMarket
	}
	key := positionKey{market: market, account: account}
	prev, existed := f.creditLines[key]
	f.journal.Append(func() {
		if existed {
			f.creditLines[key] = prev
		} else {
			delete(f.creditLines, key)
		}
	})
	if limit == nil || limit.Sign() == 0 {
		delete(f.creditLines, key)
		return nil
	}
	f.creditLines[key] = new(big.Int).Set(limit)
	return nil
}

// Supply deposits amount from account and returns the supply shares minted,
// rounded down.
func (f *Facility) Supply(ctx context.Context, marketID common.Hash, account common.Address, amount *big.Int) (*big.Int, error) {
	if err := f.preflight(amount); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	market, err := f.accrue(marketID)
	if err != nil {
		return nil, err
	}
	shares := nativecommon.ToSharesDown(amount, market.TotalSupplyAssets, market.TotalSupplyShares)
	if err := f.bank.Transfer(ctx, market.LoanToken, account, f.address, amount); err != nil {
		return nil, fmt.Errorf("lending: collect supply: %w", err)
	}
	pos := f.position(marketID, account)
	pos.SupplyShares.Add(pos.SupplyShares, shares)
	market.TotalSupplyAssets.Add(market.TotalSupplyAssets, amount)
	market.TotalSupplyShares.Add(market.TotalSupplyShares, shares)
	f.putPosition(marketID, account, pos)
	f.putMarket(market)
	return shares, nil
}

// Withdraw pays amount to account and returns the supply shares burned,
// rounded up.
func (f *Facility) Withdraw(ctx context.Context, marketID common.Hash, account common.Address, amount *big.Int) (*big.Int, error) {
	if err := f.preflight(amount); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	market, err := f.accrue(marketID)
	if err != nil {
		return nil, err
	}
	shares := nativecommon.ToSharesUp(amount, market.TotalSupplyAssets, market.TotalSupplyShares)
	pos := f.position(marketID, account)
	if pos.SupplyShares.Cmp(shares) < 0 {
		return nil, fmt.Errorf("%w: holds %s, needs %s", ErrInsufficientShares, pos.SupplyShares, shares)
	}
	if market.Available().Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	if err := f.bank.Transfer(ctx, market.LoanToken, f.address, account, amount); err != nil {
		return nil, fmt.Errorf("lending: pay withdrawal: %w", err)
	}
	pos.SupplyShares.Sub(pos.SupplyShares, shares)
	market.TotalSupplyAssets.Sub(market.TotalSupplyAssets, amount)
	market.TotalSupplyShares.Sub(market.TotalSupplyShares, shares)
	f.putPosition(marketID, account, pos)
	f.putMarket(market)
	return shares, nil
}

// Borrow lends amount to account against its credit line and returns the
// borrow shares minted, rounded up.
func (f *Facility) Borrow(ctx context.Context, marketID common.Hash, account common.Address, amount *big.Int) (*big.Int, error) {
	if err := f.preflight(amount); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	market, err := f.accrue(marketID)
	if err != nil {
		return nil, err
	}
	if market.Available().Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	shares := nativecommon.ToSharesUp(amount, market.TotalBorrowAssets, market.TotalBorrowShares)
	pos := f.position(marketID, account)
	newShares := new(big.Int).Add(pos.BorrowShares, shares)
	newAssets := new(big.Int).Add(market.TotalBorrowAssets, amount)
	newTotalShares := new(big.Int).Add(market.TotalBorrowShares, shares)
	debt := nativecommon.ToAssetsUp(newShares, newAssets, newTotalShares)
	limit := f.creditLines[positionKey{market: marketID, account: account}]
	if limit == nil || debt.Cmp(limit) > 0 {
		return nil, fmt.Errorf("%w: debt %s, limit %s", ErrCreditLimit, debt, limit)
	}
	if err := f.bank.Transfer(ctx, market.LoanToken, f.address, account, amount); err != nil {
		return nil, fmt.Errorf("lending: pay borrow: %w", err)
	}
	pos.BorrowShares = newShares
	market.TotalBorrowAssets = newAssets
	market.TotalBorrowShares = newTotalShares
	f.putPosition(marketID, account, pos)
	f.putMarket(market)
	return shares, nil
}

// Repay collects amount from account and returns the borrow shares burned,
// rounded down and capped at the account's shares.
func (f *Facility) Repay(ctx context.Context, marketID common.Hash, account common.Address, amount *big.Int) (*big.Int, error) {
	if err := f.preflight(amount); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	market, err := f.accrue(marketID)
	if err != nil {
		return nil, err
	}
	pos := f.position(marketID, account)
	if pos.BorrowShares.Sign() == 0 {
		return nil, ErrNoDebtToRepay
	}
	shares := nativecommon.ToSharesDown(amount, market.TotalBorrowAssets, market.TotalBorrowShares)
	if shares.Cmp(pos.BorrowShares) > 0 {
		shares = new(big.Int).Set(pos.BorrowShares)
	}
	if err := f.bank.Transfer(ctx, market.LoanToken, account, f.address, amount); err != nil {
		return nil, fmt.Errorf("lending: collect repayment: %w", err)
	}
	pos.BorrowShares.Sub(pos.BorrowShares, shares)
	market.TotalBorrowShares.Sub(market.TotalBorrowShares, shares)
	market.TotalBorrowAssets.Sub(market.TotalBorrowAssets, amount)
	if market.TotalBorrowAssets.Sign() < 0 {
		market.TotalBorrowAssets.SetInt64(0)
	}
	f.putPosition(marketID, account, pos)
	f.putMarket(market)
	return shares, nil
}

// Market returns the market with interest accrued up to now, without
// persisting the accrual.
func (f *Facility) Market(marketID common.Hash) (*Market, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	market, ok := f.markets[marketID]
	if !ok {
		return nil, ErrUnknownMarket
	}
	view := market.Clone()
	applyAccrual(view, f.clock().Unix())
	return view, nil
}

// BorrowRate returns the WAD-scaled per-second borrow rate of the market at
// its current utilisation.
func (f *Facility) BorrowRate(marketID common.Hash) (*big.Int, error) {
	market, err := f.Market(marketID)
	if err != nil {
		return nil, err
	}
	return market.Model.BorrowRatePerSecond(market.TotalBorrowAssets, market.TotalSupplyAssets), nil
}

// Position returns the share balances of account in market.
func (f *Facility) Position(marketID common.Hash, account common.Address) *Position {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if pos, ok := f.positions[positionKey{market: marketID, account: account}]; ok {
		return pos.Clone()
	}
	return &Position{SupplyShares: new(big.Int), BorrowShares: new(big.Int)}
}

// Snapshot opens a rollback point over markets, positions and credit lines.
func (f *Facility) Snapshot() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.journal.Snapshot()
}

// RevertToSnapshot undoes every mutation made since snapshot id.
func (f *Facility) RevertToSnapshot(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.journal.Revert(id)
}

// ReleaseSnapshot closes snapshot id keeping its mutations.
func (f *Facility) ReleaseSnapshot(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.journal.Release(id)
}

func (f *Facility) preflight(amount *big.Int) error {
	if f.bank == nil {
		return errNilBank
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nativecommon.Guard(f.pauses, moduleName)
}

// accrue persists interest accrued up to now, minting the reserve factor to
// the treasury as supply shares, and returns a working copy of the market.
// Callers must putMarket the copy to keep their changes.
func (f *Facility) accrue(marketID common.Hash) (*Market, error) {
	stored, ok := f.markets[marketID]
	if !ok {
		return nil, ErrUnknownMarket
	}
	market := stored.Clone()
	now := f.clock().Unix()
	if now <= market.LastUpdate {
		return market, nil
	}
	feeShares := applyAccrual(market, now)
	if feeShares.Sign() > 0 {
		if f.treasury == (common.Address{}) {
			// Unowned fee shares would dilute suppliers without a claimant.
			market.TotalSupplyShares.Sub(market.TotalSupplyShares, feeShares)
		} else {
			pos := f.position(marketID, f.treasury)
			pos.SupplyShares.Add(pos.SupplyShares, feeShares)
			f.putPosition(marketID, f.treasury, pos)
		}
	}
	f.putMarket(market.Clone())
	return market, nil
}

// applyAccrual adds the interest accrued since the last update to both
// totals and mints the reserve factor share of it as supply shares, which
// are returned.
func applyAccrual(market *Market, now int64) *big.Int {
	feeShares := new(big.Int)
	if now <= market.LastUpdate {
		return feeShares
	}
	elapsed := uint64(now - market.LastUpdate)
	market.LastUpdate = now
	rate := market.Model.BorrowRatePerSecond(market.TotalBorrowAssets, market.TotalSupplyAssets)
	interest := computeInterest(market.TotalBorrowAssets, rate, elapsed)
	if interest.Sign() == 0 {
		return feeShares
	}
	market.TotalBorrowAssets.Add(market.TotalBorrowAssets, interest)
	market.TotalSupplyAssets.Add(market.TotalSupplyAssets, interest)
	fee := bps(interest, market.ReserveFactorBps)
	if fee.Sign() > 0 {
		base := new(big.Int).Sub(market.TotalSupplyAssets, fee)
		feeShares = nativecommon.ToSharesDown(fee, base, market.TotalSupplyShares)
		market.TotalSupplyShares.Add(market.TotalSupplyShares, feeShares)
	}
	return feeShares
}

func (f *Facility) position(marketID common.Hash, account common.Address) *Position {
	if pos, ok := f.positions[positionKey{market: marketID, account: account}]; ok {
		return pos.Clone()
	}
	return &Position{SupplyShares: new(big.Int), BorrowShares: new(big.Int)}
}

func (f *Facility) putPosition(marketID common.Hash, account common.Address, pos *Position) {
	key := positionKey{market: marketID, account: account}
	prev, existed := f.positions[key]
	f.journal.Append(func() {
		if existed {
			f.positions[key] = prev
		} else {
			delete(f.positions, key)
		}
	})
	f.positions[key] = pos
	f.dirtyPositions.Mark(key)
}

func (f *Facility) putMarket(market *Market) {
	prev, existed := f.markets[market.ID]
	f.journal.Append(func() {
		if existed {
			f.markets[market.ID] = prev
		} else {
			delete(f.markets, market.ID)
		}
	})
	f.markets[market.ID] = market
	f.dirtyMarkets.Mark(market.ID)
}
