package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "creditswap/native/common"
)

var (
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
	ErrZeroAddress         = errors.New("bank: zero address")
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
)

const moduleName = "bank"

type balanceKey struct {
	token   common.Address
	account common.Address
}

// Ledger is an in-memory multi-asset balance sheet. Mutations are journaled
// so an enclosing operation can roll them back.
type Ledger struct {
	mu       sync.RWMutex
	balances map[balanceKey]*big.Int
	supply   map[common.Address]*big.Int
	journal  nativecommon.Journal
	pauses   nativecommon.PauseView

	dirtyBalances nativecommon.DirtySet[balanceKey]
	dirtySupply   nativecommon.DirtySet[common.Address]
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[balanceKey]*big.Int),
		supply:   make(map[common.Address]*big.Int),
	}
}

// SetPauses wires the module pause view consulted before transfers.
func (l *Ledger) SetPauses(p nativecommon.PauseView) {
	if l == nil {
		return
	}
	l.pauses = p
}

// BalanceOf returns the balance of account in token.
func (l *Ledger) BalanceOf(token, account common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if balance, ok := l.balances[balanceKey{token: token, account: account}]; ok {
		return new(big.Int).Set(balance)
	}
	return new(big.Int)
}

// TotalSupply returns the minted supply of token.
func (l *Ledger) TotalSupply(token common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if supply, ok := l.supply[token]; ok {
		return new(big.Int).Set(supply)
	}
	return new(big.Int)
}

// Mint credits amount of token to account.
func (l *Ledger) Mint(token, account common.Address, amount *big.Int) error {
	if err := validate(token, account, amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := balanceKey{token: token, account: account}
	l.setBalance(key, new(big.Int).Add(l.balance(key), amount))
	l.setSupply(token, new(big.Int).Add(l.supplyOf(token), amount))
	return nil
}

// Burn debits amount of token from account.
func (l *Ledger) Burn(token, account common.Address, amount *big.Int) error {
	if err := validate(token, account, amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := balanceKey{token: token, account: account}
	current := l.balance(key)
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, burning %s", ErrInsufficientBalance, account.Hex(), current, amount)
	}
	l.setBalance(key, new(big.Int).Sub(current, amount))
	l.setSupply(token, new(big.Int).Sub(l.supplyOf(token), amount))
	return nil
}

// Transfer moves amount of token from one account to another.
func (l *Ledger) Transfer(_ context.Context, token, from, to common.Address, amount *big.Int) error {
	if err := validate(token, from, amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fromKey := balanceKey{token: token, account: from}
	current := l.balance(fromKey)
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, sending %s", ErrInsufficientBalance, from.Hex(), current, amount)
	}
	if from == to {
		return nil
	}
	toKey := balanceKey{token: token, account: to}
	l.setBalance(fromKey, new(big.Int).Sub(current, amount))
	l.setBalance(toKey, new(big.Int).Add(l.balance(toKey), amount))
	return nil
}

// Snapshot opens a rollback point.
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.journal.Snapshot()
}

// RevertToSnapshot undoes every mutation made since snapshot id.
func (l *Ledger) RevertToSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal.Revert(id)
}

// ReleaseSnapshot closes snapshot id keeping its mutations.
func (l *Ledger) ReleaseSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal.Release(id)
}

func (l *Ledger) balance(key balanceKey) *big.Int {
	if balance, ok := l.balances[key]; ok {
		return balance
	}
	return new(big.Int)
}

func (l *Ledger) setBalance(key balanceKey, value *big.Int) {
	prev, existed := l.balances[key]
	l.journal.Append(func() {
		if existed {
			l.balances[key] = prev
		} else {
			delete(l.balances, key)
		}
	})
	l.balances[key] = value
	l.dirtyBalances.Mark(key)
}

func (l *Ledger) supplyOf(token common.Address) *big.Int {
	if supply, ok := l.supply[token]; ok {
		return supply
	}
	return new(big.Int)
}

func (l *Ledger) setSupply(token common.Address, value *big.Int) {
	prev, existed := l.supply[token]
	l.journal.Append(func() {
		if existed {
			l.supply[token] = prev
		} else {
			delete(l.supply, token)
		}
	})
	l.supply[token] = value
	l.dirtySupply.Mark(token)
}

func validate(token, account common.Address, amount *big.Int) error {
	if token == (common.Address{}) || account == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
