package bank

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"creditswap/storage"
)

var (
	balancePrefix = []byte("bank/balance/")
	supplyPrefix  = []byte("bank/supply/")
)

// Store is the key-value backend balances are loaded from.
type Store interface {
	KVScan(prefix []byte, fn func(key []byte, decode func(out interface{}) error) error) error
}

type storedBalance struct {
	Token   [20]byte
	Account [20]byte
	Amount  string
}

type storedSupply struct {
	Token  [20]byte
	Amount string
}

func balanceStorageKey(key balanceKey) []byte {
	out := make([]byte, 0, len(balancePrefix)+2*common.AddressLength)
	out = append(out, balancePrefix...)
	out = append(out, key.token.Bytes()...)
	return append(out, key.account.Bytes()...)
}

func supplyStorageKey(token common.Address) []byte {
	return append(append([]byte(nil), supplyPrefix...), token.Bytes()...)
}

// StageChanges writes every balance and supply changed since the last flush.
// Zero balances are deleted.
func (l *Ledger) StageChanges(w storage.Writer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	balances := l.dirtyBalances.Stage()
	sort.Slice(balances, func(i, j int) bool {
		return string(balanceStorageKey(balances[i])) < string(balanceStorageKey(balances[j]))
	})
	for _, key := range balances {
		value := l.balance(key)
		if value.Sign() == 0 {
			if err := w.KVDelete(balanceStorageKey(key)); err != nil {
				return err
			}
			continue
		}
		if err := w.KVPut(balanceStorageKey(key), storedBalance{Token: key.token, Account: key.account, Amount: value.String()}); err != nil {
			return err
		}
	}
	for _, token := range l.dirtySupply.Stage() {
		value := l.supplyOf(token)
		if value.Sign() == 0 {
			if err := w.KVDelete(supplyStorageKey(token)); err != nil {
				return err
			}
			continue
		}
		if err := w.KVPut(supplyStorageKey(token), storedSupply{Token: token, Amount: value.String()}); err != nil {
			return err
		}
	}
	return nil
}

// ChangesFlushed marks the staged changes as persisted.
func (l *Ledger) ChangesFlushed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dirtyBalances.Flushed()
	l.dirtySupply.Flushed()
}

// Load replaces the ledger contents with the records held in store and
// reports whether any were found.
func (l *Ledger) Load(store Store) (bool, error) {
	balances := make(map[balanceKey]*big.Int)
	supply := make(map[common.Address]*big.Int)
	err := store.KVScan(balancePrefix, func(_ []byte, decode func(interface{}) error) error {
		var stored storedBalance
		if err := decode(&stored); err != nil {
			return err
		}
		amount, err := parseStored(stored.Amount)
		if err != nil {
			return err
		}
		balances[balanceKey{token: stored.Token, account: stored.Account}] = amount
		return nil
	})
	if err != nil {
		return false, err
	}
	err = store.KVScan(supplyPrefix, func(_ []byte, decode func(interface{}) error) error {
		var stored storedSupply
		if err := decode(&stored); err != nil {
			return err
		}
		amount, err := parseStored(stored.Amount)
		if err != nil {
			return err
		}
		supply[stored.Token] = amount
		return nil
	})
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = balances
	l.supply = supply
	return len(balances) > 0 || len(supply) > 0, nil
}

func parseStored(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("bank: invalid stored amount %q", raw)
	}
	return value, nil
}
