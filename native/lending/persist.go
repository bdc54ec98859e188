package lending

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"creditswap/storage"
)

var (
	marketPrefix   = []byte("lending/market/")
	positionPrefix = []byte("lending/position/")
)

// Store is the key-value backend market state is loaded from.
type Store interface {
	KVScan(prefix []byte, fn func(key []byte, decode func(out interface{}) error) error) error
}

// storedMarket carries the accounting of a market. Its loan token and rate
// model come from configuration and are checked, not restored.
type storedMarket struct {
	ID                [32]byte
	LoanToken         [20]byte
	TotalSupplyAssets string
	TotalSupplyShares string
	TotalBorrowAssets string
	TotalBorrowShares string
	LastUpdate        uint64
}

type storedPosition struct {
	Market       [32]byte
	Account      [20]byte
	SupplyShares string
	BorrowShares string
}

func marketStorageKey(id common.Hash) []byte {
	return append(append([]byte(nil), marketPrefix...), id.Bytes()...)
}

func positionStorageKey(key positionKey) []byte {
	out := make([]byte, 0, len(positionPrefix)+common.HashLength+common.AddressLength)
	out = append(out, positionPrefix...)
	out = append(out, key.market.Bytes()...)
	return append(out, key.account.Bytes()...)
}

// StageChanges writes every market and position changed since the last
// flush. Empty positions are deleted.
func (f *Facility) StageChanges(w storage.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	markets := f.dirtyMarkets.Stage()
	sort.Slice(markets, func(i, j int) bool { return markets[i].Cmp(markets[j]) < 0 })
	for _, id := range markets {
		market, ok := f.markets[id]
		if !ok {
			if err := w.KVDelete(marketStorageKey(id)); err != nil {
				return err
			}
			continue
		}
		if err := w.KVPut(marketStorageKey(id), storedMarket{
			ID:                market.ID,
			LoanToken:         market.LoanToken,
			TotalSupplyAssets: market.TotalSupplyAssets.String(),
			TotalSupplyShares: market.TotalSupplyShares.String(),
			TotalBorrowAssets: market.TotalBorrowAssets.String(),
			TotalBorrowShares: market.TotalBorrowShares.String(),
			LastUpdate:        uint64(market.LastUpdate),
		}); err != nil {
			return err
		}
	}
	positions := f.dirtyPositions.Stage()
	sort.Slice(positions, func(i, j int) bool {
		return bytes.Compare(positionStorageKey(positions[i]), positionStorageKey(positions[j])) < 0
	})
	for _, key := range positions {
		pos, ok := f.positions[key]
		if !ok || (pos.SupplyShares.Sign() == 0 && pos.BorrowShares.Sign() == 0) {
			if err := w.KVDelete(positionStorageKey(key)); err != nil {
				return err
			}
			continue
		}
		if err := w.KVPut(positionStorageKey(key), storedPosition{
			Market:       key.market,
			Account:      key.account,
			SupplyShares: pos.SupplyShares.String(),
			BorrowShares: pos.BorrowShares.String(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// ChangesFlushed marks the staged changes as persisted.
func (f *Facility) ChangesFlushed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirtyMarkets.Flushed()
	f.dirtyPositions.Flushed()
}

// Load restores market accounting and positions from store onto the markets
// already created from configuration, and reports whether any state was
// found. A stored market that is not configured, or whose loan token
// changed, is an error.
func (f *Facility) Load(store Store) (bool, error) {
	markets := make(map[common.Hash]storedMarket)
	err := store.KVScan(marketPrefix, func(_ []byte, decode func(interface{}) error) error {
		var stored storedMarket
		if err := decode(&stored); err != nil {
			return err
		}
		markets[stored.ID] = stored
		return nil
	})
	if err != nil {
		return false, err
	}
	positions := make(map[positionKey]*Position)
	err = store.KVScan(positionPrefix, func(_ []byte, decode func(interface{}) error) error {
		var stored storedPosition
		if err := decode(&stored); err != nil {
			return err
		}
		supply, err := parseStored(stored.SupplyShares)
		if err != nil {
			return err
		}
		borrow, err := parseStored(stored.BorrowShares)
		if err != nil {
			return err
		}
		positions[positionKey{market: stored.Market, account: stored.Account}] = &Position{SupplyShares: supply, BorrowShares: borrow}
		return nil
	})
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	restored := make(map[common.Hash]*Market, len(markets))
	for id, stored := range markets {
		current, ok := f.markets[id]
		if !ok {
			return false, fmt.Errorf("%w: stored market %s is not configured", ErrUnknownMarket, id.Hex())
		}
		if current.LoanToken != common.Address(stored.LoanToken) {
			return false, fmt.Errorf("lending: market %s loan token changed from %s", id.Hex(), common.Address(stored.LoanToken).Hex())
		}
		market := current.Clone()
		fields := []struct {
			dst **big.Int
			raw string
		}{
			{&market.TotalSupplyAssets, stored.TotalSupplyAssets},
			{&market.TotalSupplyShares, stored.TotalSupplyShares},
			{&market.TotalBorrowAssets, stored.TotalBorrowAssets},
			{&market.TotalBorrowShares, stored.TotalBorrowShares},
		}
		for _, field := range fields {
			value, err := parseStored(field.raw)
			if err != nil {
				return false, err
			}
			*field.dst = value
		}
		market.LastUpdate = int64(stored.LastUpdate)
		restored[id] = market
	}
	for key := range positions {
		if _, ok := f.markets[key.market]; !ok {
			return false, fmt.Errorf("%w: stored position in %s", ErrUnknownMarket, key.market.Hex())
		}
	}
	for id, market := range restored {
		f.markets[id] = market
	}
	f.positions = positions
	return len(markets) > 0 || len(positions) > 0, nil
}

func parseStored(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("lending: invalid stored amount %q", raw)
	}
	return value, nil
}
