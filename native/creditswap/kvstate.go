package creditswap

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"creditswap/storage"
)

// Storage abstracts the key-value backend persisting engine records. Update
// applies the writes staged by fn in one atomic batch.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	Update(fn func(w storage.Writer) error) error
}

var (
	tokenPrefix    = []byte("creditswap/token/")
	pairPrefix     = []byte("creditswap/pair/")
	positionPrefix = []byte("creditswap/lp/")
)

func prefixedKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for _, part := range parts {
		buf = append(buf, part...)
	}
	return buf
}

func tokenKey(asset common.Address) []byte { return prefixedKey(tokenPrefix, asset.Bytes()) }

func pairKey(id PairID) []byte { return prefixedKey(pairPrefix, id.Bytes()) }

func positionStorageKey(asset, provider common.Address) []byte {
	return prefixedKey(positionPrefix, asset.Bytes(), provider.Bytes())
}

type storedBorrowShares struct {
	Market [32]byte
	Shares string
}

type storedToken struct {
	Asset                [20]byte
	MarketIDs            [][32]byte
	ExternalSupplyShares string
	BorrowShares         []storedBorrowShares
	LocalLiquidity       string
	TotalHeldBalance     string
	TotalBorrowed        string
	TotalRepaid          string
	TotalLPDeposits      string
	LPFeeReserve         string
	InterestReserve      string
	ProtocolFees         string
	TotalShares          string
}

type storedPair struct {
	ID                [32]byte
	TokenIn           [20]byte
	TokenOut          [20]byte
	HeldBalance       string
	OutstandingDebt   string
	DebtTimestamp     uint64
	ExpectedMatchTime uint64
	TotalSwaps        uint64
	Imbalance         string
}

type storedPosition struct {
	Asset            [20]byte
	Provider         [20]byte
	Shares           string
	DepositTimestamp uint64
}

// KVState persists engine records RLP-encoded in a key-value store. Amounts
// are stored as decimal strings since imbalances are signed.
type KVState struct {
	store Storage
}

// NewKVState binds a State to store.
func NewKVState(store Storage) (*KVState, error) {
	if store == nil {
		return nil, ErrNilState
	}
	return &KVState{store: store}, nil
}

func (s *KVState) GetToken(asset common.Address) (*TokenState, bool, error) {
	var stored storedToken
	ok, err := s.store.KVGet(tokenKey(asset), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	token := newTokenState(common.Address(stored.Asset))
	for _, id := range stored.MarketIDs {
		token.MarketIDs = append(token.MarketIDs, MarketID(id))
	}
	for _, entry := range stored.BorrowShares {
		shares, err := parseAmount(entry.Shares)
		if err != nil {
			return nil, false, err
		}
		token.BorrowShares[MarketID(entry.Market)] = shares
	}
	fields := []struct {
		dst **big.Int
		raw string
	}{
		{&token.ExternalSupplyShares, stored.ExternalSupplyShares},
		{&token.LocalLiquidity, stored.LocalLiquidity},
		{&token.TotalHeldBalance, stored.TotalHeldBalance},
		{&token.TotalBorrowed, stored.TotalBorrowed},
		{&token.TotalRepaid, stored.TotalRepaid},
		{&token.TotalLPDeposits, stored.TotalLPDeposits},
		{&token.LPFeeReserve, stored.LPFeeReserve},
		{&token.InterestReserve, stored.InterestReserve},
		{&token.ProtocolFees, stored.ProtocolFees},
		{&token.TotalShares, stored.TotalShares},
	}
	for _, field := range fields {
		value, err := parseAmount(field.raw)
		if err != nil {
			return nil, false, err
		}
		*field.dst = value
	}
	return token, true, nil
}

// Commit writes set and its staged collaborator records in one batch.
func (s *KVState) Commit(set ChangeSet) error {
	return s.store.Update(func(w storage.Writer) error {
		for _, token := range set.Tokens {
			if err := putToken(w, token); err != nil {
				return err
			}
		}
		for _, pair := range set.Pairs {
			if err := putPair(w, pair); err != nil {
				return err
			}
		}
		for _, pos := range set.Positions {
			if err := putPosition(w, pos); err != nil {
				return err
			}
		}
		for _, stage := range set.Stage {
			if err := stage(w); err != nil {
				return err
			}
		}
		return nil
	})
}

func putToken(w storage.Writer, token *TokenState) error {
	if token == nil {
		return fmt.Errorf("creditswap: nil token record")
	}
	stored := storedToken{
		Asset:                token.Asset,
		ExternalSupplyShares: formatAmount(token.ExternalSupplyShares),
		LocalLiquidity:       formatAmount(token.LocalLiquidity),
		TotalHeldBalance:     formatAmount(token.TotalHeldBalance),
		TotalBorrowed:        formatAmount(token.TotalBorrowed),
		TotalRepaid:          formatAmount(token.TotalRepaid),
		TotalLPDeposits:      formatAmount(token.TotalLPDeposits),
		LPFeeReserve:         formatAmount(token.LPFeeReserve),
		InterestReserve:      formatAmount(token.InterestReserve),
		ProtocolFees:         formatAmount(token.ProtocolFees),
		TotalShares:          formatAmount(token.TotalShares),
	}
	for _, id := range token.MarketIDs {
		stored.MarketIDs = append(stored.MarketIDs, id)
	}
	markets := make([]MarketID, 0, len(token.BorrowShares))
	for id := range token.BorrowShares {
		markets = append(markets, id)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Cmp(markets[j]) < 0 })
	for _, id := range markets {
		stored.BorrowShares = append(stored.BorrowShares, storedBorrowShares{
			Market: id,
			Shares: formatAmount(token.BorrowShares[id]),
		})
	}
	return w.KVPut(tokenKey(token.Asset), stored)
}

func (s *KVState) GetPair(id PairID) (*PairState, bool, error) {
	var stored storedPair
	ok, err := s.store.KVGet(pairKey(id), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	pair := newPairState(common.Address(stored.TokenIn), common.Address(stored.TokenOut))
	pair.DebtTimestamp = int64(stored.DebtTimestamp)
	pair.ExpectedMatchTime = stored.ExpectedMatchTime
	pair.TotalSwaps = stored.TotalSwaps
	if pair.HeldBalance, err = parseAmount(stored.HeldBalance); err != nil {
		return nil, false, err
	}
	if pair.OutstandingDebt, err = parseAmount(stored.OutstandingDebt); err != nil {
		return nil, false, err
	}
	if pair.Imbalance, err = parseAmount(stored.Imbalance); err != nil {
		return nil, false, err
	}
	return pair, true, nil
}

func putPair(w storage.Writer, pair *PairState) error {
	if pair == nil {
		return fmt.Errorf("creditswap: nil pair record")
	}
	return w.KVPut(pairKey(pair.ID), storedPair{
		ID:                pair.ID,
		TokenIn:           pair.TokenIn,
		TokenOut:          pair.TokenOut,
		HeldBalance:       formatAmount(pair.HeldBalance),
		OutstandingDebt:   formatAmount(pair.OutstandingDebt),
		DebtTimestamp:     uint64(pair.DebtTimestamp),
		ExpectedMatchTime: pair.ExpectedMatchTime,
		TotalSwaps:        pair.TotalSwaps,
		Imbalance:         formatAmount(pair.Imbalance),
	})
}

func (s *KVState) GetPosition(asset, provider common.Address) (*LPPosition, bool, error) {
	var stored storedPosition
	ok, err := s.store.KVGet(positionStorageKey(asset, provider), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	shares, err := parseAmount(stored.Shares)
	if err != nil {
		return nil, false, err
	}
	return &LPPosition{
		Asset:            common.Address(stored.Asset),
		Provider:         common.Address(stored.Provider),
		Shares:           shares,
		DepositTimestamp: int64(stored.DepositTimestamp),
	}, true, nil
}

func putPosition(w storage.Writer, position *LPPosition) error {
	if position == nil {
		return fmt.Errorf("creditswap: nil position record")
	}
	return w.KVPut(positionStorageKey(position.Asset, position.Provider), storedPosition{
		Asset:            position.Asset,
		Provider:         position.Provider,
		Shares:           formatAmount(position.Shares),
		DepositTimestamp: uint64(position.DepositTimestamp),
	})
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return zero(), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("creditswap: invalid stored amount %q", raw)
	}
	return v, nil
}
