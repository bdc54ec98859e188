package redemption

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"creditswap/storage"
)

// Storage abstracts the key-value backend holding settlement records.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVRemove(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
	Update(fn func(w storage.Writer) error) error
}

var (
	settlementPrefix   = []byte("redemption/settlement/")
	settlementIndexKey = []byte("redemption/index")
)

// Settlement statuses.
const (
	StatusPending = "pending"
	StatusSettled = "settled"
	StatusAborted = "aborted"
)

// Settlement tracks one redemption from the executed swap until its off-engine
// leg is settled or aborted.
type Settlement struct {
	ID           string
	Caller       common.Address
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	SurchargeBps uint64
	Surcharge    *big.Int
	SwapAmount   *big.Int
	AmountOut    *big.Int
	SwapFee      *big.Int
	Reference    string
	Status       string
	Reason       string
	CreatedAt    int64
	ClosedAt     int64
}

// Copy returns a deep copy of the settlement.
func (s *Settlement) Copy() *Settlement {
	if s == nil {
		return nil
	}
	clone := *s
	for _, field := range []**big.Int{&clone.AmountIn, &clone.Surcharge, &clone.SwapAmount, &clone.AmountOut, &clone.SwapFee} {
		if *field != nil {
			*field = new(big.Int).Set(*field)
		}
	}
	return &clone
}

type storedSettlement struct {
	ID           string
	Caller       [20]byte
	TokenIn      [20]byte
	TokenOut     [20]byte
	AmountIn     string
	SurchargeBps uint64
	Surcharge    string
	SwapAmount   string
	AmountOut    string
	SwapFee      string
	Reference    string
	Status       string
	Reason       string
	CreatedAt    uint64
	ClosedAt     uint64
}

// ledger persists settlements and an index of their identifiers.
type ledger struct {
	store Storage
}

func settlementKey(id string) []byte {
	trimmed := strings.TrimSpace(id)
	key := make([]byte, 0, len(settlementPrefix)+len(trimmed))
	key = append(key, settlementPrefix...)
	return append(key, trimmed...)
}

func (l *ledger) create(s *Settlement) error {
	key := settlementKey(s.ID)
	ok, err := l.store.KVGet(key, nil)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("redemption: settlement %s already exists", s.ID)
	}
	return l.store.Update(func(w storage.Writer) error {
		if err := w.KVPut(key, toStored(s)); err != nil {
			return err
		}
		return w.KVAppend(settlementIndexKey, []byte(s.ID))
	})
}

// remove withdraws a settlement whose redemption was rolled back.
func (l *ledger) remove(id string) error {
	if err := l.store.KVRemove(settlementIndexKey, []byte(id)); err != nil {
		return err
	}
	return l.store.KVDelete(settlementKey(id))
}

func (l *ledger) update(s *Settlement) error {
	return l.store.KVPut(settlementKey(s.ID), toStored(s))
}

func (l *ledger) get(id string) (*Settlement, bool, error) {
	var stored storedSettlement
	ok, err := l.store.KVGet(settlementKey(id), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	s, err := fromStored(&stored)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// list returns settlements with the given status, or all when status is
// empty, oldest first.
func (l *ledger) list(status string) ([]*Settlement, error) {
	var ids [][]byte
	if err := l.store.KVGetList(settlementIndexKey, &ids); err != nil {
		return nil, err
	}
	out := make([]*Settlement, 0, len(ids))
	for _, id := range ids {
		s, ok, err := l.get(string(id))
		if err != nil {
			return nil, err
		}
		if !ok || (status != "" && s.Status != status) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

func toStored(s *Settlement) storedSettlement {
	return storedSettlement{
		ID:           s.ID,
		Caller:       s.Caller,
		TokenIn:      s.TokenIn,
		TokenOut:     s.TokenOut,
		AmountIn:     formatAmount(s.AmountIn),
		SurchargeBps: s.SurchargeBps,
		Surcharge:    formatAmount(s.Surcharge),
		SwapAmount:   formatAmount(s.SwapAmount),
		AmountOut:    formatAmount(s.AmountOut),
		SwapFee:      formatAmount(s.SwapFee),
		Reference:    s.Reference,
		Status:       s.Status,
		Reason:       s.Reason,
		CreatedAt:    uint64(s.CreatedAt),
		ClosedAt:     uint64(s.ClosedAt),
	}
}

func fromStored(stored *storedSettlement) (*Settlement, error) {
	s := &Settlement{
		ID:           stored.ID,
		Caller:       common.Address(stored.Caller),
		TokenIn:      common.Address(stored.TokenIn),
		TokenOut:     common.Address(stored.TokenOut),
		SurchargeBps: stored.SurchargeBps,
		Reference:    stored.Reference,
		Status:       stored.Status,
		Reason:       stored.Reason,
		CreatedAt:    int64(stored.CreatedAt),
		ClosedAt:     int64(stored.ClosedAt),
	}
	fields := []struct {
		dst **big.Int
		raw string
	}{
		{&s.AmountIn, stored.AmountIn},
		{&s.Surcharge, stored.Surcharge},
		{&s.SwapAmount, stored.SwapAmount},
		{&s.AmountOut, stored.AmountOut},
		{&s.SwapFee, stored.SwapFee},
	}
	for _, field := range fields {
		value, ok := new(big.Int).SetString(field.raw, 10)
		if !ok {
			return nil, fmt.Errorf("redemption: invalid stored amount %q", field.raw)
		}
		*field.dst = value
	}
	return s, nil
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
