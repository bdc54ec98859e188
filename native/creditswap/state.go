package creditswap

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"creditswap/storage"
)

// State persists engine records. Getters return copies; changes reach the
// state only through Commit. Missing records report ok=false.
type State interface {
	GetToken(asset common.Address) (*TokenState, bool, error)
	GetPair(id PairID) (*PairState, bool, error)
	GetPosition(asset, provider common.Address) (*LPPosition, bool, error)
	// Commit applies every record of set, or none of them on error.
	Commit(set ChangeSet) error
}

// ChangeSet is the write set of one operation.
type ChangeSet struct {
	Tokens    []*TokenState
	Pairs     []*PairState
	Positions []*LPPosition
	// Stage writes collaborator records into the same batch. Backends without
	// a store of their own skip it.
	Stage []func(w storage.Writer) error
}

type positionKey struct {
	asset    common.Address
	provider common.Address
}

// MemState is an in-memory State.
type MemState struct {
	mu        sync.RWMutex
	tokens    map[common.Address]*TokenState
	pairs     map[PairID]*PairState
	positions map[positionKey]*LPPosition
}

// NewMemState returns an empty in-memory state.
func NewMemState() *MemState {
	return &MemState{
		tokens:    make(map[common.Address]*TokenState),
		pairs:     make(map[PairID]*PairState),
		positions: make(map[positionKey]*LPPosition),
	}
}

func (s *MemState) GetToken(asset common.Address) (*TokenState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[asset]
	if !ok {
		return nil, false, nil
	}
	return token.Clone(), true, nil
}

func (s *MemState) GetPair(id PairID) (*PairState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pair, ok := s.pairs[id]
	if !ok {
		return nil, false, nil
	}
	return pair.Clone(), true, nil
}

func (s *MemState) GetPosition(asset, provider common.Address) (*LPPosition, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[positionKey{asset: asset, provider: provider}]
	if !ok {
		return nil, false, nil
	}
	return pos.Clone(), true, nil
}

// Commit applies set under one lock.
func (s *MemState) Commit(set ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range set.Tokens {
		s.tokens[token.Asset] = token.Clone()
	}
	for _, pair := range set.Pairs {
		s.pairs[pair.ID] = pair.Clone()
	}
	for _, pos := range set.Positions {
		s.positions[positionKey{asset: pos.Asset, provider: pos.Provider}] = pos.Clone()
	}
	return nil
}

// txState buffers reads and writes of one operation. Nothing reaches the
// backing state until commit, so a failed operation leaves it untouched.
type txState struct {
	base      State
	tokens    map[common.Address]*TokenState
	pairs     map[PairID]*PairState
	positions map[positionKey]*LPPosition
	dirty     struct {
		tokens    []common.Address
		pairs     []PairID
		positions []positionKey
	}
	events    []Event
	rollbacks []func()
}

func newTxState(base State) *txState {
	return &txState{
		base:      base,
		tokens:    make(map[common.Address]*TokenState),
		pairs:     make(map[PairID]*PairState),
		positions: make(map[positionKey]*LPPosition),
	}
}

// token loads the asset record, creating it lazily.
func (tx *txState) token(asset common.Address) (*TokenState, error) {
	if token, ok := tx.tokens[asset]; ok {
		return token, nil
	}
	token, ok, err := tx.base.GetToken(asset)
	if err != nil {
		return nil, err
	}
	if !ok {
		token = newTokenState(asset)
	}
	tx.tokens[asset] = token
	return token, nil
}

func (tx *txState) pair(tokenIn, tokenOut common.Address) (*PairState, error) {
	id := NewPairID(tokenIn, tokenOut)
	if pair, ok := tx.pairs[id]; ok {
		return pair, nil
	}
	pair, ok, err := tx.base.GetPair(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		pair = newPairState(tokenIn, tokenOut)
	}
	tx.pairs[id] = pair
	return pair, nil
}

func (tx *txState) position(asset, provider common.Address) (*LPPosition, error) {
	key := positionKey{asset: asset, provider: provider}
	if pos, ok := tx.positions[key]; ok {
		return pos, nil
	}
	pos, ok, err := tx.base.GetPosition(asset, provider)
	if err != nil {
		return nil, err
	}
	if !ok {
		pos = &LPPosition{Asset: asset, Provider: provider, Shares: zero()}
	}
	tx.positions[key] = pos
	return pos, nil
}

func (tx *txState) markToken(token *TokenState) {
	for _, asset := range tx.dirty.tokens {
		if asset == token.Asset {
			return
		}
	}
	tx.dirty.tokens = append(tx.dirty.tokens, token.Asset)
}

func (tx *txState) markPair(pair *PairState) {
	for _, id := range tx.dirty.pairs {
		if id == pair.ID {
			return
		}
	}
	tx.dirty.pairs = append(tx.dirty.pairs, pair.ID)
}

func (tx *txState) markPosition(pos *LPPosition) {
	key := positionKey{asset: pos.Asset, provider: pos.Provider}
	for _, existing := range tx.dirty.positions {
		if existing == key {
			return
		}
	}
	tx.dirty.positions = append(tx.dirty.positions, key)
}

// changes collects the touched records in the order they were first marked.
func (tx *txState) changes() ChangeSet {
	set := ChangeSet{
		Tokens: tx.dirtyTokens(),
		Pairs:  tx.dirtyPairs(),
	}
	for _, key := range tx.dirty.positions {
		set.Positions = append(set.Positions, tx.positions[key])
	}
	return set
}

// dirtyTokens returns the records touched by the operation.
func (tx *txState) dirtyTokens() []*TokenState {
	out := make([]*TokenState, 0, len(tx.dirty.tokens))
	for _, asset := range tx.dirty.tokens {
		out = append(out, tx.tokens[asset])
	}
	return out
}

func (tx *txState) dirtyPairs() []*PairState {
	out := make([]*PairState, 0, len(tx.dirty.pairs))
	for _, id := range tx.dirty.pairs {
		out = append(out, tx.pairs[id])
	}
	return out
}

// record queues an event for emission once the operation commits.
func (tx *txState) record(event Event) {
	tx.events = append(tx.events, event)
}

// OnRollback registers undo to run if the operation fails. Undo functions run
// newest first, after the collaborators were reverted.
func (tx *txState) OnRollback(undo func()) {
	if undo != nil {
		tx.rollbacks = append(tx.rollbacks, undo)
	}
}

func (tx *txState) rollback() {
	for i := len(tx.rollbacks) - 1; i >= 0; i-- {
		tx.rollbacks[i]()
	}
	tx.rollbacks = nil
}
