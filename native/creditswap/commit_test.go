package creditswap_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"creditswap/native/bank"
	"creditswap/native/creditswap"
	"creditswap/storage"
)

var errDiskFull = errors.New("disk full")

// flakyDB fails the batch that carries its failAt-th put. A failed batch
// applies nothing.
type flakyDB struct {
	*storage.MemDB
	mu     sync.Mutex
	puts   int
	failAt int
}

func newFlakyDB() *flakyDB { return &flakyDB{MemDB: storage.NewMemDB()} }

// failOnPut arms the database to fail the batch holding the n-th put from now.
func (db *flakyDB) failOnPut(n int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.puts = 0
	db.failAt = n
}

func (db *flakyDB) NewBatch() storage.Batch {
	return &flakyBatch{db: db, inner: db.MemDB.NewBatch()}
}

type flakyBatch struct {
	db    *flakyDB
	inner storage.Batch
	puts  int
}

func (b *flakyBatch) Put(key, value []byte) {
	b.puts++
	b.inner.Put(key, value)
}

func (b *flakyBatch) Delete(key []byte) { b.inner.Delete(key) }

func (b *flakyBatch) Len() int { return b.inner.Len() }

func (b *flakyBatch) Write() error {
	b.db.mu.Lock()
	start := b.db.puts
	b.db.puts += b.puts
	failAt := b.db.failAt
	if failAt > 0 && start < failAt && failAt <= b.db.puts {
		b.db.failAt = 0
		b.db.mu.Unlock()
		return errDiskFull
	}
	b.db.mu.Unlock()
	return b.inner.Write()
}

func TestKVStateCommitIsAllOrNothing(t *testing.T) {
	db := newFlakyDB()
	state, err := creditswap.NewKVState(storage.NewKV(db))
	require.NoError(t, err)

	token := &creditswap.TokenState{Asset: tokenA, LocalLiquidity: big.NewInt(3_400)}
	pairs := []*creditswap.PairState{
		{ID: creditswap.NewPairID(tokenB, tokenA), TokenIn: tokenB, TokenOut: tokenA, HeldBalance: big.NewInt(9_970)},
	}
	position := &creditswap.LPPosition{Asset: tokenA, Provider: lp, Shares: big.NewInt(10_000)}
	staged := func(w storage.Writer) error { return w.KVPut([]byte("bank/balance/x"), "10000") }
	set := creditswap.ChangeSet{
		Tokens:    []*creditswap.TokenState{token},
		Pairs:     pairs,
		Positions: []*creditswap.LPPosition{position},
		Stage:     []func(w storage.Writer) error{staged},
	}

	for _, n := range []int{1, 2, 3, 4} {
		db.failOnPut(n)
		require.ErrorIs(t, state.Commit(set), errDiskFull, "put %d", n)
		require.Zero(t, db.Len(), "put %d left records behind", n)
	}

	require.NoError(t, state.Commit(set))
	require.Equal(t, 4, db.Len())
	got, ok, err := state.GetToken(tokenA)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "3400", got.LocalLiquidity.String())
	pos, ok, err := state.GetPosition(tokenA, lp)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "10000", pos.Shares.String())
}

func TestKVStateCommitStopsOnStageError(t *testing.T) {
	db := newFlakyDB()
	state, err := creditswap.NewKVState(storage.NewKV(db))
	require.NoError(t, err)
	errStage := errors.New("stage failed")
	err = state.Commit(creditswap.ChangeSet{
		Tokens: []*creditswap.TokenState{{Asset: tokenA, LocalLiquidity: big.NewInt(1)}},
		Stage:  []func(w storage.Writer) error{func(storage.Writer) error { return errStage }},
	})
	require.ErrorIs(t, err, errStage)
	require.Zero(t, db.Len())
}

func TestMemStateCommitAppliesEverything(t *testing.T) {
	state := creditswap.NewMemState()
	id := creditswap.NewPairID(tokenB, tokenA)
	require.NoError(t, state.Commit(creditswap.ChangeSet{
		Tokens:    []*creditswap.TokenState{{Asset: tokenA, LocalLiquidity: big.NewInt(7)}},
		Pairs:     []*creditswap.PairState{{ID: id, TokenIn: tokenB, TokenOut: tokenA, OutstandingDebt: big.NewInt(5)}},
		Positions: []*creditswap.LPPosition{{Asset: tokenA, Provider: lp, Shares: big.NewInt(9)}},
	}))
	token, ok, err := state.GetToken(tokenA)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "7", token.LocalLiquidity.String())
	pair, ok, err := state.GetPair(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "5", pair.OutstandingDebt.String())
	pos, ok, err := state.GetPosition(tokenA, lp)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "9", pos.Shares.String())
}

// newDurableEngine rebinds the fixture's ledger and facility to an engine
// persisting into db together with both collaborators.
func newDurableEngine(t *testing.T, fx *fixture, db storage.Database) *creditswap.Engine {
	t.Helper()
	ctx := context.Background()
	state, err := creditswap.NewKVState(storage.NewKV(db))
	require.NoError(t, err)
	engine, err := creditswap.NewEngine(engineAddr, creditswap.DefaultConfig(owner), state,
		fx.facility.Client(engineAddr), fx.ledger, creditswap.WithClock(fx.clock),
		creditswap.WithPersisters(fx.ledger, fx.facility))
	require.NoError(t, err)
	require.NoError(t, engine.WhitelistMarket(ctx, owner, tokenA, marketA))
	require.NoError(t, engine.WhitelistPair(ctx, owner, tokenB, tokenA))
	require.NoError(t, engine.SetPairOracle(ctx, owner, tokenB, tokenA, fixedOracle{price: creditswap.PriceScale}))
	return engine
}

func TestFailedCommitRevertsSwap(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	db := newFlakyDB()
	engine := newDurableEngine(t, fx, db)
	fx.mint(t, tokenB, taker, 10_000)
	before := db.Len()

	for _, n := range []int{1, 3, 5} {
		db.failOnPut(n)
		_, err := engine.Swap(ctx, forward(10_000))
		require.ErrorIs(t, err, errDiskFull, "put %d", n)
		require.Equal(t, before, db.Len(), "put %d", n)

		expectInt(t, "taker B", fx.balance(tokenB, taker), 10_000)
		expectInt(t, "taker A", fx.balance(tokenA, taker), 0)
		expectInt(t, "engine B", fx.balance(tokenB, engineAddr), 0)
		expectInt(t, "facility debt", fx.facility.Position(marketA, engineAddr).BorrowShares, 0)
		status, err := engine.PairStatus(ctx, tokenB, tokenA)
		require.NoError(t, err)
		expectInt(t, "held", status.HeldBalance, 0)
		expectInt(t, "debt", status.OutstandingDebt, 0)
	}

	res, err := engine.Swap(ctx, forward(10_000))
	require.NoError(t, err)
	expectInt(t, "amount out", res.AmountOut, 9_970)
	status, err := engine.PairStatus(ctx, tokenB, tokenA)
	require.NoError(t, err)
	expectInt(t, "debt", status.OutstandingDebt, 9_970)
	require.NoError(t, engine.CheckInvariants(ctx, tokenA, tokenB))

	// Reloading the persisted ledger sees the committed swap only.
	reloaded := newLedgerFrom(t, db)
	expectInt(t, "persisted taker A", reloaded.BalanceOf(tokenA, taker), 9_970)
	expectInt(t, "persisted taker B", reloaded.BalanceOf(tokenB, taker), 0)
}

func TestFailedCommitKeepsEngineUsable(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	db := newFlakyDB()
	engine := newDurableEngine(t, fx, db)
	fx.mint(t, tokenA, lp, 10_000)

	db.failOnPut(1)
	_, err := engine.DepositLP(ctx, lp, tokenA, big.NewInt(10_000))
	require.ErrorIs(t, err, errDiskFull)
	expectInt(t, "lp balance", fx.balance(tokenA, lp), 10_000)

	shares, err := engine.DepositLP(ctx, lp, tokenA, big.NewInt(10_000))
	require.NoError(t, err)
	expectInt(t, "shares", shares, 10_000)
	require.NoError(t, engine.CheckInvariants(ctx, tokenA))
}

func newLedgerFrom(t *testing.T, db storage.Database) *bank.Ledger {
	t.Helper()
	ledger := bank.NewLedger()
	found, err := ledger.Load(storage.NewKV(db))
	require.NoError(t, err)
	require.True(t, found)
	return ledger
}
