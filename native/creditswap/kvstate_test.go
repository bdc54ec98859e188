package creditswap

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"creditswap/storage"
)

func TestKVStateRoundTrip(t *testing.T) {
	state, err := NewKVState(storage.NewKV(storage.NewMemDB()))
	require.NoError(t, err)

	asset := common.HexToAddress("0xaa")
	m1, m2 := common.HexToHash("0x02"), common.HexToHash("0x01")

	_, ok, err := state.GetToken(asset)
	require.NoError(t, err)
	require.False(t, ok)

	token := newTokenState(asset)
	token.MarketIDs = []MarketID{m1, m2}
	token.BorrowShares[m1] = big.NewInt(7_000_000)
	token.BorrowShares[m2] = big.NewInt(3)
	token.LocalLiquidity = big.NewInt(3_400)
	token.InterestReserve = big.NewInt(27)
	token.TotalShares = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)
	require.NoError(t, state.Commit(ChangeSet{Tokens: []*TokenState{token}}))

	got, ok, err := state.GetToken(asset)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []MarketID{m1, m2}, got.MarketIDs)
	require.Equal(t, "7000000", got.BorrowShares[m1].String())
	require.Equal(t, "3", got.BorrowShares[m2].String())
	require.Equal(t, "3400", got.LocalLiquidity.String())
	require.Equal(t, "27", got.InterestReserve.String())
	require.Equal(t, token.TotalShares.String(), got.TotalShares.String())
	require.Equal(t, "0", got.ProtocolFees.String())

	pair := newPairState(common.HexToAddress("0xbb"), asset)
	pair.HeldBalance = big.NewInt(9_970)
	pair.Imbalance = big.NewInt(-125)
	pair.DebtTimestamp = 1_700_000_000
	pair.ExpectedMatchTime = 3_300
	pair.TotalSwaps = 4
	require.NoError(t, state.Commit(ChangeSet{Pairs: []*PairState{pair}}))

	gotPair, ok, err := state.GetPair(pair.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pair.ID, gotPair.ID)
	require.Equal(t, "-125", gotPair.Imbalance.String())
	require.Equal(t, "9970", gotPair.HeldBalance.String())
	require.Equal(t, int64(1_700_000_000), gotPair.DebtTimestamp)
	require.Equal(t, uint64(3_300), gotPair.ExpectedMatchTime)
	require.Equal(t, uint64(4), gotPair.TotalSwaps)

	provider := common.HexToAddress("0x1b")
	require.NoError(t, state.Commit(ChangeSet{Positions: []*LPPosition{{Asset: asset, Provider: provider, Shares: big.NewInt(10_000), DepositTimestamp: 42}}}))
	pos, ok, err := state.GetPosition(asset, provider)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "10000", pos.Shares.String())
	require.Equal(t, int64(42), pos.DepositTimestamp)
}

func TestKVStateRejectsCorruptAmount(t *testing.T) {
	kv := storage.NewKV(storage.NewMemDB())
	state, err := NewKVState(kv)
	require.NoError(t, err)

	asset := common.HexToAddress("0xaa")
	require.NoError(t, kv.KVPut(tokenKey(asset), storedToken{Asset: asset, LocalLiquidity: "12x"}))
	_, _, err = state.GetToken(asset)
	require.Error(t, err)
}
