package creditswap_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"creditswap/native/creditswap"
	"creditswap/native/lending"
)

var (
	tokenC   = common.HexToAddress("0xcc")
	marketB  = common.HexToHash("0x0b")
	marketA2 = common.HexToHash("0x0c")
	taker2   = common.HexToAddress("0x7b")
)

func requireAmount(t *testing.T, name string, want int64, got *big.Int) {
	t.Helper()
	require.NotNil(t, got, name)
	require.Equal(t, big.NewInt(want).String(), got.String(), name)
}

func borrowShares(token *creditswap.TokenState, market common.Hash) *big.Int {
	if shares := token.BorrowShares[market]; shares != nil {
		return shares
	}
	return new(big.Int)
}

// addMarket creates a zero-rate market lending token with supplied liquidity,
// opens a credit line for the engine and lists the market on the engine.
func (fx *fixture) addMarket(t *testing.T, id common.Hash, token common.Address, supplied int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fx.facility.CreateMarket(id, lending.MarketConfig{
		LoanToken: token,
		Model:     lending.NewInterestModel(0, 0, 0, 0.8),
	}))
	fx.mint(t, token, supplier, supplied)
	_, err := fx.facility.Supply(ctx, id, supplier, big.NewInt(supplied))
	require.NoError(t, err)
	require.NoError(t, fx.facility.SetCreditLine(id, engineAddr, big.NewInt(10_000_000)))
	require.NoError(t, fx.engine.WhitelistMarket(ctx, owner, token, id))
}

// addPair whitelists (tokenIn, tokenOut) at a 1:1 price.
func (fx *fixture) addPair(t *testing.T, tokenIn, tokenOut common.Address) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fx.engine.WhitelistPair(ctx, owner, tokenIn, tokenOut))
	require.NoError(t, fx.engine.SetPairOracle(ctx, owner, tokenIn, tokenOut, fixedOracle{price: creditswap.PriceScale}))
}

func (fx *fixture) token(t *testing.T, asset common.Address) *creditswap.TokenState {
	t.Helper()
	token, err := fx.engine.Token(context.Background(), asset)
	require.NoError(t, err)
	return token
}

func (fx *fixture) pair(t *testing.T, tokenIn, tokenOut common.Address) *creditswap.PairStatus {
	t.Helper()
	status, err := fx.engine.PairStatus(context.Background(), tokenIn, tokenOut)
	require.NoError(t, err)
	return status
}

func TestForwardSwapDrawsSupplyBeforeBorrowing(t *testing.T) {
	cases := []struct {
		name         string
		amountIn     int64
		fee          int64
		fromLocal    int64
		fromSupply   int64
		fromBorrow   int64
		protocolFees int64
		lpFees       int64
		interest     int64
		supplyShares int64
		borrowShares int64
	}{
		{"local then partial supply", 5_000, 15, 3_400, 1_585, 0, 1, 14, 0, 5_015_000_000, 0},
		{"local then most of supply", 10_000, 30, 3_400, 6_570, 0, 3, 27, 0, 30_000_000, 0},
		{"supply exhausted then borrow", 20_000, 60, 3_400, 6_600, 9_940, 6, 27, 27, 0, 9_940_000_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t)
			ctx := context.Background()
			fx.mint(t, tokenA, lp, 10_000)
			_, err := fx.engine.DepositLP(ctx, lp, tokenA, big.NewInt(10_000))
			require.NoError(t, err)
			fx.mint(t, tokenB, taker, tc.amountIn)

			res, err := fx.engine.Swap(ctx, forward(tc.amountIn))
			require.NoError(t, err)
			out := tc.amountIn - tc.fee
			requireAmount(t, "fee", tc.fee, res.Fee)
			requireAmount(t, "amount out", out, res.AmountOut)
			requireAmount(t, "from local", tc.fromLocal, res.FromLocal)
			requireAmount(t, "from supply", tc.fromSupply, res.FromSupply)
			requireAmount(t, "from borrow", tc.fromBorrow, res.FromBorrow)
			requireAmount(t, "taker A", out, fx.balance(tokenA, taker))

			tokenIn := fx.token(t, tokenB)
			requireAmount(t, "protocol fees", tc.protocolFees, tokenIn.ProtocolFees)
			requireAmount(t, "lp fee reserve", tc.lpFees, tokenIn.LPFeeReserve)
			requireAmount(t, "interest reserve", tc.interest, tokenIn.InterestReserve)

			tokenOut := fx.token(t, tokenA)
			requireAmount(t, "local liquidity", 0, tokenOut.LocalLiquidity)
			requireAmount(t, "supply shares", tc.supplyShares, tokenOut.ExternalSupplyShares)
			requireAmount(t, "borrow shares", tc.borrowShares, borrowShares(tokenOut, marketA))
			requireAmount(t, "facility supply shares", tc.supplyShares, fx.facility.Position(marketA, engineAddr).SupplyShares)

			status := fx.pair(t, tokenB, tokenA)
			requireAmount(t, "held", out, status.HeldBalance)
			requireAmount(t, "debt", tc.fromBorrow, status.OutstandingDebt)
			fx.checkInvariants(t)
		})
	}
}

func TestWithdrawDrawsLocalThenFeesThenSupply(t *testing.T) {
	cases := []struct {
		name         string
		shares       int64
		amount       int64
		local        int64
		lpFees       int64
		supplyShares int64
	}{
		{"local only", 5_000, 5_013, 4_957, 27, 30_000_000},
		{"local and fee reserve", 9_950, 9_976, 0, 21, 30_000_000},
		{"fee reserve and part of supply", 9_990, 10_016, 0, 0, 11_000_000},
		{"everything", 10_000, 10_027, 0, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t)
			ctx := context.Background()
			fx.mint(t, tokenA, lp, 10_000)
			_, err := fx.engine.DepositLP(ctx, lp, tokenA, big.NewInt(10_000))
			require.NoError(t, err)

			// A matched round trip leaves 9,970 local, 27 in fees and 30 supplied.
			fx.mint(t, tokenB, taker, 10_000)
			fx.mint(t, tokenA, filler, 10_000)
			_, err = fx.engine.Swap(ctx, forward(10_000))
			require.NoError(t, err)
			_, err = fx.engine.Swap(ctx, reverse(filler, 10_000))
			require.NoError(t, err)
			before := fx.token(t, tokenA)
			requireAmount(t, "local before", 9_970, before.LocalLiquidity)
			requireAmount(t, "fees before", 27, before.LPFeeReserve)
			requireAmount(t, "supply before", 30_000_000, before.ExternalSupplyShares)
			total, err := fx.engine.TotalAssets(ctx, tokenA)
			require.NoError(t, err)
			requireAmount(t, "total assets", 10_027, total)

			out, err := fx.engine.WithdrawLP(ctx, lp, tokenA, big.NewInt(tc.shares))
			require.NoError(t, err)
			requireAmount(t, "withdrawn", tc.amount, out)
			requireAmount(t, "lp balance", tc.amount, fx.balance(tokenA, lp))

			after := fx.token(t, tokenA)
			requireAmount(t, "local", tc.local, after.LocalLiquidity)
			requireAmount(t, "lp fee reserve", tc.lpFees, after.LPFeeReserve)
			requireAmount(t, "supply shares", tc.supplyShares, after.ExternalSupplyShares)
			requireAmount(t, "total shares", 10_000-tc.shares, after.TotalShares)
			fx.checkInvariants(t)
		})
	}
}

func TestDepositWithDebtFollowsAllocations(t *testing.T) {
	cases := []struct {
		name         string
		amount       int64
		supplyShares int64
		local        int64
		repaid       int64
		borrowShares int64
		pairDebt     int64
	}{
		{"split 40/30/30", 10_000, 4_000_000_000, 3_000, 3_000, 6_970_000_000, 6_970},
		{"repay capped by debt stays local", 40_000, 16_000_000_000, 14_030, 9_970, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t)
			ctx := context.Background()
			fx.mint(t, tokenB, taker, 10_000)
			_, err := fx.engine.Swap(ctx, forward(10_000))
			require.NoError(t, err)
			requireAmount(t, "debt before", 9_970, fx.pair(t, tokenB, tokenA).OutstandingDebt)

			fx.mint(t, tokenA, lp, tc.amount)
			shares, err := fx.engine.DepositLP(ctx, lp, tokenA, big.NewInt(tc.amount))
			require.NoError(t, err)
			requireAmount(t, "minted", tc.amount, shares)

			token := fx.token(t, tokenA)
			requireAmount(t, "supply shares", tc.supplyShares, token.ExternalSupplyShares)
			requireAmount(t, "local liquidity", tc.local, token.LocalLiquidity)
			requireAmount(t, "total repaid", tc.repaid, token.TotalRepaid)
			requireAmount(t, "borrow shares", tc.borrowShares, borrowShares(token, marketA))
			requireAmount(t, "facility borrow shares", tc.borrowShares, fx.facility.Position(marketA, engineAddr).BorrowShares)
			requireAmount(t, "engine balance", tc.local, fx.balance(tokenA, engineAddr))

			status := fx.pair(t, tokenB, tokenA)
			requireAmount(t, "pair debt", tc.pairDebt, status.OutstandingDebt)
			if tc.pairDebt == 0 {
				require.Zero(t, status.DebtTimestamp)
			} else {
				require.Equal(t, fx.now.Unix(), status.DebtTimestamp)
			}
			fx.checkInvariants(t)
		})
	}
}

func TestDepositRepaymentChargedToPairsProRata(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addPair(t, tokenC, tokenA)
	fx.mint(t, tokenB, taker, 10_000)
	fx.mint(t, tokenC, taker, 3_000)
	_, err := fx.engine.Swap(ctx, forward(10_000))
	require.NoError(t, err)
	_, err = fx.engine.Swap(ctx, creditswap.SwapRequest{Caller: taker, TokenIn: tokenC, TokenOut: tokenA, AmountIn: big.NewInt(3_000)})
	require.NoError(t, err)
	requireAmount(t, "debt BA", 9_970, fx.pair(t, tokenB, tokenA).OutstandingDebt)
	requireAmount(t, "debt CA", 2_991, fx.pair(t, tokenC, tokenA).OutstandingDebt)

	// 3,000 of the deposit repays debt: 2,307 and 692 by share, one unit of
	// dust to the lower pair id.
	fx.mint(t, tokenA, lp, 10_000)
	_, err = fx.engine.DepositLP(ctx, lp, tokenA, big.NewInt(10_000))
	require.NoError(t, err)

	wantBA, wantCA := int64(9_970-2_307), int64(2_991-692)
	if creditswap.NewPairID(tokenB, tokenA).Cmp(creditswap.NewPairID(tokenC, tokenA)) < 0 {
		wantBA--
	} else {
		wantCA--
	}
	debtBA := fx.pair(t, tokenB, tokenA).OutstandingDebt
	debtCA := fx.pair(t, tokenC, tokenA).OutstandingDebt
	requireAmount(t, "debt BA", wantBA, debtBA)
	requireAmount(t, "debt CA", wantCA, debtCA)
	requireAmount(t, "pair debt matches market debt", 9_961, new(big.Int).Add(debtBA, debtCA))
	requireAmount(t, "borrow shares", 9_961_000_000, borrowShares(fx.token(t, tokenA), marketA))
	fx.checkInvariants(t)
}

func TestReverseSwapTopsUpRepaymentFromInterestReserve(t *testing.T) {
	cases := []struct {
		name         string
		amountIn     int64
		repaid       int64
		reserveLeft  int64
		totalRepaid  int64
		borrowShares int64
		pairDebt     int64
	}{
		{"reserve tops up partial repayment", 5_000, 4_985, 0, 5_012, 4_958_000_000, 4_958},
		{"reserve untouched when caller clears debt", 10_000, 9_970, 27, 9_970, 0, 0},
		{"reserve covers the last units", 9_990, 9_960, 17, 9_970, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t)
			ctx := context.Background()
			fx.addMarket(t, marketB, tokenB, 1_000_000)
			fx.addPair(t, tokenA, tokenB)

			// Borrowing tokenA for (B, A) and then tokenB for (A, B) leaves
			// 27 of tokenA in the interest reserve.
			fx.mint(t, tokenB, taker, 10_000)
			fx.mint(t, tokenA, taker2, 10_000)
			_, err := fx.engine.Swap(ctx, forward(10_000))
			require.NoError(t, err)
			_, err = fx.engine.Swap(ctx, creditswap.SwapRequest{Caller: taker2, TokenIn: tokenA, TokenOut: tokenB, AmountIn: big.NewInt(10_000)})
			require.NoError(t, err)
			requireAmount(t, "reserve before", 27, fx.token(t, tokenA).InterestReserve)
			requireAmount(t, "debt (A, B)", 9_970, fx.pair(t, tokenA, tokenB).OutstandingDebt)

			fx.mint(t, tokenA, filler, tc.amountIn)
			res, err := fx.engine.Swap(ctx, reverse(filler, tc.amountIn))
			require.NoError(t, err)
			requireAmount(t, "repaid by caller", tc.repaid, res.Repaid)
			requireAmount(t, "payout", tc.repaid, res.AmountOut)

			token := fx.token(t, tokenA)
			requireAmount(t, "interest reserve", tc.reserveLeft, token.InterestReserve)
			requireAmount(t, "total repaid", tc.totalRepaid, token.TotalRepaid)
			requireAmount(t, "borrow shares", tc.borrowShares, borrowShares(token, marketA))
			requireAmount(t, "local liquidity", 0, token.LocalLiquidity)

			status := fx.pair(t, tokenB, tokenA)
			requireAmount(t, "pair debt", tc.pairDebt, status.OutstandingDebt)
			if tc.pairDebt == 0 {
				require.Zero(t, status.DebtTimestamp)
			}
			// Debt of the opposite pair is in another asset.
			requireAmount(t, "debt (A, B) after", 9_970, fx.pair(t, tokenA, tokenB).OutstandingDebt)
			fx.checkInvariants(t)
		})
	}
}

func TestBorrowFromFirstMarketThatFits(t *testing.T) {
	cases := []struct {
		name     string
		amountIn int64
		primary  int64
		second   int64
		err      error
	}{
		{"primary market fits", 10_000, 9_970_000_000, 0, nil},
		{"primary too small", 1_200_000, 0, 1_196_400_000_000, nil},
		{"no single market fits", 2_100_000, 0, 0, creditswap.ErrInsufficientLiquidity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t)
			ctx := context.Background()
			fx.addMarket(t, marketA2, tokenA, 2_000_000)
			fx.mint(t, tokenB, taker, tc.amountIn)

			_, err := fx.engine.Swap(ctx, forward(tc.amountIn))
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				requireAmount(t, "taker B", tc.amountIn, fx.balance(tokenB, taker))
			} else {
				require.NoError(t, err)
			}
			token := fx.token(t, tokenA)
			requireAmount(t, "primary borrow shares", tc.primary, borrowShares(token, marketA))
			requireAmount(t, "second borrow shares", tc.second, borrowShares(token, marketA2))
			requireAmount(t, "facility primary", tc.primary, fx.facility.Position(marketA, engineAddr).BorrowShares)
			requireAmount(t, "facility second", tc.second, fx.facility.Position(marketA2, engineAddr).BorrowShares)
			fx.checkInvariants(t)
		})
	}
}

func TestRepaymentWalksMarketsInListingOrder(t *testing.T) {
	cases := []struct {
		name     string
		amountIn int64
		repaid   int64
		primary  int64
		second   int64
		pairDebt int64
	}{
		{"primary only", 5_000, 4_985, 4_985_000_000, 1_196_400_000_000, 1_201_385},
		{"primary cleared then second", 20_000, 19_940, 0, 1_186_430_000_000, 1_186_430},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t)
			ctx := context.Background()
			fx.addMarket(t, marketA2, tokenA, 2_000_000)
			fx.mint(t, tokenB, taker, 1_210_000)
			_, err := fx.engine.Swap(ctx, forward(10_000))
			require.NoError(t, err)
			_, err = fx.engine.Swap(ctx, forward(1_200_000))
			require.NoError(t, err)
			requireAmount(t, "debt before", 1_206_370, fx.pair(t, tokenB, tokenA).OutstandingDebt)

			fx.mint(t, tokenA, filler, tc.amountIn)
			res, err := fx.engine.Swap(ctx, reverse(filler, tc.amountIn))
			require.NoError(t, err)
			requireAmount(t, "repaid", tc.repaid, res.Repaid)

			token := fx.token(t, tokenA)
			requireAmount(t, "primary borrow shares", tc.primary, borrowShares(token, marketA))
			requireAmount(t, "second borrow shares", tc.second, borrowShares(token, marketA2))
			requireAmount(t, "total repaid", tc.repaid, token.TotalRepaid)
			requireAmount(t, "pair debt", tc.pairDebt, fx.pair(t, tokenB, tokenA).OutstandingDebt)
			fx.checkInvariants(t)
		})
	}
}
