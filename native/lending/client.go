package lending

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"creditswap/native/creditswap"
)

// Client binds the facility to one account, satisfying the swap engine's
// lending facility contract. Snapshots delegate to the facility.
type Client struct {
	facility *Facility
	account  common.Address
}

// Client returns a handle acting for account.
func (f *Facility) Client(account common.Address) *Client {
	return &Client{facility: f, account: account}
}

func (c *Client) Supply(ctx context.Context, market creditswap.MarketID, amount *big.Int) (*big.Int, error) {
	return c.facility.Supply(ctx, market, c.account, amount)
}

func (c *Client) Withdraw(ctx context.Context, market creditswap.MarketID, amount *big.Int) (*big.Int, error) {
	return c.facility.Withdraw(ctx, market, c.account, amount)
}

func (c *Client) Borrow(ctx context.Context, market creditswap.MarketID, amount *big.Int) (*big.Int, error) {
	return c.facility.Borrow(ctx, market, c.account, amount)
}

func (c *Client) Repay(ctx context.Context, market creditswap.MarketID, amount *big.Int) (*big.Int, error) {
	return c.facility.Repay(ctx, market, c.account, amount)
}

func (c *Client) MarketState(_ context.Context, market creditswap.MarketID) (creditswap.MarketState, error) {
	m, err := c.facility.Market(market)
	if err != nil {
		return creditswap.MarketState{}, err
	}
	return creditswap.MarketState{
		LoanToken:         m.LoanToken,
		TotalSupplyAssets: m.TotalSupplyAssets,
		TotalSupplyShares: m.TotalSupplyShares,
		TotalBorrowAssets: m.TotalBorrowAssets,
		TotalBorrowShares: m.TotalBorrowShares,
	}, nil
}

func (c *Client) BorrowRate(_ context.Context, market creditswap.MarketID) (*big.Int, error) {
	return c.facility.BorrowRate(market)
}

func (c *Client) Snapshot() int { return c.facility.Snapshot() }

func (c *Client) RevertToSnapshot(id int) { c.facility.RevertToSnapshot(id) }

func (c *Client) ReleaseSnapshot(id int) { c.facility.ReleaseSnapshot(id) }
