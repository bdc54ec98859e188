package creditswap

import (
	"github.com/ethereum/go-ethereum/common"
)

// PairConfig is the administrative configuration of one ordered pair.
type PairConfig struct {
	TokenIn     common.Address
	TokenOut    common.Address
	Whitelisted bool
	Oracle      PriceOracle
}

// Config holds the engine's administrative settings. It is only mutated
// through the owner-gated admin operations.
type Config struct {
	Owner  common.Address
	Paused bool
	// LP deposit split, in percent, used while the asset carries debt.
	SupplyAllocation    uint64
	RepayAllocation     uint64
	LiquidityAllocation uint64
	Pairs               map[PairID]PairConfig
}

// DefaultConfig returns a configuration owned by owner with a 40/30/30 split.
func DefaultConfig(owner common.Address) Config {
	return Config{
		Owner:               owner,
		SupplyAllocation:    40,
		RepayAllocation:     30,
		LiquidityAllocation: 30,
		Pairs:               make(map[PairID]PairConfig),
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.Owner == (common.Address{}) {
		return ErrZeroAddress
	}
	return validateAllocations(c.SupplyAllocation, c.RepayAllocation, c.LiquidityAllocation)
}

func validateAllocations(supply, repay, liquidity uint64) error {
	if supply+repay+liquidity != 100 || repay >= 100 {
		return ErrInvalidAllocation
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	out.Pairs = make(map[PairID]PairConfig, len(c.Pairs))
	for id, pair := range c.Pairs {
		out.Pairs[id] = pair
	}
	return out
}
