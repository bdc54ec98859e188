package redemption

import (
	"fmt"
	"math/big"
	"sort"

	nativecommon "creditswap/native/common"
)

// Tier charges Bps on redemptions strictly below UpTo. A nil UpTo marks the
// open-ended top tier.
type Tier struct {
	UpTo *big.Int
	Bps  uint64
}

// DefaultTiers returns the stock schedule: 25 bps below 10k, 15 bps below
// 100k and 10 bps above.
func DefaultTiers() []Tier {
	return []Tier{
		{UpTo: big.NewInt(10_000), Bps: 25},
		{UpTo: big.NewInt(100_000), Bps: 15},
		{Bps: 10},
	}
}

// Schedule is a validated, ascending tier list.
type Schedule struct {
	tiers []Tier
}

// NewSchedule validates tiers: bounds strictly ascending, rates at most
// 10,000 bps, exactly one open-ended tier in last position.
func NewSchedule(tiers []Tier) (*Schedule, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: no tiers", ErrInvalidSchedule)
	}
	sorted := make([]Tier, len(tiers))
	for i, tier := range tiers {
		sorted[i] = Tier{Bps: tier.Bps}
		if tier.UpTo != nil {
			sorted[i].UpTo = new(big.Int).Set(tier.UpTo)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].UpTo == nil {
			return false
		}
		if sorted[j].UpTo == nil {
			return true
		}
		return sorted[i].UpTo.Cmp(sorted[j].UpTo) < 0
	})
	for i, tier := range sorted {
		if tier.Bps > bpsScale {
			return nil, fmt.Errorf("%w: tier %d charges %d bps", ErrInvalidSchedule, i, tier.Bps)
		}
		last := i == len(sorted)-1
		if tier.UpTo == nil {
			if !last {
				return nil, fmt.Errorf("%w: multiple open-ended tiers", ErrInvalidSchedule)
			}
			continue
		}
		if last {
			return nil, fmt.Errorf("%w: top tier must be open-ended", ErrInvalidSchedule)
		}
		if tier.UpTo.Sign() <= 0 || (i > 0 && tier.UpTo.Cmp(sorted[i-1].UpTo) == 0) {
			return nil, fmt.Errorf("%w: tier bound %s", ErrInvalidSchedule, tier.UpTo)
		}
	}
	return &Schedule{tiers: sorted}, nil
}

// Rate returns the surcharge rate applying to amount.
func (s *Schedule) Rate(amount *big.Int) uint64 {
	for _, tier := range s.tiers {
		if tier.UpTo == nil || amount.Cmp(tier.UpTo) < 0 {
			return tier.Bps
		}
	}
	return 0
}

// Surcharge returns the rate and the surcharge on amount, rounded up.
func (s *Schedule) Surcharge(amount *big.Int) (uint64, *big.Int) {
	bps := s.Rate(amount)
	return bps, nativecommon.MulDivUp(amount, new(big.Int).SetUint64(bps), big.NewInt(bpsScale))
}
