package creditswap

import (
	"errors"
	"fmt"

	nativecommon "creditswap/native/common"
)

var (
	ErrNilState           = errors.New("creditswap: state not configured")
	ErrUnauthorized       = errors.New("creditswap: caller is not the owner")
	ErrZeroAddress        = errors.New("creditswap: zero address")
	ErrZeroAmount         = errors.New("creditswap: amount must be positive")
	ErrPairNotWhitelisted = errors.New("creditswap: pair not whitelisted")
	ErrOracleNotSet       = errors.New("creditswap: oracle not set")
	ErrMarketNotListed    = errors.New("creditswap: market not whitelisted for asset")
	ErrMarketExists       = errors.New("creditswap: market already whitelisted")
	ErrMarketAsset        = errors.New("creditswap: market loan token does not match asset")
	ErrMarketInUse        = errors.New("creditswap: market still holds engine positions")
	ErrInvalidAllocation  = errors.New("creditswap: allocations must sum to 100 with repay below 100")
	ErrIdenticalTokens    = errors.New("creditswap: tokenIn and tokenOut must differ")

	ErrInsufficientLiquidity = errors.New("creditswap: insufficient liquidity")
	// ErrInsufficientHeld is a liquidity failure specific to reverse swaps.
	ErrInsufficientHeld      = fmt.Errorf("%w: held balance below payout", ErrInsufficientLiquidity)

	ErrSlippageExceeded   = errors.New("creditswap: slippage exceeded")
	ErrInsufficientShares = errors.New("creditswap: insufficient shares")
	ErrDepositTooSmall    = errors.New("creditswap: deposit below minimum")

	ErrReentrancy       = errors.New("creditswap: reentrant call")
	ErrPaused           = errors.New("creditswap: engine paused")
	ErrNegativeBalance  = errors.New("creditswap: balance would become negative")
	ErrInvariantBreach  = errors.New("creditswap: balance conservation violated")
	ErrFacilityMismatch = errors.New("creditswap: facility returned inconsistent result")
)

// ErrorClass groups failures by how a caller is expected to react.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	// ClassConfiguration errors require the caller or operator to reconfigure.
	ClassConfiguration
	// ClassLiquidity errors may succeed later or with a smaller amount.
	ClassLiquidity
	// ClassEconomic errors are correctable by adjusting the request.
	ClassEconomic
	// ClassIntegrity errors signal misuse or an engaged circuit breaker.
	ClassIntegrity
)

func (c ErrorClass) String() string {
	switch c {
	case ClassConfiguration:
		return "configuration"
	case ClassLiquidity:
		return "liquidity"
	case ClassEconomic:
		return "economic"
	case ClassIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

var errorClasses = []struct {
	err   error
	class ErrorClass
}{
	{ErrUnauthorized, ClassConfiguration},
	{ErrZeroAddress, ClassConfiguration},
	{ErrZeroAmount, ClassConfiguration},
	{ErrPairNotWhitelisted, ClassConfiguration},
	{ErrOracleNotSet, ClassConfiguration},
	{ErrMarketNotListed, ClassConfiguration},
	{ErrMarketExists, ClassConfiguration},
	{ErrMarketAsset, ClassConfiguration},
	{ErrMarketInUse, ClassConfiguration},
	{ErrInvalidAllocation, ClassConfiguration},
	{ErrIdenticalTokens, ClassConfiguration},
	{ErrInsufficientLiquidity, ClassLiquidity},
	{ErrInsufficientHeld, ClassLiquidity},
	{ErrSlippageExceeded, ClassEconomic},
	{ErrInsufficientShares, ClassEconomic},
	{ErrDepositTooSmall, ClassEconomic},
	{ErrReentrancy, ClassIntegrity},
	{ErrPaused, ClassIntegrity},
	{nativecommon.ErrModulePaused, ClassIntegrity},
	{ErrNegativeBalance, ClassIntegrity},
	{ErrInvariantBreach, ClassIntegrity},
	{ErrNilState, ClassIntegrity},
	{ErrFacilityMismatch, ClassIntegrity},
}

// Classify maps an engine error onto its failure class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	for _, entry := range errorClasses {
		if errors.Is(err, entry.err) {
			return entry.class
		}
	}
	return ClassUnknown
}
