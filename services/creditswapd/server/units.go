package server

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// parseAmount converts a base-unit decimal string into a positive integer.
// Fractional or exponent notation is rejected so callers cannot lose precision.
func parseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s must be an integer amount of base units", field)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("%s must be positive", field)
	}
	return value, nil
}

// parseOptionalAmount is parseAmount for fields that may be omitted.
func parseOptionalAmount(field, raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return parseAmount(field, raw)
}

func parseAddress(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%s must be a hex address", field)
	}
	return common.HexToAddress(trimmed), nil
}

func parseHash(field, raw string) (common.Hash, error) {
	trimmed := strings.TrimSpace(raw)
	hexPart := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if hexPart == "" || len(hexPart) > 64 {
		return common.Hash{}, fmt.Errorf("%s must be a hex identifier", field)
	}
	for _, c := range hexPart {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return common.Hash{}, fmt.Errorf("%s must be a hex identifier", field)
		}
	}
	return common.HexToHash(trimmed), nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
