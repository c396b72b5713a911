package claimd

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// NormalizeAddress validates a 0x-prefixed EVM address and returns its
// lowercased form, which is the ledger key for the account.
func NormalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return "", fmt.Errorf("%w: address must be 0x-prefixed", ErrInvalidAddress)
	}
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return strings.ToLower(common.HexToAddress(trimmed).Hex()), nil
}

// ParseAmount parses a decimal-string integer amount in the token's smallest
// unit. Signs, whitespace inside the number, and values that do not fit in a
// uint256 are rejected.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", ErrInvalidAmount)
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("%w: %q is not a decimal integer", ErrInvalidAmount, raw)
		}
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if _, overflow := uint256.FromBig(value); overflow {
		return nil, fmt.Errorf("%w: %q exceeds uint256", ErrInvalidAmount, raw)
	}
	return value, nil
}

// FormatAmount renders an amount as a decimal string, treating nil as zero.
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// subClamp returns max(0, a-b) as a new value.
func subClamp(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(orZero(a), orZero(b))
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func cloneBigInt(in *big.Int) *big.Int {
	if in == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(in)
}

// unitScale returns 10^decimals.
func unitScale(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
