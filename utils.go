package airdropmarket

import (
	"fmt"
	"math/big"
	"strings"
)

const (
	MaxDecimals = 18
	ZeroAddress = "0x0000000000000000000000000000000000000000"
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ParseAmount converts a human-readable decimal amount such as "0.1" into
// base units of a token with the given decimals. Extra fractional digits
// are rejected rather than truncated.
func ParseAmount(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return nil, &InvalidParamError{Message: fmt.Sprintf("decimals must be between 0 and %d, got: %d", MaxDecimals, decimals)}
	}

	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, &InvalidParamError{Message: "amount is empty"}
	}
	if strings.HasPrefix(amount, "-") {
		return nil, &InvalidParamError{Message: fmt.Sprintf("amount must not be negative, got: %s", amount)}
	}

	// Split into integer and decimal parts
	parts := strings.Split(amount, ".")
	if len(parts) > 2 {
		return nil, &InvalidParamError{Message: fmt.Sprintf("invalid amount format: %s", amount)}
	}

	integerPart := parts[0]
	if integerPart == "" {
		integerPart = "0"
	}
	decimalPart := ""
	if len(parts) == 2 {
		decimalPart = parts[1]
	}

	if len(decimalPart) > decimals {
		return nil, &InvalidParamError{Message: fmt.Sprintf("amount %s has more than %d decimal places", amount, decimals)}
	}
	decimalPart += strings.Repeat("0", decimals-len(decimalPart))

	result, ok := new(big.Int).SetString(integerPart+decimalPart, 10)
	if !ok {
		return nil, &InvalidParamError{Message: fmt.Sprintf("invalid amount format: %s", amount)}
	}

	if result.Cmp(maxUint256) > 0 {
		return nil, &InvalidParamError{Message: fmt.Sprintf("amount too large for uint256: %s", result.String())}
	}

	return result, nil
}

// FormatAmount renders base units as a decimal string with trailing
// fractional zeros removed.
func FormatAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	if decimals <= 0 {
		return value.String()
	}

	neg := value.Sign() < 0
	digits := new(big.Int).Abs(value).String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}

	integerPart := digits[:len(digits)-decimals]
	decimalPart := strings.TrimRight(digits[len(digits)-decimals:], "0")

	out := integerPart
	if decimalPart != "" {
		out += "." + decimalPart
	}
	if neg {
		out = "-" + out
	}
	return out
}
