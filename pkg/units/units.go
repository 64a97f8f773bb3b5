// Package units converts token amounts between human decimal strings and integer base units.
package units

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a decimal amount such as "12.5" into base units for a token
// with the given decimals. Amounts with more precision than the token supports are rejected.
func ToBaseUnits(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("decimals must be non-negative, got %d", decimals)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q is negative", amount)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %q exceeds %d decimals", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits renders base units as a trimmed decimal string.
func FromBaseUnits(base *big.Int, decimals int) string {
	if base == nil {
		return "0"
	}
	return decimal.NewFromBigInt(base, int32(-decimals)).String()
}

// ParseBaseUnits parses an integer base-unit string.
func ParseBaseUnits(value string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid base-unit amount %q", value)
	}
	return n, nil
}

// Sum adds decimal strings; empty strings count as zero.
func Sum(amounts ...string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, a := range amounts {
		if strings.TrimSpace(a) == "" {
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(a))
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse amount %q: %w", a, err)
		}
		total = total.Add(d)
	}
	return total, nil
}
