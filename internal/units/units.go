// Package units converts human-readable currency amounts ("1 ether", "0.0001 ether", "200")
// to and from wei.
package units

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var exponents = map[string]int32{
	"wei":    0,
	"kwei":   3,
	"mwei":   6,
	"gwei":   9,
	"szabo":  12,
	"finney": 15,
	"ether":  18,
	"eth":    18,
}

// ParseAmount parses "<number> [unit]" into wei. A bare number is wei.
// Fractions are allowed as long as the result is a whole number of wei.
func ParseAmount(s string) (*uint256.Int, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	var num, unit string
	switch len(fields) {
	case 1:
		num, unit = fields[0], "wei"
	case 2:
		num, unit = fields[0], strings.ToLower(fields[1])
	default:
		return nil, fmt.Errorf("invalid amount %q", s)
	}

	exp, ok := exponents[unit]
	if !ok {
		return nil, fmt.Errorf("invalid amount %q: unknown unit %q", s, unit)
	}
	d, err := decimal.NewFromString(num)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: negative", s)
	}
	d = d.Shift(exp)
	if !d.IsInteger() {
		return nil, fmt.Errorf("invalid amount %q: fractional wei", s)
	}
	v, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return nil, fmt.Errorf("invalid amount %q: overflows 256 bits", s)
	}
	return v, nil
}

// MustParse is ParseAmount for constants known to be valid.
func MustParse(s string) *uint256.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Ether returns n whole ether in wei.
func Ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

// FormatEther renders wei as an ether decimal, e.g. "0.0001".
func FormatEther(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -18).String()
}
