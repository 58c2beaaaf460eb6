// Package fixedpoint converts between wire-format scaled integers and human
// decimal strings without ever passing through a float.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrEmpty            = errors.New("empty value")
	ErrMalformed        = errors.New("malformed numeric value")
	ErrNegativeDecimals = errors.New("decimals must be non-negative")
	ErrTooPrecise       = errors.New("value has more fractional digits than decimals allows")
	ErrUnknownUnit      = errors.New("amount carries no unit")
)

// ToDecimal scales a base-10 integer string down by 10^decimals and returns
// the shortest exact decimal representation: "1500000000000000000" with 18
// decimals becomes "1.5". Empty input and "0" both yield "0".
//
// Malformed input or negative decimals panic; wire input must go through
// ParseRaw instead.
func ToDecimal(raw string, decimals int) string {
	out, err := toDecimal(raw, decimals)
	if err != nil {
		panic(fmt.Sprintf("fixedpoint.ToDecimal(%q, %d): %v", raw, decimals, err))
	}
	return out
}

func toDecimal(raw string, decimals int) (string, error) {
	if decimals < 0 {
		return "", ErrNegativeDecimals
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "0", nil
	}

	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrMalformed, raw)
	}

	sign := ""
	if n.Sign() < 0 {
		sign = "-"
		n.Abs(n)
	}
	digits := n.String()
	if digits == "0" {
		return "0", nil
	}
	if decimals == 0 {
		return sign + digits, nil
	}

	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	cut := len(digits) - decimals
	whole, frac := digits[:cut], strings.TrimRight(digits[cut:], "0")
	if frac == "" {
		return sign + whole, nil
	}
	return sign + whole + "." + frac, nil
}

// ParseRaw is the non-panicking form of ToDecimal for values that arrive
// from the network.
func ParseRaw(raw string, decimals int) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, ErrEmpty
	}
	s, err := toDecimal(raw, decimals)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.RequireFromString(s), nil
}

// ParseDecimal parses an already-scaled decimal string.
func ParseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrEmpty
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return d, nil
}

// FromDecimal scales a decimal string back up into its wire integer form.
func FromDecimal(dec string, decimals int) (string, error) {
	if decimals < 0 {
		return "", ErrNegativeDecimals
	}
	d, err := ParseDecimal(dec)
	if err != nil {
		return "", err
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return "", fmt.Errorf("%w: %s with %d decimals", ErrTooPrecise, dec, decimals)
	}
	return scaled.BigInt().String(), nil
}

// FormatDisplay rounds to at most maxDecimals places and trims trailing zeros
// and a dangling decimal point. Presentation only; the result must not feed
// further arithmetic. Unparseable input is returned unchanged.
func FormatDisplay(dec string, maxDecimals int) string {
	d, err := ParseDecimal(dec)
	if err != nil {
		return dec
	}
	if maxDecimals < 0 {
		maxDecimals = 0
	}
	out := d.Round(int32(maxDecimals)).String()
	if out == "-0" {
		return "0"
	}
	return out
}
