// Package usdc converts between decimal ckUSDC strings and ledger units.
//
// ckUSDC uses 6 decimal places. Amounts are held as uint64 in the smallest
// unit (1 USDC = 1,000,000 units), matching the ledger's nat64 amounts.
package usdc

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

const Decimals = 6

const unit = 1_000_000

var (
	ErrEmpty     = errors.New("usdc: empty amount")
	ErrSyntax    = errors.New("usdc: invalid amount")
	ErrPrecision = errors.New("usdc: more than 6 decimal places")
	ErrRange     = errors.New("usdc: amount out of range")
)

// Parse converts a decimal string (e.g. "1.50") to smallest units (1500000).
//
// Rules:
//   - Empty strings, signs, exponents and multiple decimal points are rejected
//   - At most 6 fractional digits; amounts are never silently truncated
//   - A bare "." or a value above MaxUint64 units is rejected
func Parse(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrEmpty
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && strings.Contains(frac, ".") {
		return 0, ErrSyntax
	}
	if whole == "" && frac == "" {
		return 0, ErrSyntax
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, ErrSyntax
	}
	if len(frac) > Decimals {
		return 0, ErrPrecision
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	var w uint64
	if whole != "" {
		var err error
		w, err = strconv.ParseUint(whole, 10, 64)
		if err != nil {
			return 0, ErrRange
		}
	}
	f, _ := strconv.ParseUint(frac, 10, 64)

	if w > (math.MaxUint64-f)/unit {
		return 0, ErrRange
	}
	return w*unit + f, nil
}

// Format converts smallest units to a decimal string with exactly 6 decimal
// places (e.g. "1.500000").
func Format(units uint64) string {
	s := strconv.FormatUint(units, 10)
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	return s[:point] + "." + s[point:]
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
