// Package ethunits converts exact minor-unit token amounts into decimal
// representations. It is the presentation boundary: everything upstream
// keeps amounts as big integers.
package ethunits

import (
	"math/big"
	"strings"
)

const EtherDecimals = 18

// FormatUnits renders an exact minor-unit amount as a decimal string
// with the given number of fractional digits, trimming trailing zeros.
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil || amount.Sign() == 0 {
		return "0"
	}
	digits := amount.Text(10)
	if decimals <= 0 {
		return digits
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// FormatEther is FormatUnits with the standard 18 decimals.
func FormatEther(amount *big.Int) string {
	return FormatUnits(amount, EtherDecimals)
}

// EtherFloat converts a wei amount to a float64 ether value. Only for
// ranking scores and display; never feeds back into arithmetic.
func EtherFloat(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	f := new(big.Float).SetInt(amount)
	f.Quo(f, big.NewFloat(1e18))
	v, _ := f.Float64()
	return v
}
