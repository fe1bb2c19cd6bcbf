package transfer

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

var amountRegex = regexp.MustCompile(`^(\d+\.?\d*|\.\d+)$`)

// ValidateAmount checks that amount is a plain decimal greater than zero.
func ValidateAmount(amount string) error {
	amount = strings.TrimSpace(amount)
	if !amountRegex.MatchString(amount) {
		return fmt.Errorf("invalid amount %q: expected a plain positive decimal", amount)
	}
	if strings.Trim(amount, "0.") == "" {
		return fmt.Errorf("invalid amount %q: must be greater than zero", amount)
	}
	return nil
}

// ToMinorUnits converts a plain decimal string to an integer count of minor
// units at the given precision. Fractional digits beyond decimals are
// truncated. The conversion is exact; no floating point is involved.
func ToMinorUnits(amount string, decimals uint8) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if !amountRegex.MatchString(amount) {
		return nil, fmt.Errorf("invalid amount %q: expected a plain positive decimal", amount)
	}

	whole, frac, _ := strings.Cut(amount, ".")
	if len(frac) > int(decimals) {
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return nil, fmt.Errorf("invalid amount %q: must be greater than zero at %d decimals", amount, decimals)
	}

	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	return v, nil
}

// FormatMinorUnits renders a minor-unit amount back to a decimal string,
// without trailing fractional zeros.
func FormatMinorUnits(v *big.Int, decimals uint8) string {
	s := v.String()
	if decimals == 0 {
		return s
	}
	if len(s) <= int(decimals) {
		s = strings.Repeat("0", int(decimals)-len(s)+1) + s
	}
	whole, frac := s[:len(s)-int(decimals)], strings.TrimRight(s[len(s)-int(decimals):], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}
