package evm

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Strict form: 0x prefix and exactly 20 bytes of hex. go-ethereum's
// common.IsHexAddress also accepts unprefixed input, which we do not.
var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsAddress reports whether s is a syntactically valid EVM address.
func IsAddress(s string) bool {
	return addressRegex.MatchString(s)
}

// ParseAddress validates s and converts it to a common.Address.
func ParseAddress(s string) (common.Address, error) {
	if !IsAddress(s) {
		return common.Address{}, fmt.Errorf("invalid EVM address %q", s)
	}
	return common.HexToAddress(s), nil
}

// SameAddress compares two addresses ignoring checksum casing.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
