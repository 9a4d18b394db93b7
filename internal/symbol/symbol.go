// Package symbol handles instrument ticker symbol validation and
// normalization. Symbols follow the common exchange convention: 1-6
// uppercase letters with an optional dot-separated class suffix, e.g.
// "ACME", "BRK.B".
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches: {ROOT}[.{CLASS}]
// Example: ACME, BRK.B
var symbolRegex = regexp.MustCompile(`^[A-Z]{1,6}(\.[A-Z]{1,2})?$`)

// ErrInvalidSymbol is returned for a symbol that does not match the
// expected format.
var ErrInvalidSymbol = errors.New("symbol: invalid ticker symbol")

// Normalize uppercases and trims a raw symbol string.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Parse normalizes and validates a raw symbol string.
func Parse(raw string) (string, error) {
	s := Normalize(raw)
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected 1-6 letters with optional .CLASS suffix)",
			ErrInvalidSymbol, raw)
	}
	return s, nil
}
