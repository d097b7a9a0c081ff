// Package ticker handles stock symbol normalization and validation.
// Symbols are stored and looked up upper-cased so that "aapl" and "AAPL"
// address the same position.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxLen is the longest symbol accepted. Matches the ticker column width.
const MaxLen = 10

// symbolRegex matches: a leading letter followed by letters, digits, '.' or '-'.
// Examples: AAPL, BRK.B, RDS-A
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]*$`)

var ErrInvalidTicker = errors.New("ticker: invalid symbol")

// Normalize trims and upper-cases a symbol and validates its format.
func Normalize(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", fmt.Errorf("%w: empty symbol", ErrInvalidTicker)
	}
	if len(s) > MaxLen {
		return "", fmt.Errorf("%w: %s (max %d characters)", ErrInvalidTicker, s, MaxLen)
	}
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %s", ErrInvalidTicker, s)
	}
	return s, nil
}
