// Package symbol handles stock symbol parsing and normalization.
//
// Symbols are upper-cased and may carry an exchange suffix, e.g.
// RELIANCE.NS (NSE) or TCS.BO (BSE). Bare symbols such as AAPL have no
// exchange.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported exchange suffixes.
const (
	ExchangeNSE = "NS"
	ExchangeBSE = "BO"
)

var validExchanges = map[string]bool{
	ExchangeNSE: true,
	ExchangeBSE: true,
}

// symbolRegex matches: {root}[.{exchange}]
// Example: RELIANCE.NS, M&M.BO, BRK-B, AAPL
var symbolRegex = regexp.MustCompile(`^([A-Z0-9][A-Z0-9&\-]{0,19})(?:\.([A-Z]{1,3}))?$`)

var (
	ErrInvalidSymbol   = errors.New("symbol: invalid symbol format")
	ErrInvalidExchange = errors.New("symbol: unsupported exchange suffix")
)

// Symbol is a parsed ticker.
type Symbol struct {
	Raw      string `json:"raw"`
	Root     string `json:"root"`
	Exchange string `json:"exchange,omitempty"`
}

// String returns the canonical form used as the holdings key.
func (s Symbol) String() string {
	if s.Exchange == "" {
		return s.Root
	}
	return s.Root + "." + s.Exchange
}

// Parse normalizes and validates a symbol string.
func Parse(raw string) (Symbol, error) {
	norm := strings.ToUpper(strings.TrimSpace(raw))
	matches := symbolRegex.FindStringSubmatch(norm)
	if matches == nil {
		return Symbol{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}

	exchange := matches[2]
	if exchange != "" && !validExchanges[exchange] {
		return Symbol{}, fmt.Errorf("%w: %s", ErrInvalidExchange, exchange)
	}

	return Symbol{Raw: raw, Root: matches[1], Exchange: exchange}, nil
}

// Normalize returns the canonical symbol string or an error.
func Normalize(raw string) (string, error) {
	s, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return s.String(), nil
}
