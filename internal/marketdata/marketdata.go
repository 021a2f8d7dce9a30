// Package marketdata supplies quotes to the HTTP layer when a trade request
// arrives without a price. The ledger never fetches quotes itself.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrNoQuote is returned for a symbol the provider does not know.
var ErrNoQuote = errors.New("marketdata: no quote for symbol")

// Quote is a last price with its change since the previous close.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	ChangeAbs decimal.Decimal `json:"change_abs"`
	ChangePct decimal.Decimal `json:"change_pct"`
}

// Provider is the MarketDataProvider.
type Provider interface {
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}

// Static serves quotes from a fixed table. Safe for concurrent use.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// DefaultQuotes are the prices served when no feed is configured.
func DefaultQuotes() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"AAPL":  decimal.NewFromInt(150),
		"GOOGL": decimal.NewFromInt(2800),
		"MSFT":  decimal.NewFromInt(280),
		"AMZN":  decimal.NewFromInt(3300),
		"META":  decimal.NewFromInt(330),
	}
}

// NewStatic creates a provider from symbol → price, with zero change.
func NewStatic(prices map[string]decimal.Decimal) *Static {
	s := &Static{quotes: make(map[string]Quote, len(prices))}
	for sym, p := range prices {
		s.quotes[strings.ToUpper(sym)] = Quote{Symbol: strings.ToUpper(sym), Price: p}
	}
	return s
}

// Set replaces the quote for a symbol, deriving the change from the previous
// price.
func (s *Static) Set(symbol string, price decimal.Decimal) {
	symbol = strings.ToUpper(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	q := Quote{Symbol: symbol, Price: price}
	if prev, ok := s.quotes[symbol]; ok && prev.Price.IsPositive() {
		q.ChangeAbs = price.Sub(prev.Price)
		q.ChangePct = q.ChangeAbs.Div(prev.Price).Mul(decimal.NewFromInt(100))
	}
	s.quotes[symbol] = q
}

func (s *Static) GetQuote(_ context.Context, symbol string) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[strings.ToUpper(symbol)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	return q, nil
}
