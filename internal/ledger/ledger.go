// Package ledger implements the pure cash/holdings accounting for simulated
// market-fill trades.
//
// The engine never mutates its input: ValidateBuy and ValidateSell return a
// Result describing the new holding and balance, and Apply produces a new
// Portfolio from it. Either the full new snapshot is produced or nothing is.
//
// Average cost basis changes only on a buy:
//
//	avg' = (shares*avg + qty*price) / (shares + qty)
//
// and is carried unchanged through sells. All arithmetic stays in
// shopspring/decimal; rounding happens only at presentation boundaries.
package ledger

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/model"
)

var (
	// ErrInvalidQuantity is returned when shares is not a positive integer.
	ErrInvalidQuantity = errors.New("ledger: shares must be a positive integer")

	// ErrInvalidPrice is returned when price <= 0.
	ErrInvalidPrice = errors.New("ledger: price must be positive")

	// ErrInvalidSymbol is returned when the symbol is empty or malformed.
	ErrInvalidSymbol = errors.New("ledger: invalid symbol")

	// ErrInvalidSide is returned for a side other than buy or sell.
	ErrInvalidSide = errors.New("ledger: side must be buy or sell")

	// ErrInsufficientFunds is returned when a buy costs more than the balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrNoPosition is returned when selling a symbol that is not held.
	ErrNoPosition = errors.New("ledger: no position in symbol")

	// ErrInsufficientShares is returned when selling more shares than held.
	ErrInsufficientShares = errors.New("ledger: insufficient shares")
)

// InsufficientFundsError carries what the caller needs to suggest a smaller
// order. It matches ErrInsufficientFunds with errors.Is.
type InsufficientFundsError struct {
	Needed        decimal.Decimal
	Available     decimal.Decimal
	MaxAffordable int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%s: need %s, have %s", ErrInsufficientFunds, e.Needed, e.Available)
}

func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// InsufficientSharesError reports the held amount so the caller can offer
// "sell all". It matches ErrInsufficientShares with errors.Is.
type InsufficientSharesError struct {
	Symbol    string
	Requested int64
	Held      int64
}

func (e *InsufficientSharesError) Error() string {
	return fmt.Sprintf("%s: requested %d %s, hold %d", ErrInsufficientShares, e.Requested, e.Symbol, e.Held)
}

func (e *InsufficientSharesError) Is(target error) bool { return target == ErrInsufficientShares }

// IsValidation reports whether err is a caller-input failure from this
// package, as opposed to an infrastructure failure.
func IsValidation(err error) bool {
	for _, v := range []error{
		ErrInvalidQuantity, ErrInvalidPrice, ErrInvalidSymbol, ErrInvalidSide,
		ErrInsufficientFunds, ErrNoPosition, ErrInsufficientShares,
	} {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}

// Result is the outcome of a successful validation.
type Result struct {
	Side    model.Side
	Symbol  string
	Holding model.Holding // new holding; zero value when Removed
	Removed bool          // true when a sell closes the position
	Balance decimal.Decimal
	Total   decimal.Decimal // shares * price
}

// MaxAffordable returns floor(balance / price), the largest buy the balance
// can cover, capped at math.MaxInt64. Returns 0 for a non-positive price.
func MaxAffordable(balance, price decimal.Decimal) int64 {
	if !price.IsPositive() || !balance.IsPositive() {
		return 0
	}
	n := balance.Div(price).Floor()
	if n.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return math.MaxInt64
	}
	return n.IntPart()
}

func checkInput(symbol string, shares int64, price decimal.Decimal) error {
	if symbol == "" {
		return ErrInvalidSymbol
	}
	if shares <= 0 {
		return ErrInvalidQuantity
	}
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	return nil
}

// ValidateBuy checks affordability and computes the blended holding.
func ValidateBuy(p model.Portfolio, symbol string, shares int64, price decimal.Decimal) (Result, error) {
	if err := checkInput(symbol, shares, price); err != nil {
		return Result{}, err
	}

	qty := decimal.NewFromInt(shares)
	totalCost := qty.Mul(price)
	if totalCost.GreaterThan(p.Balance) {
		return Result{}, &InsufficientFundsError{
			Needed:        totalCost,
			Available:     p.Balance,
			MaxAffordable: MaxAffordable(p.Balance, price),
		}
	}

	old := p.Holdings[symbol]
	if shares > math.MaxInt64-old.Shares {
		return Result{}, fmt.Errorf("%w: holding of %d %s cannot grow by %d", ErrInvalidQuantity, old.Shares, symbol, shares)
	}
	newShares := old.Shares + shares
	avg := price
	if old.Shares > 0 {
		avg = old.CostBasis().Add(totalCost).Div(decimal.NewFromInt(newShares))
	}

	return Result{
		Side:   model.Buy,
		Symbol: symbol,
		Holding: model.Holding{
			Symbol:       symbol,
			Shares:       newShares,
			AveragePrice: avg,
		},
		Balance: p.Balance.Sub(totalCost),
		Total:   totalCost,
	}, nil
}

// ValidateSell checks the position and computes the remaining holding.
// Selling every held share removes the holding entirely.
func ValidateSell(p model.Portfolio, symbol string, shares int64, price decimal.Decimal) (Result, error) {
	if err := checkInput(symbol, shares, price); err != nil {
		return Result{}, err
	}

	held, ok := p.Holdings[symbol]
	if !ok || held.Shares <= 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	if shares > held.Shares {
		return Result{}, &InsufficientSharesError{Symbol: symbol, Requested: shares, Held: held.Shares}
	}

	proceeds := decimal.NewFromInt(shares).Mul(price)
	res := Result{
		Side:    model.Sell,
		Symbol:  symbol,
		Balance: p.Balance.Add(proceeds),
		Total:   proceeds,
	}
	if remaining := held.Shares - shares; remaining > 0 {
		res.Holding = model.Holding{
			Symbol:       symbol,
			Shares:       remaining,
			AveragePrice: held.AveragePrice,
		}
	} else {
		res.Removed = true
	}
	return res, nil
}

// Validate dispatches on side.
func Validate(p model.Portfolio, side model.Side, symbol string, shares int64, price decimal.Decimal) (Result, error) {
	switch side {
	case model.Buy:
		return ValidateBuy(p, symbol, shares, price)
	case model.Sell:
		return ValidateSell(p, symbol, shares, price)
	}
	return Result{}, ErrInvalidSide
}

// Apply returns a copy of p with r applied. p itself is not modified.
func Apply(p model.Portfolio, r Result) model.Portfolio {
	next := p.Clone()
	next.Balance = r.Balance
	if r.Removed {
		delete(next.Holdings, r.Symbol)
	} else {
		next.Holdings[r.Symbol] = r.Holding
	}
	return next
}
