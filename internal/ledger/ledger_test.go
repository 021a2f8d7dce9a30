package ledger

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func fresh(balance float64) model.Portfolio {
	return model.NewPortfolio("user1", d(balance), time.Unix(0, 0))
}

func mustApply(t *testing.T, p model.Portfolio, side model.Side, symbol string, shares int64, price float64) model.Portfolio {
	t.Helper()
	r, err := Validate(p, side, symbol, shares, d(price))
	if err != nil {
		t.Fatalf("%s %d %s @ %v: unexpected error: %v", side, shares, symbol, price, err)
	}
	return Apply(p, r)
}

// --- Buy ---

func TestValidateBuy_FreshHolding(t *testing.T) {
	p := mustApply(t, fresh(1000), model.Buy, "AAPL", 10, 50)

	if !p.Balance.Equal(d(500)) {
		t.Errorf("expected balance=500, got %s", p.Balance)
	}
	h := p.Holdings["AAPL"]
	if h.Shares != 10 {
		t.Errorf("expected shares=10, got %d", h.Shares)
	}
	if !h.AveragePrice.Equal(d(50)) {
		t.Errorf("expected avg=50, got %s", h.AveragePrice)
	}
}

func TestValidateBuy_InsufficientFundsLeavesStateUnchanged(t *testing.T) {
	p := mustApply(t, fresh(1000), model.Buy, "AAPL", 10, 50)

	_, err := ValidateBuy(p, "AAPL", 10, d(70))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	var fe *InsufficientFundsError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *InsufficientFundsError, got %T", err)
	}
	if !fe.Needed.Equal(d(700)) || !fe.Available.Equal(d(500)) {
		t.Errorf("expected need 700 have 500, got need %s have %s", fe.Needed, fe.Available)
	}
	if fe.MaxAffordable != 7 {
		t.Errorf("expected max affordable 7, got %d", fe.MaxAffordable)
	}

	if !p.Balance.Equal(d(500)) || p.Holdings["AAPL"].Shares != 10 {
		t.Errorf("portfolio mutated after rejected buy: %+v", p)
	}
}

func TestValidateBuy_WeightedAverage(t *testing.T) {
	p := mustApply(t, fresh(10000), model.Buy, "AAPL", 10, 50)
	p = mustApply(t, p, model.Buy, "AAPL", 10, 70)

	h := p.Holdings["AAPL"]
	if h.Shares != 20 {
		t.Errorf("expected shares=20, got %d", h.Shares)
	}
	if !h.AveragePrice.Equal(d(60)) {
		t.Errorf("expected avg=60, got %s", h.AveragePrice)
	}
	if !p.Balance.Equal(d(8800)) {
		t.Errorf("expected balance=8800, got %s", p.Balance)
	}
}

func TestValidateBuy_ExactBalanceAllowed(t *testing.T) {
	p := mustApply(t, fresh(500), model.Buy, "TCS", 5, 100)
	if !p.Balance.IsZero() {
		t.Errorf("expected balance=0, got %s", p.Balance)
	}
}

func TestValidateBuy_InvalidInput(t *testing.T) {
	p := fresh(1000)
	cases := []struct {
		symbol string
		shares int64
		price  decimal.Decimal
		want   error
	}{
		{"AAPL", 0, d(10), ErrInvalidQuantity},
		{"AAPL", -3, d(10), ErrInvalidQuantity},
		{"AAPL", 1, decimal.Zero, ErrInvalidPrice},
		{"AAPL", 1, d(-1), ErrInvalidPrice},
		{"", 1, d(10), ErrInvalidSymbol},
	}
	for _, c := range cases {
		_, err := ValidateBuy(p, c.symbol, c.shares, c.price)
		if !errors.Is(err, c.want) {
			t.Errorf("buy %q %d @ %s: expected %v, got %v", c.symbol, c.shares, c.price, c.want, err)
		}
		if !IsValidation(err) {
			t.Errorf("expected %v to be a validation error", err)
		}
	}
}

// Repeated small buys at awkward prices must not drift from the true
// weighted average.
func TestValidateBuy_NoAverageDrift(t *testing.T) {
	p := fresh(1e9)
	prices := []float64{33.33, 101.07, 0.01, 77.77, 12.5, 999.99, 3.14159}
	totalCost := decimal.Zero
	var totalShares int64

	for i := 0; i < 300; i++ {
		price := prices[i%len(prices)]
		qty := int64(i%7 + 1)
		p = mustApply(t, p, model.Buy, "INFY", qty, price)
		totalCost = totalCost.Add(d(price).Mul(decimal.NewFromInt(qty)))
		totalShares += qty
	}

	want := totalCost.Div(decimal.NewFromInt(totalShares))
	got := p.Holdings["INFY"].AveragePrice
	if got.Sub(want).Abs().GreaterThan(d(1e-9)) {
		t.Errorf("average drifted: got %s want %s", got, want)
	}
	if p.Holdings["INFY"].Shares != totalShares {
		t.Errorf("expected %d shares, got %d", totalShares, p.Holdings["INFY"].Shares)
	}
}

// Final shares and average depend only on the multiset of buys.
func TestValidateBuy_OrderInvariance(t *testing.T) {
	type buy struct {
		qty   int64
		price float64
	}
	buys := []buy{{3, 10}, {7, 12.25}, {1, 99.9}, {5, 0.5}}

	forward := fresh(1e6)
	for _, b := range buys {
		forward = mustApply(t, forward, model.Buy, "X", b.qty, b.price)
	}
	backward := fresh(1e6)
	for i := len(buys) - 1; i >= 0; i-- {
		backward = mustApply(t, backward, model.Buy, "X", buys[i].qty, buys[i].price)
	}

	f, b := forward.Holdings["X"], backward.Holdings["X"]
	if f.Shares != b.Shares {
		t.Errorf("shares differ: %d vs %d", f.Shares, b.Shares)
	}
	if f.AveragePrice.Sub(b.AveragePrice).Abs().GreaterThan(d(1e-9)) {
		t.Errorf("average differs: %s vs %s", f.AveragePrice, b.AveragePrice)
	}
	if !forward.Balance.Equal(backward.Balance) {
		t.Errorf("balance differs: %s vs %s", forward.Balance, backward.Balance)
	}
}

func TestValidateBuy_ShareCountOverflow(t *testing.T) {
	tiny := d(1e-15)
	p := mustApply(t, fresh(1e6), model.Buy, "PENNY", math.MaxInt64-1, 1e-15)

	_, err := ValidateBuy(p, "PENNY", 2, tiny)
	if !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	if p.Holdings["PENNY"].Shares != math.MaxInt64-1 {
		t.Errorf("holding changed after rejected buy: %d", p.Holdings["PENNY"].Shares)
	}
	if _, err := ValidateBuy(p, "PENNY", 1, tiny); err != nil {
		t.Errorf("filling to the limit should pass, got %v", err)
	}
}

// --- Sell ---

func TestValidateSell_AllSharesRemovesHolding(t *testing.T) {
	p := mustApply(t, fresh(1000), model.Buy, "AAPL", 5, 100)
	p = mustApply(t, p, model.Sell, "AAPL", 5, 120)

	if _, ok := p.Holdings["AAPL"]; ok {
		t.Error("holding should be removed after selling all shares")
	}
	if !p.Balance.Equal(d(1100)) {
		t.Errorf("expected balance=1100, got %s", p.Balance)
	}
}

func TestValidateSell_PartialKeepsAverage(t *testing.T) {
	p := mustApply(t, fresh(10000), model.Buy, "AAPL", 10, 50)
	p = mustApply(t, p, model.Buy, "AAPL", 10, 70)
	p = mustApply(t, p, model.Sell, "AAPL", 15, 10)

	h := p.Holdings["AAPL"]
	if h.Shares != 5 {
		t.Errorf("expected shares=5, got %d", h.Shares)
	}
	if !h.AveragePrice.Equal(d(60)) {
		t.Errorf("sell must not change average, got %s", h.AveragePrice)
	}
}

func TestValidateSell_NoPosition(t *testing.T) {
	_, err := ValidateSell(fresh(1000), "AAPL", 3, d(10))
	if !errors.Is(err, ErrNoPosition) {
		t.Errorf("expected ErrNoPosition, got %v", err)
	}
}

func TestValidateSell_InsufficientShares(t *testing.T) {
	p := mustApply(t, fresh(1000), model.Buy, "AAPL", 2, 10)

	_, err := ValidateSell(p, "AAPL", 3, d(10))
	var se *InsufficientSharesError
	if !errors.As(err, &se) {
		t.Fatalf("expected *InsufficientSharesError, got %v", err)
	}
	if se.Held != 2 || se.Requested != 3 {
		t.Errorf("expected held=2 requested=3, got %+v", se)
	}
	if !errors.Is(err, ErrInsufficientShares) {
		t.Error("expected errors.Is ErrInsufficientShares")
	}
}

// --- Misc ---

func TestApply_DoesNotAliasInput(t *testing.T) {
	p := fresh(1000)
	r, _ := ValidateBuy(p, "AAPL", 1, d(10))
	next := Apply(p, r)

	if len(p.Holdings) != 0 {
		t.Error("Apply mutated the input holdings")
	}
	if len(next.Holdings) != 1 {
		t.Error("expected one holding in result")
	}
}

func TestValidate_InvalidSide(t *testing.T) {
	_, err := Validate(fresh(100), model.Side("short"), "AAPL", 1, d(1))
	if !errors.Is(err, ErrInvalidSide) {
		t.Errorf("expected ErrInvalidSide, got %v", err)
	}
}

func TestMaxAffordable(t *testing.T) {
	if n := MaxAffordable(d(1000), d(300)); n != 3 {
		t.Errorf("expected 3, got %d", n)
	}
	if n := MaxAffordable(d(1000), decimal.Zero); n != 0 {
		t.Errorf("expected 0 for zero price, got %d", n)
	}
	if n := MaxAffordable(d(99.99), d(100)); n != 0 {
		t.Errorf("expected 0, got %d", n)
	}
	if n := MaxAffordable(d(1e9), decimal.New(1, -15)); n != math.MaxInt64 {
		t.Errorf("expected cap at MaxInt64, got %d", n)
	}
}

func TestIsValidation_Infrastructure(t *testing.T) {
	if IsValidation(errors.New("connection refused")) {
		t.Error("infrastructure error classified as validation")
	}
}
