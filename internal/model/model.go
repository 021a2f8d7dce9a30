// Package model defines the core domain types shared across the paper ledger.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LocalIDPrefix marks transaction ids generated on the device, so they never
// collide with ids assigned by the remote store.
const LocalIDPrefix = "local_"

// Side is the direction of a trade.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Buy:
		return Buy, true
	case Sell:
		return Sell, true
	}
	return "", false
}

// Holding is a user's position in one symbol. A holding with zero shares is
// never stored; it is removed from Portfolio.Holdings instead.
type Holding struct {
	Symbol       string          `json:"symbol"`
	Shares       int64           `json:"shares"`
	AveragePrice decimal.Decimal `json:"average_price"` // cost basis per held share
}

// CostBasis is the total cost of the currently held shares.
func (h Holding) CostBasis() decimal.Decimal {
	return h.AveragePrice.Mul(decimal.NewFromInt(h.Shares))
}

// Portfolio is the per-user cash and holdings document.
type Portfolio struct {
	UserID      string             `json:"user_id"`
	Balance     decimal.Decimal    `json:"balance"`
	Holdings    map[string]Holding `json:"holdings"`
	LastUpdated time.Time          `json:"last_updated"`
}

// NewPortfolio returns an empty portfolio holding only cash.
func NewPortfolio(userID string, balance decimal.Decimal, now time.Time) Portfolio {
	return Portfolio{
		UserID:      userID,
		Balance:     balance,
		Holdings:    make(map[string]Holding),
		LastUpdated: now.UTC(),
	}
}

// Clone returns a deep copy so callers can mutate it without aliasing the
// holdings map.
func (p Portfolio) Clone() Portfolio {
	c := p
	c.Holdings = make(map[string]Holding, len(p.Holdings))
	for k, v := range p.Holdings {
		c.Holdings[k] = v
	}
	return c
}

// Transaction is an immutable record of an executed trade.
// Total always equals Shares * Price and is never recomputed.
type Transaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Shares    int64           `json:"shares"`
	Price     decimal.Decimal `json:"price"`
	Total     decimal.Decimal `json:"total"`
	Timestamp time.Time       `json:"timestamp"`

	// ClientRef is the local id assigned when the trade was applied. The
	// remote store deduplicates appends on it, so a write that landed but
	// timed out is not recorded twice when the queued copy is replayed.
	ClientRef   string `json:"client_ref,omitempty"`
	SyncPending bool   `json:"sync_pending"`
}

// NewTransaction builds a transaction with Total fixed at creation.
func NewTransaction(userID, symbol string, side Side, shares int64, price decimal.Decimal, at time.Time) Transaction {
	return Transaction{
		UserID:    userID,
		Symbol:    symbol,
		Side:      side,
		Shares:    shares,
		Price:     price,
		Total:     price.Mul(decimal.NewFromInt(shares)),
		Timestamp: at.UTC(),
	}
}

// IsLocal reports whether the id was generated on the device.
func (t Transaction) IsLocal() bool {
	return strings.HasPrefix(t.ID, LocalIDPrefix)
}

// QueueStatus is the reconciliation state of a queue entry.
type QueueStatus string

const (
	StatusPending QueueStatus = "pending"
	StatusSyncing QueueStatus = "syncing"
)

// QueueEntry wraps a transaction that could not be committed remotely.
// Entries are removed once an equivalent record is written remotely.
type QueueEntry struct {
	Transaction
	SavedLocally bool        `json:"saved_locally"`
	CreatedAt    time.Time   `json:"created_at"`
	Status       QueueStatus `json:"-"`
}
