// Package store defines the remote persistence interface for portfolios and
// transaction records. Implementations include PostgreSQL (source of truth),
// Redis (read-through portfolio cache), and in-memory (for testing). Guard
// bounds every call with a timeout and maps failures onto the error taxonomy.
package store

import (
	"context"

	"github.com/atmx/paper-ledger/internal/model"
)

// Store is the remote portfolio store adapter.
type Store interface {
	// --- Portfolio documents ---

	// GetPortfolio returns the user's portfolio or ErrNotFound.
	GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error)

	// CreatePortfolio writes a new document. Returns ErrAlreadyExists
	// rather than overwriting an existing one.
	CreatePortfolio(ctx context.Context, userID string, initial model.Portfolio) error

	// UpdatePortfolio replaces balance, holdings and lastUpdated,
	// creating the document if it is missing.
	UpdatePortfolio(ctx context.Context, userID string, p model.Portfolio) error

	// --- Transaction records ---

	// AppendTransaction creates a remote record and returns its id. A
	// second append with the same non-empty ClientRef returns the first
	// record's id without creating another.
	AppendTransaction(ctx context.Context, tx model.Transaction) (string, error)

	// QueryTransactions returns all of the user's remote records.
	QueryTransactions(ctx context.Context, userID string) ([]model.Transaction, error)
}
