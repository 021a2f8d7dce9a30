package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// holdings are one JSONB document per portfolio.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	var balance string
	var holdings []byte
	p := model.Portfolio{UserID: userID}

	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT, holdings, last_updated
		 FROM portfolios WHERE user_id = $1`, userID).
		Scan(&balance, &holdings, &p.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", userID, err)
	}

	p.Balance, _ = decimal.NewFromString(balance)
	if err := json.Unmarshal(holdings, &p.Holdings); err != nil {
		return nil, fmt.Errorf("decode holdings for %s: %w", userID, err)
	}
	if p.Holdings == nil {
		p.Holdings = make(map[string]model.Holding)
	}
	return &p, nil
}

func (s *PostgresStore) CreatePortfolio(ctx context.Context, userID string, initial model.Portfolio) error {
	holdings, err := encodeHoldings(initial.Holdings)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO portfolios (user_id, balance, holdings, last_updated)
		 VALUES ($1, $2::NUMERIC, $3, $4)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, initial.Balance.String(), holdings, lastUpdated(initial),
	)
	if err != nil {
		return fmt.Errorf("create portfolio %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, userID)
	}
	return nil
}

func (s *PostgresStore) UpdatePortfolio(ctx context.Context, userID string, p model.Portfolio) error {
	holdings, err := encodeHoldings(p.Holdings)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO portfolios (user_id, balance, holdings, last_updated)
		 VALUES ($1, $2::NUMERIC, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET balance = EXCLUDED.balance,
		     holdings = EXCLUDED.holdings,
		     last_updated = EXCLUDED.last_updated`,
		userID, p.Balance.String(), holdings, lastUpdated(p),
	)
	if err != nil {
		return fmt.Errorf("update portfolio %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) AppendTransaction(ctx context.Context, tx model.Transaction) (string, error) {
	var id string
	// On a repeated client_ref the no-op update lets RETURNING yield the
	// existing row's id.
	err := s.pool.QueryRow(ctx,
		`INSERT INTO transactions (id, user_id, symbol, side, shares, price, total, timestamp, client_ref)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT (client_ref) DO UPDATE SET client_ref = EXCLUDED.client_ref
		 RETURNING id::TEXT`,
		uuid.NewString(), tx.UserID, tx.Symbol, string(tx.Side), tx.Shares,
		tx.Price.String(), tx.Total.String(), tx.Timestamp, nullable(tx.ClientRef),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("append transaction for %s: %w", tx.UserID, err)
	}
	return id, nil
}

func (s *PostgresStore) QueryTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, user_id, symbol, side, shares,
		        price::TEXT, total::TEXT, timestamp, COALESCE(client_ref, '')
		 FROM transactions WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// pgxRows is the subset of pgx.Rows used by scanTransactions.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTransactions(rows pgxRows) ([]model.Transaction, error) {
	var txs []model.Transaction
	for rows.Next() {
		var tx model.Transaction
		var side, priceS, totalS string

		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Symbol, &side, &tx.Shares,
			&priceS, &totalS, &tx.Timestamp, &tx.ClientRef); err != nil {
			return nil, err
		}

		tx.Side = model.Side(side)
		tx.Price, _ = decimal.NewFromString(priceS)
		tx.Total, _ = decimal.NewFromString(totalS)

		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func encodeHoldings(h map[string]model.Holding) ([]byte, error) {
	if h == nil {
		h = map[string]model.Holding{}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode holdings: %w", err)
	}
	return data, nil
}

func lastUpdated(p model.Portfolio) time.Time {
	if p.LastUpdated.IsZero() {
		return time.Now().UTC()
	}
	return p.LastUpdated
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
