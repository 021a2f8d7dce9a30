package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for portfolio documents. Writes go to the primary store and refresh
// the cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) CreatePortfolio(ctx context.Context, userID string, initial model.Portfolio) error {
	if err := s.primary.CreatePortfolio(ctx, userID, initial); err != nil {
		return err
	}
	initial.UserID = userID
	s.cachePortfolio(ctx, initial)
	return nil
}

func (s *CachedStore) UpdatePortfolio(ctx context.Context, userID string, p model.Portfolio) error {
	if err := s.primary.UpdatePortfolio(ctx, userID, p); err != nil {
		// The cached copy may no longer match the primary.
		s.rdb.Del(ctx, portfolioKey(userID))
		return err
	}
	p.UserID = userID
	s.cachePortfolio(ctx, p)
	return nil
}

func (s *CachedStore) AppendTransaction(ctx context.Context, tx model.Transaction) (string, error) {
	id, err := s.primary.AppendTransaction(ctx, tx)
	if err != nil {
		return "", err
	}
	s.rdb.Del(ctx, transactionsKey(tx.UserID))
	return id, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	data, err := s.rdb.Get(ctx, portfolioKey(userID)).Bytes()
	if err == nil {
		var p model.Portfolio
		if json.Unmarshal(data, &p) == nil {
			if p.Holdings == nil {
				p.Holdings = make(map[string]model.Holding)
			}
			return &p, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		slog.Warn("portfolio cache read failed", "user", userID, "err", err)
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.cachePortfolio(ctx, *p)
	return p, nil
}

func (s *CachedStore) QueryTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	data, err := s.rdb.Get(ctx, transactionsKey(userID)).Bytes()
	if err == nil {
		var txs []model.Transaction
		if json.Unmarshal(data, &txs) == nil {
			return txs, nil
		}
	}

	txs, err := s.primary.QueryTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(txs); err == nil {
		s.rdb.Set(ctx, transactionsKey(userID), data, s.ttl)
	}
	return txs, nil
}

// --- Cache helpers ---

func (s *CachedStore) cachePortfolio(ctx context.Context, p model.Portfolio) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, portfolioKey(p.UserID), data, s.ttl)
	}
}

func portfolioKey(uid string) string    { return fmt.Sprintf("portfolio:%s", uid) }
func transactionsKey(uid string) string { return fmt.Sprintf("transactions:%s", uid) }
