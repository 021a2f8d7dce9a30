package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/atmx/paper-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	portfolios map[string]model.Portfolio
	txs        []model.Transaction
	byRef      map[string]string // client_ref -> id
	failure    error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		portfolios: make(map[string]model.Portfolio),
		byRef:      make(map[string]string),
	}
}

// SetFailure makes every subsequent call return err until cleared with nil.
// Lets tests simulate an unreachable remote.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failure != nil {
		return nil, s.failure
	}
	p, ok := s.portfolios[userID]
	if !ok {
		return nil, fmt.Errorf("%w: portfolio %s", ErrNotFound, userID)
	}
	// Copy to avoid external mutation.
	c := p.Clone()
	return &c, nil
}

func (s *MemoryStore) CreatePortfolio(_ context.Context, userID string, initial model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return s.failure
	}
	if _, ok := s.portfolios[userID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, userID)
	}
	c := initial.Clone()
	c.UserID = userID
	s.portfolios[userID] = c
	return nil
}

func (s *MemoryStore) UpdatePortfolio(_ context.Context, userID string, p model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return s.failure
	}
	c := p.Clone()
	c.UserID = userID
	s.portfolios[userID] = c
	return nil
}

func (s *MemoryStore) AppendTransaction(_ context.Context, tx model.Transaction) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return "", s.failure
	}
	if tx.ClientRef != "" {
		if id, ok := s.byRef[tx.ClientRef]; ok {
			return id, nil
		}
	}

	tx.ID = uuid.NewString()
	tx.SyncPending = false
	s.txs = append(s.txs, tx)
	if tx.ClientRef != "" {
		s.byRef[tx.ClientRef] = tx.ID
	}
	return tx.ID, nil
}

func (s *MemoryStore) QueryTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failure != nil {
		return nil, s.failure
	}
	var result []model.Transaction
	for _, tx := range s.txs {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}
