// Package session is the portfolio facade the HTTP layer talks to. It owns the
// in-memory portfolio of every signed-in user and splits a trade into two
// phases: ApplyLocally validates and applies the trade in memory, and Persist
// writes the result remotely, queueing the transaction locally when the
// remote write fails.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/paper-ledger/internal/auth"
	"github.com/atmx/paper-ledger/internal/ledger"
	"github.com/atmx/paper-ledger/internal/localqueue"
	"github.com/atmx/paper-ledger/internal/metrics"
	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/store"
	"github.com/atmx/paper-ledger/internal/symbol"
)

// PermissionAdvisory is returned once per process with the first trade whose
// remote write was rejected for lack of permission.
const PermissionAdvisory = "remote store rejected the write: check database grants for this service. " +
	"Trades are saved on this device and will sync once access is fixed."

// Source names where InitializePortfolio found the portfolio.
type Source string

const (
	SourceRemote   Source = "remote"   // existing remote document
	SourceCreated  Source = "created"  // new remote document
	SourceSnapshot Source = "snapshot" // local snapshot, remote unavailable
	SourceDefault  Source = "default"  // fresh default, nothing else available
)

// PersistResult describes the outcome of the remote persistence phase.
type PersistResult struct {
	Transaction model.Transaction `json:"transaction"`

	// Synced is true when the transaction record was written remotely.
	Synced bool `json:"synced"`

	// Queued is true when the record went to the local queue instead.
	Queued bool `json:"queued"`

	// PortfolioSynced is true when the portfolio document was written.
	PortfolioSynced bool `json:"portfolio_synced"`

	// Advisory is non-empty at most once per process.
	Advisory string `json:"advisory,omitempty"`

	RemoteErr error `json:"-"`
	LocalErr  error `json:"-"`
}

// History is a merged, newest-first transaction list.
type History struct {
	Transactions []model.Transaction `json:"transactions"`

	// LocalOnly is true when the remote query failed and only queued entries
	// are included.
	LocalOnly bool `json:"local_only"`
}

type userState struct {
	mu        sync.Mutex // serializes trades for one user
	portfolio model.Portfolio // zero until loaded
	source    Source
}

// Session is the Portfolio Session Facade. Safe for concurrent use.
type Session struct {
	remote          store.Store
	queue           *localqueue.Queue
	startingBalance decimal.Decimal
	now             func() time.Time

	mu    sync.Mutex
	users map[string]*userState

	advised atomic.Bool
}

// New creates a session facade. startingBalance seeds fresh portfolios.
func New(remote store.Store, q *localqueue.Queue, startingBalance decimal.Decimal) *Session {
	return &Session{
		remote:          remote,
		queue:           q,
		startingBalance: startingBalance,
		now:             time.Now,
		users:           make(map[string]*userState),
	}
}

func (s *Session) state(userID string) *userState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.users[userID]
	if !ok {
		st = &userState{}
		s.users[userID] = st
		metrics.ActiveSessions.Set(float64(len(s.users)))
	}
	return st
}

// InitializePortfolio loads the user's portfolio into memory and returns it.
// It fetches the remote document, creating one when none exists; on remote
// failure it falls back to the local snapshot, then to a fresh default. It
// never fails.
func (s *Session) InitializePortfolio(ctx context.Context, userID string) (model.Portfolio, Source) {
	st := s.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.portfolio = model.Portfolio{}
	s.ensureLocked(ctx, st, userID)
	return st.portfolio.Clone(), st.source
}

func (s *Session) load(ctx context.Context, userID string) (model.Portfolio, Source) {
	remote, err := s.remote.GetPortfolio(ctx, userID)
	if err == nil {
		p := normalize(*remote, userID)
		s.saveSnapshot(ctx, p)
		return p, SourceRemote
	}

	if errors.Is(err, store.ErrNotFound) {
		fresh := model.NewPortfolio(userID, s.startingBalance, s.now())
		cerr := s.remote.CreatePortfolio(ctx, userID, fresh)
		switch {
		case cerr == nil:
			s.saveSnapshot(ctx, fresh)
			return fresh, SourceCreated
		case errors.Is(cerr, store.ErrAlreadyExists):
			// Another device created it between our get and create.
			if again, gerr := s.remote.GetPortfolio(ctx, userID); gerr == nil {
				p := normalize(*again, userID)
				s.saveSnapshot(ctx, p)
				return p, SourceRemote
			}
		default:
			slog.Warn("remote portfolio create failed", "user", userID, "err", cerr)
			s.noteAdvisory(cerr)
		}
	} else {
		slog.Warn("remote portfolio fetch failed", "user", userID, "err", err)
		s.noteAdvisory(err)
	}

	if snap, serr := s.queue.Snapshot(ctx, userID); serr == nil {
		return normalize(snap, userID), SourceSnapshot
	} else if !errors.Is(serr, localqueue.ErrNoSnapshot) {
		slog.Error("local snapshot unreadable", "user", userID, "err", serr)
	}

	fresh := model.NewPortfolio(userID, s.startingBalance, s.now())
	s.saveSnapshot(ctx, fresh)
	return fresh, SourceDefault
}

func normalize(p model.Portfolio, userID string) model.Portfolio {
	p = p.Clone()
	p.UserID = userID
	return p
}

// Portfolio returns a copy of the user's in-memory portfolio and where it was
// initialized from.
func (s *Session) Portfolio(userID string) (model.Portfolio, Source, bool) {
	s.mu.Lock()
	st, ok := s.users[userID]
	s.mu.Unlock()
	if !ok {
		return model.Portfolio{}, "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.portfolio.Holdings == nil {
		return model.Portfolio{}, "", false
	}
	return st.portfolio.Clone(), st.source, true
}

// Clear drops the user's in-memory state.
func (s *Session) Clear(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	metrics.ActiveSessions.Set(float64(len(s.users)))
}

// HandleAuth initializes the portfolio on login and clears it on logout.
func (s *Session) HandleAuth(ev auth.Event) {
	switch ev.Kind {
	case auth.LoggedIn:
		s.InitializePortfolio(context.Background(), ev.UserID)
	case auth.LoggedOut:
		s.Clear(ev.UserID)
	}
}

// ApplyLocally validates the trade against the in-memory portfolio and, on
// success, applies it and returns the new transaction and portfolio. On
// failure the portfolio is unchanged and the error matches one of the ledger
// sentinels. A user with no portfolio in memory is initialized first.
func (s *Session) ApplyLocally(ctx context.Context, userID, sym string, side model.Side, shares int64, price decimal.Decimal) (model.Transaction, model.Portfolio, error) {
	st := s.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return s.applyLocked(ctx, st, userID, sym, side, shares, price)
}

// ensureLocked loads the portfolio if this user has none in memory. Caller
// holds st.mu.
func (s *Session) ensureLocked(ctx context.Context, st *userState, userID string) {
	if st.portfolio.Holdings != nil {
		return
	}
	p, src := s.load(ctx, userID)
	st.portfolio = p
	st.source = src
	slog.Info("portfolio initialized", "user", userID, "source", string(src), "balance", p.Balance.String())
}

func (s *Session) applyLocked(ctx context.Context, st *userState, userID, sym string, side model.Side, shares int64, price decimal.Decimal) (model.Transaction, model.Portfolio, error) {
	s.ensureLocked(ctx, st, userID)

	canonical, err := symbol.Normalize(sym)
	if err != nil {
		err = fmt.Errorf("%w: %w", ledger.ErrInvalidSymbol, err)
		metrics.TradeRejections.WithLabelValues(reason(err)).Inc()
		return model.Transaction{}, model.Portfolio{}, err
	}

	res, err := ledger.Validate(st.portfolio, side, canonical, shares, price)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(reason(err)).Inc()
		slog.Info("trade rejected", "user", userID, "symbol", canonical, "side", string(side), "err", err)
		return model.Transaction{}, model.Portfolio{}, err
	}

	now := s.now()
	next := ledger.Apply(st.portfolio, res)
	next.LastUpdated = now.UTC()
	st.portfolio = next

	tx := model.NewTransaction(userID, canonical, side, shares, price, now)
	tx.ID = model.LocalIDPrefix + uuid.NewString()
	tx.ClientRef = tx.ID
	tx.SyncPending = true

	metrics.TradesTotal.WithLabelValues(string(side)).Inc()
	s.saveSnapshot(ctx, next)
	return tx, next.Clone(), nil
}

// Persist writes the portfolio document and the transaction record remotely,
// concurrently. When the record cannot be written, the transaction is queued
// locally before Persist returns. Persist never reports a failure through an
// error; the result carries what happened.
func (s *Session) Persist(ctx context.Context, p model.Portfolio, tx model.Transaction) PersistResult {
	start := time.Now()
	res := PersistResult{Transaction: tx}

	var (
		portfolioErr error
		appendErr    error
		remoteID     string
	)
	var g errgroup.Group
	g.Go(func() error {
		portfolioErr = s.remote.UpdatePortfolio(ctx, p.UserID, p)
		return portfolioErr
	})
	g.Go(func() error {
		remoteID, appendErr = s.remote.AppendTransaction(ctx, tx)
		return appendErr
	})
	res.RemoteErr = g.Wait()

	if portfolioErr == nil {
		res.PortfolioSynced = true
	} else {
		slog.Warn("portfolio update failed", "user", p.UserID, "err", portfolioErr)
	}

	if appendErr == nil {
		res.Synced = true
		res.Transaction.ID = remoteID
		res.Transaction.SyncPending = false
		metrics.PersistLatency.WithLabelValues("synced").Observe(time.Since(start).Seconds())
	} else {
		slog.Warn("transaction append failed, queueing locally", "user", tx.UserID, "tx_id", tx.ID, "err", appendErr)
		// The local write must happen even if the caller has given up.
		entry, err := s.queue.Enqueue(context.WithoutCancel(ctx), tx)
		res.Transaction = entry.Transaction
		res.Queued = true
		if err != nil {
			res.LocalErr = err
			slog.Error("queued transaction not durable yet", "user", tx.UserID, "tx_id", entry.ID, "err", err)
		}
		metrics.PersistLatency.WithLabelValues("queued").Observe(time.Since(start).Seconds())
	}

	if s.noteAdvisory(portfolioErr) || s.noteAdvisory(appendErr) {
		res.Advisory = PermissionAdvisory
	}
	return res
}

// noteAdvisory reports true the first time err is a permission failure.
func (s *Session) noteAdvisory(err error) bool {
	if !errors.Is(err, store.ErrPermissionDenied) {
		return false
	}
	if s.advised.CompareAndSwap(false, true) {
		slog.Warn("remote store denied access", "err", err)
		return true
	}
	return false
}

// TradeResult is the outcome of ExecuteTrade.
type TradeResult struct {
	PersistResult
	Portfolio model.Portfolio `json:"portfolio"`
}

// ExecuteTrade applies the trade locally and then persists it. Trades for one
// user are serialized, including their persistence. Only ledger validation
// failures are returned as errors.
func (s *Session) ExecuteTrade(ctx context.Context, userID, sym string, side model.Side, shares int64, price decimal.Decimal) (TradeResult, error) {
	st := s.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	tx, p, err := s.applyLocked(ctx, st, userID, sym, side, shares, price)
	if err != nil {
		return TradeResult{}, err
	}
	pr := s.Persist(ctx, p, tx)
	slog.Info("trade executed", "user", userID, "symbol", tx.Symbol, "side", string(side),
		"shares", shares, "tx_id", pr.Transaction.ID, "synced", pr.Synced)
	return TradeResult{PersistResult: pr, Portfolio: p}, nil
}

// GetTransactionHistory merges remote records with the user's queued entries,
// newest first. A queued entry already present remotely, by id or client
// reference, appears once. Remote failure yields the queued entries alone.
func (s *Session) GetTransactionHistory(ctx context.Context, userID string) History {
	var h History

	// Queue first: an entry drained during the remote query is then in at
	// least one of the two reads.
	pending := s.queue.ListPending(userID)
	remote, err := s.remote.QueryTransactions(ctx, userID)
	if err != nil {
		slog.Warn("remote history unavailable, serving local entries", "user", userID, "err", err)
		h.LocalOnly = true
	}

	seen := make(map[string]bool, len(remote))
	for _, tx := range remote {
		h.Transactions = append(h.Transactions, tx)
		seen[tx.ID] = true
		if tx.ClientRef != "" {
			seen[tx.ClientRef] = true
		}
	}
	for _, tx := range pending {
		if seen[tx.ID] || (tx.ClientRef != "" && seen[tx.ClientRef]) {
			continue
		}
		seen[tx.ID] = true
		h.Transactions = append(h.Transactions, tx)
	}

	sort.SliceStable(h.Transactions, func(i, j int) bool {
		return h.Transactions[i].Timestamp.After(h.Transactions[j].Timestamp)
	})
	if h.Transactions == nil {
		h.Transactions = []model.Transaction{}
	}
	return h
}

func (s *Session) saveSnapshot(ctx context.Context, p model.Portfolio) {
	if err := s.queue.SaveSnapshot(context.WithoutCancel(ctx), p); err != nil {
		slog.Error("failed to save portfolio snapshot", "user", p.UserID, "err", err)
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ledger.ErrNoPosition):
		return "no_position"
	case errors.Is(err, ledger.ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ledger.ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, ledger.ErrInvalidSymbol):
		return "invalid_symbol"
	case errors.Is(err, ledger.ErrInvalidSide):
		return "invalid_side"
	default:
		return "other"
	}
}
