package store

import (
	"context"
	"time"

	"github.com/atmx/paper-ledger/internal/metrics"
	"github.com/atmx/paper-ledger/internal/model"
)

// DefaultTimeout bounds a remote call when Guard is given zero.
const DefaultTimeout = 5 * time.Second

// Guard wraps a Store so that every call is bounded by a timeout and every
// error carries a taxonomy sentinel. A call that outlives the timeout fails
// with ErrUnreachable even if the backend ignores its context.
type Guard struct {
	inner   Store
	timeout time.Duration
}

// NewGuard wraps inner with the given per-call timeout.
func NewGuard(inner Store, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guard{inner: inner, timeout: timeout}
}

func (g *Guard) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	p, err := bounded(ctx, g.timeout, func(ctx context.Context) (*model.Portfolio, error) {
		return g.inner.GetPortfolio(ctx, userID)
	})
	return p, g.observe("get_portfolio", err)
}

func (g *Guard) CreatePortfolio(ctx context.Context, userID string, initial model.Portfolio) error {
	_, err := bounded(ctx, g.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.CreatePortfolio(ctx, userID, initial)
	})
	return g.observe("create_portfolio", err)
}

func (g *Guard) UpdatePortfolio(ctx context.Context, userID string, p model.Portfolio) error {
	_, err := bounded(ctx, g.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.UpdatePortfolio(ctx, userID, p)
	})
	return g.observe("update_portfolio", err)
}

func (g *Guard) AppendTransaction(ctx context.Context, tx model.Transaction) (string, error) {
	id, err := bounded(ctx, g.timeout, func(ctx context.Context) (string, error) {
		return g.inner.AppendTransaction(ctx, tx)
	})
	return id, g.observe("append_transaction", err)
}

func (g *Guard) QueryTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	txs, err := bounded(ctx, g.timeout, func(ctx context.Context) ([]model.Transaction, error) {
		return g.inner.QueryTransactions(ctx, userID)
	})
	return txs, g.observe("query_transactions", err)
}

func (g *Guard) observe(op string, err error) error {
	if err == nil {
		return nil
	}
	err = Classify(err)
	if IsRemoteFailure(err) {
		metrics.RemoteErrors.WithLabelValues(op, Class(err)).Inc()
	}
	return err
}

// bounded runs fn and returns ctx's error if fn has not finished by the
// deadline. fn keeps running in the background; its result is discarded.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
