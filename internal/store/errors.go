package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Lookup results.
var (
	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists indicates CreatePortfolio found an existing document.
	ErrAlreadyExists = errors.New("store: portfolio already exists")
)

// Failure taxonomy surfaced to callers. All three mean "could not persist
// remotely right now".
var (
	// ErrUnreachable covers network failures and timeouts.
	ErrUnreachable = errors.New("store: remote unreachable")

	// ErrPermissionDenied covers auth and access-rule rejections.
	ErrPermissionDenied = errors.New("store: permission denied")

	// ErrUnknown covers everything else.
	ErrUnknown = errors.New("store: unknown remote failure")
)

// Class returns a short label for err's taxonomy class, used in metrics.
func Class(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	default:
		return "unknown"
	}
}

// Classify wraps a raw backend error with its taxonomy sentinel. Errors that
// already carry a store sentinel pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrAlreadyExists, ErrUnreachable, ErrPermissionDenied, ErrUnknown} {
		if errors.Is(err, known) {
			return err
		}
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 42501 insufficient_privilege; class 28 invalid authorization.
		if pgErr.Code == "42501" || strings.HasPrefix(pgErr.Code, "28") {
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		// class 08 connection exception; 57P0x operator intervention.
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0") {
			return fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
		return fmt.Errorf("%w: %w", ErrUnknown, err)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		pgconn.Timeout(err),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	return fmt.Errorf("%w: %w", ErrUnknown, err)
}

// IsRemoteFailure reports whether err is one of the three failure classes
// that send a write down the local fallback path.
func IsRemoteFailure(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnknown)
}
