// Package backend opens the remote store and the local durable key/value
// store described by a Config. Shared by the server and the operator CLI.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-ledger/internal/config"
	"github.com/atmx/paper-ledger/internal/kvstore"
	"github.com/atmx/paper-ledger/internal/store"
)

// cacheTTL bounds how stale a cached portfolio document may be.
const cacheTTL = 30 * time.Second

// Backends are the opened stores plus the functions that release them.
type Backends struct {
	Remote store.Store // guarded: bounded and classified
	Local  kvstore.Store

	// RemoteDurable is false when Remote is the in-memory stand-in, whose
	// records vanish with the process.
	RemoteDurable bool

	cleanup []func()
}

// Close releases every opened connection in reverse order.
func (b *Backends) Close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

// Open connects to everything cfg names. On error, whatever was opened is
// closed again.
func Open(ctx context.Context, cfg *config.Config) (_ *Backends, err error) {
	b := &Backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		b.cleanup = append(b.cleanup, func() { rdb.Close() })
	}

	// --- Remote store ---
	var remote store.Store
	if cfg.Remote.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Remote.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		b.cleanup = append(b.cleanup, pool.Close)

		if cfg.Remote.Migrate {
			if err := store.Migrate(ctx, pool); err != nil {
				return nil, err
			}
			slog.Info("database migrations applied")
		}
		remote = store.NewPostgresStore(pool)
		b.RemoteDurable = true
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			remote = store.NewCachedStore(remote, rdb, cacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory remote store (data will not persist)")
		remote = store.NewMemoryStore()
	}
	b.Remote = store.NewGuard(remote, cfg.Remote.Timeout)

	// --- Local durable store ---
	var local kvstore.Store
	switch cfg.Local.Backend {
	case config.LocalSQLite:
		db, err := kvstore.OpenSQLite(cfg.Local.Path)
		if err != nil {
			return nil, err
		}
		b.cleanup = append(b.cleanup, func() { db.Close() })
		local = db
		slog.Info("local store opened", "backend", "sqlite", "path", cfg.Local.Path)
	case config.LocalRedis:
		local = kvstore.NewRedis(rdb, "paperledger:")
		slog.Info("local store opened", "backend", "redis")
	default:
		slog.Warn("using in-memory local store (queued transactions will not survive restart)")
		local = kvstore.NewMemory()
	}

	if cfg.Local.Key != "" {
		enc, err := kvstore.NewEncrypted(local, cfg.Local.Key)
		if err != nil {
			return nil, err
		}
		local = enc
		slog.Info("local store encryption enabled")
	}
	b.Local = local

	return b, nil
}
