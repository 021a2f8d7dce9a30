package backend

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/atmx/paper-ledger/internal/config"
	"github.com/atmx/paper-ledger/internal/kvstore"
	"github.com/atmx/paper-ledger/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Remote: config.RemoteConfig{Timeout: time.Second},
		Local:  config.LocalConfig{Backend: config.LocalSQLite, Path: filepath.Join(t.TempDir(), "local.db")},
	}
}

func TestOpen_MemoryRemoteSQLiteLocal(t *testing.T) {
	b, err := Open(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	if _, ok := b.Remote.(*store.Guard); !ok {
		t.Errorf("remote store should be guarded, got %T", b.Remote)
	}
	if _, ok := b.Local.(*kvstore.SQLite); !ok {
		t.Errorf("expected sqlite local store, got %T", b.Local)
	}
	if b.RemoteDurable {
		t.Error("in-memory remote must not report durable")
	}
	if _, err := b.Remote.GetPortfolio(context.Background(), "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound from empty remote, got %v", err)
	}
}

func TestOpen_EncryptedLocal(t *testing.T) {
	var key fernet.Key
	key.Generate()

	cfg := testConfig(t)
	cfg.Local.Backend = config.LocalMemory
	cfg.Local.Key = key.Encode()

	b, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()
	if _, ok := b.Local.(*kvstore.Encrypted); !ok {
		t.Errorf("expected encrypted local store, got %T", b.Local)
	}
}

func TestOpen_BadKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Local.Key = "not-a-key"
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Error("expected error for invalid fernet key")
	}
}
