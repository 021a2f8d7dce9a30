package localqueue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/kvstore"
	"github.com/atmx/paper-ledger/internal/model"
)

// failingKV fails every Set while fail is true.
type failingKV struct {
	*kvstore.Memory
	mu   sync.Mutex
	fail bool
}

func (f *failingKV) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("disk full")
	}
	return f.Memory.Set(ctx, key, value)
}

func (f *failingKV) Update(ctx context.Context, key string, fn kvstore.UpdateFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("disk full")
	}
	return f.Memory.Update(ctx, key, fn)
}

func tx(user, symbol string, shares int64) model.Transaction {
	return model.NewTransaction(user, symbol, model.Buy, shares, decimal.NewFromInt(10), time.Now())
}

func TestEnqueue_AssignsLocalIDAndPersists(t *testing.T) {
	kv := kvstore.NewMemory()
	q := New(kv)
	ctx := context.Background()

	e, err := q.Enqueue(ctx, tx("u1", "AAPL", 1))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !strings.HasPrefix(e.ID, model.LocalIDPrefix) {
		t.Errorf("expected local id prefix, got %s", e.ID)
	}
	if !e.SyncPending || !e.SavedLocally {
		t.Errorf("expected sync_pending and saved_locally, got %+v", e)
	}

	blob, err := kv.Get(ctx, QueueKey)
	if err != nil {
		t.Fatalf("blob not persisted: %v", err)
	}
	if !strings.Contains(blob, e.ID) {
		t.Errorf("persisted blob missing entry %s: %s", e.ID, blob)
	}
}

func TestEnqueue_SameLocalIDOnce(t *testing.T) {
	q := New(kvstore.NewMemory())
	ctx := context.Background()

	e, _ := q.Enqueue(ctx, tx("u1", "AAPL", 1))
	q.Enqueue(ctx, e.Transaction)

	if q.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", q.Len())
	}
}

func TestListPending_FiltersByUser(t *testing.T) {
	q := New(kvstore.NewMemory())
	ctx := context.Background()
	q.Enqueue(ctx, tx("u1", "AAPL", 1))
	q.Enqueue(ctx, tx("u2", "TCS", 2))
	q.Enqueue(ctx, tx("u1", "INFY", 3))

	got := q.ListPending("u1")
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for u1, got %d", len(got))
	}
	if got[0].Symbol != "AAPL" || got[1].Symbol != "INFY" {
		t.Errorf("expected enqueue order AAPL, INFY, got %s, %s", got[0].Symbol, got[1].Symbol)
	}
	if len(q.ListPending("nobody")) != 0 {
		t.Error("expected no entries for unknown user")
	}
}

func TestRemove(t *testing.T) {
	kv := kvstore.NewMemory()
	q := New(kv)
	ctx := context.Background()
	a, _ := q.Enqueue(ctx, tx("u1", "AAPL", 1))
	b, _ := q.Enqueue(ctx, tx("u1", "TCS", 1))

	if err := q.Remove(ctx, a.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := q.Remove(ctx, a.ID); !errors.Is(err, ErrNotQueued) {
		t.Errorf("expected ErrNotQueued on second remove, got %v", err)
	}

	reloaded := New(kv)
	reloaded.Load(ctx)
	entries := reloaded.Entries()
	if len(entries) != 1 || entries[0].ID != b.ID {
		t.Errorf("expected only %s after reload, got %+v", b.ID, entries)
	}
}

func TestLoad_RestoresAcrossRestart(t *testing.T) {
	kv := kvstore.NewMemory()
	ctx := context.Background()

	q := New(kv)
	e, _ := q.Enqueue(ctx, tx("u1", "AAPL", 4))
	q.SetStatus(e.ID, model.StatusSyncing)

	restarted := New(kv)
	restarted.Load(ctx)
	entries := restarted.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after restart, got %d", len(entries))
	}
	got := entries[0]
	if got.ID != e.ID || got.Shares != 4 || !got.Total.Equal(decimal.NewFromInt(40)) {
		t.Errorf("entry changed across restart: %+v", got)
	}
	if got.Status != model.StatusPending {
		t.Errorf("expected pending after restart, got %s", got.Status)
	}
}

func TestLoad_MissingOrCorruptIsEmpty(t *testing.T) {
	ctx := context.Background()

	q := New(kvstore.NewMemory())
	q.Load(ctx)
	if q.Len() != 0 {
		t.Errorf("expected empty queue for missing blob, got %d", q.Len())
	}

	kv := kvstore.NewMemory()
	kv.Set(ctx, QueueKey, "{not json")
	q = New(kv)
	q.Load(ctx)
	if q.Len() != 0 {
		t.Errorf("expected empty queue for corrupt blob, got %d", q.Len())
	}
}

func TestEnqueue_DurableFailureKeepsEntryInMemory(t *testing.T) {
	kv := &failingKV{Memory: kvstore.NewMemory(), fail: true}
	q := New(kv)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, tx("u1", "AAPL", 1)); err == nil {
		t.Fatal("expected persist error")
	}
	if len(q.ListPending("u1")) != 1 {
		t.Fatal("entry must stay visible in memory after a failed write")
	}

	kv.mu.Lock()
	kv.fail = false
	kv.mu.Unlock()
	q.Enqueue(ctx, tx("u1", "TCS", 1))

	restarted := New(kv)
	restarted.Load(ctx)
	if restarted.Len() != 2 {
		t.Errorf("expected both entries durable after recovery, got %d", restarted.Len())
	}
}

func TestConcurrentEnqueueAndRemove(t *testing.T) {
	kv := kvstore.NewMemory()
	q := New(kv)
	ctx := context.Background()

	seed := make([]string, 50)
	for i := range seed {
		e, _ := q.Enqueue(ctx, tx("u1", "OLD", 1))
		seed[i] = e.ID
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			q.Enqueue(ctx, tx("u1", "NEW", 1))
		}
	}()
	go func() {
		defer wg.Done()
		for _, id := range seed {
			q.Remove(ctx, id)
		}
	}()
	wg.Wait()

	restarted := New(kv)
	restarted.Load(ctx)
	entries := restarted.Entries()
	if len(entries) != 50 {
		t.Fatalf("expected 50 surviving entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Symbol != "NEW" {
			t.Errorf("unexpected surviving entry %+v", e)
		}
	}
}

// An operator process removing an entry must not wipe one the server enqueued
// after the operator loaded the blob.
func TestRemove_KeepsEntryAddedByOtherWriter(t *testing.T) {
	kv := kvstore.NewMemory()
	ctx := context.Background()

	server := New(kv)
	a, _ := server.Enqueue(ctx, tx("u1", "AAPL", 1))

	operator := New(kv)
	operator.Load(ctx)

	b, _ := server.Enqueue(ctx, tx("u1", "TCS", 1))

	if err := operator.Remove(ctx, a.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	restarted := New(kv)
	restarted.Load(ctx)
	entries := restarted.Entries()
	if len(entries) != 1 || entries[0].ID != b.ID {
		t.Fatalf("expected only %s durable, got %+v", b.ID, entries)
	}
	if got := operator.Entries(); len(got) != 1 || got[0].ID != b.ID {
		t.Errorf("operator should adopt %s, got %+v", b.ID, got)
	}
}

func TestEnqueue_DropsEntryRemovedByOtherWriter(t *testing.T) {
	kv := kvstore.NewMemory()
	ctx := context.Background()

	server := New(kv)
	a, _ := server.Enqueue(ctx, tx("u1", "AAPL", 1))

	operator := New(kv)
	operator.Load(ctx)
	if err := operator.Remove(ctx, a.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	c, _ := server.Enqueue(ctx, tx("u1", "INFY", 1))

	restarted := New(kv)
	restarted.Load(ctx)
	entries := restarted.Entries()
	if len(entries) != 1 || entries[0].ID != c.ID {
		t.Fatalf("expected only %s durable, got %+v", c.ID, entries)
	}
	if len(server.ListPending("u1")) != 1 {
		t.Errorf("server should drop the entry synced elsewhere, got %+v", server.ListPending("u1"))
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	q := New(kvstore.NewMemory())
	ctx := context.Background()

	if _, err := q.Snapshot(ctx, "u1"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}

	p := model.NewPortfolio("u1", decimal.NewFromInt(500), time.Now())
	p.Holdings["AAPL"] = model.Holding{Symbol: "AAPL", Shares: 10, AveragePrice: decimal.NewFromInt(50)}
	if err := q.SaveSnapshot(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := q.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !got.Balance.Equal(decimal.NewFromInt(500)) || got.Holdings["AAPL"].Shares != 10 {
		t.Errorf("snapshot mismatch: %+v", got)
	}
}
