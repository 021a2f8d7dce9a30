// Package localqueue holds transactions that could not be committed to the
// remote store, plus the last known portfolio snapshot per user.
//
// The whole queue is persisted as one JSON blob under QueueKey. The in-memory
// list and its durable copy form a single critical section guarded by
// Queue.mu, so an Enqueue can never interleave with a Remove in a way that
// drops an entry.
//
// Several processes may share the blob (the server and ledgerctl). Every write
// is a read-merge-write through kvstore Update: entries another writer added
// are adopted, and entries another writer removed are dropped.
package localqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/paper-ledger/internal/kvstore"
	"github.com/atmx/paper-ledger/internal/metrics"
	"github.com/atmx/paper-ledger/internal/model"
)

// QueueKey is the install-wide key holding every user's queued entries.
const QueueKey = "localTransactions"

var (
	// ErrNotQueued is returned by Remove for an unknown id.
	ErrNotQueued = errors.New("localqueue: transaction not queued")

	// ErrNoSnapshot is returned when no portfolio snapshot is cached.
	ErrNoSnapshot = errors.New("localqueue: no cached portfolio snapshot")
)

// Queue is the local durable queue. Safe for concurrent use.
type Queue struct {
	kv  kvstore.Store
	now func() time.Time

	mu      sync.Mutex
	entries []model.QueueEntry  // FIFO by enqueue order
	seen    map[string]struct{} // ids in the durable blob at the last read or write
}

// New creates an empty queue backed by kv. Call Load once at startup.
func New(kv kvstore.Store) *Queue {
	return &Queue{kv: kv, now: time.Now}
}

// Load repopulates the in-memory list from durable storage. A missing or
// corrupt blob is treated as an empty queue.
func (q *Queue) Load(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = nil
	q.seen = nil
	defer q.reportDepth()

	blob, err := q.kv.Get(ctx, QueueKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Error("failed to load local queue, starting empty", "err", err)
		return
	}

	entries := decode(blob)
	for i := range entries {
		// A crash mid-drain leaves nothing syncing.
		entries[i].Status = model.StatusPending
	}
	q.entries = entries
	q.seen = ids(entries)
	slog.Info("loaded cached transactions", "count", len(entries))
}

// decode parses a queue blob. A corrupt blob decodes as empty.
func decode(blob string) []model.QueueEntry {
	var entries []model.QueueEntry
	if err := json.Unmarshal([]byte(blob), &entries); err != nil {
		slog.Error("local queue blob corrupt, treating as empty", "err", err)
		return nil
	}
	for i := range entries {
		entries[i].SyncPending = true
	}
	return entries
}

func ids(entries []model.QueueEntry) map[string]struct{} {
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		set[e.ID] = struct{}{}
	}
	return set
}

// Enqueue records tx locally and persists the full list before returning.
// A transaction without a local id is given one. If the durable write fails
// the entry is kept in memory and the error returned; the next successful
// write persists it.
func (q *Queue) Enqueue(ctx context.Context, tx model.Transaction) (model.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !tx.IsLocal() {
		tx.ID = model.LocalIDPrefix + uuid.NewString()
	}
	for _, e := range q.entries {
		if e.ID == tx.ID {
			return e, nil
		}
	}
	tx.SyncPending = true

	entry := model.QueueEntry{
		Transaction:  tx,
		SavedLocally: true,
		CreatedAt:    q.now().UTC(),
		Status:       model.StatusPending,
	}
	q.entries = append(q.entries, entry)
	q.reportDepth()

	if err := q.persistLocked(ctx); err != nil {
		return entry, err
	}
	return entry, nil
}

// ListPending returns the user's queued transactions in enqueue order.
func (q *Queue) ListPending(userID string) []model.Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result []model.Transaction
	for _, e := range q.entries {
		if e.UserID == userID {
			result = append(result, e.Transaction)
		}
	}
	return result
}

// Entries returns a copy of every queued entry across users, oldest first.
func (q *Queue) Entries() []model.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.QueueEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// SetStatus moves an entry between pending and syncing. Status is not
// persisted.
func (q *Queue) SetStatus(id string, status model.QueueStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.entries {
		if q.entries[i].ID == id {
			q.entries[i].Status = status
			return
		}
	}
}

// Remove drops one entry by id and re-persists the list.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i, e := range q.entries {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotQueued, id)
	}

	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	q.reportDepth()
	return q.persistLocked(ctx)
}

// persistLocked merges the in-memory list with the current durable blob and
// writes the result back atomically. Caller holds q.mu.
func (q *Queue) persistLocked(ctx context.Context) error {
	var merged []model.QueueEntry
	err := q.kv.Update(ctx, QueueKey, func(cur string, found bool) (string, error) {
		var durable []model.QueueEntry
		if found {
			durable = decode(cur)
		}
		merged = q.merge(durable)
		data, err := json.Marshal(merged)
		if err != nil {
			return "", fmt.Errorf("encode local queue: %w", err)
		}
		return string(data), nil
	})
	if err != nil {
		slog.Error("failed to persist local queue", "err", err, "entries", len(q.entries))
		return fmt.Errorf("persist local queue: %w", err)
	}

	if len(merged) != len(q.entries) {
		slog.Info("local queue merged with another writer", "before", len(q.entries), "after", len(merged))
	}
	q.entries = merged
	q.seen = ids(merged)
	q.reportDepth()
	return nil
}

// merge is a three-way merge of durable against q.entries, with q.seen as the
// common base. An entry in the base but missing from durable was removed by
// another writer; an entry in durable but not in the base was added by one.
// Caller holds q.mu.
func (q *Queue) merge(durable []model.QueueEntry) []model.QueueEntry {
	onDisk := ids(durable)
	mine := ids(q.entries)

	out := make([]model.QueueEntry, 0, len(q.entries)+len(durable))
	for _, e := range q.entries {
		_, based := q.seen[e.ID]
		_, kept := onDisk[e.ID]
		if based && !kept {
			continue
		}
		out = append(out, e)
	}

	adopted := false
	for _, e := range durable {
		if _, ok := mine[e.ID]; ok {
			continue
		}
		if _, based := q.seen[e.ID]; based {
			continue
		}
		e.Status = model.StatusPending
		out = append(out, e)
		adopted = true
	}
	if adopted {
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	}
	return out
}

func (q *Queue) reportDepth() {
	metrics.QueueDepth.Set(float64(len(q.entries)))
}

// --- Portfolio snapshots ---

func snapshotKey(userID string) string { return fmt.Sprintf("portfolio_%s", userID) }

// SaveSnapshot caches the user's portfolio for offline initialization.
func (q *Queue) SaveSnapshot(ctx context.Context, p model.Portfolio) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return q.kv.Set(ctx, snapshotKey(p.UserID), string(data))
}

// Snapshot returns the cached portfolio, or ErrNoSnapshot.
func (q *Queue) Snapshot(ctx context.Context, userID string) (model.Portfolio, error) {
	blob, err := q.kv.Get(ctx, snapshotKey(userID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return model.Portfolio{}, ErrNoSnapshot
	}
	if err != nil {
		return model.Portfolio{}, err
	}

	var p model.Portfolio
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return model.Portfolio{}, fmt.Errorf("%w: corrupt snapshot: %v", ErrNoSnapshot, err)
	}
	if p.Holdings == nil {
		p.Holdings = make(map[string]model.Holding)
	}
	p.UserID = userID
	return p, nil
}
