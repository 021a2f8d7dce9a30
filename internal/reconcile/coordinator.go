// Package reconcile replays locally queued transactions into the remote store.
//
// Each queue entry moves Pending → Syncing → removed on success, or back to
// Pending on failure. A pass walks the queue in enqueue order and stops at the
// first failure, so a stuck entry is never overtaken by a later one. Replays
// carry the entry's local id as ClientRef, which lets the remote store absorb
// a second append of an entry whose first append landed unacknowledged.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/paper-ledger/internal/auth"
	"github.com/atmx/paper-ledger/internal/localqueue"
	"github.com/atmx/paper-ledger/internal/metrics"
	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/store"
)

// Triggers.
const (
	TriggerLogin        = "login"
	TriggerConnectivity = "connectivity"
	TriggerTimer        = "timer"
	TriggerManual       = "manual"
)

// DefaultInterval is the periodic trigger used when none is configured.
const DefaultInterval = 60 * time.Second

// Gate reports whether automatic triggers may drain. A nil Gate always allows.
type Gate interface {
	Authenticated() bool
}

// Result summarizes one drain pass.
type Result struct {
	Trigger   string   `json:"trigger"`
	Synced    int      `json:"synced"`
	Remaining int      `json:"remaining"`
	SyncedIDs []string `json:"synced_ids,omitempty"`
	Err       error    `json:"-"`
}

// Coordinator is the Reconciliation/Sync Coordinator.
type Coordinator struct {
	queue    *localqueue.Queue
	remote   store.Store
	gate     Gate
	interval time.Duration

	drainMu sync.Mutex // one pass at a time
	trigger chan string

	schedMu   sync.Mutex
	cron      *cron.Cron
	entry     cron.EntryID
	scheduled bool

	hookMu    sync.RWMutex
	onDrained []func(Result)
}

// New creates a coordinator. A zero interval selects DefaultInterval.
func New(q *localqueue.Queue, remote store.Store, gate Gate, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Coordinator{
		queue:    q,
		remote:   remote,
		gate:     gate,
		interval: interval,
		trigger:  make(chan string, 1),
		cron:     cron.New(),
	}
}

// OnDrained registers fn to be called after every pass that attempted at
// least one entry.
func (c *Coordinator) OnDrained(fn func(Result)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onDrained = append(c.onDrained, fn)
}

// Drain runs one pass synchronously. Draining an empty queue is a no-op.
func (c *Coordinator) Drain(ctx context.Context, trigger string) Result {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	res := Result{Trigger: trigger}
	entries := c.queue.Entries()
	if len(entries) == 0 {
		metrics.SyncPasses.WithLabelValues(trigger, "empty").Inc()
		return res
	}

	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			res.Err = err
			res.Remaining = len(entries) - i
			break
		}
		if err := c.replay(ctx, e); err != nil {
			res.Err = err
			res.Remaining = len(entries) - i
			slog.Warn("sync pass stopped", "trigger", trigger, "tx_id", e.ID, "user", e.UserID,
				"remaining", res.Remaining, "err", err)
			break
		}
		res.Synced++
		res.SyncedIDs = append(res.SyncedIDs, e.ID)
	}

	metrics.SyncedEntries.Add(float64(res.Synced))
	metrics.SyncPasses.WithLabelValues(trigger, outcome(res)).Inc()
	slog.Info("sync pass complete", "trigger", trigger, "synced", res.Synced, "remaining", res.Remaining)

	c.hookMu.RLock()
	hooks := c.onDrained
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(res)
	}
	return res
}

func (c *Coordinator) replay(ctx context.Context, e model.QueueEntry) error {
	c.queue.SetStatus(e.ID, model.StatusSyncing)

	tx := e.Transaction
	if tx.ClientRef == "" {
		tx.ClientRef = e.ID
	}
	tx.SyncPending = false

	remoteID, err := c.remote.AppendTransaction(ctx, tx)
	if err != nil {
		c.queue.SetStatus(e.ID, model.StatusPending)
		return fmt.Errorf("replay %s: %w", e.ID, err)
	}

	if err := c.queue.Remove(ctx, e.ID); err != nil && !errors.Is(err, localqueue.ErrNotQueued) {
		// The remote record exists; a later replay of this entry dedupes on ClientRef.
		slog.Error("synced entry not removed durably", "tx_id", e.ID, "err", err)
	}
	slog.Info("synced queued transaction", "tx_id", e.ID, "remote_id", remoteID, "user", e.UserID)
	return nil
}

func outcome(r Result) string {
	switch {
	case r.Err == nil:
		return "ok"
	case r.Synced > 0:
		return "partial"
	default:
		return "failed"
	}
}

// Trigger requests an asynchronous pass from Run. Requests made while one is
// already waiting coalesce.
func (c *Coordinator) Trigger(reason string) {
	select {
	case c.trigger <- reason:
	default:
	}
}

// Run serves triggers until ctx is cancelled. restored carries connectivity
// restore edges and may be nil.
func (c *Coordinator) Run(ctx context.Context, restored <-chan struct{}) {
	defer c.StopSchedule()
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-c.trigger:
			c.drainIfAllowed(ctx, reason)
		case <-restored:
			c.drainIfAllowed(ctx, TriggerConnectivity)
		}
	}
}

func (c *Coordinator) drainIfAllowed(ctx context.Context, reason string) {
	if reason != TriggerManual && c.gate != nil && !c.gate.Authenticated() {
		slog.Debug("sync skipped, nobody signed in", "trigger", reason)
		return
	}
	c.Drain(ctx, reason)
}

// HandleAuth reacts to login and logout. Login triggers a pass and starts the
// periodic schedule; the last logout stops it.
func (c *Coordinator) HandleAuth(ev auth.Event) {
	switch ev.Kind {
	case auth.LoggedIn:
		c.StartSchedule()
		c.Trigger(TriggerLogin)
	case auth.LoggedOut:
		if c.gate == nil || !c.gate.Authenticated() {
			c.StopSchedule()
		}
	}
}

// StartSchedule begins periodic triggers. Calling it twice is a no-op.
func (c *Coordinator) StartSchedule() {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()
	if c.scheduled {
		return
	}
	c.entry = c.cron.Schedule(cron.Every(c.interval), cron.FuncJob(func() {
		c.Trigger(TriggerTimer)
	}))
	c.cron.Start()
	c.scheduled = true
	slog.Info("periodic sync scheduled", "interval", c.interval.String())
}

// StopSchedule cancels periodic triggers.
func (c *Coordinator) StopSchedule() {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()
	if !c.scheduled {
		return
	}
	c.cron.Remove(c.entry)
	<-c.cron.Stop().Done()
	c.scheduled = false
	slog.Info("periodic sync stopped")
}

// Scheduled reports whether periodic triggers are active.
func (c *Coordinator) Scheduled() bool {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()
	return c.scheduled
}
