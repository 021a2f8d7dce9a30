package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/atmx/paper-ledger/internal/backend"
	"github.com/atmx/paper-ledger/internal/config"
	"github.com/atmx/paper-ledger/internal/localqueue"
	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/money"
	"github.com/atmx/paper-ledger/internal/reconcile"
)

var errNoDurableRemote = errors.New("ledgerctl: DATABASE_URL is not set; refusing to drain into an in-memory store")

// openQueue loads configuration, opens the stores and loads the local queue.
func openQueue(ctx context.Context) (*config.Config, *backend.Backends, *localqueue.Queue, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	b, err := backend.Open(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	q := localqueue.New(b.Local)
	q.Load(ctx)
	return cfg, b, q, nil
}

// --- pending ---

type pendingCmd struct {
	user string
}

func (*pendingCmd) Name() string     { return "pending" }
func (*pendingCmd) Synopsis() string { return "list transactions queued locally awaiting sync" }
func (*pendingCmd) Usage() string {
	return `ledgerctl pending [-u <user_id>]

  Lists queued transactions in replay order, optionally for one user.
`
}

func (c *pendingCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", "", "Only list entries for this user.")
}

func (c *pendingCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, b, q, err := openQueue(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer b.Close()

	var entries []model.QueueEntry
	for _, e := range q.Entries() {
		if c.user == "" || e.UserID == c.user {
			entries = append(entries, e)
		}
	}
	printEntries(os.Stdout, entries, cfg.Ledger.Currency)
	return subcommands.ExitSuccess
}

func printEntries(out io.Writer, entries []model.QueueEntry, currency string) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No queued transactions.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tSIDE\tSYMBOL\tSHARES\tPRICE\tTOTAL\tTRADED AT")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			e.ID, e.UserID, e.Side, e.Symbol, e.Shares,
			money.Format(e.Price, currency), money.Format(e.Total, currency),
			e.Timestamp.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	fmt.Fprintf(out, "%d queued\n", len(entries))
}

// --- drain ---

type drainCmd struct{}

func (*drainCmd) Name() string     { return "drain" }
func (*drainCmd) Synopsis() string { return "replay queued transactions into the remote store" }
func (*drainCmd) Usage() string {
	return `ledgerctl drain

  Runs one reconciliation pass against the configured remote store. The
  pass stops at the first entry that cannot be written. Requires
  DATABASE_URL: entries are never drained into the in-memory store.
`
}

func (*drainCmd) SetFlags(*flag.FlagSet) {}

func (*drainCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, b, q, err := openQueue(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer b.Close()

	if !b.RemoteDurable {
		fmt.Fprintln(os.Stderr, errNoDurableRemote)
		return subcommands.ExitUsageError
	}

	res := reconcile.New(q, b.Remote, nil, cfg.Sync.Interval).Drain(ctx, reconcile.TriggerManual)
	fmt.Printf("synced %d, remaining %d\n", res.Synced, res.Remaining)
	if res.Err != nil {
		fmt.Fprintln(os.Stderr, res.Err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// --- snapshot ---

type snapshotCmd struct {
	user string
}

func (*snapshotCmd) Name() string     { return "snapshot" }
func (*snapshotCmd) Synopsis() string { return "print the cached portfolio snapshot for a user" }
func (*snapshotCmd) Usage() string {
	return `ledgerctl snapshot -u <user_id>

  Prints the portfolio last saved on this install for the user.
`
}

func (c *snapshotCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", "", "User whose snapshot to print.")
}

func (c *snapshotCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user == "" {
		fmt.Fprintln(os.Stderr, "snapshot: -u is required")
		return subcommands.ExitUsageError
	}
	cfg, b, q, err := openQueue(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer b.Close()

	p, err := q.Snapshot(ctx, c.user)
	if errors.Is(err, localqueue.ErrNoSnapshot) {
		fmt.Fprintf(os.Stderr, "no snapshot for %s\n", c.user)
		return subcommands.ExitFailure
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	printPortfolio(os.Stdout, p, cfg.Ledger.Currency)
	return subcommands.ExitSuccess
}

func printPortfolio(out io.Writer, p model.Portfolio, currency string) {
	fmt.Fprintf(out, "User:         %s\n", p.UserID)
	fmt.Fprintf(out, "Balance:      %s\n", money.Format(p.Balance, currency))
	fmt.Fprintf(out, "Last updated: %s\n", p.LastUpdated.Format("2006-01-02 15:04:05"))
	if len(p.Holdings) == 0 {
		fmt.Fprintln(out, "No holdings.")
		return
	}

	symbols := make([]string, 0, len(p.Holdings))
	for s := range p.Holdings {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tSHARES\tAVG PRICE\tCOST BASIS")
	for _, s := range symbols {
		h := p.Holdings[s]
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s, h.Shares,
			money.Format(h.AveragePrice, currency), money.Format(h.CostBasis(), currency))
	}
	w.Flush()
}
