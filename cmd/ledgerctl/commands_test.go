package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/kvstore"
	"github.com/atmx/paper-ledger/internal/localqueue"
	"github.com/atmx/paper-ledger/internal/model"
)

func TestDrain_RefusesInMemoryRemote(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("LOCAL_STORE", "sqlite")
	t.Setenv("LOCAL_STORE_PATH", path)
	t.Setenv("LOCAL_STORE_KEY", "")
	ctx := context.Background()

	kv, err := kvstore.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tx := model.NewTransaction("u1", "AAPL", model.Buy, 1, decimal.NewFromInt(10), time.Now())
	if _, err := localqueue.New(kv).Enqueue(ctx, tx); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	kv.Close()

	if status := (&drainCmd{}).Execute(ctx, nil); status != subcommands.ExitUsageError {
		t.Errorf("expected usage error, got %v", status)
	}

	kv, err = kvstore.OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer kv.Close()
	q := localqueue.New(kv)
	q.Load(ctx)
	if q.Len() != 1 {
		t.Errorf("queued entry must survive a refused drain, got %d", q.Len())
	}
}

func TestPrintEntries(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tx := model.NewTransaction("u1", "AAPL", model.Buy, 3, decimal.NewFromInt(10), at)
	tx.ID = "local_1"

	var buf bytes.Buffer
	printEntries(&buf, []model.QueueEntry{{Transaction: tx}}, "USD")
	out := buf.String()
	for _, want := range []string{"local_1", "AAPL", "$30.00", "2024-03-01 10:00:00", "1 queued"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printEntries(&buf, nil, "USD")
	if !strings.Contains(buf.String(), "No queued transactions") {
		t.Errorf("unexpected empty output %q", buf.String())
	}
}

func TestPrintPortfolio(t *testing.T) {
	p := model.NewPortfolio("u1", decimal.NewFromInt(500), time.Now())
	p.Holdings["TCS.NS"] = model.Holding{Symbol: "TCS.NS", Shares: 2, AveragePrice: decimal.NewFromInt(100)}
	p.Holdings["AAPL"] = model.Holding{Symbol: "AAPL", Shares: 1, AveragePrice: decimal.NewFromInt(50)}

	var buf bytes.Buffer
	printPortfolio(&buf, p, "USD")
	out := buf.String()
	if !strings.Contains(out, "$500.00") || !strings.Contains(out, "$200.00") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if strings.Index(out, "AAPL") > strings.Index(out, "TCS.NS") {
		t.Error("holdings should be sorted by symbol")
	}
}
