package trade_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/atmx/paper-ledger/internal/auth"
	"github.com/atmx/paper-ledger/internal/connectivity"
	"github.com/atmx/paper-ledger/internal/kvstore"
	"github.com/atmx/paper-ledger/internal/localqueue"
	"github.com/atmx/paper-ledger/internal/reconcile"
	"github.com/atmx/paper-ledger/internal/session"
	"github.com/atmx/paper-ledger/internal/store"
	"github.com/atmx/paper-ledger/internal/trade"
)

func TestWSHub_BroadcastsTradeAndSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remote := store.NewMemoryStore()
	q := localqueue.New(kvstore.NewMemory())
	sess := session.New(remote, q, d(1000))
	hub := trade.NewWSHub()
	go hub.Run(ctx)

	svc := trade.NewService(trade.Deps{
		Session:     sess,
		Coordinator: reconcile.New(q, remote, nil, time.Hour),
		Tracker:     auth.NewTracker(),
		Monitor:     connectivity.NewMonitor(true),
		Hub:         hub,
	})
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Clients() != 1 {
		t.Fatal("client never registered")
	}

	post := func(path, body string) {
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		resp.Body.Close()
	}
	read := func() trade.WSMessage {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg trade.WSMessage
		json.Unmarshal(data, &msg)
		return msg
	}

	post("/api/v1/session/login", `{"user_id":"user1"}`)
	if msg := read(); msg.Type != trade.EventPortfolioInitialized || msg.UserID != "user1" || msg.Source != string(session.SourceCreated) {
		t.Errorf("expected portfolio_initialized, got %+v", msg)
	}

	remote.SetFailure(store.ErrUnreachable)
	post("/api/v1/trade", `{"user_id":"user1","symbol":"AAPL","side":"buy","shares":1,"price":"10"}`)
	if msg := read(); msg.Type != trade.EventTradeQueued || msg.Symbol != "AAPL" {
		t.Errorf("expected trade_queued, got %+v", msg)
	}

	remote.SetFailure(nil)
	post("/api/v1/sync", `{}`)
	if msg := read(); msg.Type != trade.EventSyncCompleted || msg.Synced != 1 {
		t.Errorf("expected sync_completed with 1 synced, got %+v", msg)
	}
}

func TestWSHub_ConnectAfterShutdownIsClosed(t *testing.T) {
	hub := trade.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var ne net.Error
	if err == nil || (errors.As(err, &ne) && ne.Timeout()) {
		t.Fatalf("expected the server to close the connection, got %v", err)
	}
	if hub.Clients() != 0 {
		t.Errorf("stopped hub should hold no clients, got %d", hub.Clients())
	}
}
