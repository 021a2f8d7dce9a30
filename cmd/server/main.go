package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/atmx/paper-ledger/internal/auth"
	"github.com/atmx/paper-ledger/internal/backend"
	"github.com/atmx/paper-ledger/internal/config"
	"github.com/atmx/paper-ledger/internal/connectivity"
	"github.com/atmx/paper-ledger/internal/localqueue"
	"github.com/atmx/paper-ledger/internal/marketdata"
	"github.com/atmx/paper-ledger/internal/metrics"
	"github.com/atmx/paper-ledger/internal/reconcile"
	"github.com/atmx/paper-ledger/internal/session"
	"github.com/atmx/paper-ledger/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize stores ---
	backends, err := backend.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to open stores", "err", err)
		os.Exit(1)
	}
	defer backends.Close()

	queue := localqueue.New(backends.Local)
	queue.Load(ctx)

	// --- Core ---
	tracker := auth.NewTracker()
	monitor := connectivity.NewMonitor(true)
	sess := session.New(backends.Remote, queue, cfg.Ledger.StartingBalance)
	coord := reconcile.New(queue, backends.Remote, tracker, cfg.Sync.Interval)

	// Session first so a login's sync pass runs after the portfolio loads.
	tracker.Subscribe(sess.HandleAuth)
	tracker.Subscribe(coord.HandleAuth)
	go coord.Run(ctx, monitor.Restored())

	var verifier *auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewTokenVerifier(cfg.Auth.JWTSecret)
		slog.Info("identity tokens required at login")
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Trade service ---
	tradeSvc := trade.NewService(trade.Deps{
		Session:     sess,
		Coordinator: coord,
		Tracker:     tracker,
		Monitor:     monitor,
		Verifier:    verifier,
		Quotes:      marketdata.NewStatic(marketdata.DefaultQuotes()),
		Hub:         wsHub,
		Currency:    cfg.Ledger.Currency,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		ExposedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"paper-ledger","queued":%d,"online":%t}`, queue.Len(), monitor.Online())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", tradeSvc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Remote.Timeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("paper-ledger listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down paper-ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	coord.StopSchedule()
	fmt.Println("paper-ledger stopped")
}
