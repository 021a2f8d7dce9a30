// Package trade provides the HTTP handlers for signing in, executing paper
// trades, and querying portfolios, history, and sync state.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/auth"
	"github.com/atmx/paper-ledger/internal/connectivity"
	"github.com/atmx/paper-ledger/internal/ledger"
	"github.com/atmx/paper-ledger/internal/marketdata"
	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/money"
	"github.com/atmx/paper-ledger/internal/reconcile"
	"github.com/atmx/paper-ledger/internal/session"
)

// Deps are the collaborators a Service is built from. Verifier, Quotes and
// Hub may be nil.
type Deps struct {
	Session     *session.Session
	Coordinator *reconcile.Coordinator
	Tracker     *auth.Tracker
	Monitor     *connectivity.Monitor
	Verifier    *auth.TokenVerifier // nil accepts a bare user_id at login
	Quotes      marketdata.Provider // fills a missing trade price
	Hub         *WSHub
	Currency    string
}

// Service serves the paper-ledger HTTP API.
type Service struct {
	session  *session.Session
	coord    *reconcile.Coordinator
	tracker  *auth.Tracker
	monitor  *connectivity.Monitor
	verifier *auth.TokenVerifier
	quotes   marketdata.Provider
	wsHub    *WSHub
	currency string
}

// NewService creates a new trade service. Sync passes are broadcast to the
// hub when one is given.
func NewService(deps Deps) *Service {
	s := &Service{
		session:  deps.Session,
		coord:    deps.Coordinator,
		tracker:  deps.Tracker,
		monitor:  deps.Monitor,
		verifier: deps.Verifier,
		quotes:   deps.Quotes,
		wsHub:    deps.Hub,
		currency: deps.Currency,
	}
	if s.currency == "" {
		s.currency = money.DefaultCurrency
	}
	if s.wsHub != nil && s.coord != nil {
		s.coord.OnDrained(func(r reconcile.Result) {
			s.wsHub.Broadcast(WSMessage{
				Type:      EventSyncCompleted,
				Trigger:   r.Trigger,
				Synced:    r.Synced,
				Remaining: r.Remaining,
			})
		})
	}
	return s
}

// Routes mounts the API under the given router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/session/login", s.Login)
	r.Post("/session/logout", s.Logout)
	r.Post("/connectivity", s.SetConnectivity)
	r.Get("/portfolio/{userID}", s.GetPortfolio)
	r.Get("/quotes/{symbol}", s.GetQuote)
	r.Post("/trade", s.ExecuteTrade)
	r.Get("/transactions/{userID}", s.GetTransactions)
	r.Post("/sync", s.Sync)
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Request/Response types ---

// LoginRequest is the JSON body for POST /session/login. Token is required
// when identity tokens are enabled; otherwise UserID is used directly.
type LoginRequest struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// LogoutRequest is the JSON body for POST /session/logout.
type LogoutRequest struct {
	UserID string `json:"user_id"`
}

// ConnectivityRequest is the JSON body for POST /connectivity.
type ConnectivityRequest struct {
	Online bool `json:"online"`
}

// TradeRequest is the JSON body for POST /trade. A missing price is filled
// from the quote provider.
type TradeRequest struct {
	UserID string           `json:"user_id"`
	Symbol string           `json:"symbol"`
	Side   string           `json:"side"` // "buy" or "sell"
	Shares int64            `json:"shares"`
	Price  *decimal.Decimal `json:"price,omitempty"`
}

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	Transaction     model.Transaction `json:"transaction"`
	Synced          bool              `json:"synced"`
	Queued          bool              `json:"queued"`
	PortfolioSynced bool              `json:"portfolio_synced"`
	Advisory        string            `json:"advisory,omitempty"`
	TotalDisplay    string            `json:"total_display"`
	Portfolio       PortfolioResponse `json:"portfolio"`
}

// HoldingView is one position in a portfolio response.
type HoldingView struct {
	Symbol           string           `json:"symbol"`
	Shares           int64            `json:"shares"`
	AveragePrice     decimal.Decimal  `json:"average_price"`
	CostBasis        decimal.Decimal  `json:"cost_basis"`
	CostBasisDisplay string           `json:"cost_basis_display"`
	MarketPrice      *decimal.Decimal `json:"market_price,omitempty"`
	MarketValue      *decimal.Decimal `json:"market_value,omitempty"`
	UnrealizedPnL    *decimal.Decimal `json:"unrealized_pnl,omitempty"`
}

// PortfolioResponse is the portfolio summary returned by several endpoints.
type PortfolioResponse struct {
	UserID          string          `json:"user_id"`
	Balance         decimal.Decimal `json:"balance"`
	BalanceDisplay  string          `json:"balance_display"`
	Invested        decimal.Decimal `json:"invested"`
	InvestedDisplay string          `json:"invested_display"`
	Holdings        []HoldingView   `json:"holdings"`
	LastUpdated     time.Time       `json:"last_updated"`
	Source          string          `json:"source,omitempty"`
}

// HistoryResponse is the JSON body returned from GET /transactions/{userID}.
type HistoryResponse struct {
	UserID       string              `json:"user_id"`
	Transactions []model.Transaction `json:"transactions"`
	LocalOnly    bool                `json:"local_only"`
	Pending      int                 `json:"pending"`
}

// SyncResponse is the JSON body returned from POST /sync.
type SyncResponse struct {
	reconcile.Result
	Error string `json:"error,omitempty"`
}

// --- Handlers ---

// Login handles POST /api/v1/session/login.
func (s *Service) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if s.verifier != nil {
		if req.Token == "" {
			writeError(w, "token is required", http.StatusUnauthorized)
			return
		}
		sub, err := s.verifier.Verify(req.Token)
		if err != nil {
			writeError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userID = sub
	}
	if err := s.tracker.Login(userID); err != nil {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	// Login listeners initialize the portfolio; initialize here if none did.
	p, src, ok := s.session.Portfolio(userID)
	if !ok {
		p, src = s.session.InitializePortfolio(r.Context(), userID)
	}

	s.wsHub.Broadcast(WSMessage{
		Type:    EventPortfolioInitialized,
		UserID:  userID,
		Balance: p.Balance.String(),
		Source:  string(src),
	})

	resp := s.portfolioResponse(r, p)
	resp.Source = string(src)
	writeJSON(w, http.StatusOK, resp)
}

// Logout handles POST /api/v1/session/logout.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if !s.tracker.Logout(req.UserID) {
		writeError(w, "user is not signed in", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out", "user_id": req.UserID})
}

// SetConnectivity handles POST /api/v1/connectivity.
func (s *Service) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	restored := s.monitor.Set(req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": req.Online, "restored": restored})
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}.
// Returns balance, holdings with cost basis and, where a quote is available,
// market value and unrealized P&L.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !s.requireSignedIn(w, userID) {
		return
	}

	p, _, ok := s.session.Portfolio(userID)
	if !ok {
		p, _ = s.session.InitializePortfolio(r.Context(), userID)
	}
	writeJSON(w, http.StatusOK, s.portfolioResponse(r, p))
}

// GetQuote handles GET /api/v1/quotes/{symbol}.
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	if s.quotes == nil {
		writeError(w, "no quote provider configured", http.StatusNotFound)
		return
	}
	q, err := s.quotes.GetQuote(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// ExecuteTrade handles POST /api/v1/trade.
//
// Flow:
//  1. Validate the request and fill a missing price from the quote provider
//  2. Validate against the ledger and apply in memory
//  3. Persist remotely, queueing locally on failure
//  4. Broadcast the outcome to WebSocket clients
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	side, ok := model.ParseSide(req.Side)
	if !ok {
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}
	if !s.requireSignedIn(w, req.UserID) {
		return
	}

	var price decimal.Decimal
	if req.Price != nil {
		price = *req.Price
	} else {
		if s.quotes == nil {
			writeError(w, "price is required", http.StatusBadRequest)
			return
		}
		q, err := s.quotes.GetQuote(r.Context(), req.Symbol)
		if err != nil {
			writeError(w, "price is required: "+err.Error(), http.StatusUnprocessableEntity)
			return
		}
		price = q.Price
	}

	res, err := s.session.ExecuteTrade(r.Context(), req.UserID, req.Symbol, side, req.Shares, price)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	event := EventTradeExecuted
	if res.Queued {
		event = EventTradeQueued
	}
	s.wsHub.Broadcast(WSMessage{
		Type:    event,
		UserID:  req.UserID,
		TxID:    res.Transaction.ID,
		Symbol:  res.Transaction.Symbol,
		Side:    string(side),
		Shares:  res.Transaction.Shares,
		Price:   res.Transaction.Price.String(),
		Balance: res.Portfolio.Balance.String(),
	})

	writeJSON(w, http.StatusOK, TradeResponse{
		Transaction:     res.Transaction,
		Synced:          res.Synced,
		Queued:          res.Queued,
		PortfolioSynced: res.PortfolioSynced,
		Advisory:        res.Advisory,
		TotalDisplay:    money.Format(res.Transaction.Total, s.currency),
		Portfolio:       s.portfolioResponse(r, res.Portfolio),
	})
}

// GetTransactions handles GET /api/v1/transactions/{userID}.
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !s.requireSignedIn(w, userID) {
		return
	}

	h := s.session.GetTransactionHistory(r.Context(), userID)
	pending := 0
	for _, tx := range h.Transactions {
		if tx.SyncPending {
			pending++
		}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		UserID:       userID,
		Transactions: h.Transactions,
		LocalOnly:    h.LocalOnly,
		Pending:      pending,
	})
}

// Sync handles POST /api/v1/sync: one drain pass, run synchronously.
func (s *Service) Sync(w http.ResponseWriter, r *http.Request) {
	res := s.coord.Drain(r.Context(), reconcile.TriggerManual)
	resp := SyncResponse{Result: res}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- helpers ---

func (s *Service) requireSignedIn(w http.ResponseWriter, userID string) bool {
	if s.tracker != nil && !s.tracker.IsActive(userID) {
		writeError(w, "user is not signed in", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Service) portfolioResponse(r *http.Request, p model.Portfolio) PortfolioResponse {
	resp := PortfolioResponse{
		UserID:         p.UserID,
		Balance:        p.Balance,
		BalanceDisplay: money.Format(p.Balance, s.currency),
		Invested:       decimal.Zero,
		Holdings:       make([]HoldingView, 0, len(p.Holdings)),
		LastUpdated:    p.LastUpdated,
	}

	for _, h := range p.Holdings {
		cost := h.CostBasis()
		view := HoldingView{
			Symbol:           h.Symbol,
			Shares:           h.Shares,
			AveragePrice:     h.AveragePrice,
			CostBasis:        cost,
			CostBasisDisplay: money.Format(cost, s.currency),
		}
		if s.quotes != nil {
			if q, err := s.quotes.GetQuote(r.Context(), h.Symbol); err == nil {
				value := q.Price.Mul(decimal.NewFromInt(h.Shares))
				pnl := value.Sub(cost)
				view.MarketPrice = &q.Price
				view.MarketValue = &value
				view.UnrealizedPnL = &pnl
			}
		}
		resp.Invested = resp.Invested.Add(cost)
		resp.Holdings = append(resp.Holdings, view)
	}
	sort.Slice(resp.Holdings, func(i, j int) bool { return resp.Holdings[i].Symbol < resp.Holdings[j].Symbol })
	resp.InvestedDisplay = money.Format(resp.Invested, s.currency)
	return resp
}

// writeLedgerError maps validation failures onto HTTP statuses with the
// details a client needs to suggest a corrected order.
func (s *Service) writeLedgerError(w http.ResponseWriter, err error) {
	var funds *ledger.InsufficientFundsError
	var shares *ledger.InsufficientSharesError
	switch {
	case errors.As(err, &funds):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":             "insufficient funds",
			"needed":            funds.Needed,
			"needed_display":    money.Format(funds.Needed, s.currency),
			"available":         funds.Available,
			"available_display": money.Format(funds.Available, s.currency),
			"max_affordable":    funds.MaxAffordable,
		})
	case errors.As(err, &shares):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":     "insufficient shares",
			"symbol":    shares.Symbol,
			"requested": shares.Requested,
			"held":      shares.Held,
		})
	case errors.Is(err, ledger.ErrNoPosition):
		writeError(w, err.Error(), http.StatusConflict)
	case ledger.IsValidation(err):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("trade failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
