package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/brdg/exchange-engine/internal/auth"
	"github.com/brdg/exchange-engine/internal/model"
	"github.com/brdg/exchange-engine/internal/store"
)

// --- Request types ---

// TradeRequest is the JSON body for POST /buy and POST /sell.
type TradeRequest struct {
	Ticker string          `json:"ticker"`
	Amount decimal.Decimal `json:"amount"`
}

// UpsertPoolRequest is the JSON body for POST /pools.
type UpsertPoolRequest struct {
	Ticker       string   `json:"ticker"`
	DisplayName  string   `json:"display_name"`
	Active       bool     `json:"active"`
	MemberImages []string `json:"member_images"`
}

// --- HTTP Handlers ---

// HandleBalance handles GET /api/v1/balance. Creates the balance lazily on
// first access.
func (s *Service) HandleBalance(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	balance, err := s.store.EnsureBalance(r.Context(), userID)
	if err != nil {
		slog.Error("ensure balance failed", "user", userID, "err", err)
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// HandleListPools handles GET /api/v1/pools.
func (s *Service) HandleListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.store.ListActivePools(r.Context())
	if err != nil {
		writeError(w, "failed to list pools", http.StatusInternalServerError)
		return
	}
	if pools == nil {
		pools = []model.Pool{}
	}
	writeJSON(w, http.StatusOK, pools)
}

// HandleGetPool handles GET /api/v1/pools/{ticker}.
func (s *Service) HandleGetPool(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	pool, err := s.store.GetPoolByTicker(r.Context(), ticker)
	if err != nil {
		writeError(w, "pool not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// HandleGetHistory handles GET /api/v1/pools/{ticker}/history.
func (s *Service) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	pool, err := s.store.GetPoolByTicker(r.Context(), ticker)
	if err != nil {
		writeError(w, "pool not found", http.StatusNotFound)
		return
	}

	points, err := s.store.GetHistory(r.Context(), pool.ID)
	if err != nil {
		writeError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if points == nil {
		points = []model.HistoryPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

// HandleUpsertPool handles POST /api/v1/pools.
func (s *Service) HandleUpsertPool(w http.ResponseWriter, r *http.Request) {
	var req UpsertPoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pool, err := s.UpsertPool(r.Context(), req.Ticker, req.DisplayName, req.Active, req.MemberImages)
	if errors.Is(err, ErrInvalidTicker) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, "failed to upsert pool", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

// HandleBuy handles POST /api/v1/buy.
func (s *Service) HandleBuy(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(w, r, s.Buy)
}

// HandleSell handles POST /api/v1/sell.
func (s *Service) HandleSell(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(w, r, s.Sell)
}

func (s *Service) handleTrade(
	w http.ResponseWriter,
	r *http.Request,
	exec func(ctx context.Context, userID, ticker string, amount decimal.Decimal) (*TradeResult, error),
) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := exec(r.Context(), userID, req.Ticker, req.Amount)
	if err != nil {
		writeError(w, err.Error(), tradeStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleHoldingValue handles GET /api/v1/holdings/{ticker}/value.
func (s *Service) HandleHoldingValue(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	ticker := chi.URLParam(r, "ticker")

	value, err := s.HoldingValue(r.Context(), userID, ticker)
	if errors.Is(err, ErrPoolNotFound) {
		writeError(w, "pool not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to value holding", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"value": value})
}

// HandlePortfolio handles GET /api/v1/portfolio.
func (s *Service) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	portfolio, err := s.PortfolioValue(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to value portfolio", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

// HandleLeaderboard handles GET /api/v1/leaderboard.
func (s *Service) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Leaderboard(r.Context())
	if err != nil {
		writeError(w, "failed to build leaderboard", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// tradeStatus maps a trade error to its HTTP status.
func tradeStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ErrPoolNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrNoHoldings):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
