package exchange_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/brdg/exchange-engine/internal/auth"
	"github.com/brdg/exchange-engine/internal/exchange"
	"github.com/brdg/exchange-engine/internal/model"
	"github.com/brdg/exchange-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var tolerance = d(0.0000001)

// newTestEnv creates an exchange service backed by an in-memory store.
func newTestEnv(t *testing.T) (*exchange.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return exchange.NewService(ms, nil), ms
}

// seedPool creates a pool with the default 1000/1000 reserves.
func seedPool(t *testing.T, ms *store.MemoryStore, ticker string) *model.Pool {
	t.Helper()
	pool, err := ms.UpsertPool(context.Background(), &model.Pool{
		ID:          "pool-" + ticker,
		Ticker:      ticker,
		DisplayName: ticker,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed pool: %v", err)
	}
	return pool
}

// seedUser ensures a balance exists for the user, at the default 1000 BRDG.
func seedUser(t *testing.T, ms *store.MemoryStore, userID string) {
	t.Helper()
	if _, err := ms.EnsureBalance(context.Background(), userID); err != nil {
		t.Fatalf("failed to seed balance: %v", err)
	}
}

// --- Buy tests ---

func TestBuy_KnownScenario(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedPool(t, ms, "RAVENS")
	seedUser(t, ms, "user1")

	res, err := svc.Buy(context.Background(), "user1", "RAVENS", d(100))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	// Pool 1000/1000, spend 100: tokens out ≈ 90.9091, balance 900.
	if !res.Balance.Equal(d(900)) {
		t.Errorf("expected balance 900, got %s", res.Balance)
	}
	if res.TeamTokens.Sub(d(90.9090909091)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected ≈ 90.9091 tokens out, got %s", res.TeamTokens)
	}

	balance, _ := ms.GetBalance(context.Background(), "user1")
	if !balance.Bridge.Equal(d(900)) {
		t.Errorf("stored balance should be 900, got %s", balance.Bridge)
	}

	holding, err := ms.GetHolding(context.Background(), "user1", "pool-RAVENS")
	if err != nil {
		t.Fatalf("holding should exist after buy: %v", err)
	}
	if holding.TeamTokens.Sub(d(90.9090909091)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected holding ≈ 90.9091, got %s", holding.TeamTokens)
	}
	if !holding.BridgeContributed.Equal(d(100)) {
		t.Errorf("expected bridge contributed 100, got %s", holding.BridgeContributed)
	}
}

func TestBuy_PreservesConstantProduct(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedPool(t, ms, "RAVENS")
	seedUser(t, ms, "user1")

	kBefore := d(1000).Mul(d(1000))
	for _, amt := range []float64{50, 100, 7.77, 200} {
		if _, err := svc.Buy(context.Background(), "user1", "RAVENS", d(amt)); err != nil {
			t.Fatalf("buy(%v) failed: %v", amt, err)
		}
	}

	pool, _ := ms.GetPoolByTicker(context.Background(), "RAVENS")
	kAfter := pool.TeamReserve.Mul(pool.BridgeReserve)
	if kAfter.Sub(kBefore).Abs().GreaterThan(tolerance.Mul(kBefore)) {
		t.Errorf("constant product drifted: before=%s after=%s", kBefore, kAfter)
	}
}

func TestBuy_InvalidAmount(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedPool(t, ms, "RAVENS")
	seedUser(t, ms, "user1")

	for _, amt := range []float64{0, -10} {
		if _, err := svc.Buy(context.Background(), "user1", "RAVENS", d(amt)); err != exchange.ErrInvalidAmount {
			t.Errorf("expected ErrInvalidAmount for %v, got %v", amt, err)
		}
	}
}

func TestBuy_InsufficientFunds(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedPool(t, ms, "RAVENS")
	seedUser(t, ms, "user1")

	if _, err := svc.Buy(context.Background(), "user1", "RAVENS", d(1000.01)); err != exchange.ErrInsufficientFunds {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	// Nothing may have moved.
	balance, _ := ms.GetBalance(context.Background(), "user1")
	if !balance.Bridge.Equal(d(1000)) {
		t.Errorf("failed buy must not touch the balance, got %s", balance.Bridge)
	}
	pool, _ := ms.GetPoolByTicker(context.Background(), "RAVENS")
	if !pool.BridgeReserve.Equal(d(1000)) {
		t.Errorf("failed buy must not touch reserves, got %s", pool.BridgeReserve)
	}
}

func TestBuy_PoolNotFound(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "user1")

	if _, err := svc.Buy(context.Background(), "user1", "NOPE", d(10)); err != exchange.ErrPoolNotFound {
		t.Errorf("expected ErrPoolNotFound, got %v", err)
	}
}

func TestBuy_InactivePool(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "user1")
	if _, err := ms.UpsertPool(context.Background(), &model.Pool{
		ID: "pool-DODO", Ticker: "DODO", DisplayName: "Dodo", Active: false,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := svc.Buy(context.Background(), "user1", "DODO", d(10)); err != exchange.ErrPoolNotFound {
		t.Errorf("inactive pool should not trade, got %v", err)
	}
}

func TestBuy_AppendsHistoryPoint(t *testing.T) {
	svc, ms := newTestEnv(t)
	pool := seedPool(t, ms, "RAVENS")
	seedUser(t, ms, "user1")

	if _, err := svc.Buy(context.Background(), "user1", "RAVENS", d(100)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	points, err := ms.GetHistory(context.Background(), pool.ID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 history point, got %d", len(points))
	}
	// Implied price after the buy: 1100 / 909.0909 ≈ 1.21.
	if points[0].Price.Sub(d(1.21)).Abs().GreaterThan(d(0.001)) {
		t.Errorf("expected implied price ≈ 1.21, got %s", points[0].Price)
	}
	if points[0].Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
}

// --- Sell tests ---

func TestSell_RoundTripNeverProfits(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedPool(t, ms, "RAVENS")
	seedUser(t, ms, "user1")

	if _, err := svc.Buy(context.Background(), "user1", "RAVENS", d(100)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	// Liquidate the whole position immediately.
	if _, err := svc.Sell(context.Background(), "user1", "RAVENS", d(100)); err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	balance, _ := ms.GetBalance(context.Background(), "user1")
	if balance.Bridge.GreaterThanOrEqual(d(1000)) {
		t.Errorf("round trip must not profit: balance %s", balance.Bridge)
	}
}

func TestSell_ClampsToLiquidationValue(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedPool(t, ms, "RAVENS")
	seedUser(t, ms, "user1")

	if _, err := svc.Buy(context.Background(), "user1", "RAVENS", d(100)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	value, err := svc.HoldingValue(context.Background(), "user1", "RAVENS")
	if err != nil {
		t.Fatalf("holding value: %v", err)
	}

	// Ask for far more than the position is worth; the sell clamps.
	res, err := svc.Sell(context.Background(), "user1", "RAVENS", d(99999))
	if err != nil {
		t.Fatalf("oversized sell should clamp, not fail: %v", err)
	}
	if res.Bridge.Sub(value).Abs().GreaterThan(tolerance) {
		t.Errorf("expected clamp to %s, got %s", value, res.Bridge)
	}

	// The position is now fully liquidated.
	left, err := svc.HoldingValue(context.Background(), "user1", "RAVENS")
	if err != nil {
		t.Fatalf("holding value: %v", err)
	}
	if left.GreaterThan(tolerance) {
		t.Errorf("expected empty position after clamped sell, got %s", left)
	}
}

func TestSell_NoHoldings(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedPool(t, ms, "RAVENS")
	seedUser(t, ms, "user1")

	if _, err := svc.Sell(context.Background(), "user1", "RAVENS", d(10)); err != exchange.ErrNoHoldings {
		t.Errorf("expected ErrNoHoldings, got %v", err)
	}
}

func TestSell_InvalidAmount(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedPool(t, ms, "RAVENS")
	seedUser(t, ms, "user1")

	if _, err := svc.Sell(context.Background(), "user1", "RAVENS", d(0)); err != exchange.ErrInvalidAmount {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestSell_ReducesHolding(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedPool(t, ms, "RAVENS")
	seedUser(t, ms, "user1")

	if _, err := svc.Buy(context.Background(), "user1", "RAVENS", d(100)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	before, _ := ms.GetHolding(context.Background(), "user1", "pool-RAVENS")

	if _, err := svc.Sell(context.Background(), "user1", "RAVENS", d(40)); err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	after, _ := ms.GetHolding(context.Background(), "user1", "pool-RAVENS")

	if after.TeamTokens.GreaterThanOrEqual(before.TeamTokens) {
		t.Errorf("sell should reduce holding: before=%s after=%s",
			before.TeamTokens, after.TeamTokens)
	}
	if after.TeamTokens.IsNegative() {
		t.Errorf("holding must not go negative, got %s", after.TeamTokens)
	}
}

// --- Valuation tests ---

func TestHoldingValue_ZeroWithoutPosition(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedPool(t, ms, "RAVENS")

	value, err := svc.HoldingValue(context.Background(), "nobody", "RAVENS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !value.IsZero() {
		t.Errorf("expected zero value, got %s", value)
	}
}

func TestPortfolioValue_SumsBalanceAndHoldings(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedPool(t, ms, "RAVENS")
	seedPool(t, ms, "OTTERS")
	seedUser(t, ms, "user1")

	if _, err := svc.Buy(context.Background(), "user1", "RAVENS", d(100)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if _, err := svc.Buy(context.Background(), "user1", "OTTERS", d(50)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	portfolio, err := svc.PortfolioValue(context.Background(), "user1")
	if err != nil {
		t.Fatalf("portfolio failed: %v", err)
	}

	if !portfolio.Balance.Equal(d(850)) {
		t.Errorf("expected balance 850, got %s", portfolio.Balance)
	}
	if !portfolio.Total.Equal(portfolio.Balance.Add(portfolio.HoldingsValue)) {
		t.Errorf("total should be balance + holdings: %s vs %s + %s",
			portfolio.Total, portfolio.Balance, portfolio.HoldingsValue)
	}
	// Slippage means the holdings are worth less than what was paid in.
	if portfolio.HoldingsValue.GreaterThanOrEqual(d(150)) {
		t.Errorf("holdings value should reflect slippage, got %s", portfolio.HoldingsValue)
	}
	if portfolio.Total.GreaterThanOrEqual(d(1000)) {
		t.Errorf("total after buys should be below 1000, got %s", portfolio.Total)
	}
}

// --- Leaderboard tests ---

func TestLeaderboard_SortedDescendingTopTen(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedPool(t, ms, "RAVENS")

	// Twelve users; user11 trades away some value to slippage.
	for i := 0; i < 12; i++ {
		seedUser(t, ms, userN(i))
	}
	if _, err := svc.Buy(context.Background(), userN(11), "RAVENS", d(500)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	entries, err := svc.Leaderboard(context.Background())
	if err != nil {
		t.Fatalf("leaderboard failed: %v", err)
	}

	if len(entries) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Total.GreaterThan(entries[i-1].Total) {
			t.Errorf("leaderboard not sorted at %d: %s > %s",
				i, entries[i].Total, entries[i-1].Total)
		}
	}
	// The trading user lost value to slippage and must not lead.
	if entries[0].UserID == userN(11) {
		t.Error("user with slippage losses should not rank first")
	}
}

func TestLeaderboard_AnonymousWithoutUserRecord(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "ghost")

	entries, err := svc.Leaderboard(context.Background())
	if err != nil {
		t.Fatalf("leaderboard failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Name != "Anonymous" {
		t.Errorf("expected Anonymous, got %s", entries[0].Name)
	}
}

func userN(i int) string {
	return "user" + string(rune('a'+i))
}

// --- Pool upsert tests ---

func TestUpsertPool_CreatesAtDefaultReserves(t *testing.T) {
	svc, _ := newTestEnv(t)

	pool, err := svc.UpsertPool(context.Background(), "RAVENS", "Ravens", true, nil)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if !pool.TeamReserve.Equal(d(1000)) || !pool.BridgeReserve.Equal(d(1000)) {
		t.Errorf("expected 1000/1000 reserves, got %s/%s",
			pool.TeamReserve, pool.BridgeReserve)
	}
}

func TestUpsertPool_PatchDoesNotTouchReserves(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "user1")

	if _, err := svc.UpsertPool(context.Background(), "RAVENS", "Ravens", true, nil); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := svc.Buy(context.Background(), "user1", "RAVENS", d(100)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	// Rename the pool; the moved reserves must survive.
	pool, err := svc.UpsertPool(context.Background(), "RAVENS", "Renamed Ravens", true, nil)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if pool.DisplayName != "Renamed Ravens" {
		t.Errorf("expected renamed pool, got %s", pool.DisplayName)
	}
	if !pool.BridgeReserve.Equal(d(1100)) {
		t.Errorf("patch must not reset reserves, got %s", pool.BridgeReserve)
	}
}

func TestUpsertPool_InvalidTicker(t *testing.T) {
	svc, _ := newTestEnv(t)

	for _, ticker := range []string{"", "x", "lowercase", "TOO-LONG-TICKER"} {
		if _, err := svc.UpsertPool(context.Background(), ticker, "Bad", true, nil); err != exchange.ErrInvalidTicker {
			t.Errorf("expected ErrInvalidTicker for %q, got %v", ticker, err)
		}
	}
}

// --- Store failure modes ---

// stalePoolStore serves ticker lookups from a snapshot frozen at pool
// creation, the way a cache that lost an invalidation race would.
type stalePoolStore struct {
	*store.MemoryStore
}

func (s *stalePoolStore) GetPoolByTicker(ctx context.Context, ticker string) (*model.Pool, error) {
	p, err := s.MemoryStore.GetPoolByTicker(ctx, ticker)
	if err != nil {
		return nil, err
	}
	p.TeamReserve = d(1000)
	p.BridgeReserve = d(1000)
	return p, nil
}

func TestBuy_IgnoresStaleTickerLookup(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := exchange.NewService(&stalePoolStore{ms}, nil)
	seedPool(t, ms, "RAVENS")
	seedUser(t, ms, "user1")

	// Two consecutive buys. The second must price off the reserves the first
	// one wrote, not the frozen snapshot.
	for i := 0; i < 2; i++ {
		if _, err := svc.Buy(context.Background(), "user1", "RAVENS", d(100)); err != nil {
			t.Fatalf("buy %d failed: %v", i, err)
		}
	}

	pool, _ := ms.GetPoolByTicker(context.Background(), "RAVENS")
	if !pool.BridgeReserve.Equal(d(1200)) {
		t.Errorf("expected bridge reserve 1200 after two buys, got %s", pool.BridgeReserve)
	}
	k := pool.TeamReserve.Mul(pool.BridgeReserve)
	if k.Sub(d(1000000)).Abs().GreaterThan(tolerance.Mul(d(1000000))) {
		t.Errorf("constant product broken by stale lookup: k=%s", k)
	}
}

// failingPoolStore fails every ticker lookup with an infrastructure error.
type failingPoolStore struct {
	*store.MemoryStore
	err error
}

func (s *failingPoolStore) GetPoolByTicker(context.Context, string) (*model.Pool, error) {
	return nil, s.err
}

func TestTrade_StoreFailureIsNotPoolNotFound(t *testing.T) {
	ms := store.NewMemoryStore()
	errDown := errors.New("connection refused")
	svc := exchange.NewService(&failingPoolStore{MemoryStore: ms, err: errDown}, nil)
	seedUser(t, ms, "user1")

	if _, err := svc.Buy(context.Background(), "user1", "RAVENS", d(10)); !errors.Is(err, errDown) {
		t.Errorf("buy should surface the store error, got %v", err)
	}
	if _, err := svc.Sell(context.Background(), "user1", "RAVENS", d(10)); !errors.Is(err, errDown) {
		t.Errorf("sell should surface the store error, got %v", err)
	}
	if _, err := svc.HoldingValue(context.Background(), "user1", "RAVENS"); !errors.Is(err, errDown) {
		t.Errorf("holding value should surface the store error, got %v", err)
	}
}

func TestTrade_ReportsSettledBalance(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedPool(t, ms, "RAVENS")
	seedUser(t, ms, "user1")

	buy, err := svc.Buy(context.Background(), "user1", "RAVENS", d(100))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	stored, _ := ms.GetBalance(context.Background(), "user1")
	if !buy.Balance.Equal(stored.Bridge) {
		t.Errorf("buy result balance %s != stored %s", buy.Balance, stored.Bridge)
	}

	sell, err := svc.Sell(context.Background(), "user1", "RAVENS", d(30))
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	stored, _ = ms.GetBalance(context.Background(), "user1")
	if !sell.Balance.Equal(stored.Bridge) {
		t.Errorf("sell result balance %s != stored %s", sell.Balance, stored.Bridge)
	}
}

// --- HTTP round trip through the auth middleware ---

func TestHTTP_BuyWithBearerToken(t *testing.T) {
	ms := store.NewMemoryStore()
	authSvc := auth.NewService(ms, []byte("test-secret"))
	svc := exchange.NewService(ms, nil)

	if _, err := ms.UpsertPool(context.Background(), &model.Pool{
		ID: "pool-RAVENS", Ticker: "RAVENS", DisplayName: "Ravens", Active: true,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed pool: %v", err)
	}

	r := chi.NewRouter()
	r.Post("/api/v1/auth/register", authSvc.HandleRegister)
	r.Post("/api/v1/auth/login", authSvc.HandleLogin)
	r.Group(func(r chi.Router) {
		r.Use(authSvc.Middleware)
		r.Post("/api/v1/buy", svc.HandleBuy)
		r.Get("/api/v1/portfolio", svc.HandlePortfolio)
	})

	// Register + login.
	creds := []byte(`{"name":"trader1","password":"hunter22"}`)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/auth/register", bytes.NewReader(creds)))
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/auth/login", bytes.NewReader(creds)))
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var loginResp map[string]string
	json.Unmarshal(w.Body.Bytes(), &loginResp)
	token := loginResp["token"]
	if token == "" {
		t.Fatal("expected a token from login")
	}

	// Unauthenticated buy is rejected.
	body := []byte(`{"ticker":"RAVENS","amount":"100"}`)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/buy", bytes.NewReader(body)))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	// Authenticated buy succeeds.
	req := httptest.NewRequest("POST", "/api/v1/buy", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("buy: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res exchange.TradeResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Balance.Equal(d(900)) {
		t.Errorf("expected balance 900 after buy, got %s", res.Balance)
	}

	// Portfolio reflects the trade.
	req = httptest.NewRequest("GET", "/api/v1/portfolio", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("portfolio: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var portfolio model.Portfolio
	json.Unmarshal(w.Body.Bytes(), &portfolio)
	if !portfolio.Balance.Equal(d(900)) {
		t.Errorf("expected portfolio balance 900, got %s", portfolio.Balance)
	}
}
