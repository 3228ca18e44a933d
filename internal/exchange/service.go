// Package exchange provides the trading core: pool-priced swaps between
// BRDG and team tokens, holdings valuation, and leaderboard ranking, plus
// their HTTP handlers.
//
// All monetary values use shopspring/decimal — never float64 for money.
package exchange

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brdg/exchange-engine/internal/cpmm"
	"github.com/brdg/exchange-engine/internal/metrics"
	"github.com/brdg/exchange-engine/internal/model"
	"github.com/brdg/exchange-engine/internal/store"
)

var (
	// ErrInvalidAmount is returned for a non-positive trade amount.
	ErrInvalidAmount = errors.New("exchange: amount must be positive")

	// ErrInsufficientFunds is returned when the BRDG balance cannot cover
	// the requested spend.
	ErrInsufficientFunds = errors.New("exchange: insufficient funds")

	// ErrPoolNotFound is returned when no active pool exists for a ticker.
	ErrPoolNotFound = errors.New("exchange: pool not found")

	// ErrNoHoldings is returned when a sell targets a (user, pool) pair
	// with no position.
	ErrNoHoldings = errors.New("exchange: no holdings for this ticker")

	// ErrInvalidTicker is returned for a malformed pool ticker.
	ErrInvalidTicker = errors.New("exchange: invalid ticker")
)

// tickerRegex matches pool tickers: 2-8 uppercase letters or digits.
var tickerRegex = regexp.MustCompile(`^[A-Z0-9]{2,8}$`)

// leaderboardSize caps the number of ranked entries returned.
const leaderboardSize = 10

// Service executes swaps and valuation queries against the store.
// Trade execution is serialized per pool: two concurrent trades against one
// ticker never interleave their read of the reserves with their write.
type Service struct {
	store store.Store
	hub   *Hub // optional WebSocket hub for price broadcasts

	mu        sync.Mutex
	poolLocks map[string]*sync.Mutex
}

// NewService creates a new exchange service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, hub *Hub) *Service {
	return &Service{
		store:     st,
		hub:       hub,
		poolLocks: make(map[string]*sync.Mutex),
	}
}

// lockPool returns the mutex serializing trades for one ticker.
func (s *Service) lockPool(ticker string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	mu, ok := s.poolLocks[ticker]
	if !ok {
		mu = &sync.Mutex{}
		s.poolLocks[ticker] = mu
	}
	return mu
}

// resolvePool looks up an active pool for trading. The ticker lookup may be
// served from a cache, so the reserves that feed the curve are re-read from
// the primary store; computing new reserves from a cached snapshot would let
// a stale display read corrupt the pool.
func (s *Service) resolvePool(ctx context.Context, ticker string) (*model.Pool, error) {
	pool, err := s.store.GetPoolByTicker(ctx, ticker)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, err
	}
	if !pool.Active {
		return nil, ErrPoolNotFound
	}

	pool, err = s.store.GetPool(ctx, pool.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// TradeResult reports one executed swap.
type TradeResult struct {
	Ticker string `json:"ticker"`
	Side   string `json:"side"` // "buy" or "sell"

	// Bridge is the BRDG that actually moved: spent on a buy, received on
	// a sell (after any clamp).
	Bridge decimal.Decimal `json:"bridge"`

	// TeamTokens is the team-token quantity that changed hands.
	TeamTokens decimal.Decimal `json:"team_tokens"`

	// Price is the implied spot price after the trade.
	Price decimal.Decimal `json:"price"`

	// Balance is the user's BRDG balance after settlement.
	Balance decimal.Decimal `json:"balance"`
}

// Buy spends `amount` BRDG into the ticker's pool and credits the user with
// the team tokens the curve pays out. All writes land in one transaction.
func (s *Service) Buy(ctx context.Context, userID, ticker string, amount decimal.Decimal) (*TradeResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	start := time.Now()
	mu := s.lockPool(ticker)
	mu.Lock()
	defer mu.Unlock()

	pool, err := s.resolvePool(ctx, ticker)
	if err != nil {
		return nil, err
	}

	balance, err := s.store.EnsureBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance.Bridge.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}

	spend := decimal.Min(balance.Bridge, amount)

	quote, err := cpmm.BuyQuote(pool.TeamReserve, pool.BridgeReserve, spend)
	if err != nil {
		return nil, err
	}

	price := cpmm.ImpliedPrice(quote.NewTeamReserve, quote.NewBridgeReserve)
	eff := &store.TradeEffect{
		UserID:            userID,
		PoolID:            pool.ID,
		BridgeDelta:       spend.Neg(),
		NewTeamReserve:    quote.NewTeamReserve,
		NewBridgeReserve:  quote.NewBridgeReserve,
		TeamTokensDelta:   quote.TeamTokens,
		BridgeContributed: spend,
		History: &model.HistoryPoint{
			ID:        uuid.New().String(),
			PoolID:    pool.ID,
			Price:     price,
			Timestamp: time.Now().UTC(),
		},
	}
	newBalance, err := s.store.ApplyTrade(ctx, eff)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return nil, ErrInsufficientFunds
		}
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("buy").Inc()
	metrics.TradeVolume.WithLabelValues(ticker, "buy").Add(spend.InexactFloat64())
	metrics.TradeLatency.WithLabelValues("buy").Observe(time.Since(start).Seconds())

	slog.Info("buy executed",
		"user", userID,
		"ticker", ticker,
		"spend", spend.String(),
		"tokens_out", quote.TeamTokens.String(),
		"price", price.String(),
	)

	if s.hub != nil {
		s.hub.Broadcast(Message{
			Type:   "trade",
			Ticker: ticker,
			Side:   "buy",
			Amount: spend.String(),
			Price:  price.String(),
		})
	}

	return &TradeResult{
		Ticker:     ticker,
		Side:       "buy",
		Bridge:     spend,
		TeamTokens: quote.TeamTokens,
		Price:      price,
		Balance:    newBalance.Bridge,
	}, nil
}

// Sell withdraws up to `amount` BRDG from the ticker's pool against the
// user's holding. A request above the holding's liquidation value is clamped
// to that value rather than rejected; a request with no holding at all fails
// ErrNoHoldings.
func (s *Service) Sell(ctx context.Context, userID, ticker string, amount decimal.Decimal) (*TradeResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	start := time.Now()
	mu := s.lockPool(ticker)
	mu.Lock()
	defer mu.Unlock()

	pool, err := s.resolvePool(ctx, ticker)
	if err != nil {
		return nil, err
	}

	holding, err := s.store.GetHolding(ctx, userID, pool.ID)
	if err != nil || holding.TeamTokens.LessThanOrEqual(decimal.Zero) {
		return nil, ErrNoHoldings
	}

	// The sell cap is the same spot valuation shown in the wallet and the
	// leaderboard; computing it any other way here would let the two views
	// disagree.
	sellValue := cpmm.SpotValue(pool.TeamReserve, pool.BridgeReserve, holding.TeamTokens)
	if sellValue.LessThanOrEqual(decimal.Zero) {
		return nil, ErrNoHoldings
	}

	trueAmount := decimal.Min(sellValue, amount)

	quote, err := cpmm.SellQuote(pool.TeamReserve, pool.BridgeReserve, trueAmount)
	if err != nil {
		return nil, err
	}

	price := cpmm.ImpliedPrice(quote.NewTeamReserve, quote.NewBridgeReserve)
	eff := &store.TradeEffect{
		UserID:            userID,
		PoolID:            pool.ID,
		BridgeDelta:       trueAmount,
		NewTeamReserve:    quote.NewTeamReserve,
		NewBridgeReserve:  quote.NewBridgeReserve,
		TeamTokensDelta:   quote.TeamTokens.Neg(),
		BridgeContributed: trueAmount,
		History: &model.HistoryPoint{
			ID:        uuid.New().String(),
			PoolID:    pool.ID,
			Price:     price,
			Timestamp: time.Now().UTC(),
		},
	}
	newBalance, err := s.store.ApplyTrade(ctx, eff)
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("sell").Inc()
	metrics.TradeVolume.WithLabelValues(ticker, "sell").Add(trueAmount.InexactFloat64())
	metrics.TradeLatency.WithLabelValues("sell").Observe(time.Since(start).Seconds())

	slog.Info("sell executed",
		"user", userID,
		"ticker", ticker,
		"received", trueAmount.String(),
		"tokens_in", quote.TeamTokens.String(),
		"price", price.String(),
	)

	if s.hub != nil {
		s.hub.Broadcast(Message{
			Type:   "trade",
			Ticker: ticker,
			Side:   "sell",
			Amount: trueAmount.String(),
			Price:  price.String(),
		})
	}

	return &TradeResult{
		Ticker:     ticker,
		Side:       "sell",
		Bridge:     trueAmount,
		TeamTokens: quote.TeamTokens,
		Price:      price,
		Balance:    newBalance.Bridge,
	}, nil
}

// HoldingValue returns the BRDG the user would receive by fully liquidating
// their position in the ticker right now, without mutating pool state.
// Zero when the user has no position.
func (s *Service) HoldingValue(ctx context.Context, userID, ticker string) (decimal.Decimal, error) {
	pool, err := s.store.GetPoolByTicker(ctx, ticker)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, ErrPoolNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}

	holding, err := s.store.GetHolding(ctx, userID, pool.ID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}

	return cpmm.SpotValue(pool.TeamReserve, pool.BridgeReserve, holding.TeamTokens), nil
}

// PortfolioValue returns the user's BRDG balance plus the liquidation value
// of every holding. A holding pointing at a missing or drained pool is
// skipped rather than failing the whole portfolio.
func (s *Service) PortfolioValue(ctx context.Context, userID string) (*model.Portfolio, error) {
	balance := decimal.Zero
	if b, err := s.store.GetBalance(ctx, userID); err == nil {
		balance = b.Bridge
	}

	holdingsValue, err := s.holdingsValue(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &model.Portfolio{
		UserID:        userID,
		Balance:       balance,
		HoldingsValue: holdingsValue,
		Total:         balance.Add(holdingsValue),
	}, nil
}

func (s *Service) holdingsValue(ctx context.Context, userID string) (decimal.Decimal, error) {
	holdings, err := s.store.ListHoldingsByUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, h := range holdings {
		pool, err := s.store.GetPool(ctx, h.PoolID)
		if err != nil {
			slog.Warn("skipping holding with unresolvable pool",
				"user", userID, "pool", h.PoolID, "err", err)
			continue
		}
		total = total.Add(cpmm.SpotValue(pool.TeamReserve, pool.BridgeReserve, h.TeamTokens))
	}
	return total, nil
}

// Leaderboard ranks every user by total portfolio value, descending, and
// returns the top entries. Per-holding valuation failures are skipped so one
// dangling pool reference cannot hide a user's otherwise-valid portfolio.
// Ties break in iteration order, which is not deterministic.
func (s *Service) Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	balances, err := s.store.ListBalances(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]model.LeaderboardEntry, 0, len(balances))
	for _, b := range balances {
		holdingsValue, err := s.holdingsValue(ctx, b.UserID)
		if err != nil {
			slog.Warn("skipping holdings for leaderboard entry", "user", b.UserID, "err", err)
			holdingsValue = decimal.Zero
		}

		name := "Anonymous"
		if u, err := s.store.GetUser(ctx, b.UserID); err == nil && u.Name != "" {
			name = u.Name
		}

		entries = append(entries, model.LeaderboardEntry{
			UserID:        b.UserID,
			Name:          name,
			Bridge:        b.Bridge,
			HoldingsValue: holdingsValue,
			Total:         b.Bridge.Add(holdingsValue),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Total.GreaterThan(entries[j].Total)
	})
	if len(entries) > leaderboardSize {
		entries = entries[:leaderboardSize]
	}
	return entries, nil
}

// UpsertPool creates a pool at the default reserves or patches the display
// metadata of an existing one. Reserves never move through this path.
func (s *Service) UpsertPool(ctx context.Context, ticker, displayName string, active bool, memberImages []string) (*model.Pool, error) {
	if !tickerRegex.MatchString(ticker) {
		return nil, ErrInvalidTicker
	}

	pool, err := s.store.UpsertPool(ctx, &model.Pool{
		ID:           uuid.New().String(),
		Ticker:       ticker,
		DisplayName:  displayName,
		Active:       active,
		MemberImages: memberImages,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if pools, err := s.store.ListActivePools(ctx); err == nil {
		metrics.ActivePools.Set(float64(len(pools)))
	}
	return pool, nil
}
