package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brdg/exchange-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot display reads: pool state and per-user holdings. Writes
// go to the primary store and invalidate the affected keys; reads check
// Redis first then fall back to the primary. Ledger and wager reads always
// hit the primary — settlement math must never see a stale balance.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Cached reads ---

func (s *CachedStore) GetPoolByTicker(ctx context.Context, ticker string) (*model.Pool, error) {
	data, err := s.rdb.Get(ctx, poolKey(ticker)).Bytes()
	if err == nil {
		var p model.Pool
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPoolByTicker(ctx, ticker)
	if err != nil {
		return nil, err
	}

	s.cachePool(ctx, p)
	return p, nil
}

func (s *CachedStore) ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error) {
	data, err := s.rdb.Get(ctx, holdingsKey(userID)).Bytes()
	if err == nil {
		var holdings []model.Holding
		if json.Unmarshal(data, &holdings) == nil {
			return holdings, nil
		}
	}

	holdings, err := s.primary.ListHoldingsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(holdings); err == nil {
		s.rdb.Set(ctx, holdingsKey(userID), data, s.ttl)
	}
	return holdings, nil
}

// --- Writes (invalidate affected keys) ---

func (s *CachedStore) UpsertPool(ctx context.Context, p *model.Pool) (*model.Pool, error) {
	out, err := s.primary.UpsertPool(ctx, p)
	if err != nil {
		return nil, err
	}
	s.cachePool(ctx, out)
	return out, nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, eff *TradeEffect) (*model.Balance, error) {
	b, err := s.primary.ApplyTrade(ctx, eff)
	if err != nil {
		return nil, err
	}
	// Reserve state and the user's holdings both moved; next read
	// re-populates from the primary.
	s.rdb.Del(ctx, poolIDKeys(ctx, s.rdb, eff.PoolID)...)
	s.rdb.Del(ctx, holdingsKey(eff.UserID))
	return b, nil
}

func (s *CachedStore) ApplySettlement(ctx context.Context, questionID string, payouts []Payout) error {
	return s.primary.ApplySettlement(ctx, questionID, payouts)
}

// --- Passthrough ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetUserByName(ctx context.Context, name string) (*model.User, error) {
	return s.primary.GetUserByName(ctx, name)
}

func (s *CachedStore) EnsureBalance(ctx context.Context, userID string) (*model.Balance, error) {
	return s.primary.EnsureBalance(ctx, userID)
}

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	return s.primary.GetBalance(ctx, userID)
}

func (s *CachedStore) ListBalances(ctx context.Context) ([]model.Balance, error) {
	return s.primary.ListBalances(ctx)
}

func (s *CachedStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	return s.primary.GetPool(ctx, id)
}

func (s *CachedStore) ListActivePools(ctx context.Context) ([]model.Pool, error) {
	return s.primary.ListActivePools(ctx)
}

func (s *CachedStore) GetHistory(ctx context.Context, poolID string) ([]model.HistoryPoint, error) {
	return s.primary.GetHistory(ctx, poolID)
}

func (s *CachedStore) GetHolding(ctx context.Context, userID, poolID string) (*model.Holding, error) {
	return s.primary.GetHolding(ctx, userID, poolID)
}

func (s *CachedStore) CreateQuestion(ctx context.Context, q *model.Question) error {
	return s.primary.CreateQuestion(ctx, q)
}

func (s *CachedStore) GetQuestion(ctx context.Context, id string) (*model.Question, error) {
	return s.primary.GetQuestion(ctx, id)
}

func (s *CachedStore) ListQuestions(ctx context.Context) ([]model.Question, error) {
	return s.primary.ListQuestions(ctx)
}

func (s *CachedStore) ApplyWager(ctx context.Context, w *model.Wager) error {
	return s.primary.ApplyWager(ctx, w)
}

func (s *CachedStore) ListWagersByQuestion(ctx context.Context, questionID string) ([]model.Wager, error) {
	return s.primary.ListWagersByQuestion(ctx, questionID)
}

func (s *CachedStore) ListWagersByUser(ctx context.Context, userID string) ([]model.Wager, error) {
	return s.primary.ListWagersByUser(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cachePool(ctx context.Context, p *model.Pool) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, poolKey(p.Ticker), data, s.ttl)
		s.rdb.Set(ctx, poolIDKey(p.ID), p.Ticker, s.ttl)
	}
}

// poolIDKeys resolves a pool ID back to its ticker key so a trade can
// invalidate the cached pool without knowing the ticker.
func poolIDKeys(ctx context.Context, rdb *redis.Client, poolID string) []string {
	keys := []string{poolIDKey(poolID)}
	if ticker, err := rdb.Get(ctx, poolIDKey(poolID)).Result(); err == nil {
		keys = append(keys, poolKey(ticker))
	}
	return keys
}

func poolKey(ticker string) string     { return fmt.Sprintf("pool:%s", ticker) }
func poolIDKey(id string) string       { return fmt.Sprintf("poolid:%s", id) }
func holdingsKey(userID string) string { return fmt.Sprintf("holdings:%s", userID) }
