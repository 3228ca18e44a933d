package store

import (
	"context"
	"sort"
	"sync"

	"github.com/brdg/exchange-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence). Every method
// runs under one lock, so composite writes are trivially atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	balances  map[string]*model.Balance
	pools     map[string]*model.Pool // keyed by pool ID
	holdings  map[string]*model.Holding
	history   []model.HistoryPoint
	questions map[string]*model.Question
	wagers    []model.Wager
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		balances:  make(map[string]*model.Balance),
		pools:     make(map[string]*model.Pool),
		holdings:  make(map[string]*model.Holding),
		questions: make(map[string]*model.Question),
	}
}

func holdingKey(userID, poolID string) string { return userID + "/" + poolID }

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Name == u.Name {
			return ErrConflict
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByName(_ context.Context, name string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Name == name {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// --- Ledger ---

func (s *MemoryStore) EnsureBalance(_ context.Context, userID string) (*model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[userID]
	if !ok {
		b = &model.Balance{UserID: userID, Bridge: model.DefaultStartingBalance}
		s.balances[userID] = b
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListBalances(_ context.Context) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balances := make([]model.Balance, 0, len(s.balances))
	for _, b := range s.balances {
		balances = append(balances, *b)
	}
	return balances, nil
}

// --- Pool registry ---

func (s *MemoryStore) UpsertPool(_ context.Context, p *model.Pool) (*model.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.pools {
		if existing.Ticker == p.Ticker {
			existing.DisplayName = p.DisplayName
			existing.Active = p.Active
			existing.MemberImages = append([]string(nil), p.MemberImages...)
			cp := *existing
			return &cp, nil
		}
	}

	cp := *p
	cp.TeamReserve = model.DefaultPoolReserve
	cp.BridgeReserve = model.DefaultPoolReserve
	cp.MemberImages = append([]string(nil), p.MemberImages...)
	s.pools[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) GetPool(_ context.Context, id string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPoolByTicker(_ context.Context, ticker string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.pools {
		if p.Ticker == ticker {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListActivePools(_ context.Context) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		if p.Active {
			pools = append(pools, *p)
		}
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Ticker < pools[j].Ticker })
	return pools, nil
}

// --- Trades ---

func (s *MemoryStore) ApplyTrade(_ context.Context, eff *TradeEffect) (*model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[eff.UserID]
	if !ok {
		return nil, ErrNotFound
	}
	p, ok := s.pools[eff.PoolID]
	if !ok {
		return nil, ErrNotFound
	}

	newBridge := b.Bridge.Add(eff.BridgeDelta)
	if newBridge.IsNegative() {
		return nil, ErrInsufficientFunds
	}

	b.Bridge = newBridge
	p.TeamReserve = eff.NewTeamReserve
	p.BridgeReserve = eff.NewBridgeReserve

	key := holdingKey(eff.UserID, eff.PoolID)
	h, ok := s.holdings[key]
	if !ok {
		h = &model.Holding{UserID: eff.UserID, PoolID: eff.PoolID}
		s.holdings[key] = h
	}
	h.TeamTokens = h.TeamTokens.Add(eff.TeamTokensDelta)
	h.BridgeContributed = h.BridgeContributed.Add(eff.BridgeContributed)

	if eff.History != nil {
		s.history = append(s.history, *eff.History)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) GetHistory(_ context.Context, poolID string) ([]model.HistoryPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var points []model.HistoryPoint
	for _, hp := range s.history {
		if hp.PoolID == poolID {
			points = append(points, hp)
		}
	}
	return points, nil
}

func (s *MemoryStore) GetHolding(_ context.Context, userID, poolID string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings[holdingKey(userID, poolID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) ListHoldingsByUser(_ context.Context, userID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var holdings []model.Holding
	for _, h := range s.holdings {
		if h.UserID == userID {
			holdings = append(holdings, *h)
		}
	}
	return holdings, nil
}

// --- Wager book ---

func (s *MemoryStore) CreateQuestion(_ context.Context, q *model.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *q
	s.questions[q.ID] = &cp
	return nil
}

func (s *MemoryStore) GetQuestion(_ context.Context, id string) (*model.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.questions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) ListQuestions(_ context.Context) ([]model.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	questions := make([]model.Question, 0, len(s.questions))
	for _, q := range s.questions {
		questions = append(questions, *q)
	}
	sort.Slice(questions, func(i, j int) bool {
		return questions[i].CreatedAt.After(questions[j].CreatedAt)
	})
	return questions, nil
}

func (s *MemoryStore) ApplyWager(_ context.Context, w *model.Wager) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[w.UserID]
	if !ok {
		return ErrNotFound
	}
	newBridge := b.Bridge.Sub(w.Amount)
	if newBridge.IsNegative() {
		return ErrInsufficientFunds
	}

	b.Bridge = newBridge
	s.wagers = append(s.wagers, *w)
	return nil
}

func (s *MemoryStore) ListWagersByQuestion(_ context.Context, questionID string) ([]model.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var wagers []model.Wager
	for _, w := range s.wagers {
		if w.QuestionID == questionID {
			wagers = append(wagers, w)
		}
	}
	return wagers, nil
}

func (s *MemoryStore) ListWagersByUser(_ context.Context, userID string) ([]model.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var wagers []model.Wager
	for _, w := range s.wagers {
		if w.UserID == userID {
			wagers = append(wagers, w)
		}
	}
	return wagers, nil
}

func (s *MemoryStore) ApplySettlement(_ context.Context, questionID string, payouts []Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.questions[questionID]
	if !ok {
		return ErrNotFound
	}

	q.Resolved = true
	for i := range s.wagers {
		if s.wagers[i].QuestionID == questionID {
			s.wagers[i].Active = false
		}
	}
	for _, p := range payouts {
		if b, ok := s.balances[p.UserID]; ok {
			b.Bridge = b.Bridge.Add(p.Amount)
		}
	}
	return nil
}
