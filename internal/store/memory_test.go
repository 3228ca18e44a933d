package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brdg/exchange-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seed(t *testing.T, s *MemoryStore) *model.Pool {
	t.Helper()
	ctx := context.Background()
	if _, err := s.EnsureBalance(ctx, "user1"); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	pool, err := s.UpsertPool(ctx, &model.Pool{
		ID: "p1", Ticker: "RAVENS", DisplayName: "Ravens", Active: true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	return pool
}

func TestApplyTrade_MovesEverythingTogether(t *testing.T) {
	s := NewMemoryStore()
	pool := seed(t, s)
	ctx := context.Background()

	newBal, err := s.ApplyTrade(ctx, &TradeEffect{
		UserID:            "user1",
		PoolID:            pool.ID,
		BridgeDelta:       d(-100),
		NewTeamReserve:    d(909.09),
		NewBridgeReserve:  d(1100),
		TeamTokensDelta:   d(90.91),
		BridgeContributed: d(100),
		History: &model.HistoryPoint{
			ID: "h1", PoolID: pool.ID, Price: d(1.21), Timestamp: time.Now().UTC(),
		},
	})
	if err != nil {
		t.Fatalf("apply trade: %v", err)
	}
	if !newBal.Bridge.Equal(d(900)) {
		t.Errorf("expected returned balance 900, got %s", newBal.Bridge)
	}

	b, _ := s.GetBalance(ctx, "user1")
	if !b.Bridge.Equal(d(900)) {
		t.Errorf("expected balance 900, got %s", b.Bridge)
	}
	p, _ := s.GetPool(ctx, pool.ID)
	if !p.BridgeReserve.Equal(d(1100)) {
		t.Errorf("expected bridge reserve 1100, got %s", p.BridgeReserve)
	}
	h, err := s.GetHolding(ctx, "user1", pool.ID)
	if err != nil {
		t.Fatalf("get holding: %v", err)
	}
	if !h.TeamTokens.Equal(d(90.91)) {
		t.Errorf("expected holding 90.91, got %s", h.TeamTokens)
	}
	points, _ := s.GetHistory(ctx, pool.ID)
	if len(points) != 1 {
		t.Errorf("expected 1 history point, got %d", len(points))
	}
}

func TestApplyTrade_RejectsOverdraftWithoutSideEffects(t *testing.T) {
	s := NewMemoryStore()
	pool := seed(t, s)
	ctx := context.Background()

	_, err := s.ApplyTrade(ctx, &TradeEffect{
		UserID:           "user1",
		PoolID:           pool.ID,
		BridgeDelta:      d(-2000),
		NewTeamReserve:   d(500),
		NewBridgeReserve: d(3000),
		TeamTokensDelta:  d(500),
		History: &model.HistoryPoint{
			ID: "h1", PoolID: pool.ID, Price: d(6), Timestamp: time.Now().UTC(),
		},
	})
	if err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	p, _ := s.GetPool(ctx, pool.ID)
	if !p.BridgeReserve.Equal(d(1000)) {
		t.Errorf("rejected trade must not touch reserves, got %s", p.BridgeReserve)
	}
	if _, err := s.GetHolding(ctx, "user1", pool.ID); err != ErrNotFound {
		t.Errorf("rejected trade must not create a holding, got %v", err)
	}
	if points, _ := s.GetHistory(ctx, pool.ID); len(points) != 0 {
		t.Errorf("rejected trade must not record history, got %d points", len(points))
	}
}

func TestApplyTrade_UnknownUserOrPool(t *testing.T) {
	s := NewMemoryStore()
	pool := seed(t, s)
	ctx := context.Background()

	if _, err := s.ApplyTrade(ctx, &TradeEffect{UserID: "ghost", PoolID: pool.ID}); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown user, got %v", err)
	}
	if _, err := s.ApplyTrade(ctx, &TradeEffect{UserID: "user1", PoolID: "ghost"}); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown pool, got %v", err)
	}
}

func TestApplyWager_DebitsOrRejects(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	w := &model.Wager{ID: "w1", QuestionID: "q1", UserID: "user1", Yes: true,
		Amount: d(100), Active: true, CreatedAt: time.Now().UTC()}
	if err := s.ApplyWager(ctx, w); err != nil {
		t.Fatalf("apply wager: %v", err)
	}
	b, _ := s.GetBalance(ctx, "user1")
	if !b.Bridge.Equal(d(900)) {
		t.Errorf("expected balance 900, got %s", b.Bridge)
	}

	big := &model.Wager{ID: "w2", QuestionID: "q1", UserID: "user1", Yes: true,
		Amount: d(901), Active: true, CreatedAt: time.Now().UTC()}
	if err := s.ApplyWager(ctx, big); err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	b, _ = s.GetBalance(ctx, "user1")
	if !b.Bridge.Equal(d(900)) {
		t.Errorf("rejected wager must not move the balance, got %s", b.Bridge)
	}
	if wagers, _ := s.ListWagersByUser(ctx, "user1"); len(wagers) != 1 {
		t.Errorf("rejected wager must not be recorded, got %d", len(wagers))
	}
}

func TestApplySettlement(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	q := &model.Question{ID: "q1", Text: "Q?", CreatedBy: "creator",
		CreatedAt: time.Now().UTC()}
	if err := s.CreateQuestion(ctx, q); err != nil {
		t.Fatalf("create question: %v", err)
	}
	w := &model.Wager{ID: "w1", QuestionID: "q1", UserID: "user1", Yes: true,
		Amount: d(100), Active: true, CreatedAt: time.Now().UTC()}
	if err := s.ApplyWager(ctx, w); err != nil {
		t.Fatalf("apply wager: %v", err)
	}

	payouts := []Payout{{UserID: "user1", Amount: d(150)}}
	if err := s.ApplySettlement(ctx, "q1", payouts); err != nil {
		t.Fatalf("apply settlement: %v", err)
	}

	got, _ := s.GetQuestion(ctx, "q1")
	if !got.Resolved {
		t.Error("question should be resolved")
	}
	wagers, _ := s.ListWagersByQuestion(ctx, "q1")
	if len(wagers) != 1 || wagers[0].Active {
		t.Error("wagers should be deactivated by settlement")
	}
	b, _ := s.GetBalance(ctx, "user1")
	if !b.Bridge.Equal(d(1050)) {
		t.Errorf("expected balance 1050 after payout, got %s", b.Bridge)
	}

	if err := s.ApplySettlement(ctx, "missing", nil); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertPool_PatchKeepsReserves(t *testing.T) {
	s := NewMemoryStore()
	pool := seed(t, s)
	ctx := context.Background()

	if _, err := s.ApplyTrade(ctx, &TradeEffect{
		UserID: "user1", PoolID: pool.ID,
		BridgeDelta: d(-100), NewTeamReserve: d(909.09), NewBridgeReserve: d(1100),
		TeamTokensDelta: d(90.91), BridgeContributed: d(100),
	}); err != nil {
		t.Fatalf("apply trade: %v", err)
	}

	patched, err := s.UpsertPool(ctx, &model.Pool{
		ID: "ignored", Ticker: "RAVENS", DisplayName: "Renamed", Active: true,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if patched.DisplayName != "Renamed" {
		t.Errorf("expected renamed pool, got %s", patched.DisplayName)
	}
	if !patched.BridgeReserve.Equal(d(1100)) {
		t.Errorf("patch must keep reserves, got %s", patched.BridgeReserve)
	}
	if patched.ID != pool.ID {
		t.Errorf("patch must keep the original pool ID, got %s", patched.ID)
	}
}
