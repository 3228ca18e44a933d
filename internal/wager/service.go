// Package wager provides binary-outcome prediction markets settled
// pari-mutuel: losing stakes are redistributed to winners in proportion to
// their stake.
//
// All monetary values use shopspring/decimal — never float64 for money.
package wager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brdg/exchange-engine/internal/metrics"
	"github.com/brdg/exchange-engine/internal/model"
	"github.com/brdg/exchange-engine/internal/store"
)

var (
	// ErrInvalidAmount is returned for a non-positive stake.
	ErrInvalidAmount = errors.New("wager: amount must be positive")

	// ErrEmptyQuestion is returned when a question has no text.
	ErrEmptyQuestion = errors.New("wager: question text must not be empty")

	// ErrQuestionNotFound is returned when the question does not exist.
	ErrQuestionNotFound = errors.New("wager: question not found")

	// ErrInsufficientFunds is returned when the stake exceeds the balance.
	ErrInsufficientFunds = errors.New("wager: insufficient funds")

	// ErrCreatorCannotWager is returned when a creator stakes on their own
	// question.
	ErrCreatorCannotWager = errors.New("wager: creators cannot wager on their own question")

	// ErrNotCreator is returned when someone other than the creator tries
	// to resolve a question.
	ErrNotCreator = errors.New("wager: only the creator can resolve this question")

	// ErrAlreadyResolved is returned on a second resolution attempt.
	// Without this guard a double resolution would double-pay winners.
	ErrAlreadyResolved = errors.New("wager: question already resolved")
)

// Service manages questions, stakes, and pari-mutuel settlement.
// Settlement is serialized with a mutex so two concurrent resolutions of
// the same question cannot both pass the resolved check.
type Service struct {
	store store.Store
	mu    sync.Mutex
}

// NewService creates a new wager service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// CreateQuestion opens a new binary market. No validation on the text
// beyond non-emptiness.
func (s *Service) CreateQuestion(ctx context.Context, creatorID, text string) (*model.Question, error) {
	if text == "" {
		return nil, ErrEmptyQuestion
	}

	q := &model.Question{
		ID:        uuid.New().String(),
		Text:      text,
		CreatedBy: creatorID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateQuestion(ctx, q); err != nil {
		return nil, err
	}

	slog.Info("question created", "question", q.ID, "creator", creatorID)
	return q, nil
}

// PlaceWager stakes `amount` BRDG on one side of a question. The stake is
// debited immediately; it comes back only through settlement.
func (s *Service) PlaceWager(ctx context.Context, userID, questionID string, yes bool, amount decimal.Decimal) (*model.Wager, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	q, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, ErrQuestionNotFound
	}
	if q.Resolved {
		return nil, ErrAlreadyResolved
	}
	if q.CreatedBy == userID {
		return nil, ErrCreatorCannotWager
	}

	w := &model.Wager{
		ID:         uuid.New().String(),
		QuestionID: questionID,
		UserID:     userID,
		Yes:        yes,
		Amount:     amount,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.ApplyWager(ctx, w); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) || errors.Is(err, store.ErrNotFound) {
			return nil, ErrInsufficientFunds
		}
		return nil, err
	}

	side := "no"
	if yes {
		side = "yes"
	}
	metrics.WagersTotal.WithLabelValues(side).Inc()
	slog.Info("wager placed",
		"wager", w.ID,
		"question", questionID,
		"user", userID,
		"side", side,
		"amount", amount.String(),
	)
	return w, nil
}

// QuestionWithOdds is a question decorated with its current pari-mutuel
// totals and implied percentages.
type QuestionWithOdds struct {
	model.Question
	Yes    decimal.Decimal `json:"yes"`
	No     decimal.Decimal `json:"no"`
	Total  decimal.Decimal `json:"total"`
	YesPct decimal.Decimal `json:"yes_pct"`
	NoPct  decimal.Decimal `json:"no_pct"`
}

// QuestionsWithOdds returns every question with yes/no totals summed over
// its active wagers. Percentages are zero when nothing is staked.
func (s *Service) QuestionsWithOdds(ctx context.Context) ([]QuestionWithOdds, error) {
	questions, err := s.store.ListQuestions(ctx)
	if err != nil {
		return nil, err
	}

	hundred := decimal.NewFromInt(100)
	out := make([]QuestionWithOdds, 0, len(questions))
	for _, q := range questions {
		wagers, err := s.store.ListWagersByQuestion(ctx, q.ID)
		if err != nil {
			return nil, err
		}

		yes, no := decimal.Zero, decimal.Zero
		for _, w := range wagers {
			if !w.Active {
				continue
			}
			if w.Yes {
				yes = yes.Add(w.Amount)
			} else {
				no = no.Add(w.Amount)
			}
		}

		total := yes.Add(no)
		yesPct, noPct := decimal.Zero, decimal.Zero
		if total.IsPositive() {
			yesPct = yes.Div(total).Mul(hundred)
			noPct = no.Div(total).Mul(hundred)
		}

		out = append(out, QuestionWithOdds{
			Question: q,
			Yes:      yes,
			No:       no,
			Total:    total,
			YesPct:   yesPct,
			NoPct:    noPct,
		})
	}
	return out, nil
}

// TotalWagered sums every stake the user has ever placed, active or not.
func (s *Service) TotalWagered(ctx context.Context, userID string) (decimal.Decimal, error) {
	wagers, err := s.store.ListWagersByUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, w := range wagers {
		total = total.Add(w.Amount)
	}
	return total, nil
}

// Resolve settles a question pari-mutuel. Every wager is deactivated; each
// winning wager is paid its stake plus a proportional share of the losing
// pool; losing stakes are forfeited. With no winners the losing pool is
// burned. The whole settlement is one atomic store write, and a question
// resolves at most once.
func (s *Service) Resolve(ctx context.Context, callerID, questionID string, correctYes bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return ErrQuestionNotFound
	}
	if q.CreatedBy != callerID {
		return ErrNotCreator
	}
	if q.Resolved {
		return ErrAlreadyResolved
	}

	wagers, err := s.store.ListWagersByQuestion(ctx, questionID)
	if err != nil {
		return err
	}

	var winners []model.Wager
	winningPool, losingPool := decimal.Zero, decimal.Zero
	for _, w := range wagers {
		if !w.Active {
			continue
		}
		if w.Yes == correctYes {
			winners = append(winners, w)
			winningPool = winningPool.Add(w.Amount)
		} else {
			losingPool = losingPool.Add(w.Amount)
		}
	}

	payouts := settle(winners, winningPool, losingPool)

	if err := s.store.ApplySettlement(ctx, questionID, payouts); err != nil {
		return err
	}

	metrics.SettlementsTotal.Inc()
	slog.Info("question resolved",
		"question", questionID,
		"correct_yes", correctYes,
		"winning_pool", winningPool.String(),
		"losing_pool", losingPool.String(),
		"winners", len(winners),
	)
	return nil
}

// settle computes per-winner payouts: stake + stake/winningPool × losingPool.
// Decimal division rounds, so the final winner absorbs the remainder and the
// sum of payouts equals winningPool + losingPool. When the rounded shares
// overshoot the losing pool, the remainder is clamped at zero so no winner
// is ever paid less than their stake.
func settle(winners []model.Wager, winningPool, losingPool decimal.Decimal) []store.Payout {
	if len(winners) == 0 || !winningPool.IsPositive() {
		return nil
	}

	payouts := make([]store.Payout, 0, len(winners))
	distributed := decimal.Zero
	for i, w := range winners {
		var share decimal.Decimal
		if i == len(winners)-1 {
			share = losingPool.Sub(distributed)
			if share.IsNegative() {
				share = decimal.Zero
			}
		} else {
			share = w.Amount.Div(winningPool).Mul(losingPool)
			distributed = distributed.Add(share)
		}
		payouts = append(payouts, store.Payout{
			UserID: w.UserID,
			Amount: w.Amount.Add(share),
		})
	}
	return payouts
}
