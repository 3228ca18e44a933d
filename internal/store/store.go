// Package store defines the persistence interface for the exchange engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/brdg/exchange-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientFunds is returned when a debit would take a balance
	// negative. The enclosing transaction is rolled back.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrConflict is returned when an insert collides with an existing
	// unique key (ticker, username).
	ErrConflict = errors.New("store: conflict")
)

// TradeEffect is the full set of writes produced by one buy or sell. The
// store applies it as a single all-or-nothing transaction: the balance
// debit/credit, the new pool reserves, the holding upsert, and the history
// append either all land or none do.
type TradeEffect struct {
	UserID string
	PoolID string

	// BridgeDelta is the signed change to the user's BRDG balance:
	// negative for a buy, positive for a sell.
	BridgeDelta decimal.Decimal

	// New reserve state for the pool.
	NewTeamReserve   decimal.Decimal
	NewBridgeReserve decimal.Decimal

	// TeamTokensDelta is the signed change to the holding's team tokens.
	TeamTokensDelta decimal.Decimal

	// BridgeContributed is added to the holding's cumulative BRDG-in figure.
	BridgeContributed decimal.Decimal

	History *model.HistoryPoint
}

// Payout credits one winning wager's user at settlement.
type Payout struct {
	UserID string
	Amount decimal.Decimal
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user. Fails ErrConflict on a taken name.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetUserByName retrieves a user by unique name.
	GetUserByName(ctx context.Context, name string) (*model.User, error)

	// --- Ledger ---

	// EnsureBalance creates the user's balance record with the default
	// starting amount if it does not exist, and returns it.
	EnsureBalance(ctx context.Context, userID string) (*model.Balance, error)

	// GetBalance retrieves a balance. Fails ErrNotFound if absent.
	GetBalance(ctx context.Context, userID string) (*model.Balance, error)

	// ListBalances returns every balance record.
	ListBalances(ctx context.Context) ([]model.Balance, error)

	// --- Pool registry ---

	// UpsertPool creates a pool at the default reserves, or patches the
	// display metadata of an existing one. Reserves are never written
	// through this path.
	UpsertPool(ctx context.Context, p *model.Pool) (*model.Pool, error)

	// GetPool retrieves a pool by its ID.
	GetPool(ctx context.Context, id string) (*model.Pool, error)

	// GetPoolByTicker retrieves a pool by its ticker.
	GetPoolByTicker(ctx context.Context, ticker string) (*model.Pool, error)

	// ListActivePools returns all pools open for trading.
	ListActivePools(ctx context.Context) ([]model.Pool, error)

	// --- Trades ---

	// ApplyTrade applies one trade's writes atomically and returns the
	// user's balance as settled by the write.
	ApplyTrade(ctx context.Context, eff *TradeEffect) (*model.Balance, error)

	// GetHistory returns a pool's price points in timestamp order.
	GetHistory(ctx context.Context, poolID string) ([]model.HistoryPoint, error)

	// GetHolding retrieves one (user, pool) holding. ErrNotFound if absent.
	GetHolding(ctx context.Context, userID, poolID string) (*model.Holding, error)

	// ListHoldingsByUser returns all of a user's holdings.
	ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error)

	// --- Wager book ---

	// CreateQuestion persists a new question.
	CreateQuestion(ctx context.Context, q *model.Question) error

	// GetQuestion retrieves a question by ID.
	GetQuestion(ctx context.Context, id string) (*model.Question, error)

	// ListQuestions returns all questions, newest first.
	ListQuestions(ctx context.Context) ([]model.Question, error)

	// ApplyWager debits the stake and inserts the wager atomically.
	// Fails ErrInsufficientFunds without writing anything.
	ApplyWager(ctx context.Context, w *model.Wager) error

	// ListWagersByQuestion returns all wagers on a question.
	ListWagersByQuestion(ctx context.Context, questionID string) ([]model.Wager, error)

	// ListWagersByUser returns all wagers placed by a user.
	ListWagersByUser(ctx context.Context, userID string) ([]model.Wager, error)

	// ApplySettlement deactivates every wager on the question, marks it
	// resolved, and credits the payouts, all in one transaction.
	ApplySettlement(ctx context.Context, questionID string, payouts []Payout) error
}
