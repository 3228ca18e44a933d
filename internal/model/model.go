// Package model defines the core domain types shared across the exchange engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultStartingBalance is the BRDG balance granted to a user on first
// interaction with the ledger.
var DefaultStartingBalance = decimal.NewFromInt(1000)

// DefaultPoolReserve is the initial size of each side of a newly created
// liquidity pool.
var DefaultPoolReserve = decimal.NewFromInt(1000)

// User is an account that can authenticate, trade, and wager.
type User struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Balance is a user's BRDG ledger record. Created lazily with
// DefaultStartingBalance, mutated only by trade settlement and wager
// placement/payout. Never deleted.
type Balance struct {
	UserID string          `json:"user_id" db:"user_id"`
	Bridge decimal.Decimal `json:"bridge" db:"bridge"`
}

// Pool is the constant-product reserve state for one team token priced
// against BRDG. Both reserves stay strictly positive after every mutation;
// the product teamReserve*bridgeReserve moves only through the exchange
// formula.
type Pool struct {
	ID            string          `json:"id" db:"id"`
	Ticker        string          `json:"ticker" db:"ticker"`
	DisplayName   string          `json:"display_name" db:"display_name"`
	Active        bool            `json:"active" db:"active"`
	TeamReserve   decimal.Decimal `json:"team_reserve" db:"team_reserve"`
	BridgeReserve decimal.Decimal `json:"bridge_reserve" db:"bridge_reserve"`
	MemberImages  []string        `json:"member_images" db:"member_images"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Holding is a user's accumulated position in one pool's team token.
// BridgeContributed is the cumulative BRDG ever put in — informational,
// never used for valuation.
type Holding struct {
	UserID            string          `json:"user_id" db:"user_id"`
	PoolID            string          `json:"pool_id" db:"pool_id"`
	TeamTokens        decimal.Decimal `json:"team_tokens" db:"team_tokens"`
	BridgeContributed decimal.Decimal `json:"bridge_contributed" db:"bridge_contributed"`
}

// HistoryPoint is an immutable price sample appended after every trade.
// Price is the implied spot price bridgeReserve/teamReserve post-trade.
// Once created, these are never modified or deleted.
type HistoryPoint struct {
	ID        string          `json:"id" db:"id"`
	PoolID    string          `json:"pool_id" db:"pool_id"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Question is a binary-outcome prediction market. Resolved flips to true
// exactly once, at settlement.
type Question struct {
	ID        string    `json:"id" db:"id"`
	Text      string    `json:"text" db:"text"`
	CreatedBy string    `json:"created_by" db:"created_by"`
	Resolved  bool      `json:"resolved" db:"resolved"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Wager is a single stake on a question. Active flips to false exactly once,
// at resolution. No partial settlement, no cancellation.
type Wager struct {
	ID         string          `json:"id" db:"id"`
	QuestionID string          `json:"question_id" db:"question_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Yes        bool            `json:"yes" db:"yes"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Active     bool            `json:"active" db:"active"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Portfolio is the spot valuation of a user's BRDG balance plus the
// liquidation value of every holding.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	Total         decimal.Decimal `json:"total"`
}

// LeaderboardEntry is one ranked row of the global leaderboard.
type LeaderboardEntry struct {
	UserID        string          `json:"user_id"`
	Name          string          `json:"name"`
	Bridge        decimal.Decimal `json:"bridge"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	Total         decimal.Decimal `json:"total"`
}
