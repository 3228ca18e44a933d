package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/brdg/exchange-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Composite writes (trades, wagers, settlements) run inside a single
// serializable transaction so no partial application is observable.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Schema is the DDL for the exchange engine's tables. Applied by cmd/seed.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	name          TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS balances (
	user_id TEXT PRIMARY KEY,
	bridge  NUMERIC NOT NULL CHECK (bridge >= 0)
);
CREATE TABLE IF NOT EXISTS pools (
	id             TEXT PRIMARY KEY,
	ticker         TEXT UNIQUE NOT NULL,
	display_name   TEXT NOT NULL,
	active         BOOLEAN NOT NULL,
	team_reserve   NUMERIC NOT NULL CHECK (team_reserve > 0),
	bridge_reserve NUMERIC NOT NULL CHECK (bridge_reserve > 0),
	member_images  TEXT[] NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS holdings (
	user_id            TEXT NOT NULL,
	pool_id            TEXT NOT NULL REFERENCES pools(id),
	team_tokens        NUMERIC NOT NULL,
	bridge_contributed NUMERIC NOT NULL,
	PRIMARY KEY (user_id, pool_id)
);
CREATE TABLE IF NOT EXISTS history_points (
	id        TEXT PRIMARY KEY,
	pool_id   TEXT NOT NULL REFERENCES pools(id),
	price     NUMERIC NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS history_points_pool_ts ON history_points (pool_id, timestamp);
CREATE TABLE IF NOT EXISTS questions (
	id         TEXT PRIMARY KEY,
	text       TEXT NOT NULL,
	created_by TEXT NOT NULL,
	resolved   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS wagers (
	id          TEXT PRIMARY KEY,
	question_id TEXT NOT NULL REFERENCES questions(id),
	user_id     TEXT NOT NULL,
	yes         BOOLEAN NOT NULL,
	amount      NUMERIC NOT NULL CHECK (amount > 0),
	active      BOOLEAN NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS wagers_question ON wagers (question_id);
`

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name, password_hash, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO NOTHING`,
		u.ID, u.Name, u.PasswordHash, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.Name, err)
	}
	// ON CONFLICT DO NOTHING swallows the duplicate; detect it explicitly.
	var id string
	err = s.pool.QueryRow(ctx, `SELECT id FROM users WHERE name = $1`, u.Name).Scan(&id)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.Name, err)
	}
	if id != u.ID {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT id, name, password_hash, created_at FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) GetUserByName(ctx context.Context, name string) (*model.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT id, name, password_hash, created_at FROM users WHERE name = $1`, name))
}

func (s *PostgresStore) scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Name, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// --- Ledger ---

func (s *PostgresStore) EnsureBalance(ctx context.Context, userID string) (*model.Balance, error) {
	var bridge string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO balances (user_id, bridge)
		 VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (user_id) DO UPDATE SET bridge = balances.bridge
		 RETURNING bridge::TEXT`,
		userID, model.DefaultStartingBalance.String()).Scan(&bridge)
	if err != nil {
		return nil, fmt.Errorf("ensure balance %s: %w", userID, err)
	}

	b := &model.Balance{UserID: userID}
	b.Bridge, _ = decimal.NewFromString(bridge)
	return b, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	var bridge string
	err := s.pool.QueryRow(ctx,
		`SELECT bridge::TEXT FROM balances WHERE user_id = $1`, userID).Scan(&bridge)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", userID, err)
	}

	b := &model.Balance{UserID: userID}
	b.Bridge, _ = decimal.NewFromString(bridge)
	return b, nil
}

func (s *PostgresStore) ListBalances(ctx context.Context) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id, bridge::TEXT FROM balances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []model.Balance
	for rows.Next() {
		var b model.Balance
		var bridge string
		if err := rows.Scan(&b.UserID, &bridge); err != nil {
			return nil, err
		}
		b.Bridge, _ = decimal.NewFromString(bridge)
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// --- Pool registry ---

func (s *PostgresStore) UpsertPool(ctx context.Context, p *model.Pool) (*model.Pool, error) {
	// Reserves are written only on first insert; an existing pool keeps its
	// curve state and only the display metadata is patched.
	row := s.pool.QueryRow(ctx,
		`INSERT INTO pools (id, ticker, display_name, active, team_reserve, bridge_reserve, member_images, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (ticker) DO UPDATE
		 SET display_name = EXCLUDED.display_name,
		     active = EXCLUDED.active,
		     member_images = EXCLUDED.member_images
		 RETURNING id, ticker, display_name, active,
		           team_reserve::TEXT, bridge_reserve::TEXT, member_images, created_at`,
		p.ID, p.Ticker, p.DisplayName, p.Active,
		model.DefaultPoolReserve.String(), model.DefaultPoolReserve.String(),
		p.MemberImages, p.CreatedAt)

	return scanPool(row)
}

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	return scanPool(s.pool.QueryRow(ctx,
		`SELECT id, ticker, display_name, active,
		        team_reserve::TEXT, bridge_reserve::TEXT, member_images, created_at
		 FROM pools WHERE id = $1`, id))
}

func (s *PostgresStore) GetPoolByTicker(ctx context.Context, ticker string) (*model.Pool, error) {
	return scanPool(s.pool.QueryRow(ctx,
		`SELECT id, ticker, display_name, active,
		        team_reserve::TEXT, bridge_reserve::TEXT, member_images, created_at
		 FROM pools WHERE ticker = $1`, ticker))
}

func (s *PostgresStore) ListActivePools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ticker, display_name, active,
		        team_reserve::TEXT, bridge_reserve::TEXT, member_images, created_at
		 FROM pools WHERE active ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func scanPool(row pgx.Row) (*model.Pool, error) {
	var p model.Pool
	var team, bridge string
	err := row.Scan(&p.ID, &p.Ticker, &p.DisplayName, &p.Active,
		&team, &bridge, &p.MemberImages, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pool: %w", err)
	}
	p.TeamReserve, _ = decimal.NewFromString(team)
	p.BridgeReserve, _ = decimal.NewFromString(bridge)
	return &p, nil
}

// --- Trades ---

func (s *PostgresStore) ApplyTrade(ctx context.Context, eff *TradeEffect) (*model.Balance, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("begin trade tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var bridge string
	err = tx.QueryRow(ctx,
		`UPDATE balances SET bridge = bridge + $2::NUMERIC
		 WHERE user_id = $1 AND bridge + $2::NUMERIC >= 0
		 RETURNING bridge::TEXT`,
		eff.UserID, eff.BridgeDelta.String()).Scan(&bridge)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the balance row is missing or the debit would go negative;
		// distinguish for the caller.
		if _, gerr := s.GetBalance(ctx, eff.UserID); errors.Is(gerr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, fmt.Errorf("apply balance delta: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE pools SET team_reserve = $2::NUMERIC, bridge_reserve = $3::NUMERIC
		 WHERE id = $1`,
		eff.PoolID, eff.NewTeamReserve.String(), eff.NewBridgeReserve.String())
	if err != nil {
		return nil, fmt.Errorf("update pool reserves: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO holdings (user_id, pool_id, team_tokens, bridge_contributed)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (user_id, pool_id) DO UPDATE
		 SET team_tokens = holdings.team_tokens + EXCLUDED.team_tokens,
		     bridge_contributed = holdings.bridge_contributed + EXCLUDED.bridge_contributed`,
		eff.UserID, eff.PoolID,
		eff.TeamTokensDelta.String(), eff.BridgeContributed.String())
	if err != nil {
		return nil, fmt.Errorf("upsert holding: %w", err)
	}

	if eff.History != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO history_points (id, pool_id, price, timestamp)
			 VALUES ($1, $2, $3::NUMERIC, $4)`,
			eff.History.ID, eff.History.PoolID,
			eff.History.Price.String(), eff.History.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("append history point: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit trade: %w", err)
	}

	b := &model.Balance{UserID: eff.UserID}
	b.Bridge, _ = decimal.NewFromString(bridge)
	return b, nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, poolID string) ([]model.HistoryPoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, pool_id, price::TEXT, timestamp
		 FROM history_points WHERE pool_id = $1 ORDER BY timestamp`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.HistoryPoint
	for rows.Next() {
		var hp model.HistoryPoint
		var price string
		if err := rows.Scan(&hp.ID, &hp.PoolID, &price, &hp.Timestamp); err != nil {
			return nil, err
		}
		hp.Price, _ = decimal.NewFromString(price)
		points = append(points, hp)
	}
	return points, rows.Err()
}

func (s *PostgresStore) GetHolding(ctx context.Context, userID, poolID string) (*model.Holding, error) {
	var h model.Holding
	var tokens, contributed string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, pool_id, team_tokens::TEXT, bridge_contributed::TEXT
		 FROM holdings WHERE user_id = $1 AND pool_id = $2`, userID, poolID).
		Scan(&h.UserID, &h.PoolID, &tokens, &contributed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get holding: %w", err)
	}
	h.TeamTokens, _ = decimal.NewFromString(tokens)
	h.BridgeContributed, _ = decimal.NewFromString(contributed)
	return &h, nil
}

func (s *PostgresStore) ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, pool_id, team_tokens::TEXT, bridge_contributed::TEXT
		 FROM holdings WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		var h model.Holding
		var tokens, contributed string
		if err := rows.Scan(&h.UserID, &h.PoolID, &tokens, &contributed); err != nil {
			return nil, err
		}
		h.TeamTokens, _ = decimal.NewFromString(tokens)
		h.BridgeContributed, _ = decimal.NewFromString(contributed)
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// --- Wager book ---

func (s *PostgresStore) CreateQuestion(ctx context.Context, q *model.Question) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO questions (id, text, created_by, resolved, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		q.ID, q.Text, q.CreatedBy, q.Resolved, q.CreatedAt)
	return err
}

func (s *PostgresStore) GetQuestion(ctx context.Context, id string) (*model.Question, error) {
	var q model.Question
	err := s.pool.QueryRow(ctx,
		`SELECT id, text, created_by, resolved, created_at
		 FROM questions WHERE id = $1`, id).
		Scan(&q.ID, &q.Text, &q.CreatedBy, &q.Resolved, &q.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get question %s: %w", id, err)
	}
	return &q, nil
}

func (s *PostgresStore) ListQuestions(ctx context.Context) ([]model.Question, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, text, created_by, resolved, created_at
		 FROM questions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Text, &q.CreatedBy, &q.Resolved, &q.CreatedAt); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func (s *PostgresStore) ApplyWager(ctx context.Context, w *model.Wager) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin wager tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE balances SET bridge = bridge - $2::NUMERIC
		 WHERE user_id = $1 AND bridge >= $2::NUMERIC`,
		w.UserID, w.Amount.String())
	if err != nil {
		return fmt.Errorf("debit stake: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO wagers (id, question_id, user_id, yes, amount, active, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		w.ID, w.QuestionID, w.UserID, w.Yes, w.Amount.String(), w.Active, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert wager: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit wager: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListWagersByQuestion(ctx context.Context, questionID string) ([]model.Wager, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, question_id, user_id, yes, amount::TEXT, active, created_at
		 FROM wagers WHERE question_id = $1 ORDER BY created_at`, questionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanWagers(rows)
}

func (s *PostgresStore) ListWagersByUser(ctx context.Context, userID string) ([]model.Wager, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, question_id, user_id, yes, amount::TEXT, active, created_at
		 FROM wagers WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanWagers(rows)
}

func scanWagers(rows pgx.Rows) ([]model.Wager, error) {
	var wagers []model.Wager
	for rows.Next() {
		var w model.Wager
		var amount string
		if err := rows.Scan(&w.ID, &w.QuestionID, &w.UserID, &w.Yes,
			&amount, &w.Active, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.Amount, _ = decimal.NewFromString(amount)
		wagers = append(wagers, w)
	}
	return wagers, rows.Err()
}

func (s *PostgresStore) ApplySettlement(ctx context.Context, questionID string, payouts []Payout) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin settlement tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE questions SET resolved = TRUE WHERE id = $1`, questionID)
	if err != nil {
		return fmt.Errorf("mark question resolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`UPDATE wagers SET active = FALSE WHERE question_id = $1`, questionID)
	if err != nil {
		return fmt.Errorf("deactivate wagers: %w", err)
	}

	for _, p := range payouts {
		_, err = tx.Exec(ctx,
			`UPDATE balances SET bridge = bridge + $2::NUMERIC WHERE user_id = $1`,
			p.UserID, p.Amount.String())
		if err != nil {
			return fmt.Errorf("credit payout to %s: %w", p.UserID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit settlement: %w", err)
	}
	return nil
}
