package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/creditgate/creditgate/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id TEXT PRIMARY KEY,
	balance BIGINT NOT NULL DEFAULT 0,
	reset_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS credit_entries (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES accounts(user_id),
	operation TEXT NOT NULL,
	cost BIGINT NOT NULL CHECK(cost >= 1),
	tokens_used BIGINT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_credit_entries_user_created ON credit_entries(user_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureAccount creates the account row if it does not exist yet.
func (s *Store) EnsureAccount(ctx context.Context, userID string, initialBalance int64) (ledger.Account, error) {
	if userID == "" {
		return ledger.Account{}, errors.New("user id required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(user_id, balance) VALUES($1, $2)
ON CONFLICT(user_id) DO NOTHING`, userID, initialBalance)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("ensure account: %w", err)
	}
	return s.Balance(ctx, userID)
}

// Balance returns the current account state for the user.
func (s *Store) Balance(ctx context.Context, userID string) (ledger.Account, error) {
	if userID == "" {
		return ledger.Account{}, errors.New("user id required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT user_id, balance, reset_at, created_at, updated_at
FROM accounts WHERE user_id = $1`, userID)
	var a ledger.Account
	if err := row.Scan(&a.UserID, &a.Balance, &a.ResetAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Account{}, ledger.ErrNoAccount
		}
		return ledger.Account{}, err
	}
	return a, nil
}

// Settle decrements the balance and inserts the audit entry in one
// transaction; both land or neither does.
func (s *Store) Settle(ctx context.Context, entry ledger.Entry) (int64, error) {
	if entry.UserID == "" {
		return 0, errors.New("settlement requires user id")
	}
	if entry.ID == "" {
		return 0, errors.New("settlement requires entry id")
	}
	if entry.Cost < 1 {
		return 0, fmt.Errorf("invalid settlement cost %d", entry.Cost)
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort after commit

	var newBalance int64
	err = tx.QueryRowContext(ctx, `
UPDATE accounts
SET balance = balance - $1, updated_at = NOW()
WHERE user_id = $2
RETURNING balance`, entry.Cost, entry.UserID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrNoAccount
	}
	if err != nil {
		return 0, fmt.Errorf("decrement balance: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO credit_entries(id, user_id, operation, cost, tokens_used, created_at)
VALUES($1, $2, $3, $4, $5, $6)
ON CONFLICT(id) DO NOTHING`,
		entry.ID, entry.UserID, entry.Operation, entry.Cost, entry.TokensUsed, created)
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ledger.ErrDuplicateEntry
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit settlement: %w", err)
	}
	return newBalance, nil
}

// Grant atomically adds credits to the account.
func (s *Store) Grant(ctx context.Context, userID string, amount int64) (int64, error) {
	if userID == "" {
		return 0, errors.New("user id required")
	}
	if amount <= 0 {
		return 0, fmt.Errorf("invalid grant amount %d", amount)
	}
	var newBalance int64
	err := s.db.QueryRowContext(ctx, `
UPDATE accounts
SET balance = balance + $1, updated_at = NOW()
WHERE user_id = $2
RETURNING balance`, amount, userID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrNoAccount
	}
	return newBalance, err
}

// ResetBalance sets the balance to an absolute value and records the reset time.
func (s *Store) ResetBalance(ctx context.Context, userID string, balance int64, resetAt time.Time) error {
	if userID == "" {
		return errors.New("user id required")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE accounts
SET balance = $1, reset_at = $2, updated_at = NOW()
WHERE user_id = $3`, balance, resetAt.UTC(), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrNoAccount
	}
	return nil
}

// Summary returns aggregated settled usage for the given user.
func (s *Store) Summary(ctx context.Context, userID string) (ledger.Summary, error) {
	if userID == "" {
		return ledger.Summary{}, errors.New("user id required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(cost), 0), COALESCE(SUM(tokens_used), 0)
FROM credit_entries
WHERE user_id = $1`, userID)
	var sum ledger.Summary
	if err := row.Scan(&sum.Entries, &sum.CreditsSpent, &sum.TokensUsed); err != nil {
		return ledger.Summary{}, err
	}
	return sum, nil
}

// ListRecent returns the latest entries for a user.
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, operation, cost, tokens_used, created_at
FROM credit_entries
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var tokens sql.NullInt64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Operation, &e.Cost, &tokens, &e.CreatedAt); err != nil {
			return nil, err
		}
		if tokens.Valid {
			v := tokens.Int64
			e.TokensUsed = &v
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
