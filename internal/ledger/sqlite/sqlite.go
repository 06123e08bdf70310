package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/creditgate/creditgate/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Serialize writers at the driver level; SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

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
	balance INTEGER NOT NULL DEFAULT 0,
	reset_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS credit_entries (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES accounts(user_id),
	operation TEXT NOT NULL,
	cost INTEGER NOT NULL CHECK(cost >= 1),
	tokens_used INTEGER,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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
INSERT INTO accounts(user_id, balance) VALUES(?, ?)
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
FROM accounts WHERE user_id = ?`, userID)
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
// transaction. A duplicate entry id rolls the decrement back and reports
// ledger.ErrDuplicateEntry.
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
SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP
WHERE user_id = ?
RETURNING balance`, entry.Cost, entry.UserID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrNoAccount
	}
	if err != nil {
		return 0, fmt.Errorf("decrement balance: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO credit_entries(id, user_id, operation, cost, tokens_used, created_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		entry.ID, entry.UserID, entry.Operation, entry.Cost, entry.TokensUsed, created)
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Entry already settled; the rollback undoes the decrement above.
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
SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP
WHERE user_id = ?
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
SET balance = ?, reset_at = ?, updated_at = CURRENT_TIMESTAMP
WHERE user_id = ?`, balance, resetAt.UTC(), userID)
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
WHERE user_id = ?`, userID)
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
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, userID, limit)
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
