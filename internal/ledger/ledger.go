package ledger

import (
	"context"
	"errors"
	"time"
)

// Account holds the credit balance for one user. Balance is only ever
// changed through the store's atomic relative operations (Settle, Grant,
// ResetBalance); no caller reads a balance and writes it back.
type Account struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	ResetAt   time.Time `json:"reset_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is one immutable audit record of a settled, billable operation.
// ID doubles as the settlement idempotency token: it is the stream session
// id, and stores enforce uniqueness on it, so a retried settlement for the
// same session cannot decrement the balance twice.
type Entry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Operation  string    `json:"operation"`
	Cost       int64     `json:"cost"`
	TokensUsed *int64    `json:"tokens_used,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Summary aggregates settled usage for a user.
type Summary struct {
	Entries      int64 `json:"entries"`
	CreditsSpent int64 `json:"credits_spent"`
	TokensUsed   int64 `json:"tokens_used"`
}

var (
	// ErrNoAccount is returned when the user has no provisioned account.
	ErrNoAccount = errors.New("ledger: account not found")
	// ErrDuplicateEntry is returned when an entry with the same id was
	// already settled; the balance is left untouched.
	ErrDuplicateEntry = errors.New("ledger: entry already settled")
)

// Store defines persistence behaviour for accounts and the settlement log.
//
// Settle must decrement the balance and insert the entry in one atomic
// transaction: either both are durable or neither is. The decrement is a
// relative update (balance = balance - cost), never a read-modify-write,
// so concurrent settlements for the same user cannot lose updates.
type Store interface {
	EnsureAccount(ctx context.Context, userID string, initialBalance int64) (Account, error)
	Balance(ctx context.Context, userID string) (Account, error)
	Settle(ctx context.Context, entry Entry) (newBalance int64, err error)
	Grant(ctx context.Context, userID string, amount int64) (newBalance int64, err error)
	ResetBalance(ctx context.Context, userID string, balance int64, resetAt time.Time) error
	Summary(ctx context.Context, userID string) (Summary, error)
	ListRecent(ctx context.Context, userID string, limit int) ([]Entry, error)
	Close() error
}
