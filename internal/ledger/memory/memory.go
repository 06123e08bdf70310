package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/creditgate/creditgate/internal/ledger"
)

// Store is an in-memory ledger.Store used for tests and ephemeral dev
// runs. All balance mutations happen under one mutex, so the decrement
// plus entry insert is atomic exactly like the SQL stores' transactions.
type Store struct {
	mu       sync.Mutex
	accounts map[string]*ledger.Account
	entries  map[string]ledger.Entry // by entry id
	order    []string                // insertion order of entry ids

	// FailSettles makes the next N Settle calls fail, for retry tests.
	FailSettles int
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		accounts: make(map[string]*ledger.Account),
		entries:  make(map[string]ledger.Entry),
	}
}

func (s *Store) EnsureAccount(ctx context.Context, userID string, initialBalance int64) (ledger.Account, error) {
	if userID == "" {
		return ledger.Account{}, errors.New("user id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[userID]; ok {
		return *acct, nil
	}
	now := time.Now().UTC()
	acct := &ledger.Account{UserID: userID, Balance: initialBalance, ResetAt: now, CreatedAt: now, UpdatedAt: now}
	s.accounts[userID] = acct
	return *acct, nil
}

func (s *Store) Balance(ctx context.Context, userID string) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return ledger.Account{}, ledger.ErrNoAccount
	}
	return *acct, nil
}

func (s *Store) Settle(ctx context.Context, entry ledger.Entry) (int64, error) {
	if entry.Cost < 1 {
		return 0, fmt.Errorf("invalid settlement cost %d", entry.Cost)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSettles > 0 {
		s.FailSettles--
		return 0, errors.New("memory store: simulated write failure")
	}
	acct, ok := s.accounts[entry.UserID]
	if !ok {
		return 0, ledger.ErrNoAccount
	}
	if _, dup := s.entries[entry.ID]; dup {
		return 0, ledger.ErrDuplicateEntry
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	acct.Balance -= entry.Cost
	acct.UpdatedAt = time.Now().UTC()
	s.entries[entry.ID] = entry
	s.order = append(s.order, entry.ID)
	return acct.Balance, nil
}

func (s *Store) Grant(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("invalid grant amount %d", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return 0, ledger.ErrNoAccount
	}
	acct.Balance += amount
	acct.UpdatedAt = time.Now().UTC()
	return acct.Balance, nil
}

func (s *Store) ResetBalance(ctx context.Context, userID string, balance int64, resetAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return ledger.ErrNoAccount
	}
	acct.Balance = balance
	acct.ResetAt = resetAt.UTC()
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) Summary(ctx context.Context, userID string) (ledger.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum ledger.Summary
	for _, e := range s.entries {
		if e.UserID != userID {
			continue
		}
		sum.Entries++
		sum.CreditsSpent += e.Cost
		if e.TokensUsed != nil {
			sum.TokensUsed += *e.TokensUsed
		}
	}
	return sum, nil
}

func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []ledger.Entry
	for i := len(s.order) - 1; i >= 0 && len(entries) < limit; i-- {
		e := s.entries[s.order[i]]
		if e.UserID == userID {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

func (s *Store) Close() error { return nil }
