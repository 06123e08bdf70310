package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/creditgate/creditgate/internal/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEnsureAccountIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acct, err := store.EnsureAccount(ctx, "alice", 1000)
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if acct.Balance != 1000 {
		t.Fatalf("expected balance 1000, got %d", acct.Balance)
	}

	// Second call must not reset the balance.
	if _, err := store.Grant(ctx, "alice", 5); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	acct, err = store.EnsureAccount(ctx, "alice", 1000)
	if err != nil {
		t.Fatalf("EnsureAccount second: %v", err)
	}
	if acct.Balance != 1005 {
		t.Fatalf("expected balance 1005, got %d", acct.Balance)
	}
}

func TestSettleDecrementsAndRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.EnsureAccount(ctx, "alice", 1000); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}

	tokens := int64(3000)
	newBalance, err := store.Settle(ctx, ledger.Entry{
		ID:         "sess-1",
		UserID:     "alice",
		Operation:  "chat_completion",
		Cost:       3,
		TokensUsed: &tokens,
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if newBalance != 997 {
		t.Fatalf("expected balance 997, got %d", newBalance)
	}

	entries, err := store.ListRecent(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Cost != 3 || entries[0].TokensUsed == nil || *entries[0].TokensUsed != 3000 {
		t.Fatalf("unexpected entry %#v", entries[0])
	}
}

func TestSettleDuplicateEntryLeavesBalanceUntouched(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.EnsureAccount(ctx, "alice", 1000); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}

	entry := ledger.Entry{ID: "sess-1", UserID: "alice", Operation: "chat_completion", Cost: 1}
	if _, err := store.Settle(ctx, entry); err != nil {
		t.Fatalf("first Settle: %v", err)
	}
	_, err := store.Settle(ctx, entry)
	if !errors.Is(err, ledger.ErrDuplicateEntry) {
		t.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}

	acct, err := store.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if acct.Balance != 999 {
		t.Fatalf("expected balance 999 after duplicate settle, got %d", acct.Balance)
	}
	sum, err := store.Summary(ctx, "alice")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Entries != 1 || sum.CreditsSpent != 1 {
		t.Fatalf("unexpected summary %#v", sum)
	}
}

func TestSettleUnknownAccount(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Settle(context.Background(), ledger.Entry{ID: "sess-1", UserID: "ghost", Operation: "chat_completion", Cost: 1})
	if !errors.Is(err, ledger.ErrNoAccount) {
		t.Fatalf("expected ErrNoAccount, got %v", err)
	}
}

func TestConcurrentSettlements(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.EnsureAccount(ctx, "alice", 1000); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tokens := int64(1000)
			_, err := store.Settle(ctx, ledger.Entry{
				ID:         "sess-" + string(rune('a'+n)),
				UserID:     "alice",
				Operation:  "chat_completion",
				Cost:       1,
				TokensUsed: &tokens,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Settle: %v", err)
		}
	}

	acct, err := store.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if acct.Balance != 1000-workers {
		t.Fatalf("expected balance %d, got %d", 1000-workers, acct.Balance)
	}
	sum, err := store.Summary(ctx, "alice")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Entries != workers {
		t.Fatalf("expected %d entries, got %d", workers, sum.Entries)
	}
}

func TestResetBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.EnsureAccount(ctx, "alice", 2); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	resetAt := time.Now().Add(30 * 24 * time.Hour)
	if err := store.ResetBalance(ctx, "alice", 500, resetAt); err != nil {
		t.Fatalf("ResetBalance: %v", err)
	}
	acct, err := store.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if acct.Balance != 500 {
		t.Fatalf("expected balance 500, got %d", acct.Balance)
	}
}
