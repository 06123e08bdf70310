// Package credits is the sole authority for reading and mutating credit
// balances. Settlement pairs an atomic balance decrement with its audit
// ledger entry; admission is a read-only gate consulted before a metered
// operation starts.
package credits

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/creditgate/creditgate/internal/ledger"
)

// ErrInsufficientCredits marks admission failures for exhausted accounts.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrLedgerWrite marks a settlement whose ledger transaction could not
// commit after retries. The charge was NOT applied; this is an accounting
// loss and must be surfaced operationally, never dropped.
var ErrLedgerWrite = errors.New("ledger write failed")

// InsufficientCreditsError carries the balance observed at admission time.
type InsufficientCreditsError struct {
	Balance int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d", e.Balance)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// Admission is the result of a pre-flight balance check.
type Admission struct {
	Allowed bool
	Balance int64
}

// Outcome classifies a settlement attempt.
type Outcome string

const (
	// OutcomeSettled: the balance was decremented and an entry written.
	OutcomeSettled Outcome = "settled"
	// OutcomeSkipped: nothing was charged (no usage, or already settled).
	OutcomeSkipped Outcome = "skipped"
)

// Settlement describes what one Settle call did.
type Settlement struct {
	Outcome    Outcome
	Cost       int64
	NewBalance int64
}

// Config tunes the manager's retry behaviour.
type Config struct {
	Pricing    Pricing
	MaxRetries int           // additional attempts after the first (default 3)
	RetryBase  time.Duration // backoff base, doubled per attempt (default 100ms)
	Logger     *log.Logger
	// OnRetry is invoked once per retried settlement attempt, if set.
	OnRetry func()
}

// Manager exposes admission checks and atomic settlement over a ledger
// store. It has no knowledge of AI providers or HTTP.
type Manager struct {
	store      ledger.Store
	pricing    Pricing
	maxRetries int
	retryBase  time.Duration
	logger     *log.Logger
	onRetry    func()
	// settled remembers recently consumed settlement tokens so a retried
	// call after a transient failure is a no-op even before the store's
	// unique constraint is consulted.
	settled *expirable.LRU[string, struct{}]
}

// NewManager constructs a Manager over the given store.
func NewManager(store ledger.Store, cfg Config) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 100 * time.Millisecond
	}
	pricing := cfg.Pricing
	if pricing.Default == (OperationPrice{}) && len(pricing.Operations) == 0 {
		pricing = DefaultPricing()
	}
	return &Manager{
		store:      store,
		pricing:    pricing,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		logger:     cfg.Logger,
		onRetry:    cfg.OnRetry,
		settled:    expirable.NewLRU[string, struct{}](4096, nil, time.Hour),
	}
}

// CheckAdmission reads the current balance and denies when it is
// non-positive. It does not reserve or lock funds: cost is only known once
// the provider finishes, so this is a coarse gate, not a hold.
func (m *Manager) CheckAdmission(ctx context.Context, userID string) (Admission, error) {
	acct, err := m.store.Balance(ctx, userID)
	if err != nil {
		return Admission{}, fmt.Errorf("admission check: %w", err)
	}
	return Admission{Allowed: acct.Balance > 0, Balance: acct.Balance}, nil
}

// Settle converts tokensUsed into a credit cost and applies it in one
// atomic ledger transaction. tokensUsed <= 0 is a no-op returning
// OutcomeSkipped. sessionID is the settlement idempotency token: a second
// call with the same id never decrements twice.
//
// Transient store failures are retried with exponential backoff; after
// exhaustion the error wraps ErrLedgerWrite and is also logged as a
// critical accounting incident.
func (m *Manager) Settle(ctx context.Context, userID, operation, sessionID string, tokensUsed int64) (Settlement, error) {
	if tokensUsed <= 0 {
		return Settlement{Outcome: OutcomeSkipped}, nil
	}
	if sessionID == "" {
		return Settlement{}, errors.New("settle requires a session id")
	}
	if _, seen := m.settled.Get(sessionID); seen {
		return Settlement{Outcome: OutcomeSkipped}, nil
	}

	cost := m.pricing.CostFor(operation, tokensUsed)
	entry := ledger.Entry{
		ID:         sessionID,
		UserID:     userID,
		Operation:  operation,
		Cost:       cost,
		TokensUsed: &tokensUsed,
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			if m.onRetry != nil {
				m.onRetry()
			}
			backoff := m.retryBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}
		newBalance, err := m.store.Settle(ctx, entry)
		switch {
		case err == nil:
			m.settled.Add(sessionID, struct{}{})
			return Settlement{Outcome: OutcomeSettled, Cost: cost, NewBalance: newBalance}, nil
		case errors.Is(err, ledger.ErrDuplicateEntry):
			m.settled.Add(sessionID, struct{}{})
			return Settlement{Outcome: OutcomeSkipped}, nil
		case errors.Is(err, ledger.ErrNoAccount):
			// Not transient; retrying cannot help.
			return Settlement{}, err
		default:
			lastErr = err
			if m.logger != nil {
				m.logger.Printf("settlement attempt %d/%d failed user=%s session=%s: %v",
					attempt+1, m.maxRetries+1, userID, sessionID, err)
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	if m.logger != nil {
		m.logger.Printf("CRITICAL settlement lost user=%s session=%s op=%s cost=%d tokens=%d: %v",
			userID, sessionID, operation, cost, tokensUsed, lastErr)
	}
	return Settlement{}, fmt.Errorf("%w: user=%s session=%s cost=%d: %v",
		ErrLedgerWrite, userID, sessionID, cost, lastErr)
}

// Balance returns the user's account.
func (m *Manager) Balance(ctx context.Context, userID string) (ledger.Account, error) {
	return m.store.Balance(ctx, userID)
}
