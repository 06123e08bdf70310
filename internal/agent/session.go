package agent

import "sync/atomic"

// Outcome is the terminal state of one stream session.
type Outcome string

const (
	// OutcomeSettled: usage was observed and the charge committed.
	OutcomeSettled Outcome = "settled"
	// OutcomeSkipped: the stream ended without billable usage (upstream
	// error, missing usage, or an already-settled session); no decrement,
	// no ledger entry.
	OutcomeSkipped Outcome = "skipped_settlement"
	// OutcomeFailed: usage was observed but the ledger transaction could
	// not commit after retries. An operational incident, not a request
	// failure.
	OutcomeFailed Outcome = "settlement_failed"
)

const (
	statePending int32 = iota
	stateSettling
	stateDone
)

// session is the ephemeral per-request settlement record. Its id doubles
// as the ledger idempotency token. The state field is the single-fire
// guard: settlement code runs only on the one goroutine that wins the
// Pending -> Settling transition.
type session struct {
	id     string
	userID string
	state  atomic.Int32
}

func newSession(id, userID string) *session {
	return &session{id: id, userID: userID}
}

// begin attempts the Pending -> Settling transition. It returns false if
// another path already claimed settlement; callers must then do nothing.
func (s *session) begin() bool {
	return s.state.CompareAndSwap(statePending, stateSettling)
}

// done marks the session terminal. No transition out of Done exists.
func (s *session) done() {
	s.state.Store(stateDone)
}
