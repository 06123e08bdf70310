package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/creditgate/creditgate/internal/ledger"
)

const defaultLedgerLimit = 20

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	account, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"user_id":  account.UserID,
		"balance":  account.Balance,
		"reset_at": account.ResetAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLedgerEntries(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	limit := defaultLedgerLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.respondError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	entries, err := s.ledger.ListRecent(r.Context(), userID, limit)
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"entries": entries,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	summary, err := s.ledger.Summary(r.Context(), userID)
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"user_id":       userID,
		"entries":       summary.Entries,
		"credits_spent": summary.CreditsSpent,
		"tokens_used":   summary.TokensUsed,
	})
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var body struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if body.Amount <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("amount must be positive"))
		return
	}
	if _, err := s.ledger.EnsureAccount(r.Context(), userID, s.initialBalance); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	newBalance, err := s.ledger.Grant(r.Context(), userID, body.Amount)
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	s.logf("admin.grant user=%s amount=%d balance=%d", userID, body.Amount, newBalance)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"balance": newBalance,
	})
}

func (s *Server) handleResetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var body struct {
		Balance int64 `json:"balance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if body.Balance < 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("balance must not be negative"))
		return
	}
	if _, err := s.ledger.EnsureAccount(r.Context(), userID, s.initialBalance); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	resetAt := time.Now().UTC()
	if err := s.ledger.ResetBalance(r.Context(), userID, body.Balance, resetAt); err != nil {
		s.respondLedgerError(w, err)
		return
	}
	s.logf("admin.reset user=%s balance=%d", userID, body.Balance)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"balance":  body.Balance,
		"reset_at": resetAt.Format(time.RFC3339),
	})
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		s.respondError(w, http.StatusForbidden, errors.New("auth disabled"))
		return
	}
	var body struct {
		UserID string `json:"user_id"`
		TTL    string `json:"ttl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	ttl := 24 * time.Hour
	if body.TTL != "" {
		parsed, err := time.ParseDuration(body.TTL)
		if err != nil || parsed <= 0 {
			s.respondError(w, http.StatusBadRequest, errors.New("ttl must be a positive duration"))
			return
		}
		ttl = parsed
	}
	token, err := s.auth.IssueToken(body.UserID, ttl)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"user_id":    body.UserID,
		"token":      token,
		"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
	})
}

func (s *Server) respondLedgerError(w http.ResponseWriter, err error) {
	if errors.Is(err, ledger.ErrNoAccount) {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	s.respondError(w, http.StatusInternalServerError, err)
}
