// Package httpserver exposes the OpenAI compatible chat endpoint plus
// account and admin REST endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/creditgate/creditgate/internal/agent"
	"github.com/creditgate/creditgate/internal/auth"
	"github.com/creditgate/creditgate/internal/credits"
	"github.com/creditgate/creditgate/internal/ledger"
	"github.com/creditgate/creditgate/internal/metrics"
	"github.com/creditgate/creditgate/internal/ratelimit"
)

// Options carries the server's dependencies and toggles.
type Options struct {
	Agent   *agent.Service
	Credits *credits.Manager
	Ledger  ledger.Store

	Auth         *auth.Manager
	AuthDisabled bool
	// LocalUserID is the account every request bills to when auth is
	// disabled.
	LocalUserID string
	AdminToken  string

	// InitialBalance seeds accounts on first sight.
	InitialBalance int64

	Metrics   *metrics.Collector
	RateLimit *ratelimit.Middleware
	Logger    *log.Logger
	LogLevel  string
}

// Server exposes REST endpoints for the credit gate service.
type Server struct {
	agent   *agent.Service
	credits *credits.Manager
	ledger  ledger.Store

	auth           *auth.Manager
	authDisabled   bool
	localUserID    string
	adminToken     string
	initialBalance int64

	metrics   *metrics.Collector
	rateLimit *ratelimit.Middleware
	logger    *log.Logger
	logLevel  string
}

// New constructs a Server with the given options.
func New(opts Options) *Server {
	localUser := opts.LocalUserID
	if localUser == "" {
		localUser = "local"
	}
	return &Server{
		agent:          opts.Agent,
		credits:        opts.Credits,
		ledger:         opts.Ledger,
		auth:           opts.Auth,
		authDisabled:   opts.AuthDisabled,
		localUserID:    localUser,
		adminToken:     opts.AdminToken,
		initialBalance: opts.InitialBalance,
		metrics:        opts.Metrics,
		rateLimit:      opts.RateLimit,
		logger:         opts.Logger,
		logLevel:       opts.LogLevel,
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Group(func(private chi.Router) {
		private.Use(s.userMiddleware)
		if s.rateLimit != nil {
			private.Use(s.rateLimit.Wrap)
		}
		private.Post("/v1/chat/completions", s.handleChatCompletions)
		private.Get("/api/v1/account/balance", s.handleBalance)
		private.Get("/api/v1/account/ledger", s.handleLedgerEntries)
		private.Get("/api/v1/account/summary", s.handleSummary)
	})

	r.Group(func(admin chi.Router) {
		admin.Use(s.requireAdmin)
		admin.Post("/api/v1/admin/accounts/{userID}/grant", s.handleGrant)
		admin.Post("/api/v1/admin/accounts/{userID}/reset", s.handleResetBalance)
		admin.Post("/api/v1/admin/tokens", s.handleIssueToken)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type userContextKey struct{}

// userMiddleware resolves the billed account for the request and makes
// sure it exists in the ledger before any handler runs.
func (s *Server) userMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.resolveUser(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err)
			return
		}
		if s.ledger != nil {
			if _, err := s.ledger.EnsureAccount(r.Context(), userID, s.initialBalance); err != nil {
				s.respondError(w, http.StatusInternalServerError, err)
				return
			}
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) resolveUser(r *http.Request) (string, error) {
	if s.authDisabled {
		return s.localUserID, nil
	}
	if s.auth == nil {
		return "", errors.New("auth manager unavailable")
	}
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return s.auth.ValidateToken(token)
}

// requireAdmin guards admin endpoints with the configured token. An
// empty token disables the endpoints entirely.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			s.respondError(w, http.StatusForbidden, errors.New("admin endpoints disabled"))
			return
		}
		token := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
		if token == "" {
			token = bearerToken(r.Header.Get("Authorization"))
		}
		if token != s.adminToken {
			s.respondError(w, http.StatusForbidden, errors.New("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userContextKey{}).(string)
	return userID
}

// UserIDFromRequest is the rate limit key function for this server's
// auth scheme. It never errors; unauthenticated requests come back
// empty and pass unlimited (they fail auth later anyway).
func (s *Server) UserIDFromRequest(r *http.Request) string {
	userID, err := s.resolveUser(r)
	if err != nil {
		return ""
	}
	return userID
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf(format, args...)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
