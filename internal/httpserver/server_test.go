package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/creditgate/creditgate/internal/agent"
	"github.com/creditgate/creditgate/internal/auth"
	"github.com/creditgate/creditgate/internal/credits"
	"github.com/creditgate/creditgate/internal/ledger"
	"github.com/creditgate/creditgate/internal/ledger/memory"
	"github.com/creditgate/creditgate/internal/openai"
	"github.com/creditgate/creditgate/internal/provider/loopback"
)

func newTestServer(t *testing.T, balance int64, mutate func(*Options)) (*Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	manager := credits.NewManager(store, credits.Config{Pricing: credits.DefaultPricing()})
	svc := agent.New(manager, loopback.New(), agent.Config{})
	opts := Options{
		Agent:          svc,
		Credits:        manager,
		Ledger:         store,
		AuthDisabled:   true,
		LocalUserID:    "local",
		AdminToken:     "admin-token",
		InitialBalance: balance,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts), store
}

func chatRequestBody(t *testing.T, content string, stream bool, totalTokens string) *bytes.Reader {
	t.Helper()
	req := openai.ChatCompletionRequest{
		Model:    "loopback",
		Messages: []openai.ChatMessage{{Role: "user", Content: content}},
		Stream:   stream,
	}
	if totalTokens != "" {
		req.Metadata = map[string]string{"loopback_total_tokens": totalTokens}
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return bytes.NewReader(body)
}

func waitForBalance(t *testing.T, store *memory.Store, userID string, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		account, err := store.Balance(context.Background(), userID)
		if err == nil && account.Balance == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	account, _ := store.Balance(context.Background(), userID)
	t.Fatalf("balance never reached %d, last seen %d", want, account.Balance)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, 1000, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestChatCompletionSettles(t *testing.T) {
	srv, store := newTestServer(t, 1000, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatRequestBody(t, "Hello", false, "3000"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Usage.TotalTokens != 3000 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
	if len(resp.Choices) != 1 || !strings.Contains(resp.Choices[0].Message.Content, "Hello") {
		t.Fatalf("unexpected choices %+v", resp.Choices)
	}

	account, err := store.Balance(context.Background(), "local")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if account.Balance != 997 {
		t.Fatalf("expected balance 997, got %d", account.Balance)
	}
	entries, err := store.ListRecent(context.Background(), "local", 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Cost != 3 {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestChatCompletionStream(t *testing.T) {
	srv, store := newTestServer(t, 1000, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatRequestBody(t, "Hello World", true, "1500"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	var content strings.Builder
	sawUsage := false
	sawDone := false
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			continue
		}
		var chunk openai.ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("decode chunk %q: %v", data, err)
		}
		if chunk.Usage != nil {
			if chunk.Usage.TotalTokens != 1500 {
				t.Fatalf("unexpected usage %+v", chunk.Usage)
			}
			sawUsage = true
			continue
		}
		content.WriteString(chunk.GetDelta().Content)
	}
	if !sawDone {
		t.Fatalf("missing [DONE] terminator")
	}
	if !sawUsage {
		t.Fatalf("missing usage chunk")
	}
	if !strings.Contains(content.String(), "Hello World") {
		t.Fatalf("unexpected streamed content %q", content.String())
	}

	waitForBalance(t, store, "local", 998)
}

func TestChatCompletionInsufficientCredits(t *testing.T) {
	srv, _ := newTestServer(t, 0, nil)

	for _, stream := range []bool{false, true} {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatRequestBody(t, "Hello", stream, ""))
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusPaymentRequired {
			t.Fatalf("stream=%v: expected 402, got %d", stream, rec.Code)
		}
		var payload map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if payload["balance"] != float64(0) {
			t.Fatalf("expected balance 0 in body, got %#v", payload)
		}
	}
}

func TestChatCompletionValidation(t *testing.T) {
	srv, _ := newTestServer(t, 1000, nil)

	cases := []struct {
		name string
		body string
	}{
		{"malformed", "{not json"},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`},
		{"empty messages", `{"model":"loopback","messages":[]}`},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, rec.Code)
		}
	}
}

func TestBalanceEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, 250, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/account/balance", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["balance"] != float64(250) {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestLedgerAndSummaryEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, 1000, nil)

	chat := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatRequestBody(t, "Hello", false, "2000"))
	chatRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(chatRec, chat)
	if chatRec.Code != http.StatusOK {
		t.Fatalf("chat status %d", chatRec.Code)
	}

	logsReq := httptest.NewRequest(http.MethodGet, "/api/v1/account/ledger?limit=5", nil)
	logsRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(logsRec, logsReq)
	if logsRec.Code != http.StatusOK {
		t.Fatalf("ledger status %d", logsRec.Code)
	}
	var logsPayload struct {
		Entries []ledger.Entry `json:"entries"`
	}
	if err := json.Unmarshal(logsRec.Body.Bytes(), &logsPayload); err != nil {
		t.Fatalf("decode ledger: %v", err)
	}
	if len(logsPayload.Entries) != 1 || logsPayload.Entries[0].Cost != 2 {
		t.Fatalf("unexpected entries %+v", logsPayload.Entries)
	}

	sumReq := httptest.NewRequest(http.MethodGet, "/api/v1/account/summary", nil)
	sumRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(sumRec, sumReq)
	if sumRec.Code != http.StatusOK {
		t.Fatalf("summary status %d", sumRec.Code)
	}
	var sumPayload map[string]any
	if err := json.Unmarshal(sumRec.Body.Bytes(), &sumPayload); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sumPayload["credits_spent"] != float64(2) || sumPayload["tokens_used"] != float64(2000) {
		t.Fatalf("unexpected summary %#v", sumPayload)
	}
}

func TestLedgerLimitValidation(t *testing.T) {
	srv, _ := newTestServer(t, 1000, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/account/ledger?limit=zero", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAdminGrantAndReset(t *testing.T) {
	srv, store := newTestServer(t, 100, nil)

	grant := httptest.NewRequest(http.MethodPost, "/api/v1/admin/accounts/alice/grant", strings.NewReader(`{"amount":50}`))
	grant.Header.Set("X-Admin-Token", "admin-token")
	grantRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(grantRec, grant)
	if grantRec.Code != http.StatusOK {
		t.Fatalf("grant status %d: %s", grantRec.Code, grantRec.Body.String())
	}
	account, err := store.Balance(context.Background(), "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if account.Balance != 150 {
		t.Fatalf("expected 150 after grant, got %d", account.Balance)
	}

	reset := httptest.NewRequest(http.MethodPost, "/api/v1/admin/accounts/alice/reset", strings.NewReader(`{"balance":500}`))
	reset.Header.Set("X-Admin-Token", "admin-token")
	resetRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(resetRec, reset)
	if resetRec.Code != http.StatusOK {
		t.Fatalf("reset status %d", resetRec.Code)
	}
	account, _ = store.Balance(context.Background(), "alice")
	if account.Balance != 500 {
		t.Fatalf("expected 500 after reset, got %d", account.Balance)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t, 100, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/accounts/alice/grant", strings.NewReader(`{"amount":50}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/accounts/alice/grant", strings.NewReader(`{"amount":50}`))
	req.Header.Set("X-Admin-Token", "wrong")
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong token, got %d", rec.Code)
	}
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	srv, _ := newTestServer(t, 100, func(opts *Options) {
		opts.AdminToken = ""
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/accounts/alice/grant", strings.NewReader(`{"amount":50}`))
	req.Header.Set("X-Admin-Token", "anything")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when admin disabled, got %d", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	authManager := auth.NewManager("test-secret")
	srv, store := newTestServer(t, 300, func(opts *Options) {
		opts.AuthDisabled = false
		opts.Auth = authManager
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/account/balance", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token, err := authManager.IssueToken("bob", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/account/balance", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := store.Balance(context.Background(), "bob"); err != nil {
		t.Fatalf("account not provisioned: %v", err)
	}
}

func TestIssueTokenEndpoint(t *testing.T) {
	authManager := auth.NewManager("test-secret")
	srv, _ := newTestServer(t, 100, func(opts *Options) {
		opts.Auth = authManager
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/tokens", strings.NewReader(`{"user_id":"carol","ttl":"1h"}`))
	req.Header.Set("X-Admin-Token", "admin-token")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	userID, err := authManager.ValidateToken(payload["token"])
	if err != nil {
		t.Fatalf("validate issued token: %v", err)
	}
	if userID != "carol" {
		t.Fatalf("unexpected user %q", userID)
	}
}
