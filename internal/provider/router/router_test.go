package router

import (
	"context"
	"testing"

	"github.com/creditgate/creditgate/internal/openai"
	"github.com/creditgate/creditgate/internal/provider"
)

type stubProvider struct {
	name    string
	streams bool
}

func (s *stubProvider) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{ID: s.name}, nil
}

func (s *stubProvider) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan provider.StreamEvent, error) {
	ch := make(chan provider.StreamEvent)
	close(ch)
	return ch, nil
}

type completionOnly struct{}

func (completionOnly) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{}, nil
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r := New()
	if err := r.Register("openai", &stubProvider{name: "openai"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("anthropic", &stubProvider{name: "anthropic"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("loopback", &stubProvider{name: "loopback"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return r
}

func TestResolveOrderedPatterns(t *testing.T) {
	r := newTestRouter(t)
	for _, rt := range []struct{ pattern, target string }{
		{"gpt-*", "openai"},
		{"claude*", "anthropic"},
		{"*-turbo", "openai"},
	} {
		if err := r.AddRoute(rt.pattern, rt.target); err != nil {
			t.Fatalf("AddRoute(%s): %v", rt.pattern, err)
		}
	}
	if err := r.SetFallback("loopback"); err != nil {
		t.Fatalf("SetFallback: %v", err)
	}

	cases := []struct {
		model string
		want  string
	}{
		{"gpt-4", "openai"},
		{"GPT-4o", "openai"},
		{"claude-3-5-sonnet", "anthropic"},
		{"mistral-turbo", "openai"},
		{"unknown-model", "loopback"},
	}
	for _, tc := range cases {
		got, err := r.Resolve(tc.model)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", tc.model, err)
		}
		if got != tc.want {
			t.Errorf("Resolve(%s) = %s, want %s", tc.model, got, tc.want)
		}
	}
}

func TestResolveNoMatchNoFallback(t *testing.T) {
	r := newTestRouter(t)
	if err := r.AddRoute("gpt-*", "openai"); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	if _, err := r.Resolve("llama-7b"); err == nil {
		t.Fatal("expected error without fallback")
	}
}

func TestAddRouteUnknownProvider(t *testing.T) {
	r := New()
	if err := r.AddRoute("gpt-*", "openai"); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

func TestCreateCompletionRoutes(t *testing.T) {
	r := newTestRouter(t)
	if err := r.AddRoute("gpt-*", "openai"); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	resp, err := r.CreateCompletion(context.Background(), openai.ChatCompletionRequest{Model: "gpt-4"})
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if resp.ID != "openai" {
		t.Fatalf("routed to %s, want openai", resp.ID)
	}
}

func TestCreateCompletionStreamRequiresStreaming(t *testing.T) {
	r := New()
	if err := r.Register("basic", completionOnly{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.SetFallback("basic"); err != nil {
		t.Fatalf("SetFallback: %v", err)
	}
	if _, err := r.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{Model: "any"}); err == nil {
		t.Fatal("expected streaming unsupported error")
	}
}
