// Package router selects an upstream provider for each request by model
// name. Rules are matched in registration order; a fallback provider
// catches everything else.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/creditgate/creditgate/internal/openai"
	"github.com/creditgate/creditgate/internal/provider"
)

var _ provider.ChatProvider = (*Router)(nil)
var _ provider.StreamingChatProvider = (*Router)(nil)

type route struct {
	pattern string
	target  string
}

// Router routes requests to registered providers based on model name.
type Router struct {
	mu        sync.RWMutex
	providers map[string]provider.ChatProvider
	routes    []route
	fallback  string
}

// New creates an empty Router.
func New() *Router {
	return &Router{providers: make(map[string]provider.ChatProvider)}
}

// Register adds a named provider.
func (r *Router) Register(name string, p provider.ChatProvider) error {
	if name == "" {
		return errors.New("router: provider name cannot be empty")
	}
	if p == nil {
		return errors.New("router: provider cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	return nil
}

// AddRoute appends an ordered model pattern rule. Patterns support exact
// matches, "gpt-*" prefixes, "*-turbo" suffixes and "*3.5*" contains.
func (r *Router) AddRoute(pattern, providerName string) error {
	if pattern == "" {
		return errors.New("router: pattern cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[providerName]; !ok {
		return fmt.Errorf("router: provider %q not registered", providerName)
	}
	r.routes = append(r.routes, route{pattern: strings.ToLower(pattern), target: providerName})
	return nil
}

// SetFallback names the provider used for unmatched models.
func (r *Router) SetFallback(providerName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[providerName]; !ok {
		return fmt.Errorf("router: provider %q not registered", providerName)
	}
	r.fallback = providerName
	return nil
}

// Resolve returns the provider name serving the given model.
func (r *Router) Resolve(model string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	model = strings.ToLower(strings.TrimSpace(model))
	for _, rt := range r.routes {
		if matchPattern(model, rt.pattern) {
			return rt.target, nil
		}
	}
	if r.fallback != "" {
		return r.fallback, nil
	}
	return "", fmt.Errorf("router: no provider for model %q", model)
}

// CreateCompletion routes the request to the matching provider.
func (r *Router) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	p, _, err := r.pick(req.Model)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	return p.CreateCompletion(ctx, req)
}

// CreateCompletionStream routes the request to the matching provider,
// which must support streaming.
func (r *Router) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan provider.StreamEvent, error) {
	p, name, err := r.pick(req.Model)
	if err != nil {
		return nil, err
	}
	streamer, ok := p.(provider.StreamingChatProvider)
	if !ok {
		return nil, fmt.Errorf("router: provider %q does not support streaming", name)
	}
	return streamer.CreateCompletionStream(ctx, req)
}

func (r *Router) pick(model string) (provider.ChatProvider, string, error) {
	if model == "" {
		return nil, "", errors.New("router: model name required")
	}
	name, err := r.Resolve(model)
	if err != nil {
		return nil, "", err
	}
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("router: provider %q not found", name)
	}
	return p, name, nil
}

// Providers returns all registered provider names.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

func matchPattern(model, pattern string) bool {
	if model == pattern {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	switch {
	case strings.HasSuffix(pattern, "*") && !strings.HasPrefix(pattern, "*"):
		return strings.HasPrefix(model, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*") && !strings.HasSuffix(pattern, "*"):
		return strings.HasSuffix(model, strings.TrimPrefix(pattern, "*"))
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		return strings.Contains(model, strings.Trim(pattern, "*"))
	}
	return false
}
