// Package anthropic talks to the Anthropic Messages API and converts
// both directions to the OpenAI chat schema. Streaming usage comes from
// message_start (input tokens) and message_delta (output tokens).
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/creditgate/creditgate/internal/openai"
	"github.com/creditgate/creditgate/internal/provider"
)

var _ provider.ChatProvider = (*Provider)(nil)
var _ provider.StreamingChatProvider = (*Provider)(nil)

// Provider sends requests to the Anthropic API (Claude).
type Provider struct {
	apiKey     string
	baseURL    string
	version    string
	maxTokens  int
	httpClient *http.Client
}

// Config holds configuration for the Anthropic provider.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.anthropic.com
	Version        string // optional, defaults to 2023-06-01
	MaxTokens      int    // optional, defaults to 4096; Anthropic requires it
	RequestTimeout time.Duration
}

// New creates a Provider instance.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = "2023-06-01"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		version:    version,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// CreateCompletion converts the request to Anthropic format, sends it and
// converts the response back.
func (p *Provider) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	body, err := p.buildBody(req, false)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}

	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("anthropic: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("anthropic: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return openai.ChatCompletionResponse{}, apiError(resp.StatusCode, respBody)
	}

	var msg messagesResponse
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("anthropic: unmarshal response: %w", err)
	}
	return toOpenAIResponse(msg, req.Model), nil
}

// CreateCompletionStream opens an SSE stream against /v1/messages and
// converts events to OpenAI chunks, finishing with a Usage event.
func (p *Provider) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan provider.StreamEvent, error) {
	body, err := p.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, apiError(resp.StatusCode, data)
	}

	ch := make(chan provider.StreamEvent, 10)
	go p.readStream(ctx, resp.Body, req.Model, ch)
	return ch, nil
}

func (p *Provider) readStream(ctx context.Context, body io.ReadCloser, model string, ch chan<- provider.StreamEvent) {
	defer close(ch)
	defer body.Close()

	var (
		inputTokens  int64
		outputTokens int64
		sawUsage     bool
		finishReason = "stop"
		roleEmitted  bool
	)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			ch <- provider.StreamEvent{Err: ctx.Err()}
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "{}" {
			continue
		}
		var evt streamEvent
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			ch <- provider.StreamEvent{Err: fmt.Errorf("anthropic: parse stream: %w", err)}
			return
		}
		switch evt.Type {
		case "message_start":
			if evt.Message != nil {
				inputTokens = evt.Message.Usage.InputTokens
				outputTokens = evt.Message.Usage.OutputTokens
				sawUsage = true
			}
		case "content_block_delta":
			if evt.Delta.Type != "text_delta" || evt.Delta.Text == "" {
				continue
			}
			delta := openai.ChatMessageDelta{Content: evt.Delta.Text}
			if !roleEmitted {
				roleEmitted = true
				delta.Role = "assistant"
			}
			chunk := openai.ChatCompletionChunk{
				ID:      "msg-stream",
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Model:   model,
				Choices: []openai.ChatCompletionChunkChoice{{Index: 0, Delta: delta}},
			}
			ch <- provider.StreamEvent{Chunk: &chunk}
		case "message_delta":
			if evt.Usage != nil {
				outputTokens = evt.Usage.OutputTokens
				sawUsage = true
			}
			if evt.Delta.StopReason != "" {
				finishReason = mapStopReason(evt.Delta.StopReason)
			}
		case "message_stop":
			if sawUsage {
				ch <- provider.StreamEvent{
					Usage: &openai.UsageBreakdown{
						PromptTokens:     inputTokens,
						CompletionTokens: outputTokens,
						TotalTokens:      inputTokens + outputTokens,
					},
					FinishReason: finishReason,
				}
			}
			return
		case "error":
			msg := "stream error"
			if evt.Error != nil {
				msg = evt.Error.Message
			}
			ch <- provider.StreamEvent{Err: fmt.Errorf("anthropic: %s", msg)}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- provider.StreamEvent{Err: fmt.Errorf("anthropic: read stream: %w", err)}
	}
}

func (p *Provider) buildBody(req openai.ChatCompletionRequest, stream bool) ([]byte, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: no messages provided")
	}
	messages, systemPrompt, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}
	payload := map[string]interface{}{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": p.maxTokens,
	}
	if stream {
		payload["stream"] = true
	}
	if systemPrompt != "" {
		payload["system"] = systemPrompt
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	return body, nil
}

func (p *Provider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.version)
	return httpReq, nil
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage usage `json:"usage"`
	} `json:"message,omitempty"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *usage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// convertMessages converts OpenAI messages to Anthropic format. System
// messages are collected into the system prompt.
func convertMessages(openaiMessages []openai.ChatMessage) ([]message, string, error) {
	var messages []message
	var systemPrompt string
	for _, msg := range openaiMessages {
		role := strings.ToLower(msg.Role)
		if role == "system" {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
			continue
		}
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, message{
			Role:    role,
			Content: []contentBlock{{Type: "text", Text: msg.Content}},
		})
	}
	if len(messages) == 0 {
		return nil, "", errors.New("no user/assistant messages after filtering system messages")
	}
	return messages, systemPrompt, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

func toOpenAIResponse(resp messagesResponse, originalModel string) openai.ChatCompletionResponse {
	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	return openai.ChatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   originalModel,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			FinishReason: mapStopReason(resp.StopReason),
			Message:      openai.ChatMessage{Role: "assistant", Content: content},
		}},
		Usage: openai.UsageBreakdown{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func apiError(status int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Errorf("anthropic: %s (type=%s)", errResp.Error.Message, errResp.Error.Type)
	}
	return fmt.Errorf("anthropic: http %d: %s", status, string(body))
}
