package loopback

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/creditgate/creditgate/internal/openai"
	"github.com/creditgate/creditgate/internal/provider"
)

// Ensure Loopback implements both provider interfaces.
var (
	_ provider.ChatProvider          = (*Loopback)(nil)
	_ provider.StreamingChatProvider = (*Loopback)(nil)
)

// Loopback echoes the last user message back to the caller with
// deterministic usage numbers. It exists for tests and local development.
type Loopback struct{}

// New creates a Loopback instance.
func New() *Loopback {
	return &Loopback{}
}

// CreateCompletion fabricates a deterministic completion.
func (l *Loopback) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	reply, usage, err := l.reply(req)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	return openai.NewCompletionResponse(req.Model, reply, usage), nil
}

// CreateCompletionStream emits the echoed reply word by word, then the
// terminal usage event.
func (l *Loopback) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan provider.StreamEvent, error) {
	reply, usage, err := l.reply(req)
	if err != nil {
		return nil, err
	}

	words := strings.SplitAfter(reply.Content, " ")
	ch := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(ch)
		roleEmitted := false
		for _, word := range words {
			select {
			case <-ctx.Done():
				ch <- provider.StreamEvent{Err: ctx.Err()}
				return
			default:
			}
			delta := openai.ChatMessageDelta{Content: word}
			if !roleEmitted {
				roleEmitted = true
				delta.Role = "assistant"
			}
			ch <- provider.StreamEvent{Chunk: &openai.ChatCompletionChunk{
				ID:      "chunk-loopback",
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Model:   req.Model,
				Choices: []openai.ChatCompletionChunkChoice{{Index: 0, Delta: delta}},
			}}
		}
		u := usage
		ch <- provider.StreamEvent{Usage: &u, FinishReason: "stop"}
	}()
	return ch, nil
}

func (l *Loopback) reply(req openai.ChatCompletionRequest) (openai.ChatMessage, openai.UsageBreakdown, error) {
	if len(req.Messages) == 0 {
		return openai.ChatMessage{}, openai.UsageBreakdown{}, errors.New("no messages provided")
	}

	// find last user message; default to final message if none
	message := req.Messages[len(req.Messages)-1]
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.ToLower(req.Messages[i].Role) == "user" {
			message = req.Messages[i]
			break
		}
	}

	reply := openai.ChatMessage{
		Role:    "assistant",
		Content: "[loopback] " + strings.TrimSpace(message.Content),
	}

	usage := openai.UsageBreakdown{
		PromptTokens:     int64(len(req.Messages) * 10),
		CompletionTokens: int64(len(reply.Content) / 4),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	// Metadata override lets callers script exact token totals.
	if v, ok := req.Metadata["loopback_total_tokens"]; ok {
		if total, err := strconv.ParseInt(v, 10, 64); err == nil {
			usage.TotalTokens = total
			usage.CompletionTokens = 0
			usage.PromptTokens = total
		}
	}
	return reply, usage, nil
}
