package provider

import (
	"context"

	"github.com/creditgate/creditgate/internal/openai"
)

// ChatProvider converts an OpenAI compatible chat request into a complete response.
type ChatProvider interface {
	CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// StreamingChatProvider produces a lazy, single-pass event stream for a chat
// request. The channel carries zero or more content events followed by at
// most one terminal event (Usage or Err), then closes. A close without a
// prior Usage event means the upstream finished without reporting usage.
type StreamingChatProvider interface {
	CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan StreamEvent, error)
}

// StreamEvent is the closed set of events a completion stream can emit.
// Exactly one of Chunk, Usage, Err is set per event.
type StreamEvent struct {
	// Chunk is a content or tool-call delta, forwarded to callers verbatim.
	Chunk *openai.ChatCompletionChunk
	// Usage is the terminal accounting payload. FinishReason accompanies it.
	Usage        *openai.UsageBreakdown
	FinishReason string
	// Err reports an upstream failure; the stream ends after it.
	Err error
}

// Terminal reports whether the event ends the stream.
func (ev StreamEvent) Terminal() bool {
	return ev.Usage != nil || ev.Err != nil
}
