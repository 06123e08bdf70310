package openai

import "testing"

func TestNewCompletionResponse(t *testing.T) {
	resp := NewCompletionResponse("gpt-4o",
		ChatMessage{Role: "assistant", Content: "hi"},
		UsageBreakdown{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5})

	if resp.Object != "chat.completion" {
		t.Fatalf("unexpected object %q", resp.Object)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected one choice, got %d", len(resp.Choices))
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("unexpected finish reason %q", resp.Choices[0].FinishReason)
	}
	if resp.Choices[0].Message.Content != "hi" {
		t.Fatalf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
}

func TestChunkAccessorsEmptyChoices(t *testing.T) {
	// Usage-only chunks arrive with an empty choices array; the accessors
	// must not panic on them.
	chunk := &ChatCompletionChunk{Usage: &UsageBreakdown{TotalTokens: 10}}
	if d := chunk.GetDelta(); d.Content != "" || d.Role != "" {
		t.Fatalf("expected zero delta, got %+v", d)
	}
	if chunk.GetFinishReason() != nil {
		t.Fatalf("expected nil finish reason")
	}
}

func TestChunkAccessors(t *testing.T) {
	stop := "stop"
	chunk := &ChatCompletionChunk{Choices: []ChatCompletionChunkChoice{{
		Delta:        ChatMessageDelta{Role: "assistant", Content: "Hel"},
		FinishReason: &stop,
	}}}
	if chunk.GetDelta().Content != "Hel" {
		t.Fatalf("unexpected delta %+v", chunk.GetDelta())
	}
	if fr := chunk.GetFinishReason(); fr == nil || *fr != "stop" {
		t.Fatalf("unexpected finish reason %v", fr)
	}
}
