package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/creditgate/creditgate/internal/agent"
	"github.com/creditgate/creditgate/internal/credits"
	"github.com/creditgate/creditgate/internal/openai"
)

// handleChatCompletions serves POST /v1/chat/completions for both the
// blocking and the streaming variant.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if req.Model == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("model is required"))
		return
	}
	if len(req.Messages) == 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("messages must not be empty"))
		return
	}

	userID := userFromContext(r.Context())
	if userID == "" {
		s.respondError(w, http.StatusUnauthorized, errors.New("no account resolved"))
		return
	}

	if req.Stream {
		s.streamChatCompletion(w, r, userID, req, start)
		return
	}

	resp, st, err := s.agent.Complete(r.Context(), userID, req)
	if err != nil {
		s.respondChatError(w, err)
		return
	}
	<-st.Done()
	s.respondJSON(w, http.StatusOK, resp)
	s.logf("chat.completions total_ms=%d model=%s outcome=%s cost=%d",
		time.Since(start).Milliseconds(), req.Model, st.Outcome(), st.Cost())
}

func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, userID string, req openai.ChatCompletionRequest, start time.Time) {
	st, err := s.agent.StreamChat(r.Context(), userID, req)
	if err != nil {
		s.respondChatError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for ev := range st.Events() {
		switch {
		case ev.Err != nil:
			s.debugf("chat.completions stream error session=%s err=%v", st.SessionID, ev.Err)
			_, _ = io.WriteString(w, "data: {\"error\": \"stream error\"}\n\n")
			flusher.Flush()
		case ev.Usage != nil:
			// Final usage chunk, matching stream_options.include_usage.
			chunk := openai.ChatCompletionChunk{
				ID:      "chatcmpl-" + st.SessionID,
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Model:   req.Model,
				Choices: []openai.ChatCompletionChunkChoice{},
				Usage:   ev.Usage,
			}
			writeSSE(w, enc, flusher, chunk)
		case ev.Chunk != nil:
			writeSSE(w, enc, flusher, ev.Chunk)
		}
	}

	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()

	s.logf("chat.completions stream total_ms=%d model=%s session=%s",
		time.Since(start).Milliseconds(), req.Model, st.SessionID)
}

// writeSSE emits a single data frame. Encode appends the newline, the
// second write supplies the blank line that terminates the frame.
func writeSSE(w http.ResponseWriter, enc *json.Encoder, flusher http.Flusher, payload any) {
	_, _ = io.WriteString(w, "data: ")
	_ = enc.Encode(payload)
	_, _ = io.WriteString(w, "\n")
	flusher.Flush()
}

// respondChatError maps credit denials to 402 with the observed balance
// so clients can surface it without a second request.
func (s *Server) respondChatError(w http.ResponseWriter, err error) {
	var denied *credits.InsufficientCreditsError
	if errors.As(err, &denied) {
		s.respondJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":   denied.Error(),
			"balance": denied.Balance,
		})
		return
	}
	if errors.Is(err, agent.ErrStreamingUnsupported) {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respondError(w, http.StatusBadGateway, err)
}
