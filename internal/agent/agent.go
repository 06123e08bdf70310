// Package agent orchestrates one chat request end to end: admission
// check, upstream stream pump, pass-through delivery, and exactly-once
// settlement. The pump owns the upstream producer independently of the
// consumer, so a client disconnect never cancels billing.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/creditgate/creditgate/internal/credits"
	"github.com/creditgate/creditgate/internal/metrics"
	"github.com/creditgate/creditgate/internal/openai"
	"github.com/creditgate/creditgate/internal/provider"
)

// OperationChatCompletion tags chat completion entries in the ledger.
const OperationChatCompletion = "chat_completion"

// ErrStreamingUnsupported is returned when the configured provider cannot
// stream completions.
var ErrStreamingUnsupported = errors.New("provider does not support streaming")

const settleTimeout = 30 * time.Second

// Config tunes the agent service.
type Config struct {
	// MaxStreamDuration aborts the upstream producer after this long.
	// Zero means no cap. An abort is treated like an upstream error: no
	// usage confirmed, nothing settled.
	MaxStreamDuration time.Duration
	// EventBuffer sizes the outgoing event channel (default 16).
	EventBuffer int
	Logger      *log.Logger
	Metrics     *metrics.Collector
}

// Service drives metered chat completions against a provider.
type Service struct {
	credits  *credits.Manager
	provider provider.ChatProvider
	cfg      Config
}

// New constructs a Service. The provider may optionally implement
// provider.StreamingChatProvider; StreamChat requires it.
func New(creditManager *credits.Manager, chatProvider provider.ChatProvider, cfg Config) *Service {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 16
	}
	return &Service{credits: creditManager, provider: chatProvider, cfg: cfg}
}

// Stream is the consumer-facing side of one in-flight chat request.
// Events delivers content chunks in upstream order followed by the
// terminal usage or error event. Done closes once settlement has reached
// a terminal state; Outcome, Cost and NewBalance are valid after that.
type Stream struct {
	SessionID string

	events chan provider.StreamEvent
	done   chan struct{}

	outcome    Outcome
	cost       int64
	newBalance int64
}

// Events returns the outgoing event channel. It closes when the upstream
// stream ends, whether or not the consumer kept reading.
func (st *Stream) Events() <-chan provider.StreamEvent { return st.events }

// Done closes after settlement (or its deliberate skip) has completed.
func (st *Stream) Done() <-chan struct{} { return st.done }

// Outcome reports the session's terminal state. Valid only after Done.
func (st *Stream) Outcome() Outcome { return st.outcome }

// Cost reports the credits charged. Valid only after Done.
func (st *Stream) Cost() int64 { return st.cost }

// NewBalance reports the balance after settlement. Valid only after Done
// and only when Outcome is OutcomeSettled.
func (st *Stream) NewBalance() int64 { return st.newBalance }

// StreamChat checks admission, opens the upstream completion stream and
// returns a pass-through Stream. The upstream source is never contacted
// when admission is denied; the returned error then matches
// credits.ErrInsufficientCredits and carries the current balance.
func (s *Service) StreamChat(ctx context.Context, userID string, req openai.ChatCompletionRequest) (*Stream, error) {
	streamer, ok := s.provider.(provider.StreamingChatProvider)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	adm, err := s.credits.CheckAdmission(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !adm.Allowed {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.AdmissionsDenied.Inc()
		}
		return nil, &credits.InsufficientCreditsError{Balance: adm.Balance}
	}

	// The pump must outlive the request: detach its context from the
	// caller's cancellation, keeping only the optional duration cap.
	pumpCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if s.cfg.MaxStreamDuration > 0 {
		pumpCtx, cancel = context.WithTimeout(pumpCtx, s.cfg.MaxStreamDuration)
	}

	req.Stream = true
	upstream, err := streamer.CreateCompletionStream(pumpCtx, req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open completion stream: %w", err)
	}

	sess := newSession(uuid.NewString(), userID)
	st := &Stream{
		SessionID: sess.id,
		events:    make(chan provider.StreamEvent, s.cfg.EventBuffer),
		done:      make(chan struct{}),
	}
	go s.pump(cancel, ctx.Done(), sess, upstream, st)
	return st, nil
}

// pump drains the upstream producer to completion, forwarding events to
// the consumer while it is still listening, then drives settlement. It is
// the only writer of st.events and st.done.
func (s *Service) pump(cancel context.CancelFunc, consumerDone <-chan struct{}, sess *session, upstream <-chan provider.StreamEvent, st *Stream) {
	defer cancel()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveStreams.Inc()
		defer s.cfg.Metrics.ActiveStreams.Dec()
	}

	var (
		usage        *openai.UsageBreakdown
		upstreamErr  error
		consumerGone bool
	)
	forward := func(ev provider.StreamEvent) {
		if consumerGone {
			return
		}
		select {
		case st.events <- ev:
		case <-consumerDone:
			// The consumer abandoned the stream. Keep draining upstream so
			// usage still arrives and settles; just stop forwarding.
			consumerGone = true
		}
	}

	for ev := range upstream {
		if ev.Err != nil {
			upstreamErr = ev.Err
		} else if ev.Usage != nil {
			u := *ev.Usage
			usage = &u
		}
		forward(ev)
	}
	close(st.events)

	s.finish(sess, usage, upstreamErr, st)
}

// finish performs the exactly-once settlement transition for the session.
func (s *Service) finish(sess *session, usage *openai.UsageBreakdown, upstreamErr error, st *Stream) {
	defer close(st.done)
	if !sess.begin() {
		return
	}
	defer sess.done()

	switch {
	case upstreamErr != nil:
		// Nothing was committed, so there is nothing to roll back.
		st.outcome = OutcomeSkipped
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveSkipped()
		}
		s.logf("stream session=%s user=%s ended with upstream error, settlement skipped: %v", sess.id, sess.userID, upstreamErr)
		return
	case usage == nil || usage.TotalTokens <= 0:
		st.outcome = OutcomeSkipped
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveSkipped()
		}
		s.logf("stream session=%s user=%s reported no usage, settlement skipped", sess.id, sess.userID)
		return
	}

	// Settlement runs on its own context: by now every caller-side
	// context may already be cancelled.
	ctx, cancelSettle := context.WithTimeout(context.Background(), settleTimeout)
	defer cancelSettle()

	res, err := s.credits.Settle(ctx, sess.userID, OperationChatCompletion, sess.id, usage.TotalTokens)
	if err != nil {
		st.outcome = OutcomeFailed
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveFailed()
		}
		s.logf("settlement failed session=%s user=%s tokens=%d: %v", sess.id, sess.userID, usage.TotalTokens, err)
		return
	}
	if res.Outcome == credits.OutcomeSettled {
		st.outcome = OutcomeSettled
		st.cost = res.Cost
		st.newBalance = res.NewBalance
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveSettled(res.Cost, usage.TotalTokens)
		}
		s.logf("settled session=%s user=%s tokens=%d cost=%d balance=%d", sess.id, sess.userID, usage.TotalTokens, res.Cost, res.NewBalance)
		return
	}
	st.outcome = OutcomeSkipped
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveSkipped()
	}
}

// Complete runs a non-streaming completion with the same admission and
// settlement semantics as StreamChat.
func (s *Service) Complete(ctx context.Context, userID string, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, *Stream, error) {
	adm, err := s.credits.CheckAdmission(ctx, userID)
	if err != nil {
		return openai.ChatCompletionResponse{}, nil, err
	}
	if !adm.Allowed {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.AdmissionsDenied.Inc()
		}
		return openai.ChatCompletionResponse{}, nil, &credits.InsufficientCreditsError{Balance: adm.Balance}
	}

	resp, err := s.provider.CreateCompletion(ctx, req)
	if err != nil {
		return openai.ChatCompletionResponse{}, nil, err
	}

	sess := newSession(uuid.NewString(), userID)
	st := &Stream{SessionID: sess.id, done: make(chan struct{})}
	usage := resp.Usage
	s.finish(sess, &usage, nil, st)
	return resp, st, nil
}

func (s *Service) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}
