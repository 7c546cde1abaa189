package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/metrics"
	"toolrelay/internal/infra/tracer"
)

// Stream start retry constants.
const (
	maxStreamAttempts = 3
	baseRetryDelay    = 500 * time.Millisecond
	maxRetryDelay     = 10 * time.Second
)

// DefaultMaxRounds caps the model rounds of one orchestration.
const DefaultMaxRounds = 25

// EventSink receives orchestration events in order. A non-nil error means
// the receiver is gone and stops the orchestration.
type EventSink func(domain.StreamEvent) error

// OrchestratorDeps holds injected dependencies for the orchestrator.
type OrchestratorDeps struct {
	LLM          domain.LLMProvider
	Registry     *SessionRegistry
	Dispatcher   *ToolDispatcher
	Model        string           // optional, provider default when empty
	SystemPrompt string           // optional, sent ahead of the history
	MaxRounds    int              // 0 = unlimited
	RoundTimeout time.Duration    // 0 = none
	Metrics      *metrics.Metrics // optional
	Logger       *slog.Logger
}

// Orchestrator runs the streaming tool-call loop: stream a completion,
// execute any tool calls it asked for, feed the results back, repeat.
type Orchestrator struct {
	deps    OrchestratorDeps
	backoff func(attempt int) time.Duration
}

// NewOrchestrator creates an orchestrator with the given dependencies.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	if deps.MaxRounds < 0 {
		deps.MaxRounds = 0
	}
	deps.Logger = deps.Logger.With("component", "orchestrator")
	return &Orchestrator{deps: deps, backoff: retryBackoff}
}

// retryBackoff computes exponential backoff with jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int64N(int64(delay/4) + 1))
	return delay + jitter
}

// Run drives one orchestration over history and returns the grown history.
// The input slice is never modified. Every event goes to sink; the last one
// is always Complete or Error unless the sink itself failed or ctx ended.
func (o *Orchestrator) Run(ctx context.Context, history []domain.Message, sink EventSink) ([]domain.Message, error) {
	ctx, span := tracer.StartSpan(ctx, tracer.SpanOrchestration,
		trace.WithAttributes(
			tracer.KeyLLMProvider.String(o.deps.LLM.Name()),
			tracer.KeyHistoryLength.Int(len(history)),
		),
	)
	defer span.End()

	history = domain.CloneMessages(history)
	logger := o.deps.Logger
	if id := domain.ConversationIDFromContext(ctx); id != "" {
		logger = logger.With("conversation", id)
	}

	for round := 1; ; round++ {
		if o.deps.MaxRounds > 0 && round > o.deps.MaxRounds {
			return o.stopAtRoundCap(ctx, span, history, sink)
		}
		span.AddEvent(tracer.EventRound, trace.WithAttributes(tracer.KeyRound.Int(round)))

		turn, err := o.streamRound(ctx, history, sink)
		if err != nil {
			var sinkErr *sinkError
			switch {
			case errors.As(err, &sinkErr):
				return history, sinkErr.err
			case ctx.Err() != nil:
				return history, ctx.Err()
			}
			tracer.RecordError(span, err)
			logger.Warn("model stream failed", "round", round, "error", err)
			if serr := sink(domain.ErrorEvent(err.Error())); serr != nil {
				return history, serr
			}
			return history, err
		}

		calls := turn.ToolCalls
		done := turn.FinishReason != domain.FinishReasonToolCalls || len(calls) == 0
		assistant := domain.Message{
			Role:      domain.RoleAssistant,
			Content:   turn.Content,
			Timestamp: time.Now(),
		}
		if !done {
			assistant.ToolCalls = calls
		}
		history = append(history, assistant)

		logger.Debug("model round finished",
			"round", round,
			"finish_reason", turn.FinishReason,
			"tool_calls", len(calls),
			"tokens", turn.Usage.TotalTokens,
		)

		if done {
			o.deps.Metrics.ObserveRounds(round)
			tracer.SetOK(span)
			return history, sink(domain.CompleteEvent())
		}

		history, err = o.executeTools(ctx, history, calls, sink)
		if err != nil {
			return history, err
		}
	}
}

// sinkError marks an error returned by the caller's sink.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

// streamRound runs one Streaming phase and returns the assembled turn.
func (o *Orchestrator) streamRound(ctx context.Context, history []domain.Message, sink EventSink) (AssembledTurn, error) {
	roundCtx, cancel := o.roundContext(ctx)
	defer cancel()

	req := domain.ChatRequest{
		Model:    o.deps.Model,
		Messages: o.requestMessages(history),
		Tools:    o.deps.Registry.Schemas(),
	}

	ch, err := o.startStream(roundCtx, req)
	if err != nil {
		return AssembledTurn{}, o.streamError(ctx, roundCtx, err)
	}

	asm := NewDeltaAssembler()
	var streamErr error
	for delta := range ch {
		if delta.Err != nil {
			streamErr = delta.Err
			cancel()
			drain(ch)
			break
		}
		if err := emitAll(sink, asm.Add(delta)); err != nil {
			cancel()
			drain(ch)
			return AssembledTurn{}, err
		}
	}
	if streamErr == nil && roundCtx.Err() != nil {
		streamErr = roundCtx.Err()
	}
	if streamErr != nil {
		return AssembledTurn{}, o.streamError(ctx, roundCtx, streamErr)
	}
	turn := asm.Finish()
	if turn.FinishReason == domain.FinishReasonToolCalls {
		if err := emitAll(sink, asm.Flush()); err != nil {
			return AssembledTurn{}, err
		}
	}
	return turn, nil
}

func emitAll(sink EventSink, events []domain.StreamEvent) error {
	for _, ev := range events {
		if err := sink(ev); err != nil {
			return &sinkError{err: err}
		}
	}
	return nil
}

// startStream opens the model stream, retrying transient failures before
// any output has been produced.
func (o *Orchestrator) startStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	var lastErr error
	for attempt := 0; attempt < maxStreamAttempts; attempt++ {
		ch, err := o.deps.LLM.ChatStream(ctx, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if !domain.IsRetryableError(err) || attempt == maxStreamAttempts-1 {
			break
		}

		delay := o.backoff(attempt)
		o.deps.Logger.Info("retrying model stream after error",
			"attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// streamError normalizes a failure of the Streaming phase.
func (o *Orchestrator) streamError(ctx, roundCtx context.Context, err error) error {
	if ctx.Err() == nil && errors.Is(roundCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: model round timed out after %s", domain.ErrStream, o.deps.RoundTimeout)
	}
	if errors.Is(err, domain.ErrStream) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStream, err)
}

func (o *Orchestrator) roundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.deps.RoundTimeout > 0 {
		return context.WithTimeout(ctx, o.deps.RoundTimeout)
	}
	return context.WithCancel(ctx)
}

func (o *Orchestrator) requestMessages(history []domain.Message) []domain.Message {
	if o.deps.SystemPrompt == "" || (len(history) > 0 && history[0].Role == domain.RoleSystem) {
		return history
	}
	msgs := make([]domain.Message, 0, len(history)+1)
	msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: o.deps.SystemPrompt})
	return append(msgs, history...)
}

// executeTools dispatches calls one at a time, in order, appending a tool
// message for each.
func (o *Orchestrator) executeTools(ctx context.Context, history []domain.Message, calls []domain.ToolCallRequest, sink EventSink) ([]domain.Message, error) {
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return history, err
		}
		server, tool, err := domain.SplitToolName(call.QualifiedName)
		if err != nil {
			tool = call.QualifiedName
		}

		if err := sink(domain.ToolExecutingEvent(tool, server)); err != nil {
			return history, err
		}

		result := o.deps.Dispatcher.Execute(ctx, call.QualifiedName, call.Arguments)

		content := result.Text
		if result.IsError && !strings.HasPrefix(content, "Error: ") {
			content = "Error: " + content
		}
		history = append(history, domain.Message{
			Role:       domain.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
			Timestamp:  time.Now(),
		})

		if err := ctx.Err(); err != nil {
			return history, err
		}
		if err := sink(domain.ToolResultEvent(tool, server, result.Text, result.IsError)); err != nil {
			return history, err
		}
	}
	return history, nil
}

// stopAtRoundCap ends an orchestration that used up its rounds with an
// explanatory assistant message.
func (o *Orchestrator) stopAtRoundCap(ctx context.Context, span trace.Span, history []domain.Message, sink EventSink) ([]domain.Message, error) {
	text := fmt.Sprintf("Stopped after %d rounds of tool calls without a final answer. "+
		"Ask me to continue if you want me to keep going.", o.deps.MaxRounds)
	o.deps.Logger.Warn("orchestration hit round cap", "max_rounds", o.deps.MaxRounds)
	span.AddEvent(tracer.EventRoundCap)
	o.deps.Metrics.ObserveRounds(o.deps.MaxRounds)

	history = append(history, domain.Message{
		Role:      domain.RoleAssistant,
		Content:   text,
		Timestamp: time.Now(),
	})
	if err := sink(domain.AssistantTextEvent(text)); err != nil {
		return history, err
	}
	if err := ctx.Err(); err != nil {
		return history, err
	}
	return history, sink(domain.CompleteEvent())
}

// Stream is the channel form of Run. The channel is closed after the
// terminal event, or early when ctx ends.
func (o *Orchestrator) Stream(ctx context.Context, history []domain.Message) <-chan domain.StreamEvent {
	ch := make(chan domain.StreamEvent, 16)
	go func() {
		defer close(ch)
		_, _ = o.Run(ctx, history, func(ev domain.StreamEvent) error {
			select {
			case ch <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return ch
}

func drain(ch <-chan domain.StreamDelta) {
	for range ch {
	}
}
