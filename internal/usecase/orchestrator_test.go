package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/metrics"
)

type orchestratorFixture struct {
	llm   *fakeLLM
	calc  *fakeTransport
	reg   *SessionRegistry
	orch  *Orchestrator
	m     *metrics.Metrics
	sink  *eventCollector
	input []domain.Message
}

func newOrchestratorFixture(t *testing.T, rounds ...fakeRound) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		llm:   &fakeLLM{rounds: rounds},
		calc:  newCalcTransport(),
		m:     metrics.New(),
		sink:  &eventCollector{},
		input: []domain.Message{{Role: domain.RoleUser, Content: "What is 2 + 3?"}},
	}
	f.reg = newTestRegistry(newFakeFactory(map[string]*fakeTransport{"calc": f.calc}))
	require.NoError(t, f.reg.Connect(context.Background(), "calc", stdio))
	f.orch = f.newOrchestrator(OrchestratorDeps{MaxRounds: DefaultMaxRounds})
	return f
}

func (f *orchestratorFixture) newOrchestrator(deps OrchestratorDeps) *Orchestrator {
	deps.LLM = f.llm
	deps.Registry = f.reg
	deps.Dispatcher = NewToolDispatcher(f.reg, time.Second, f.m, newTestLogger())
	deps.Metrics = f.m
	deps.Logger = newTestLogger()
	o := NewOrchestrator(deps)
	o.backoff = func(int) time.Duration { return 0 }
	return o
}

func TestOrchestrator_CalcAddEndToEnd(t *testing.T) {
	f := newOrchestratorFixture(t,
		fakeRound{deltas: []domain.StreamDelta{
			{ToolCalls: []domain.ToolCallDelta{{Index: 0, ID: "call_1", Name: "calc__add"}}},
			{ToolCalls: []domain.ToolCallDelta{{Index: 0, Arguments: `{"a":2,`}}},
			{ToolCalls: []domain.ToolCallDelta{{Index: 0, Arguments: `"b":3}`}}},
			{FinishReason: domain.FinishReasonToolCalls},
		}},
		fakeRound{deltas: []domain.StreamDelta{
			{Content: "2 + 3 = "},
			{Content: "5"},
			{FinishReason: domain.FinishReasonStop},
		}},
	)

	history, err := f.orch.Run(context.Background(), f.input, f.sink.sink)
	require.NoError(t, err)

	assert.Equal(t, []domain.StreamEvent{
		domain.ToolCallStartedEvent("calc__add", `{"a":2,`),
		domain.ToolExecutingEvent("add", "calc"),
		domain.ToolResultEvent("add", "calc", "5", false),
		domain.AssistantTextEvent("2 + 3 = "),
		domain.AssistantTextEvent("5"),
		domain.CompleteEvent(),
	}, f.sink.all())

	require.Len(t, history, 4)
	assert.Equal(t, domain.RoleUser, history[0].Role)
	assert.Equal(t, domain.RoleAssistant, history[1].Role)
	assert.Equal(t, []domain.ToolCallRequest{{ID: "call_1", QualifiedName: "calc__add", Arguments: `{"a":2,"b":3}`}}, history[1].ToolCalls)
	assert.Equal(t, domain.Message{Role: domain.RoleTool, Content: "5", ToolCallID: "call_1", Timestamp: history[2].Timestamp}, history[2])
	assert.Equal(t, "2 + 3 = 5", history[3].Content)
	assert.Empty(t, history[3].ToolCalls)

	require.Equal(t, 2, f.llm.requestCount())
	first := f.llm.request(0)
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "calc__add", first.Tools[0].Name)
	assert.Len(t, first.Messages, 1)
	assert.Len(t, f.llm.request(1).Messages, 3)

	assert.Len(t, f.input, 1, "caller's history is not modified")
	assert.Equal(t, 1, testutil.CollectAndCount(f.m.OrchestrationRounds))
}

func TestOrchestrator_NoToolCalls(t *testing.T) {
	f := newOrchestratorFixture(t, textRound("Hello there"))

	history, err := f.orch.Run(context.Background(), f.input, f.sink.sink)
	require.NoError(t, err)

	assert.Equal(t, []domain.StreamEventKind{domain.StreamAssistantText, domain.StreamComplete}, f.sink.kinds())
	require.Len(t, history, 2)
	assert.Equal(t, "Hello there", history[1].Content)
	assert.Equal(t, 1, f.llm.requestCount())
}

func TestOrchestrator_ToolCallsWithoutToolFinishReasonAreNotRun(t *testing.T) {
	f := newOrchestratorFixture(t, fakeRound{deltas: []domain.StreamDelta{
		{Content: "done"},
		{ToolCalls: []domain.ToolCallDelta{{Index: 0, ID: "x", Name: "calc__add", Arguments: "{}"}}},
		{FinishReason: domain.FinishReasonStop},
	}})

	history, err := f.orch.Run(context.Background(), f.input, f.sink.sink)
	require.NoError(t, err)

	assert.Empty(t, f.calc.recorded())
	require.Len(t, history, 2)
	assert.Empty(t, history[1].ToolCalls)
	assert.Equal(t, domain.StreamComplete, f.sink.kinds()[len(f.sink.kinds())-1])
}

func TestOrchestrator_StreamStartError(t *testing.T) {
	f := newOrchestratorFixture(t, fakeRound{err: fmt.Errorf("%w: bad key", domain.ErrAuthInvalid)})

	history, err := f.orch.Run(context.Background(), f.input, f.sink.sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStream)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)

	events := f.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.StreamError, events[0].Kind)
	assert.Contains(t, events[0].Text, "bad key")
	assert.Len(t, history, 1)
	assert.Equal(t, 1, f.llm.requestCount(), "non-retryable errors are not retried")
}

func TestOrchestrator_RetriesTransientStartError(t *testing.T) {
	f := newOrchestratorFixture(t,
		fakeRound{err: fmt.Errorf("%w: slow down", domain.ErrRateLimit)},
		textRound("ok"),
	)

	_, err := f.orch.Run(context.Background(), f.input, f.sink.sink)
	require.NoError(t, err)
	assert.Equal(t, 2, f.llm.requestCount())
	assert.Equal(t, []domain.StreamEventKind{domain.StreamAssistantText, domain.StreamComplete}, f.sink.kinds())
}

func TestOrchestrator_MidStreamError(t *testing.T) {
	f := newOrchestratorFixture(t, fakeRound{deltas: []domain.StreamDelta{
		{Content: "partial"},
		{Err: fmt.Errorf("%w: connection reset", domain.ErrStream)},
	}})

	_, err := f.orch.Run(context.Background(), f.input, f.sink.sink)
	require.Error(t, err)

	events := f.sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.AssistantTextEvent("partial"), events[0])
	assert.Equal(t, domain.StreamError, events[1].Kind)
	assert.Contains(t, events[1].Text, "connection reset")
}

func TestOrchestrator_StreamErrorStopsRound(t *testing.T) {
	f := newOrchestratorFixture(t, fakeRound{deltas: []domain.StreamDelta{
		{Content: "a"},
		{Err: errors.New("boom")},
		{Content: "b"},
		{ToolCalls: []domain.ToolCallDelta{{Index: 0, ID: "c1", Name: "calc__add", Arguments: `{}`}}},
		{FinishReason: domain.FinishReasonToolCalls},
	}})

	_, err := f.orch.Run(context.Background(), f.input, f.sink.sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStream)

	events := f.sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.AssistantTextEvent("a"), events[0])
	assert.Equal(t, domain.StreamError, events[1].Kind)
	assert.Contains(t, events[1].Text, "boom")
	assert.Empty(t, f.calc.recorded())
}

func TestOrchestrator_AnnouncesCallWithoutArguments(t *testing.T) {
	f := newOrchestratorFixture(t,
		fakeRound{deltas: []domain.StreamDelta{
			{ToolCalls: []domain.ToolCallDelta{{Index: 0, ID: "c1", Name: "calc__add"}}},
			{FinishReason: domain.FinishReasonToolCalls},
		}},
		textRound("done"),
	)

	_, err := f.orch.Run(context.Background(), f.input, f.sink.sink)
	require.NoError(t, err)

	events := f.sink.all()
	require.NotEmpty(t, events)
	assert.Equal(t, domain.ToolCallStartedEvent("calc__add", ""), events[0])
	assert.Equal(t, domain.ToolExecutingEvent("add", "calc"), events[1])
}

func TestOrchestrator_RoundCap(t *testing.T) {
	f := newOrchestratorFixture(t, toolRound("c", "calc__add", `{"a":1,"b":1}`))
	f.llm.repeat = true
	orch := f.newOrchestrator(OrchestratorDeps{MaxRounds: 2})

	history, err := orch.Run(context.Background(), f.input, f.sink.sink)
	require.NoError(t, err)

	assert.Equal(t, 2, f.llm.requestCount())
	events := f.sink.all()
	require.GreaterOrEqual(t, len(events), 2)
	last, capMsg := events[len(events)-1], events[len(events)-2]
	assert.Equal(t, domain.StreamComplete, last.Kind)
	assert.Equal(t, domain.StreamAssistantText, capMsg.Kind)
	assert.Contains(t, capMsg.Text, "Stopped after 2 rounds")

	final := history[len(history)-1]
	assert.Equal(t, domain.RoleAssistant, final.Role)
	assert.Equal(t, capMsg.Text, final.Content)
	// user + 2 x (assistant + tool) + cap message
	assert.Len(t, history, 6)
}

func TestOrchestrator_UnknownServerFedBackToModel(t *testing.T) {
	f := newOrchestratorFixture(t,
		toolRound("c1", "weather__forecast", `{}`),
		textRound("Sorry, no weather."),
	)

	history, err := f.orch.Run(context.Background(), f.input, f.sink.sink)
	require.NoError(t, err)

	require.Len(t, history, 4)
	assert.Equal(t, `Error: server "weather" not connected`, history[2].Content)
	assert.Equal(t, "c1", history[2].ToolCallID)

	var result domain.StreamEvent
	for _, ev := range f.sink.all() {
		if ev.Kind == domain.StreamToolResult {
			result = ev
		}
	}
	assert.True(t, result.IsError)
	assert.Equal(t, "weather", result.ServerName)
}

func TestOrchestrator_MissingDelimiterFedBackToModel(t *testing.T) {
	f := newOrchestratorFixture(t,
		toolRound("c1", "add", `{}`),
		textRound("I used the wrong name."),
	)

	history, err := f.orch.Run(context.Background(), f.input, f.sink.sink)
	require.NoError(t, err)
	assert.Contains(t, history[2].Content, "Error: invalid tool name")

	for _, ev := range f.sink.all() {
		if ev.Kind == domain.StreamToolExecuting {
			assert.Empty(t, ev.ServerName)
		}
	}
}

func TestOrchestrator_ErrorPrefixNotDoubled(t *testing.T) {
	f := newOrchestratorFixture(t,
		toolRound("c1", "calc__add", `{"a":1,"b":2}`),
		textRound("failed"),
	)
	f.calc.callFunc = func(context.Context, string, map[string]any) (*domain.ToolCallOutcome, error) {
		return nil, errors.New("boom")
	}

	history, err := f.orch.Run(context.Background(), f.input, f.sink.sink)
	require.NoError(t, err)
	assert.Equal(t, "Error: boom", history[2].Content)
}

func TestOrchestrator_ProviderErrorGetsPrefix(t *testing.T) {
	f := newOrchestratorFixture(t,
		toolRound("c1", "calc__add", `{}`),
		textRound("ok"),
	)
	f.calc.callFunc = func(context.Context, string, map[string]any) (*domain.ToolCallOutcome, error) {
		out := textOutcome("missing argument b")
		out.IsError = true
		return out, nil
	}

	history, err := f.orch.Run(context.Background(), f.input, f.sink.sink)
	require.NoError(t, err)
	assert.Equal(t, "Error: missing argument b", history[2].Content)
}

func TestOrchestrator_ToolsRunSequentiallyInOrder(t *testing.T) {
	f := newOrchestratorFixture(t,
		fakeRound{deltas: []domain.StreamDelta{
			{ToolCalls: []domain.ToolCallDelta{
				{Index: 1, ID: "second", Name: "calc__add", Arguments: `{"a":10,"b":10}`},
				{Index: 0, ID: "first", Name: "calc__add", Arguments: `{"a":1,"b":1}`},
			}},
			{FinishReason: domain.FinishReasonToolCalls},
		}},
		textRound("2 and 20"),
	)

	history, err := f.orch.Run(context.Background(), f.input, f.sink.sink)
	require.NoError(t, err)

	require.Len(t, history, 5)
	assert.Equal(t, "first", history[2].ToolCallID)
	assert.Equal(t, "2", history[2].Content)
	assert.Equal(t, "second", history[3].ToolCallID)
	assert.Equal(t, "20", history[3].Content)
}

func TestOrchestrator_SinkErrorStopsLoop(t *testing.T) {
	f := newOrchestratorFixture(t, fakeRound{
		deltas: []domain.StreamDelta{{Content: "a"}, {Content: "b"}, {Content: "c"}},
		hang:   true,
	})
	gone := errors.New("client disconnected")

	calls := 0
	_, err := f.orch.Run(context.Background(), f.input, func(domain.StreamEvent) error {
		calls++
		return gone
	})
	assert.ErrorIs(t, err, gone)
	assert.Equal(t, 1, calls)
}

func TestOrchestrator_SystemPromptOnlyInRequest(t *testing.T) {
	f := newOrchestratorFixture(t, textRound("hi"))
	orch := f.newOrchestrator(OrchestratorDeps{SystemPrompt: "You are terse."})

	history, err := orch.Run(context.Background(), f.input, f.sink.sink)
	require.NoError(t, err)

	req := f.llm.request(0)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, domain.Message{Role: domain.RoleSystem, Content: "You are terse."}, req.Messages[0])
	assert.Equal(t, domain.RoleUser, history[0].Role)
}

func TestOrchestrator_RoundTimeout(t *testing.T) {
	f := newOrchestratorFixture(t, fakeRound{deltas: []domain.StreamDelta{{Content: "thinking"}}, hang: true})
	orch := f.newOrchestrator(OrchestratorDeps{RoundTimeout: 30 * time.Millisecond})

	_, err := orch.Run(context.Background(), f.input, f.sink.sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStream)

	events := f.sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.StreamError, events[1].Kind)
	assert.Contains(t, events[1].Text, "timed out")
}

func TestOrchestrator_CallerCancel(t *testing.T) {
	f := newOrchestratorFixture(t, fakeRound{deltas: []domain.StreamDelta{{Content: "x"}}, hang: true})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := f.orch.Run(ctx, f.input, func(ev domain.StreamEvent) error {
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOrchestrator_Stream(t *testing.T) {
	f := newOrchestratorFixture(t,
		toolRound("c1", "calc__add", `{"a":4,"b":4}`),
		textRound("8"),
	)

	var kinds []domain.StreamEventKind
	for ev := range f.orch.Stream(context.Background(), f.input) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []domain.StreamEventKind{
		domain.StreamToolCallStarted,
		domain.StreamToolExecuting,
		domain.StreamToolResult,
		domain.StreamAssistantText,
		domain.StreamComplete,
	}, kinds)
}

func TestOrchestrator_StreamStopsOnCancel(t *testing.T) {
	f := newOrchestratorFixture(t, fakeRound{deltas: []domain.StreamDelta{{Content: "x"}}, hang: true})

	ctx, cancel := context.WithCancel(context.Background())
	ch := f.orch.Stream(ctx, f.input)
	first := <-ch
	assert.Equal(t, domain.StreamAssistantText, first.Kind)
	cancel()

	for range ch {
	}
}

func TestRetryBackoff(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := retryBackoff(attempt)
		assert.GreaterOrEqual(t, d, baseRetryDelay)
		assert.LessOrEqual(t, d, maxRetryDelay+maxRetryDelay/4)
	}
}
