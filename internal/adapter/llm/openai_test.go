package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/config"
	"toolrelay/internal/infra/metrics"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sseServer serves the given data payloads as one SSE response.
func sseServer(t *testing.T, payloads []string, inspect func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			inspect(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, p := range payloads {
			fmt.Fprintf(w, "data: %s\n\n", p)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestProvider(url string, m *metrics.Metrics) *OpenAIProvider {
	return NewOpenAIProvider(config.ProviderConfig{
		Name:    "test",
		BaseURL: url,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, m, newTestLogger())
}

func collect(ch <-chan domain.StreamDelta) []domain.StreamDelta {
	var out []domain.StreamDelta
	for d := range ch {
		out = append(out, d)
	}
	return out
}

func TestOpenAIChatStream(t *testing.T) {
	var gotReq openaiRequest
	srv := sseServer(t, []string{
		`{"id":"c1","choices":[{"delta":{"content":"Hello"}}]}`,
		`{"id":"c1","choices":[{"delta":{"content":" world"}}]}`,
		`{"id":"c1","choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"c1","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		`[DONE]`,
	}, func(r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
	})

	m := metrics.New()
	provider := newTestProvider(srv.URL, m)
	ch, err := provider.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	require.NoError(t, err)

	var content, finish string
	var usage *domain.Usage
	for _, d := range collect(ch) {
		require.NoError(t, d.Err)
		content += d.Content
		if d.FinishReason != "" {
			finish = d.FinishReason
		}
		if d.Usage != nil {
			usage = d.Usage
		}
	}

	assert.Equal(t, "Hello world", content)
	assert.Equal(t, domain.FinishReasonStop, finish)
	require.NotNil(t, usage)
	assert.Equal(t, 7, usage.TotalTokens)

	assert.True(t, gotReq.Stream)
	require.NotNil(t, gotReq.StreamOptions)
	assert.Equal(t, "gpt-4o-mini", gotReq.Model)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LLMStreams.WithLabelValues("test", "gpt-4o-mini", metrics.StatusSuccess)))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.LLMTokens.WithLabelValues("test", "gpt-4o-mini", "prompt")))
}

func TestOpenAIChatStream_ToolCallFragments(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"calc__add","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_2","function":{"name":"calc__mul","arguments":"{\"a\""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"a\":1}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	}, nil)

	ch, err := newTestProvider(srv.URL, nil).ChatStream(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	deltas := collect(ch)
	require.Len(t, deltas, 4)

	assert.Equal(t, domain.ToolCallDelta{Index: 0, ID: "call_1", Name: "calc__add"}, deltas[0].ToolCalls[0])
	assert.Equal(t, domain.ToolCallDelta{Index: 1, ID: "call_2", Name: "calc__mul", Arguments: `{"a"`}, deltas[1].ToolCalls[0])
	assert.Equal(t, domain.ToolCallDelta{Index: 0, Arguments: `{"a":1}`}, deltas[2].ToolCalls[0])
	assert.Equal(t, domain.FinishReasonToolCalls, deltas[3].FinishReason)
}

func TestOpenAIChatStream_MissingIndexUsesPosition(t *testing.T) {
	delta, err := parseOpenAIChunk([]byte(`{"choices":[{"delta":{"tool_calls":[{"id":"a","function":{"name":"x__y"}},{"id":"b","function":{"name":"x__z"}}]}}]}`))
	require.NoError(t, err)
	require.Len(t, delta.ToolCalls, 2)
	assert.Equal(t, 0, delta.ToolCalls[0].Index)
	assert.Equal(t, 1, delta.ToolCalls[1].Index)
}

func TestOpenAIChatStream_InBandError(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"partial"}}]}`,
		`{"error":{"message":"overloaded","type":"server_error"}}`,
		`{"choices":[{"delta":{"content":"never"}}]}`,
	}, nil)

	m := metrics.New()
	ch, err := newTestProvider(srv.URL, m).ChatStream(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	deltas := collect(ch)

	require.Len(t, deltas, 2)
	assert.Equal(t, "partial", deltas[0].Content)
	require.Error(t, deltas[1].Err)
	assert.ErrorIs(t, deltas[1].Err, domain.ErrStream)
	assert.Contains(t, deltas[1].Err.Error(), "overloaded")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LLMStreams.WithLabelValues("test", "gpt-4o-mini", metrics.StatusError)))
}

func TestOpenAIChatStream_HTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusRequestEntityTooLarge, domain.ErrContextOverflow},
		{http.StatusBadGateway, domain.ErrProviderError},
		{http.StatusBadRequest, domain.ErrStream},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"nope"}`, tt.status)
			}))
			defer srv.Close()

			ch, err := newTestProvider(srv.URL, nil).ChatStream(context.Background(), domain.ChatRequest{})
			assert.Nil(t, ch)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestOpenAIChatStream_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for i := 0; i < 1000; i++ {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
			flusher.Flush()
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := newTestProvider(srv.URL, nil).ChatStream(ctx, domain.ChatRequest{})
	require.NoError(t, err)

	<-ch
	cancel()

	count := 0
	for range ch {
		count++
	}
	assert.Less(t, count, 100)
}

func TestOpenAIChatStream_DefaultsFromConfig(t *testing.T) {
	var gotReq openaiRequest
	srv := sseServer(t, []string{`[DONE]`}, func(r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
	})

	p := NewOpenAIProvider(config.ProviderConfig{
		BaseURL:     srv.URL + "/",
		Model:       "local-model",
		MaxTokens:   256,
		Temperature: 0.3,
	}, nil, newTestLogger())
	assert.Equal(t, "openai", p.Name())

	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Empty(t, collect(ch))

	assert.Equal(t, "local-model", gotReq.Model)
	assert.Equal(t, 256, gotReq.MaxTokens)
	require.NotNil(t, gotReq.Temperature)
	assert.InDelta(t, 0.3, *gotReq.Temperature, 1e-9)
}

func TestToOpenAIRequest_History(t *testing.T) {
	req := domain.ChatRequest{
		Model: "gpt-4o",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "add 2 and 3"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCallRequest{
				{ID: "call_1", QualifiedName: "calc__add", Arguments: `{"a":2,"b":3}`},
			}},
			{Role: domain.RoleTool, Content: "5", ToolCallID: "call_1"},
		},
		Tools: []domain.ToolSchema{
			{Name: "calc__add", Description: "Add", Parameters: json.RawMessage(`{"type":"object","properties":{"a":{},"b":{}}}`)},
			{Name: "calc__noop"},
		},
	}

	out := toOpenAIRequest(req)
	require.Len(t, out.Messages, 4)

	asst := out.Messages[2]
	require.Len(t, asst.ToolCalls, 1)
	assert.Equal(t, "call_1", asst.ToolCalls[0].ID)
	assert.Equal(t, "function", asst.ToolCalls[0].Type)
	assert.Equal(t, "calc__add", asst.ToolCalls[0].Function.Name)
	assert.Equal(t, `{"a":2,"b":3}`, asst.ToolCalls[0].Function.Arguments)
	assert.Nil(t, asst.ToolCalls[0].Index)

	assert.Equal(t, "call_1", out.Messages[3].ToolCallID)
	assert.Empty(t, out.Messages[3].ToolCalls)

	require.Len(t, out.Tools, 2)
	assert.Equal(t, "function", out.Tools[0].Type)
	assert.JSONEq(t, `{"type":"object"}`, string(out.Tools[1].Function.Parameters))
	assert.Nil(t, out.Temperature)
	assert.Zero(t, out.MaxTokens)

	raw, err := json.Marshal(out.Messages[2])
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"index"`)
}
