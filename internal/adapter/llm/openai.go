package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/config"
	"toolrelay/internal/infra/metrics"
	"toolrelay/internal/infra/tracer"
)

// OpenAIProvider implements domain.LLMProvider for any OpenAI-compatible
// chat completions API that supports server-sent event streaming.
type OpenAIProvider struct {
	name        string
	model       string
	apiKey      string
	baseURL     string
	maxTokens   int
	temperature float64
	client      *http.Client
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewOpenAIProvider creates a provider with configured timeouts.
// m may be nil.
func NewOpenAIProvider(cfg config.ProviderConfig, m *metrics.Metrics, logger *slog.Logger) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = config.DefaultOpenAIBaseURL
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}

	return &OpenAIProvider{
		name:        name,
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      NewHTTPClient(cfg),
		metrics:     m,
		logger:      logger.With("component", "llm", "provider", name),
	}
}

// Name implements domain.LLMProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// ChatStream implements domain.LLMProvider. A failure before the first byte
// is returned directly; a failure mid-stream arrives as a delta with Err set.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = p.maxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = p.temperature
	}

	ctx, span := tracer.StartSpan(ctx, tracer.SpanModelStream,
		trace.WithAttributes(
			tracer.KeyLLMProvider.String(p.name),
			tracer.KeyLLMModel.String(req.Model),
			tracer.KeyLLMTools.Int(len(req.Tools)),
		),
	)
	start := time.Now()

	fail := func(err error) (<-chan domain.StreamDelta, error) {
		tracer.RecordError(span, err)
		span.End()
		p.metrics.ObserveLLMStream(p.name, req.Model, true, time.Since(start))
		return nil, err
	}

	oaiReq := toOpenAIRequest(req)
	oaiReq.Stream = true
	oaiReq.StreamOptions = &openaiStreamOptions{IncludeUsage: true}

	body, err := json.Marshal(oaiReq)
	if err != nil {
		return fail(fmt.Errorf("marshal request: %w", err))
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/chat/completions", body, headers)
	if err != nil {
		return fail(err)
	}

	var usage domain.Usage
	done := func(err error) {
		defer span.End()
		p.metrics.ObserveLLMStream(p.name, req.Model, err != nil, time.Since(start))
		p.metrics.AddTokens(p.name, req.Model, usage.PromptTokens, usage.CompletionTokens)
		setUsageAttrs(span, usage)
		if err != nil {
			tracer.RecordError(span, err)
			p.logger.Warn("llm stream failed", "model", req.Model, "error", err)
			return
		}
		tracer.SetOK(span)
		logStreamCompleted(p.logger, req.Model, usage)
	}

	ch := parseSSEStream(ctx, httpResp.Body, func(data []byte) (*domain.StreamDelta, error) {
		delta, err := parseOpenAIChunk(data)
		if err == nil && delta != nil && delta.Usage != nil {
			usage = *delta.Usage
		}
		return delta, err
	}, done)

	return ch, nil
}

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// openaiToolCall is used both for history replay and for stream fragments.
// Index is only present on fragments.
type openaiToolCall struct {
	Index    *int                   `json:"index,omitempty"`
	ID       string                 `json:"id,omitempty"`
	Type     string                 `json:"type,omitempty"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toOpenAIRequest(req domain.ChatRequest) openaiRequest {
	msgs := make([]openaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		oaiMsg := openaiMessage{
			Role:    m.Role,
			Content: m.Content,
		}

		switch m.Role {
		case domain.RoleTool:
			oaiMsg.ToolCallID = m.ToolCallID
		case domain.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openaiToolCall, len(m.ToolCalls))
				for i, tc := range m.ToolCalls {
					oaiMsg.ToolCalls[i] = openaiToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: openaiToolCallFunction{
							Name:      tc.QualifiedName,
							Arguments: tc.Arguments,
						},
					}
				}
			}
		}

		msgs = append(msgs, oaiMsg)
	}

	oaiReq := openaiRequest{
		Model:    req.Model,
		Messages: msgs,
	}

	if req.MaxTokens > 0 {
		oaiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		oaiReq.Temperature = &temp
	}

	if len(req.Tools) > 0 {
		oaiReq.Tools = make([]openaiTool, len(req.Tools))
		for i, t := range req.Tools {
			params := t.Parameters
			if len(params) == 0 {
				params = json.RawMessage(`{"type":"object"}`)
			}
			oaiReq.Tools[i] = openaiTool{
				Type: "function",
				Function: openaiToolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  params,
				},
			}
		}
	}

	return oaiReq
}

// --- OpenAI streaming wire types ---

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
	Error   *openaiError         `json:"error,omitempty"`
}

type openaiStreamChoice struct {
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// parseOpenAIChunk converts one SSE data payload into a StreamDelta.
// Fragments without an explicit index take their position in the list.
func parseOpenAIChunk(data []byte) (*domain.StreamDelta, error) {
	var chunk openaiStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}

	if chunk.Error != nil {
		return &domain.StreamDelta{
			Err: fmt.Errorf("%w: %s", domain.ErrStream, chunk.Error.Message),
		}, nil
	}

	delta := &domain.StreamDelta{}
	if len(chunk.Choices) > 0 {
		c := chunk.Choices[0]
		delta.Content = c.Delta.Content
		for i, tc := range c.Delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			delta.ToolCalls = append(delta.ToolCalls, domain.ToolCallDelta{
				Index:     idx,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		if c.FinishReason != nil {
			delta.FinishReason = *c.FinishReason
		}
	}
	if chunk.Usage != nil {
		delta.Usage = &domain.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	return delta, nil
}

var _ domain.LLMProvider = (*OpenAIProvider)(nil)
