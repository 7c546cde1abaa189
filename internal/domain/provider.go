package domain

import "context"

// Finish reasons reported on the terminal fragment of a streamed completion.
const (
	FinishReasonStop      = "stop"
	FinishReasonToolCalls = "tool_calls"
	FinishReasonLength    = "length"
)

// LLMProvider is the interface for a streaming model backend.
type LLMProvider interface {
	// ChatStream sends a request and returns a channel of incremental deltas.
	// The channel is closed when the stream ends or ctx is cancelled.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
	// Name returns the provider's identifier (e.g., "openai", "groq").
	Name() string
}

// ToolCallDelta is a fragment of one in-flight tool call, addressed by its
// zero-based position in the assistant's tool-call list.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// StreamDelta is a single incremental chunk from a streaming LLM response.
// Err is set on the last delta when the stream failed mid-flight.
type StreamDelta struct {
	Content      string          `json:"content,omitempty"`
	ToolCalls    []ToolCallDelta `json:"tool_calls,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	Err          error           `json:"-"`
}
