package domain

// StreamEventKind identifies the variant of a StreamEvent.
type StreamEventKind string

const (
	StreamAssistantText   StreamEventKind = "assistant_text"
	StreamToolCallStarted StreamEventKind = "tool_call_started"
	StreamToolExecuting   StreamEventKind = "tool_executing"
	StreamToolResult      StreamEventKind = "tool_result"
	StreamComplete        StreamEventKind = "complete"
	StreamError           StreamEventKind = "error"
)

// StreamEvent is one progress event delivered to the caller of an
// orchestration. Only the fields relevant to Kind are set.
type StreamEvent struct {
	Kind       StreamEventKind `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ServerName string          `json:"server_name,omitempty"`
	RawArgs    string          `json:"raw_args,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// AssistantTextEvent carries a chunk of assistant text.
func AssistantTextEvent(text string) StreamEvent {
	return StreamEvent{Kind: StreamAssistantText, Text: text}
}

// ToolCallStartedEvent reports a tool call the model has begun to emit.
// toolName is the qualified name as sent by the model.
func ToolCallStartedEvent(toolName, rawArgsSoFar string) StreamEvent {
	return StreamEvent{Kind: StreamToolCallStarted, ToolName: toolName, RawArgs: rawArgsSoFar}
}

// ToolExecutingEvent reports a tool call about to be dispatched.
func ToolExecutingEvent(toolName, serverName string) StreamEvent {
	return StreamEvent{Kind: StreamToolExecuting, ToolName: toolName, ServerName: serverName}
}

// ToolResultEvent reports the outcome of a dispatched tool call.
func ToolResultEvent(toolName, serverName, text string, isError bool) StreamEvent {
	return StreamEvent{Kind: StreamToolResult, ToolName: toolName, ServerName: serverName, Text: text, IsError: isError}
}

// CompleteEvent terminates a successful orchestration.
func CompleteEvent() StreamEvent {
	return StreamEvent{Kind: StreamComplete}
}

// ErrorEvent terminates a failed orchestration.
func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Kind: StreamError, Text: message}
}

// Terminal reports whether no further events follow e.
func (e StreamEvent) Terminal() bool {
	return e.Kind == StreamComplete || e.Kind == StreamError
}
