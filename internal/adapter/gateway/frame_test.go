package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"toolrelay/internal/domain"
)

func TestFrameFromEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   domain.StreamEvent
		want Frame
	}{
		{
			name: "assistant text",
			ev:   domain.AssistantTextEvent("hi"),
			want: Frame{Type: FrameAssistant, Content: "hi"},
		},
		{
			name: "tool call started",
			ev:   domain.ToolCallStartedEvent("fs__read", `{"path":`),
			want: Frame{
				Type:     FrameToolCall,
				Content:  "Calling tool: fs__read",
				Metadata: map[string]string{"tool_name": "fs__read", "args": `{"path":`},
			},
		},
		{
			name: "executing invalid name",
			ev:   domain.ToolExecutingEvent("read", ""),
			want: Frame{
				Type:     FrameToolResult,
				Content:  "Executing read...",
				Metadata: map[string]string{"tool_name": "read", "server_name": ""},
			},
		},
		{
			name: "tool error",
			ev:   domain.ToolResultEvent("read", "fs", "no such file", true),
			want: Frame{
				Type:     FrameToolResult,
				Content:  "Error executing tool fs__read: no such file",
				Metadata: map[string]string{"tool_name": "read", "server_name": "fs", "error": "no such file"},
			},
		},
		{
			name: "executing",
			ev:   domain.ToolExecutingEvent("read", "fs"),
			want: Frame{
				Type:     FrameToolResult,
				Content:  "Executing read on fs...",
				Metadata: map[string]string{"tool_name": "read", "server_name": "fs"},
			},
		},
		{
			name: "tool result",
			ev:   domain.ToolResultEvent("read", "fs", "hello", false),
			want: Frame{
				Type:     FrameToolResult,
				Content:  "Result from read: hello",
				Metadata: map[string]string{"tool_name": "read", "server_name": "fs", "result": "hello"},
			},
		},
		{
			name: "tool error without server",
			ev:   domain.ToolResultEvent("read", "", "invalid tool name", true),
			want: Frame{
				Type:     FrameToolResult,
				Content:  "Error executing tool read: invalid tool name",
				Metadata: map[string]string{"tool_name": "read", "server_name": "", "error": "invalid tool name"},
			},
		},
		{
			name: "complete",
			ev:   domain.CompleteEvent(),
			want: Frame{Type: FrameComplete},
		},
		{
			name: "error",
			ev:   domain.ErrorEvent("model stream failed: boom"),
			want: Frame{Type: FrameError, Content: "model stream failed: boom"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, frameFromEvent(tt.ev))
		})
	}
}

func TestServersChangedFrame(t *testing.T) {
	f := serversChangedFrame(domain.NewSessionEvent(domain.EventSessionDisconnected, "calc", 0))
	assert.Equal(t, FrameServersChanged, f.Type)
	assert.Equal(t, "session.disconnected", f.Content)
	assert.Equal(t, map[string]string{"event": "session.disconnected", "server": "calc"}, f.Metadata)
}
