package gateway

import (
	"fmt"

	"toolrelay/internal/domain"
)

// FrameType identifies the kind of frame sent over the chat WebSocket.
type FrameType string

// Inbound frame types.
const (
	FrameMessage FrameType = "message"
	FrameClear   FrameType = "clear"
)

// Outbound frame types.
const (
	FrameAssistant      FrameType = "assistant"
	FrameToolCall       FrameType = "tool_call"
	FrameToolResult     FrameType = "tool_result"
	FrameComplete       FrameType = "complete"
	FrameError          FrameType = "error"
	FrameCleared        FrameType = "cleared"
	FrameServersChanged FrameType = "servers_changed"
)

// Frame is the JSON envelope exchanged with chat clients.
type Frame struct {
	Type     FrameType         `json:"type"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// frameFromEvent renders an orchestration event for the chat client.
func frameFromEvent(ev domain.StreamEvent) Frame {
	switch ev.Kind {
	case domain.StreamAssistantText:
		return Frame{Type: FrameAssistant, Content: ev.Text}

	case domain.StreamToolCallStarted:
		return Frame{
			Type:    FrameToolCall,
			Content: "Calling tool: " + ev.ToolName,
			Metadata: map[string]string{
				"tool_name": ev.ToolName,
				"args":      ev.RawArgs,
			},
		}

	case domain.StreamToolExecuting:
		content := fmt.Sprintf("Executing %s...", ev.ToolName)
		if ev.ServerName != "" {
			content = fmt.Sprintf("Executing %s on %s...", ev.ToolName, ev.ServerName)
		}
		return Frame{
			Type:    FrameToolResult,
			Content: content,
			Metadata: map[string]string{
				"tool_name":   ev.ToolName,
				"server_name": ev.ServerName,
			},
		}

	case domain.StreamToolResult:
		if ev.IsError {
			return Frame{
				Type:     FrameToolResult,
				Content:  fmt.Sprintf("Error executing tool %s: %s", qualifiedToolName(ev), ev.Text),
				Metadata: map[string]string{"tool_name": ev.ToolName, "server_name": ev.ServerName, "error": ev.Text},
			}
		}
		return Frame{
			Type:     FrameToolResult,
			Content:  fmt.Sprintf("Result from %s: %s", ev.ToolName, ev.Text),
			Metadata: map[string]string{"tool_name": ev.ToolName, "server_name": ev.ServerName, "result": ev.Text},
		}

	case domain.StreamComplete:
		return Frame{Type: FrameComplete}

	default:
		return Frame{Type: FrameError, Content: ev.Text}
	}
}

// serversChangedFrame announces a session lifecycle change.
func serversChangedFrame(event domain.Event) Frame {
	return Frame{
		Type:    FrameServersChanged,
		Content: string(event.Type),
		Metadata: map[string]string{
			"event":  string(event.Type),
			"server": event.Session,
		},
	}
}

func errorFrame(msg string) Frame {
	return Frame{Type: FrameError, Content: msg}
}

// qualifiedToolName is the name the model used for the call.
func qualifiedToolName(ev domain.StreamEvent) string {
	if ev.ServerName == "" {
		return ev.ToolName
	}
	return domain.QualifyToolName(ev.ServerName, ev.ToolName)
}
