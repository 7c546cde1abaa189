package domain

import (
	"context"
	"encoding/json"
	"strings"
)

// ToolNameDelimiter separates the session name from the tool name in a
// qualified tool name. It must not appear in a session name.
const ToolNameDelimiter = "__"

// ToolDescriptor describes one tool exposed by a tool-provider session.
type ToolDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema Value  `json:"inputSchema"`
}

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCallRequest is a fully assembled request from the model to invoke a tool.
type ToolCallRequest struct {
	ID            string `json:"id"`
	QualifiedName string `json:"name"`
	Arguments     string `json:"arguments"`
}

// ToolExecutionResult is the normalized outcome of a dispatched tool call.
type ToolExecutionResult struct {
	Text    string `json:"text"`
	IsError bool   `json:"is_error"`
}

// ContentItem is one typed piece of a tool-provider call result.
// HasText distinguishes an empty text item from an item with no text at all;
// Raw holds the provider's JSON form of items that have no text.
type ContentItem struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	HasText bool            `json:"-"`
	Raw     json.RawMessage `json:"-"`
}

// ToolCallOutcome is what a transport returns for a completed call.
type ToolCallOutcome struct {
	Content []ContentItem
	IsError bool
}

// QualifyToolName joins a session name and a tool name with ToolNameDelimiter.
func QualifyToolName(session, tool string) string {
	return session + ToolNameDelimiter + tool
}

// SplitToolName splits a qualified name on the first ToolNameDelimiter.
// Returns ErrInvalidToolName when the delimiter is absent or either side is empty.
func SplitToolName(qualified string) (session, tool string, err error) {
	session, tool, ok := strings.Cut(qualified, ToolNameDelimiter)
	if !ok || session == "" || tool == "" {
		return "", "", NewDomainError("SplitToolName", ErrInvalidToolName, qualified)
	}
	return session, tool, nil
}

// ToolTransport is a live connection to one tool-provider process.
type ToolTransport interface {
	// Initialize performs the protocol handshake.
	Initialize(ctx context.Context) error
	// ListTools returns the provider's tool catalog.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	// CallTool invokes a tool by its bare name.
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallOutcome, error)
	// Close tears the connection down and stops the provider process.
	Close() error
}

// TransportFactory spawns or dials a tool provider described by cfg.
// The returned transport has not been initialized yet.
type TransportFactory interface {
	Open(ctx context.Context, name string, cfg LaunchConfig) (ToolTransport, error)
}
