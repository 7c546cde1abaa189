package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"toolrelay/internal/domain"
)

// defaultInputSchema is used for tools that advertise no input schema.
var defaultInputSchema = json.RawMessage(`{"type":"object"}`)

// mcpClient abstracts the MCP client interface for testability.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// initializer is implemented by clients that need the MCP handshake.
type initializer interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
}

// Factory opens MCP connections over stdio or streamable HTTP.
// It implements domain.TransportFactory.
type Factory struct {
	clientName    string
	clientVersion string
	logger        *slog.Logger
}

// NewFactory creates a Factory that identifies itself to servers as clientName/clientVersion.
func NewFactory(clientName, clientVersion string, logger *slog.Logger) *Factory {
	return &Factory{
		clientName:    clientName,
		clientVersion: clientVersion,
		logger:        logger.With("component", "mcpbridge"),
	}
}

// Open spawns (stdio) or dials (http) the server described by cfg.
// The returned transport still needs Initialize.
func (f *Factory) Open(ctx context.Context, name string, cfg domain.LaunchConfig) (domain.ToolTransport, error) {
	var c mcpClient

	switch cfg.TransportKind() {
	case domain.TransportStdio:
		if cfg.Command == "" {
			return nil, domain.NewDomainError("Factory.Open", domain.ErrInvalidInput, "stdio server requires a command")
		}
		stdio, err := mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		c = stdio
	case domain.TransportHTTP:
		if cfg.URL == "" {
			return nil, domain.NewDomainError("Factory.Open", domain.ErrInvalidInput, "http server requires a url")
		}
		t, err := transport.NewStreamableHTTP(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		httpClient := mcpclient.NewClient(t)
		if err := httpClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		c = httpClient
	default:
		return nil, domain.NewDomainError("Factory.Open", domain.ErrInvalidInput,
			fmt.Sprintf("unsupported transport %q", cfg.Transport))
	}

	f.logger.Debug("mcp client opened", "server", name, "transport", cfg.TransportKind())
	return newTransport(name, c, f.clientName, f.clientVersion, f.logger), nil
}

// Transport is a live MCP client connection to one server.
type Transport struct {
	name          string
	client        mcpClient
	clientName    string
	clientVersion string
	logger        *slog.Logger
}

func newTransport(name string, c mcpClient, clientName, clientVersion string, logger *slog.Logger) *Transport {
	return &Transport{
		name:          name,
		client:        c,
		clientName:    clientName,
		clientVersion: clientVersion,
		logger:        logger,
	}
}

// Initialize performs the MCP initialize handshake.
func (t *Transport) Initialize(ctx context.Context) error {
	ic, ok := t.client.(initializer)
	if !ok {
		return nil
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    t.clientName,
		Version: t.clientVersion,
	}

	res, err := ic.Initialize(ctx, initReq)
	if err != nil {
		return domain.WrapOp("initialize", err)
	}
	t.logger.Info("mcp server initialized",
		"server", t.name,
		"server_name", res.ServerInfo.Name,
		"protocol", res.ProtocolVersion)
	return nil
}

// ListTools fetches the server's tool catalog.
func (t *Transport) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	result, err := t.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, domain.WrapOp("list tools", err)
	}

	tools := make([]domain.ToolDescriptor, 0, len(result.Tools))
	for _, mt := range result.Tools {
		schema, err := inputSchema(mt)
		if err != nil {
			t.logger.Warn("mcp tool schema unreadable, using empty object schema",
				"server", t.name, "tool", mt.Name, "error", err)
			schema, _ = domain.ParseValue(defaultInputSchema)
		}
		tools = append(tools, domain.ToolDescriptor{
			Name:        mt.Name,
			Description: mt.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// CallTool invokes the named tool with args.
func (t *Transport) CallTool(ctx context.Context, name string, args map[string]any) (*domain.ToolCallOutcome, error) {
	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = name
	callReq.Params.Arguments = args

	t.logger.Debug("mcp tool call", "server", t.name, "tool", name)

	result, err := t.client.CallTool(ctx, callReq)
	if err != nil {
		return nil, err
	}
	return &domain.ToolCallOutcome{
		Content: extractContent(result.Content),
		IsError: result.IsError,
	}, nil
}

// Close shuts the client down. For stdio servers this stops the subprocess.
func (t *Transport) Close() error {
	return t.client.Close()
}

func inputSchema(mt mcp.Tool) (domain.Value, error) {
	raw := defaultInputSchema
	switch {
	case len(mt.RawInputSchema) > 0:
		raw = mt.RawInputSchema
	case mt.InputSchema.Type != "" || mt.InputSchema.Properties != nil || mt.InputSchema.Required != nil:
		data, err := json.Marshal(mt.InputSchema)
		if err != nil {
			return domain.Value{}, err
		}
		raw = data
	}
	return domain.ParseValue(raw)
}

// extractContent converts MCP content items to domain content items.
// Items without text keep their JSON form.
func extractContent(items []mcp.Content) []domain.ContentItem {
	out := make([]domain.ContentItem, 0, len(items))
	for _, c := range items {
		switch v := c.(type) {
		case mcp.TextContent:
			out = append(out, domain.ContentItem{Type: "text", Text: v.Text, HasText: true})
		case *mcp.TextContent:
			out = append(out, domain.ContentItem{Type: "text", Text: v.Text, HasText: true})
		default:
			item := domain.ContentItem{Type: contentType(v)}
			if data, err := json.Marshal(v); err == nil {
				item.Raw = data
			}
			out = append(out, item)
		}
	}
	return out
}

func contentType(c mcp.Content) string {
	switch c.(type) {
	case mcp.ImageContent, *mcp.ImageContent:
		return "image"
	case mcp.AudioContent, *mcp.AudioContent:
		return "audio"
	case mcp.EmbeddedResource, *mcp.EmbeddedResource:
		return "resource"
	default:
		return "unknown"
	}
}

// envSlice converts a map of env vars to KEY=VALUE slices.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}
