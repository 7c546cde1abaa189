package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/metrics"
	"toolrelay/internal/infra/tracer"
)

// DefaultToolTimeout bounds one tool call when no timeout is configured.
const DefaultToolTimeout = 30 * time.Second

// ToolDispatcher routes a qualified tool name to its session and runs it.
// It never returns an error: every failure becomes an IsError result the
// model can read.
type ToolDispatcher struct {
	registry *SessionRegistry
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewToolDispatcher creates a dispatcher over registry. A zero timeout
// means DefaultToolTimeout.
func NewToolDispatcher(registry *SessionRegistry, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *ToolDispatcher {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &ToolDispatcher{
		registry: registry,
		timeout:  timeout,
		metrics:  m,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Execute runs the tool named by qualifiedName with the JSON-encoded
// arguments. The call is detached from ctx cancellation and bounded by the
// dispatcher timeout, so a call that has started always runs to completion.
func (d *ToolDispatcher) Execute(ctx context.Context, qualifiedName, argumentsJSON string) domain.ToolExecutionResult {
	ctx, span := tracer.StartSpan(ctx, tracer.SpanDispatch,
		trace.WithAttributes(tracer.KeyToolQualifiedName.String(qualifiedName)),
	)
	defer span.End()

	result := d.execute(ctx, span, qualifiedName, argumentsJSON)
	span.SetAttributes(tracer.KeyToolIsError.Bool(result.IsError))
	if !result.IsError {
		tracer.SetOK(span)
	}
	return result
}

func (d *ToolDispatcher) execute(ctx context.Context, span trace.Span, qualifiedName, argumentsJSON string) domain.ToolExecutionResult {
	sessionName, toolName, err := domain.SplitToolName(qualifiedName)
	if err != nil {
		tracer.RecordError(span, err)
		return errorResult(fmt.Sprintf("invalid tool name %q: expected <server>%s<tool>",
			qualifiedName, domain.ToolNameDelimiter))
	}
	span.SetAttributes(
		tracer.KeyToolServer.String(sessionName),
		tracer.KeyToolName.String(toolName),
	)

	args, parsed, err := parseArguments(argumentsJSON)
	if err != nil {
		tracer.RecordError(span, err)
		return errorResult(fmt.Sprintf("invalid arguments for %s: %v", qualifiedName, err))
	}

	s, release, ok := d.registry.acquire(sessionName)
	if !ok {
		msg := fmt.Sprintf("server %q not connected", sessionName)
		if owner, found := d.registry.FindOwningSession(toolName); found {
			msg += fmt.Sprintf(" (tool %q is provided by %q)", toolName, owner)
		}
		tracer.RecordError(span, domain.NewSubSystemError("dispatcher", "Execute", domain.ErrSessionNotFound, sessionName))
		return errorResult(msg)
	}
	defer release()

	if tool, known := s.catalog().lookup(toolName); !known {
		d.logger.Debug("tool not in catalog, forwarding anyway", "session", sessionName, "tool", toolName)
	} else if tool.schema != nil {
		if verr := tool.schema.Validate(parsed.Interface()); verr != nil {
			d.logger.Warn("tool arguments do not match input schema",
				"session", sessionName, "tool", toolName, "error", verr)
		}
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	start := time.Now()
	outcome, err := s.transport.CallTool(callCtx, toolName, args)
	elapsed := time.Since(start)

	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			err = domain.NewSubSystemError("dispatcher", "Execute", domain.ErrTimeout,
				fmt.Sprintf("%s after %s", qualifiedName, d.timeout))
		}
		d.metrics.ObserveToolCall(sessionName, true, elapsed)
		tracer.RecordError(span, err)
		d.logger.Warn("tool call failed", "session", sessionName, "tool", toolName, "error", err)
		return errorResult("Error: " + err.Error())
	}

	d.metrics.ObserveToolCall(sessionName, outcome.IsError, elapsed)
	d.logger.Debug("tool call completed",
		"session", sessionName, "tool", toolName,
		"is_error", outcome.IsError, "duration", elapsed)

	return domain.ToolExecutionResult{
		Text:    renderContent(outcome.Content),
		IsError: outcome.IsError,
	}
}

func errorResult(text string) domain.ToolExecutionResult {
	return domain.ToolExecutionResult{Text: text, IsError: true}
}

// parseArguments decodes the model's argument text. Blank text is an empty
// object; anything that is not a JSON object is rejected.
func parseArguments(raw string) (map[string]any, domain.Value, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, domain.ObjectValue(), nil
	}
	v, err := domain.ParseValue([]byte(raw))
	if err != nil {
		return nil, domain.Value{}, domain.NewSubSystemError("dispatcher", "parseArguments",
			domain.ErrInvalidInput, "malformed JSON: "+err.Error())
	}
	if v.Kind() != domain.KindObject {
		return nil, domain.Value{}, domain.NewSubSystemError("dispatcher", "parseArguments",
			domain.ErrInvalidInput, "expected a JSON object, got "+v.Kind().String())
	}
	args, _ := v.Interface().(map[string]any)
	return args, v, nil
}

// renderContent joins content items one per line. Items without text are
// written as their canonical JSON.
func renderContent(items []domain.ContentItem) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		if item.HasText {
			lines = append(lines, item.Text)
			continue
		}
		lines = append(lines, canonicalJSON(item))
	}
	return strings.Join(lines, "\n")
}

func canonicalJSON(item domain.ContentItem) string {
	if len(item.Raw) > 0 {
		if v, err := domain.ParseValue(item.Raw); err == nil {
			return v.String()
		}
	}
	raw, err := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: item.Type})
	if err != nil {
		return "{}"
	}
	return string(raw)
}
