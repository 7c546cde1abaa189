// Package tracer wires OpenTelemetry for the relay.
//
// Spans:
//
//	orchestrator.run   one Run call; rounds are span events
//	llm.chat_stream    opening a model stream
//	dispatch.execute   one tool call routed to a session
//	registry.connect   spawn, handshake and first catalog load
package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"toolrelay/internal/infra/config"
)

const serviceName = "toolrelay"

// Span names.
const (
	SpanOrchestration = "orchestrator.run"
	SpanModelStream   = "llm.chat_stream"
	SpanDispatch      = "dispatch.execute"
	SpanConnect       = "registry.connect"
	EventRound        = "orchestrator.round"
	EventRoundCap     = "orchestrator.round_cap"
)

// Attribute keys recorded on relay spans.
const (
	KeySessionName       = attribute.Key("session.name")
	KeySessionTransport  = attribute.Key("session.transport")
	KeyToolQualifiedName = attribute.Key("tool.qualified_name")
	KeyToolServer        = attribute.Key("tool.server")
	KeyToolName          = attribute.Key("tool.name")
	KeyToolIsError       = attribute.Key("tool.is_error")
	KeyLLMProvider       = attribute.Key("llm.provider")
	KeyLLMModel          = attribute.Key("llm.model")
	KeyLLMTools          = attribute.Key("llm.tools")
	KeyPromptTokens      = attribute.Key("llm.prompt_tokens")
	KeyCompletionTokens  = attribute.Key("llm.completion_tokens")
	KeyHistoryLength     = attribute.Key("history.length")
	KeyRound             = attribute.Key("round")
)

// Setup installs the global TracerProvider selected by cfg and returns its
// shutdown function. Disabled tracing and the "noop" exporter install a noop
// provider.
func Setup(ctx context.Context, cfg config.TracerConfig, version string) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exporter == nil {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// newExporter returns nil when no spans should be exported.
func newExporter(ctx context.Context, cfg config.TracerConfig) (sdktrace.SpanExporter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Exporter {
	case "noop", "":
		return nil, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return exp, nil
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
}

// StartSpan starts a span on the relay tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(serviceName).Start(ctx, name, opts...)
}

// RecordError records err on span and marks it failed.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetOK marks span successful.
func SetOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
