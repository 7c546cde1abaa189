package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/config"
	"toolrelay/internal/infra/metrics"
	"toolrelay/internal/usecase"
	"toolrelay/internal/usecase/eventbus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- tool provider double ---

type calcTransport struct {
	closed atomic.Bool
}

func (c *calcTransport) Initialize(context.Context) error { return nil }

func (c *calcTransport) ListTools(context.Context) ([]domain.ToolDescriptor, error) {
	schema, err := domain.ParseValue([]byte(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}}}`))
	if err != nil {
		return nil, err
	}
	return []domain.ToolDescriptor{{Name: "add", Description: "Add two numbers", InputSchema: schema}}, nil
}

func (c *calcTransport) CallTool(_ context.Context, name string, args map[string]any) (*domain.ToolCallOutcome, error) {
	if name != "add" {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	a, _ := args["a"].(json.Number).Float64()
	b, _ := args["b"].(json.Number).Float64()
	return &domain.ToolCallOutcome{Content: []domain.ContentItem{{Type: "text", Text: fmt.Sprintf("%g", a+b), HasText: true}}}, nil
}

func (c *calcTransport) Close() error {
	c.closed.Store(true)
	return nil
}

type stubFactory struct {
	mu         sync.Mutex
	transports map[string]*calcTransport
}

func (f *stubFactory) Open(_ context.Context, name string, _ domain.LaunchConfig) (domain.ToolTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transports[name]
	if !ok {
		return nil, errors.New("executable not found")
	}
	return t, nil
}

// --- model backend double ---

type scriptedLLM struct {
	mu       sync.Mutex
	rounds   [][]domain.StreamDelta
	requests []domain.ChatRequest
}

func (l *scriptedLLM) Name() string { return "scripted" }

func (l *scriptedLLM) ChatStream(_ context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := len(l.requests)
	l.requests = append(l.requests, req)
	if idx >= len(l.rounds) {
		return nil, fmt.Errorf("%w: no scripted round %d", domain.ErrAuthInvalid, idx+1)
	}
	ch := make(chan domain.StreamDelta, len(l.rounds[idx]))
	for _, d := range l.rounds[idx] {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func (l *scriptedLLM) request(i int) domain.ChatRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests[i]
}

func textDeltas(text string) []domain.StreamDelta {
	return []domain.StreamDelta{{Content: text}, {FinishReason: domain.FinishReasonStop}}
}

func toolDeltas(id, name, args string) []domain.StreamDelta {
	return []domain.StreamDelta{
		{ToolCalls: []domain.ToolCallDelta{{Index: 0, ID: id, Name: name}}},
		{ToolCalls: []domain.ToolCallDelta{{Index: 0, Arguments: args}}},
		{FinishReason: domain.FinishReasonToolCalls},
	}
}

// --- fixture ---

type fixture struct {
	srv      *Server
	ts       *httptest.Server
	registry *usecase.SessionRegistry
	calc     *calcTransport
	llm      *scriptedLLM
	bus      *eventbus.Bus
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, rounds ...[]domain.StreamDelta) *fixture {
	t.Helper()
	logger := discardLogger()
	f := &fixture{
		calc:    &calcTransport{},
		llm:     &scriptedLLM{rounds: rounds},
		bus:     eventbus.New(logger),
		metrics: metrics.New(),
	}
	f.registry = usecase.NewSessionRegistry(usecase.RegistryDeps{
		Factory: &stubFactory{transports: map[string]*calcTransport{"calc": f.calc}},
		Bus:     f.bus,
		Metrics: f.metrics,
		Logger:  logger,
	})
	dispatcher := usecase.NewToolDispatcher(f.registry, time.Second, f.metrics, logger)
	orch := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		LLM:        f.llm,
		Registry:   f.registry,
		Dispatcher: dispatcher,
		MaxRounds:  usecase.DefaultMaxRounds,
		Metrics:    f.metrics,
		Logger:     logger,
	})

	f.srv = NewServer(ServerDeps{
		Registry:     f.registry,
		Orchestrator: orch,
		Bus:          f.bus,
		Metrics:      f.metrics,
		Config:       config.Defaults().Gateway,
		Logger:       logger,
	})
	f.ts = httptest.NewServer(f.srv.Handler())
	t.Cleanup(func() {
		_ = f.srv.Stop(context.Background())
		f.ts.Close()
		f.bus.Close()
	})
	return f
}

func (f *fixture) connectCalc(t *testing.T) {
	t.Helper()
	require.NoError(t, f.registry.Connect(context.Background(), "calc", domain.LaunchConfig{Command: "calc"}))
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, f Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, ws, f))
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var f Frame
	require.NoError(t, wsjson.Read(ctx, ws, &f))
	return f
}

// readUntil collects frames up to and including the first one of type stop.
func readUntil(t *testing.T, ws *websocket.Conn, stop FrameType) []Frame {
	t.Helper()
	var frames []Frame
	for {
		f := readFrame(t, ws)
		frames = append(frames, f)
		if f.Type == stop {
			return frames
		}
		require.Less(t, len(frames), 50, "no %s frame", stop)
	}
}
