package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/config"
	"toolrelay/internal/infra/metrics"
	"toolrelay/internal/infra/middleware"
	"toolrelay/internal/usecase"
)

// shutdownTimeout bounds the HTTP drain in Stop.
const shutdownTimeout = 5 * time.Second

// ServerDeps holds the collaborators of the gateway.
type ServerDeps struct {
	Registry     *usecase.SessionRegistry
	Orchestrator *usecase.Orchestrator
	Bus          domain.EventBus  // optional, enables servers_changed pushes
	Metrics      *metrics.Metrics // optional
	Config       config.GatewayConfig
	Logger       *slog.Logger
}

// Server is the HTTP and WebSocket front end: server management over REST,
// chat over /ws and Prometheus metrics.
type Server struct {
	deps    ServerDeps
	logger  *slog.Logger
	handler http.Handler
	conns   sync.Map // connection ID (string) -> *chatConn
	unsub   func()

	mu       sync.Mutex
	httpSrv  *http.Server
	stopOnce sync.Once
	stopErr  error
}

// NewServer builds the gateway and its route table.
func NewServer(deps ServerDeps) *Server {
	s := &Server{
		deps:   deps,
		logger: deps.Logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /api/servers", s.handleListServers)
	mux.HandleFunc("POST /api/servers", s.handleAddServer)
	mux.HandleFunc("DELETE /api/servers/{name}", s.handleRemoveServer)
	mux.Handle("GET /metrics", deps.Metrics.Handler())
	mux.HandleFunc("GET /ws", s.handleChat)

	s.handler = middleware.Chain(mux,
		middleware.RequestLogger(s.logger),
		middleware.CORS(deps.Config.AllowedOrigins),
		middleware.SecurityHeaders,
	)

	if deps.Bus != nil {
		s.unsub = deps.Bus.SubscribeAll(s.broadcastLifecycle)
	}
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.deps.Config.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then stops the
// server. It returns the error of Stop, if any.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	s.logger.Info("gateway started", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop closes every chat connection, drains HTTP, then disconnects all
// tool-provider sessions. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		if s.unsub != nil {
			s.unsub()
		}

		s.conns.Range(func(key, value any) bool {
			value.(*chatConn).shutdown(websocket.StatusGoingAway, "server shutting down")
			s.conns.Delete(key)
			return true
		})

		s.mu.Lock()
		srv := s.httpSrv
		s.mu.Unlock()
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.stopErr = fmt.Errorf("gateway shutdown: %w", err)
			}
		}

		s.deps.Registry.Close(ctx)
		s.logger.Info("gateway stopped")
	})
	return s.stopErr
}

// broadcastLifecycle pushes a servers_changed frame to every open chat socket.
// Slow clients miss the notification rather than stall the bus.
func (s *Server) broadcastLifecycle(_ context.Context, event domain.Event) {
	frame := serversChangedFrame(event)
	s.conns.Range(func(_, value any) bool {
		cc := value.(*chatConn)
		if !cc.trySend(frame) {
			s.logger.Warn("dropped servers_changed for slow client", "conn_id", cc.id)
		}
		return true
	})
}
