package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/middleware"
)

const (
	// sendBuffer is the outbound queue length per chat connection.
	sendBuffer = 64
	// defaultWriteTimeout applies when the config leaves it unset.
	defaultWriteTimeout = 5 * time.Second
)

var errConnClosed = errors.New("chat connection closed")

// chatConn is one chat WebSocket with its conversation history.
type chatConn struct {
	id     string
	ws     *websocket.Conn
	sendCh chan Frame
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	history []domain.Message // owned by the serving goroutine
}

// send queues f, blocking until there is room or the connection ends.
func (c *chatConn) send(f Frame) error {
	select {
	case c.sendCh <- f:
		return nil
	case <-c.ctx.Done():
		return errConnClosed
	}
}

// trySend queues f without blocking.
func (c *chatConn) trySend(f Frame) bool {
	select {
	case c.sendCh <- f:
		return true
	default:
		return false
	}
}

func (c *chatConn) shutdown(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.cancel()
		_ = c.ws.Close(code, reason)
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: middleware.OriginPatterns(s.deps.Config.AllowedOrigins),
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	if limit := s.deps.Config.MaxMessageSize; limit > 0 {
		ws.SetReadLimit(limit)
	}

	id := ulid.Make().String()
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	cc := &chatConn{
		id:     id,
		ws:     ws,
		sendCh: make(chan Frame, sendBuffer),
		ctx:    domain.ContextWithConversationID(ctx, id),
		cancel: cancel,
	}
	s.conns.Store(id, cc)
	s.deps.Metrics.ChatOpened()
	logger := s.logger.With("conn_id", id)
	logger.Info("chat client connected")

	inbound := make(chan Frame)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop(cc)
	}()
	go func() {
		defer wg.Done()
		s.readLoop(cc, inbound)
	}()

	s.serveChat(cc, inbound)

	cc.shutdown(websocket.StatusNormalClosure, "")
	wg.Wait()
	s.conns.Delete(id)
	s.deps.Metrics.ChatClosed()
	logger.Info("chat client disconnected")
}

// serveChat handles inbound frames one at a time until the connection ends.
func (s *Server) serveChat(cc *chatConn, inbound <-chan Frame) {
	for {
		select {
		case <-cc.ctx.Done():
			return
		case frame, ok := <-inbound:
			if !ok {
				return
			}
			if err := s.handleFrame(cc, frame); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleFrame(cc *chatConn, frame Frame) error {
	switch frame.Type {
	case FrameMessage:
		return s.runChat(cc, frame.Content)
	case FrameClear:
		cc.history = nil
		return cc.send(Frame{Type: FrameCleared})
	default:
		return cc.send(errorFrame("unknown frame type " + string(frame.Type)))
	}
}

// runChat appends the user message and streams one orchestration to the client.
func (s *Server) runChat(cc *chatConn, content string) error {
	history := append(cc.history, domain.Message{
		Role:      domain.RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	})

	sink := func(ev domain.StreamEvent) error { return cc.send(frameFromEvent(ev)) }
	grown, err := s.deps.Orchestrator.Run(cc.ctx, history, sink)
	cc.history = grown
	if err != nil && cc.ctx.Err() != nil {
		return err
	}
	if err != nil {
		s.logger.Debug("chat turn failed", "conn_id", cc.id, "error", err)
	}
	return nil
}

// readLoop decodes client frames until the socket fails, then cancels the
// connection.
func (s *Server) readLoop(cc *chatConn, inbound chan<- Frame) {
	defer close(inbound)
	defer cc.cancel()
	for {
		var frame Frame
		if err := wsjson.Read(cc.ctx, cc.ws, &frame); err != nil {
			var closeErr websocket.CloseError
			if !errors.As(err, &closeErr) && cc.ctx.Err() == nil {
				s.logger.Debug("chat read failed", "conn_id", cc.id, "error", err)
			}
			return
		}
		select {
		case inbound <- frame:
		case <-cc.ctx.Done():
			return
		}
	}
}

func (s *Server) writeLoop(cc *chatConn) {
	timeout := s.deps.Config.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	for {
		select {
		case <-cc.ctx.Done():
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(cc.ctx, timeout)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				cc.cancel()
				return
			}
		}
	}
}
