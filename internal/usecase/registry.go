package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/metrics"
	"toolrelay/internal/infra/tracer"
)

// Connect stages reported in ConnectError.
const (
	StageValidate   = "validate"
	StageSpawn      = "spawn"
	StageInitialize = "initialize"
	StageRefresh    = "refresh"
	StageWait       = "wait"
)

// ConnectError reports a failed Connect. It matches domain.ErrConnect and
// the underlying cause with errors.Is.
type ConnectError struct {
	Name  string
	Stage string
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %q: %s: %v", e.Name, e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() []error { return []error{domain.ErrConnect, e.Err} }

// toolSession is one live tool-provider connection. mu is held for reading
// around every call on the transport and for writing during teardown, so
// Disconnect waits for in-flight dispatches.
type toolSession struct {
	name      string
	mu        sync.RWMutex
	state     domain.SessionState
	transport domain.ToolTransport
	tools     atomic.Pointer[toolCatalog]
}

func (s *toolSession) catalog() *toolCatalog {
	if c := s.tools.Load(); c != nil {
		return c
	}
	return emptyCatalog
}

// RegistryDeps holds injected dependencies for the session registry.
type RegistryDeps struct {
	Factory        domain.TransportFactory
	Bus            domain.EventBus  // optional, nil = no events
	Metrics        *metrics.Metrics // optional
	Logger         *slog.Logger
	ConnectTimeout time.Duration // 0 = bounded only by the callers' contexts
}

// SessionRegistry owns the live tool-provider sessions and their catalogs.
type SessionRegistry struct {
	deps RegistryDeps

	mu       sync.RWMutex
	sessions map[string]*toolSession
	order    []string

	connects   singleflight.Group
	attemptsMu sync.Mutex
	attempts   map[string]*connectAttempt
}

// connectAttempt is the context shared by every caller waiting on one
// Connect. It is cancelled when the last waiter gives up.
type connectAttempt struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(deps RegistryDeps) *SessionRegistry {
	deps.Logger = deps.Logger.With("component", "registry")
	return &SessionRegistry{
		deps:     deps,
		sessions: make(map[string]*toolSession),
		attempts: make(map[string]*connectAttempt),
	}
}

// Connect spawns the provider named name, performs the handshake and loads
// its catalog. Connecting a name that is already connected is a no-op.
// Concurrent calls for the same name share one attempt, which keeps running
// while any of them is still waiting. A caller whose ctx ends returns early
// with a StageWait error. On any failure the session stays absent and a
// *ConnectError is returned.
func (r *SessionRegistry) Connect(ctx context.Context, name string, cfg domain.LaunchConfig) error {
	if err := validateSessionName(name); err != nil {
		return &ConnectError{Name: name, Stage: StageValidate, Err: err}
	}
	if r.lookup(name) != nil {
		return nil
	}

	att := r.joinAttempt(ctx, name)
	defer r.leaveAttempt(name, att)

	ch := r.connects.DoChan(name, func() (any, error) {
		if r.lookup(name) != nil {
			return nil, nil
		}
		return nil, r.connect(att.ctx, name, cfg)
	})
	select {
	case res := <-ch:
		if res.Shared {
			r.deps.Logger.Debug("connect shared with concurrent caller", "session", name)
		}
		return res.Err
	case <-ctx.Done():
		return &ConnectError{Name: name, Stage: StageWait, Err: ctx.Err()}
	}
}

func (r *SessionRegistry) joinAttempt(ctx context.Context, name string) *connectAttempt {
	r.attemptsMu.Lock()
	defer r.attemptsMu.Unlock()
	att, ok := r.attempts[name]
	if !ok {
		actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		att = &connectAttempt{ctx: actx, cancel: cancel}
		r.attempts[name] = att
	}
	att.waiters++
	return att
}

func (r *SessionRegistry) leaveAttempt(name string, att *connectAttempt) {
	r.attemptsMu.Lock()
	defer r.attemptsMu.Unlock()
	att.waiters--
	if att.waiters > 0 {
		return
	}
	att.cancel()
	if r.attempts[name] == att {
		delete(r.attempts, name)
		r.connects.Forget(name)
	}
}

// connecting returns the names with a Connect in flight, sorted.
func (r *SessionRegistry) connecting() []string {
	r.attemptsMu.Lock()
	defer r.attemptsMu.Unlock()
	names := make([]string, 0, len(r.attempts))
	for name := range r.attempts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func validateSessionName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return domain.NewSubSystemError("registry", "Connect", domain.ErrInvalidInput, "empty session name")
	case strings.Contains(name, domain.ToolNameDelimiter):
		return domain.NewSubSystemError("registry", "Connect", domain.ErrInvalidInput,
			fmt.Sprintf("session name %q contains reserved %q", name, domain.ToolNameDelimiter))
	}
	return nil
}

func (r *SessionRegistry) connect(ctx context.Context, name string, cfg domain.LaunchConfig) (err error) {
	ctx, span := tracer.StartSpan(ctx, tracer.SpanConnect,
		trace.WithAttributes(
			tracer.KeySessionName.String(name),
			tracer.KeySessionTransport.String(cfg.TransportKind()),
		),
	)
	defer span.End()
	defer func() {
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
		r.deps.Metrics.ObserveConnect(err != nil, len(r.ListSessions()))
	}()

	if r.deps.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.deps.ConnectTimeout)
		defer cancel()
	}

	fail := func(stage string, cause error, t domain.ToolTransport) error {
		if t != nil {
			if cerr := t.Close(); cerr != nil {
				r.deps.Logger.Warn("close after failed connect", "session", name, "error", cerr)
			}
		}
		if errors.Is(cause, context.DeadlineExceeded) {
			cause = domain.NewSubSystemError("registry", "Connect", domain.ErrTimeout, cause.Error())
		}
		r.deps.Logger.Warn("connect failed", "session", name, "stage", stage, "error", cause)
		return &ConnectError{Name: name, Stage: stage, Err: cause}
	}

	t, err := r.deps.Factory.Open(ctx, name, cfg)
	if err != nil {
		return fail(StageSpawn, err, nil)
	}
	if err := t.Initialize(ctx); err != nil {
		return fail(StageInitialize, err, t)
	}
	descs, err := t.ListTools(ctx)
	if err != nil {
		return fail(StageRefresh, err, t)
	}

	if err := ctx.Err(); err != nil {
		return fail(StageRefresh, err, t)
	}

	s := &toolSession{name: name, state: domain.SessionConnected, transport: t}
	s.tools.Store(newToolCatalog(name, descs, r.deps.Logger))

	r.mu.Lock()
	if _, exists := r.sessions[name]; exists {
		r.mu.Unlock()
		if cerr := t.Close(); cerr != nil {
			r.deps.Logger.Warn("close duplicate transport", "session", name, "error", cerr)
		}
		return nil
	}
	r.sessions[name] = s
	r.order = append(r.order, name)
	r.mu.Unlock()

	count := s.catalog().len()
	r.deps.Logger.Info("session connected", "session", name, "tools", count)
	r.publish(ctx, domain.NewSessionEvent(domain.EventSessionConnected, name, count))
	return nil
}

// Disconnect removes the session, waits for in-flight calls on it to finish
// and closes its transport. Unknown names are ignored. Close failures are
// logged, never returned.
func (r *SessionRegistry) Disconnect(ctx context.Context, name string) {
	r.mu.Lock()
	s, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
		r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	}
	remaining := len(r.order)
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.state = domain.SessionDisconnected
	err := s.transport.Close()
	s.mu.Unlock()
	s.tools.Store(emptyCatalog)

	if err != nil {
		r.deps.Logger.Warn("close transport", "session", name, "error", err)
	}
	r.deps.Metrics.SetConnectedSessions(remaining)
	r.deps.Logger.Info("session disconnected", "session", name)
	r.publish(ctx, domain.NewSessionEvent(domain.EventSessionDisconnected, name, 0))
}

// RefreshCatalog re-lists the session's tools and replaces its catalog. On
// failure the catalog becomes empty and the error is returned.
func (r *SessionRegistry) RefreshCatalog(ctx context.Context, name string) error {
	s := r.lookup(name)
	if s == nil {
		return domain.NewSubSystemError("registry", "RefreshCatalog", domain.ErrNotFound, name)
	}

	s.mu.RLock()
	if s.state != domain.SessionConnected {
		s.mu.RUnlock()
		return domain.NewSubSystemError("registry", "RefreshCatalog", domain.ErrNotFound, name)
	}
	descs, err := s.transport.ListTools(ctx)
	s.mu.RUnlock()

	if err != nil {
		s.tools.Store(emptyCatalog)
		r.deps.Logger.Warn("refresh catalog failed", "session", name, "error", err)
		return domain.WrapOp("RefreshCatalog "+name, err)
	}

	c := newToolCatalog(name, descs, r.deps.Logger)
	s.tools.Store(c)
	r.publish(ctx, domain.NewSessionEvent(domain.EventSessionCatalogRefreshed, name, c.len()))
	return nil
}

// ListSessions returns the names of live sessions in registration order.
func (r *SessionRegistry) ListSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// AllTools returns a point-in-time deep copy of every session's catalog.
func (r *SessionRegistry) AllTools() map[string][]domain.ToolDescriptor {
	out := make(map[string][]domain.ToolDescriptor)
	for _, s := range r.snapshot() {
		out[s.name] = s.catalog().descriptors()
	}
	return out
}

// Sessions returns a summary of every live session in registration order,
// followed by the names still connecting.
func (r *SessionRegistry) Sessions() []domain.SessionInfo {
	snap := r.snapshot()
	out := make([]domain.SessionInfo, 0, len(snap))
	live := make(map[string]bool, len(snap))
	for _, s := range snap {
		s.mu.RLock()
		state := s.state
		s.mu.RUnlock()
		live[s.name] = true
		out = append(out, domain.SessionInfo{
			Name:      s.name,
			State:     state,
			ToolCount: s.catalog().len(),
		})
	}
	for _, name := range r.connecting() {
		if !live[name] {
			out = append(out, domain.SessionInfo{Name: name, State: domain.SessionConnecting})
		}
	}
	return out
}

// Close disconnects every session.
func (r *SessionRegistry) Close(ctx context.Context) {
	for _, name := range r.ListSessions() {
		r.Disconnect(ctx, name)
	}
}

// acquire returns the connected session name with its read lock held.
// The caller must invoke release when the transport call is done.
func (r *SessionRegistry) acquire(name string) (s *toolSession, release func(), ok bool) {
	s = r.lookup(name)
	if s == nil {
		return nil, nil, false
	}
	s.mu.RLock()
	if s.state != domain.SessionConnected {
		s.mu.RUnlock()
		return nil, nil, false
	}
	return s, s.mu.RUnlock, true
}

func (r *SessionRegistry) lookup(name string) *toolSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[name]
}

// snapshot returns the live sessions in registration order.
func (r *SessionRegistry) snapshot() []*toolSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*toolSession, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.sessions[name])
	}
	return out
}

func (r *SessionRegistry) publish(ctx context.Context, event domain.Event) {
	if r.deps.Bus != nil {
		r.deps.Bus.Publish(ctx, event)
	}
}
