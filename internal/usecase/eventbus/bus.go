package eventbus

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"toolrelay/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus. Handlers run
// asynchronously, each in its own goroutine.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]subscription
	allSubs []subscription
	closed  bool
	nextID  atomic.Uint64
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]subscription),
		logger: logger.With("component", "eventbus"),
	}
}

// Publish fans out an event to matching typed subscribers and all-event
// subscribers. Handlers receive a context detached from the publisher's
// cancellation so a finished request does not cut them short. Panicking
// handlers are recovered and logged.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	hctx := context.WithoutCancel(ctx)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.typed[event.Type] {
		b.dispatch(hctx, event, sub)
	}
	for _, sub := range b.allSubs {
		b.dispatch(hctx, event, sub)
	}
}

// dispatch must be called with b.mu held so Add never races Close's Wait.
func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"session", event.Session,
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[eventType] = slices.DeleteFunc(slices.Clone(b.typed[eventType]), func(s subscription) bool {
			return s.id == id
		})
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = slices.DeleteFunc(slices.Clone(b.allSubs), func(s subscription) bool {
			return s.id == id
		})
	}
}

// Close prevents new publishes and waits for all in-flight handlers to
// finish. It is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	already := b.closed
	b.closed = true
	b.mu.Unlock()
	if already {
		return
	}
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
