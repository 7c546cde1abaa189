package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventSessionConnected        EventType = "session.connected"
	EventSessionDisconnected     EventType = "session.disconnected"
	EventSessionCatalogRefreshed EventType = "session.catalog_refreshed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Session   string          `json:"session,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SessionEventPayload is the payload of session lifecycle events.
type SessionEventPayload struct {
	Name      string `json:"name"`
	ToolCount int    `json:"tool_count"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// NewSessionEvent builds a session lifecycle event stamped with the current time.
func NewSessionEvent(t EventType, name string, toolCount int) Event {
	payload, _ := json.Marshal(SessionEventPayload{Name: name, ToolCount: toolCount})
	return Event{
		Type:      t,
		Timestamp: time.Now(),
		Session:   name,
		Payload:   payload,
	}
}
