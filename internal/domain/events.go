package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Auth Events
// -----------------------------------------------------------------------------

// AuthEventType names a change in the authenticated identity
type AuthEventType string

const (
	EventSignedIn       AuthEventType = "signed_in"
	EventSignedOut      AuthEventType = "signed_out"
	EventTokenRefreshed AuthEventType = "token_refreshed"
	EventUserUpdated    AuthEventType = "user_updated"
)

// AuthEvent is emitted by the identity client whenever the session changes.
// User is nil when the session ended.
type AuthEvent struct {
	ID        uuid.UUID     `json:"id"`
	Type      AuthEventType `json:"type"`
	User      *User         `json:"user,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewAuthEvent creates a new AuthEvent
func NewAuthEvent(eventType AuthEventType, user *User) AuthEvent {
	return AuthEvent{
		ID:        uuid.New(),
		Type:      eventType,
		User:      user,
		Timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Event Dispatcher
// -----------------------------------------------------------------------------

// AuthEventHandler processes auth events
type AuthEventHandler func(event AuthEvent)

type registration struct {
	id      uuid.UUID
	handler AuthEventHandler
}

// EventDispatcher fans auth events out to subscribers in registration order.
type EventDispatcher struct {
	mu       sync.RWMutex
	handlers []registration
}

// NewEventDispatcher creates a new event dispatcher
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{}
}

// Subscribe registers a handler and returns its subscription ID
func (d *EventDispatcher) Subscribe(handler AuthEventHandler) uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := uuid.New()
	d.handlers = append(d.handlers, registration{id: id, handler: handler})
	return id
}

// Unsubscribe removes a handler. Unknown IDs are ignored.
func (d *EventDispatcher) Unsubscribe(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.handlers {
		if r.id == id {
			d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
			return
		}
	}
}

// Publish dispatches an event to every handler registered at call time.
// Handlers run on the caller's goroutine without the lock held, so they may
// subscribe or unsubscribe.
func (d *EventDispatcher) Publish(event AuthEvent) {
	d.mu.RLock()
	handlers := make([]AuthEventHandler, len(d.handlers))
	for i, r := range d.handlers {
		handlers[i] = r.handler
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
