package types

import "context"

// EventType represents the type of a lifecycle event
type EventType string

const (
	EventTypeAppStarted    EventType = "app.started"
	EventTypeAppStopped    EventType = "app.stopped"
	EventTypePeerJoined    EventType = "peer.joined"
	EventTypePeerLeft      EventType = "peer.left"
	EventTypeChannelsReady EventType = "channels.ready"
)

// Event represents an application lifecycle event published on the hub
type Event struct {
	ID        ID                     `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp Timestamp              `json:"timestamp"`
	App       AppInfo                `json:"app"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventHandler handles events
type EventHandler interface {
	// Handle processes an event
	Handle(ctx context.Context, event Event) error
}

// EventFunc is a function adapter for EventHandler
type EventFunc func(ctx context.Context, event Event) error

// Handle implements EventHandler
func (f EventFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventFilter selects the events a subscription receives. Nil fields match anything.
type EventFilter struct {
	Type          *EventType `json:"type,omitempty"`
	Source        *string    `json:"source,omitempty"`
	AppInstanceID *string    `json:"app_instance_id,omitempty"`
}

// FilterByType returns a filter matching a single event type
func FilterByType(t EventType) EventFilter {
	return EventFilter{Type: &t}
}

// Matches reports whether the event passes the filter
func (f EventFilter) Matches(event Event) bool {
	if f.Type != nil && event.Type != *f.Type {
		return false
	}
	if f.Source != nil && event.Source != *f.Source {
		return false
	}
	if f.AppInstanceID != nil && event.App.AppInstanceID != *f.AppInstanceID {
		return false
	}
	return true
}

// EventSubscription represents a subscription to events
type EventSubscription struct {
	ID        ID           `json:"id"`
	Filter    EventFilter  `json:"filter"`
	Handler   EventHandler `json:"-"`
	CreatedAt Timestamp    `json:"created_at"`
}
