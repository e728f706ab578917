// ABOUTME: WebhookEvent type and validation for the event delivery pipeline
// ABOUTME: Events are immutable, transient, and JSON-encoded onto the wire

package webhook

import "time"

// EventType classifies a webhook event.
type EventType string

const (
	EventTypeSession  EventType = "session"
	EventTypeMessage  EventType = "message"
	EventTypeStatus   EventType = "status"
	EventTypePresence EventType = "presence"
	EventTypeGroup    EventType = "group"
)

// Event is one normalized event pushed to a subscriber endpoint. Instances
// are constructed, delivered, and discarded; they are never persisted.
// Delivery is at-least-once: the destination must handle duplicates if it
// needs idempotency.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"sessionId"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType EventType, sessionID string, data map[string]any) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// valid reports whether the event has all required fields. Malformed events
// are rejected locally and never sent.
func (e Event) valid() bool {
	return e.Type != "" && e.SessionID != "" && e.Data != nil && !e.Timestamp.IsZero()
}
