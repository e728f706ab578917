// ABOUTME: Capability interface for external chat network clients
// ABOUTME: Defines the narrow surface the orchestrator depends on, plus the event stream types

package chat

import "context"

// Client is the narrow capability interface over one session's connection to
// the chat network. Implementations wrap an external client library; the
// orchestrator never sees anything beyond this surface, which keeps the wire
// protocol out of the core and lets tests substitute a mock.
type Client interface {
	// Initialize starts the connection asynchronously. Progress is reported
	// on the Events channel, not through the return value.
	Initialize(ctx context.Context) error

	// SendMessage delivers content to a target address and returns the
	// network-assigned message id.
	SendMessage(ctx context.Context, target, content string) (string, error)

	// Logout gracefully terminates the authenticated session.
	Logout(ctx context.Context) error

	// Status reports the client's current view of the connection.
	Status() Status

	// Events returns the ordered per-session event stream. The channel is
	// closed when the client shuts down.
	Events() <-chan Event
}

// DialFunc creates a fresh Client for a session. A new client is dialed for
// every connection attempt; handles are never reused across reconnects.
type DialFunc func(sessionID string) (Client, error)

// Status is the client's own view of its connection.
type Status struct {
	Connected   bool
	PairingCode string
}

// EventKind discriminates the events a client emits.
type EventKind int

const (
	// EventPairing carries a pairing artifact the end user must present to
	// authenticate the session.
	EventPairing EventKind = iota

	// EventConnected signals the connection is established and authenticated.
	EventConnected

	// EventClosed signals the connection ended. Reason says why; LoggedOut
	// marks an explicit remote logout, which suppresses automatic reconnection.
	EventClosed

	// EventMessage is an inbound message from the network.
	EventMessage

	// EventPresence is a presence update for a contact.
	EventPresence

	// EventGroup is a group membership or metadata change.
	EventGroup
)

func (k EventKind) String() string {
	switch k {
	case EventPairing:
		return "pairing"
	case EventConnected:
		return "connected"
	case EventClosed:
		return "closed"
	case EventMessage:
		return "message"
	case EventPresence:
		return "presence"
	case EventGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Event is one item on a client's event stream. Events for a single session
// are consumed in emission order; no ordering is implied across sessions.
type Event struct {
	Kind        EventKind
	PairingCode string // EventPairing
	Reason      string // EventClosed
	LoggedOut   bool   // EventClosed: explicit remote logout

	// Message fields (EventMessage)
	MessageID string
	From      string
	Text      string

	// Payload carries kind-specific extra data forwarded to webhooks.
	Payload map[string]any
}
