// ABOUTME: Session model, status graph, and the Store interface for session persistence
// ABOUTME: Defines the per-tenant Session record and legal lifecycle transitions

package registry

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested session does not exist
var ErrNotFound = errors.New("session not found")

// Status is the lifecycle state of a session's connection to the chat network.
type Status string

const (
	StatusInitializing    Status = "initializing"
	StatusAwaitingPairing Status = "awaiting_pairing"
	StatusConnected       Status = "connected"
	StatusDisconnected    Status = "disconnected"
	StatusFailed          Status = "failed"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusInitializing, StatusAwaitingPairing, StatusConnected,
		StatusDisconnected, StatusFailed:
		return true
	}
	return false
}

// transitions is the legal lifecycle graph. Failed is terminal except for an
// explicit reconnect request, which restarts the cycle from Initializing.
var transitions = map[Status][]Status{
	StatusInitializing:    {StatusAwaitingPairing, StatusConnected, StatusDisconnected, StatusFailed},
	StatusAwaitingPairing: {StatusConnected, StatusDisconnected, StatusFailed},
	StatusConnected:       {StatusDisconnected},
	StatusDisconnected:    {StatusInitializing, StatusFailed},
	StatusFailed:          {StatusInitializing},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one tenant's logical connection to the chat network.
type Session struct {
	ID                string
	DisplayName       string
	Status            Status
	PairingCode       string // present only while awaiting pairing
	WebhookOverride   string // per-session delivery URL, overrides the global default
	ReconnectAttempts int
	CreatedAt         time.Time
	LastActivityAt    time.Time
}

// Store defines the interface for session persistence.
// Every mutation is written through synchronously; List is ordered by
// last activity descending.
type Store interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context) ([]*Session, error)

	// UpdateStatus validates the transition against the lifecycle graph.
	// An illegal transition is a no-op with a logged warning, not an error.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// Save overwrites all mutable fields of an existing record.
	Save(ctx context.Context, session *Session) error

	// Touch bumps the last-activity timestamp and nothing else.
	Touch(ctx context.Context, id string) error

	// SetReconnectAttempts writes the attempt counter and nothing else.
	SetReconnectAttempts(ctx context.Context, id string, attempts int) error

	SetWebhookOverride(ctx context.Context, id, url string) error

	// Delete removes a record. Deleting an unknown id returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	Close() error
}
