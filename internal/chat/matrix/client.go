// ABOUTME: Matrix implementation of the chat.Client capability interface
// ABOUTME: Wraps a mautrix client and adapts sync events onto the session event stream

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bigconect/conect-gateway/internal/chat"
)

// eventBufferSize is the per-session event channel buffer.
const eventBufferSize = 64

// Config holds the credentials for one Matrix-backed session.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// Client adapts a mautrix client to the chat.Client interface.
type Client struct {
	sessionID string
	api       *mautrix.Client
	logger    *slog.Logger

	events    chan chat.Event
	closeOnce sync.Once
	cancel    context.CancelFunc

	mu        sync.Mutex
	connected bool
}

// Dialer returns a chat.DialFunc that creates Matrix clients with the given
// credentials. Every session connects as the same Matrix account; the session
// id only scopes logging and event attribution.
func Dialer(cfg Config, logger *slog.Logger) chat.DialFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(sessionID string) (chat.Client, error) {
		return newClient(sessionID, cfg, logger)
	}
}

func newClient(sessionID string, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("matrix access token is required")
	}

	api, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Client{
		sessionID: sessionID,
		api:       api,
		logger:    logger.With("component", "matrix", "session_id", sessionID),
		events:    make(chan chat.Event, eventBufferSize),
	}, nil
}

// Initialize verifies the credentials and starts the sync loop. Connection
// progress is reported on the event stream.
func (c *Client) Initialize(ctx context.Context) error {
	syncer, ok := c.api.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", c.api.Syncer)
	}
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	syncCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go c.run(syncCtx)
	return nil
}

// run owns the sync loop lifecycle and the event channel.
func (c *Client) run(ctx context.Context) {
	defer c.shutdown()

	whoami, err := c.api.Whoami(ctx)
	if err != nil {
		c.logger.Error("matrix credential check failed", "error", err)
		c.emit(chat.Event{Kind: chat.EventClosed, Reason: err.Error()})
		return
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.emit(chat.Event{
		Kind:    chat.EventConnected,
		Payload: map[string]any{"user_id": whoami.UserID.String()},
	})

	err = c.api.SyncWithContext(ctx)

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	switch {
	case ctx.Err() != nil:
		// Local shutdown (gateway stop or session teardown). Not a remote
		// logout, so no close event: the channel just closes.
	case err != nil:
		c.emit(chat.Event{Kind: chat.EventClosed, Reason: err.Error()})
	default:
		c.emit(chat.Event{Kind: chat.EventClosed, Reason: "sync ended"})
	}
}

// handleMessage forwards inbound room messages onto the event stream.
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.api.UserID {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	c.emit(chat.Event{
		Kind:      chat.EventMessage,
		MessageID: evt.ID.String(),
		From:      evt.Sender.String(),
		Text:      content.Body,
		Payload: map[string]any{
			"room_id": evt.RoomID.String(),
		},
	})
}

// SendMessage posts text to the target room and returns the event id.
func (c *Client) SendMessage(ctx context.Context, target, content string) (string, error) {
	resp, err := c.api.SendText(ctx, id.RoomID(target), content)
	if err != nil {
		return "", fmt.Errorf("sending to %s: %w", target, err)
	}
	return resp.EventID.String(), nil
}

// Logout invalidates the access token and stops the sync loop.
func (c *Client) Logout(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if _, err := c.api.Logout(ctx); err != nil {
		return fmt.Errorf("matrix logout: %w", err)
	}
	return nil
}

// Status reports the current connection view.
func (c *Client) Status() chat.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chat.Status{Connected: c.connected}
}

// Events returns the session's ordered event stream.
func (c *Client) Events() <-chan chat.Event {
	return c.events
}

// emit pushes an event without blocking the sync loop. Matches the
// non-blocking channel discipline used elsewhere in the gateway: a full
// consumer drops the event rather than stalling sync.
func (c *Client) emit(evt chat.Event) {
	select {
	case c.events <- evt:
	default:
		c.logger.Warn("event channel full, dropping event", "kind", evt.Kind.String())
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.events)
	})
}
