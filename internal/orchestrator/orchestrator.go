// ABOUTME: Connection orchestrator owning per-session lifecycle, reconnection, and message flow
// ABOUTME: Bridges chat network clients, the session registry, the governor, and webhook delivery

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigconect/conect-gateway/internal/chat"
	"github.com/bigconect/conect-gateway/internal/dedupe"
	"github.com/bigconect/conect-gateway/internal/governor"
	"github.com/bigconect/conect-gateway/internal/registry"
	"github.com/bigconect/conect-gateway/internal/webhook"
)

var (
	// ErrNotConnected is returned when a send is attempted on a session that
	// is not in the connected state.
	ErrNotConnected = errors.New("session is not connected")

	// ErrInvalidTarget is returned when the target address fails validation.
	ErrInvalidTarget = errors.New("invalid target address")
)

// ReconnectPolicy caps the automatic reconnection loop.
type ReconnectPolicy struct {
	MaxAttempts int           // automatic attempts before the session fails
	BaseDelay   time.Duration // delay grows linearly with the attempt number
	MaxDelay    time.Duration // ceiling on the computed delay
}

// delay computes the pause before the given attempt (1-based): attempt times
// the base delay, capped at the maximum.
func (p ReconnectPolicy) delay(attempt int) time.Duration {
	d := time.Duration(attempt) * p.BaseDelay
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// handle is the orchestrator's live state for one session. Persistent state
// lives in the registry; the handle only tracks the running client and the
// pending reconnect timer.
type handle struct {
	client         chat.Client
	cancel         context.CancelFunc
	reconnectTimer *time.Timer
	attempts       int
}

// Orchestrator drives every session through its lifecycle: it dials clients,
// consumes their event streams, persists status changes, schedules
// reconnections, and funnels traffic through the governor.
type Orchestrator struct {
	store    registry.Store
	governor *governor.Governor
	webhooks *webhook.Delivery
	seen     *dedupe.Cache
	dial     chat.DialFunc
	policy   ReconnectPolicy
	logger   *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool
}

// New creates an Orchestrator. Restore must be called separately to bring
// persisted sessions back up.
func New(store registry.Store, gov *governor.Governor, webhooks *webhook.Delivery,
	seen *dedupe.Cache, dial chat.DialFunc, policy ReconnectPolicy, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		governor: gov,
		webhooks: webhooks,
		seen:     seen,
		dial:     dial,
		policy:   policy,
		logger:   logger.With("component", "orchestrator"),
		handles:  make(map[string]*handle),
	}
}

// Create registers a new session and starts its connection attempt in the
// background. The returned record is in the initializing state; callers poll
// or subscribe to webhooks for progress.
func (o *Orchestrator) Create(ctx context.Context, displayName string) (*registry.Session, error) {
	now := time.Now().UTC()
	session := &registry.Session{
		ID:             uuid.New().String(),
		DisplayName:    displayName,
		Status:         registry.StatusInitializing,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := o.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	o.logger.Info("session created", "session_id", session.ID, "display_name", displayName)
	o.publishSessionEvent(session.ID, registry.StatusInitializing)

	go o.connect(session.ID)
	return session, nil
}

// Get returns one session record.
func (o *Orchestrator) Get(ctx context.Context, id string) (*registry.Session, error) {
	return o.store.Get(ctx, id)
}

// List returns all session records ordered by last activity.
func (o *Orchestrator) List(ctx context.Context) ([]*registry.Session, error) {
	return o.store.List(ctx)
}

// PairingCode returns the session's current pairing artifact. Empty when the
// session is not awaiting pairing.
func (o *Orchestrator) PairingCode(ctx context.Context, id string) (string, error) {
	session, err := o.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return session.PairingCode, nil
}

// Reconnect restarts a session's connection cycle on explicit request. This
// is the only path out of the failed state, and it resets the attempt
// counter so the session gets a full reconnection budget.
func (o *Orchestrator) Reconnect(ctx context.Context, id string) error {
	session, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}

	o.teardownHandle(id)

	session.Status = registry.StatusInitializing
	session.ReconnectAttempts = 0
	session.PairingCode = ""
	if err := o.store.Save(ctx, session); err != nil {
		return fmt.Errorf("resetting session: %w", err)
	}

	o.logger.Info("explicit reconnect requested", "session_id", id)
	o.publishSessionEvent(id, registry.StatusInitializing)

	go o.connect(id)
	return nil
}

// Delete tears the session down: stops its client, removes the persisted
// record, and drops all in-memory state for the id.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	if _, err := o.store.Get(ctx, id); err != nil {
		return err
	}

	o.teardownHandle(id)
	o.governor.Forget(id)
	o.webhooks.ClearOverride(id)

	if err := o.store.Delete(ctx, id); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return err
	}

	o.logger.Info("session deleted", "session_id", id)
	return nil
}

// SendMessage sends content to a target through the session's client. The
// send is gated in order: connection state, target validation, rate
// ceilings, then cooldown. Rejections at any gate leave the counters of the
// later gates untouched.
func (o *Orchestrator) SendMessage(ctx context.Context, id, target, content string) (string, error) {
	session, err := o.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if session.Status != registry.StatusConnected {
		return "", fmt.Errorf("%w: session is %s", ErrNotConnected, session.Status)
	}

	client := o.clientOf(id)
	if client == nil {
		return "", ErrNotConnected
	}

	if !o.governor.ValidateTarget(target) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}

	if d := o.governor.CanSend(id); !d.Allowed {
		return "", &governor.RateLimitError{Reason: d.Reason, Wait: d.Wait}
	}

	if err := o.governor.Cooldown(ctx, id); err != nil {
		return "", err
	}

	messageID, err := client.SendMessage(ctx, target, content)
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}

	o.touch(ctx, id)
	o.webhooks.Send(webhook.NewEvent(webhook.EventTypeStatus, id, map[string]any{
		"event":     "message_sent",
		"messageId": messageID,
		"target":    target,
	}))

	return messageID, nil
}

// SetWebhook installs a per-session delivery URL override.
func (o *Orchestrator) SetWebhook(ctx context.Context, id, url string) error {
	if _, err := o.store.Get(ctx, id); err != nil {
		return err
	}
	if err := o.webhooks.SetOverride(id, url); err != nil {
		return err
	}
	return o.store.SetWebhookOverride(ctx, id, url)
}

// ClearWebhook removes a session's delivery URL override.
func (o *Orchestrator) ClearWebhook(ctx context.Context, id string) error {
	if _, err := o.store.Get(ctx, id); err != nil {
		return err
	}
	o.webhooks.ClearOverride(id)
	return o.store.SetWebhookOverride(ctx, id, "")
}

// Webhook returns the session's override URL, or "" when it uses the default.
func (o *Orchestrator) Webhook(ctx context.Context, id string) (string, error) {
	session, err := o.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return session.WebhookOverride, nil
}

// Stats summarizes the fleet by status.
func (o *Orchestrator) Stats(ctx context.Context) (map[registry.Status]int, error) {
	sessions, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := make(map[registry.Status]int)
	for _, s := range sessions {
		stats[s.Status]++
	}
	return stats, nil
}

// Restore brings persisted sessions back up after a restart. Sessions that
// were live (initializing, awaiting pairing, or connected) are restarted
// from scratch with a fresh attempt budget; disconnected and failed
// sessions stay where they are until someone asks for them.
func (o *Orchestrator) Restore(ctx context.Context) error {
	sessions, err := o.store.List(ctx)
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}

	restored := 0
	for _, session := range sessions {
		if session.WebhookOverride != "" {
			_ = o.webhooks.SetOverride(session.ID, session.WebhookOverride)
		}

		switch session.Status {
		case registry.StatusDisconnected, registry.StatusFailed:
			continue
		}

		session.Status = registry.StatusInitializing
		session.ReconnectAttempts = 0
		session.PairingCode = ""
		if err := o.store.Save(ctx, session); err != nil {
			o.logger.Error("resetting session for restore", "session_id", session.ID, "error", err)
			continue
		}

		go o.connect(session.ID)
		restored++
	}

	o.logger.Info("session restore complete", "total", len(sessions), "restarted", restored)
	return nil
}

// Close stops all running clients and timers. Session records are left
// as-is so Restore can pick them up on the next start.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	ids := make([]string, 0, len(o.handles))
	for id := range o.handles {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.teardownHandle(id)
	}
}

// connect dials a fresh client for the session and starts its event pump.
// Dial or initialize failures go through the same reconnect path as a
// dropped connection.
func (o *Orchestrator) connect(sessionID string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	h, ok := o.handles[sessionID]
	if !ok {
		h = &handle{}
		o.handles[sessionID] = h
	}
	// Any previous client is dead by the time a new attempt starts; clearing
	// it here makes stale pumps fail the currency check below.
	h.client = nil
	attempts := h.attempts
	o.mu.Unlock()

	client, err := o.dial(sessionID)
	if err != nil {
		o.logger.Error("dialing chat client", "session_id", sessionID, "error", err)
		o.onDisconnected(sessionID, nil, err.Error(), false)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	h, ok = o.handles[sessionID]
	if !ok || o.closed {
		o.mu.Unlock()
		cancel()
		_ = client.Logout(context.Background())
		return
	}
	h.client = client
	h.cancel = cancel
	o.mu.Unlock()

	if err := client.Initialize(ctx); err != nil {
		o.logger.Error("initializing chat client", "session_id", sessionID, "error", err)
		cancel()
		o.onDisconnected(sessionID, client, err.Error(), false)
		return
	}

	o.logger.Info("connection attempt started", "session_id", sessionID, "attempt", attempts)
	go o.pump(sessionID, client)
}

// pump consumes one client's event stream until it closes. All session
// status changes driven by the network come through here. Events from a
// client that is no longer the session's current one are dropped: a torn-down
// connection's late close must not overwrite the state of its replacement.
func (o *Orchestrator) pump(sessionID string, client chat.Client) {
	ctx := context.Background()
	sawClosed := false

	for evt := range client.Events() {
		if !o.isCurrent(sessionID, client) {
			if evt.Kind == chat.EventClosed {
				sawClosed = true
			}
			o.logger.Debug("dropping event from stale client",
				"session_id", sessionID, "kind", evt.Kind.String())
			continue
		}

		switch evt.Kind {
		case chat.EventPairing:
			o.onPairing(ctx, sessionID, evt.PairingCode)

		case chat.EventConnected:
			o.onConnected(ctx, sessionID, evt.Payload)

		case chat.EventClosed:
			sawClosed = true
			o.onDisconnected(sessionID, client, evt.Reason, evt.LoggedOut)

		case chat.EventMessage:
			o.onMessage(ctx, sessionID, evt)

		case chat.EventPresence:
			o.webhooks.Send(webhook.NewEvent(webhook.EventTypePresence, sessionID, evt.Payload))

		case chat.EventGroup:
			o.webhooks.Send(webhook.NewEvent(webhook.EventTypeGroup, sessionID, evt.Payload))
		}
	}

	// A stream that ends without a close event is still a dead connection.
	// Teardown paths remove the handle first, so they don't land here.
	if !sawClosed && o.isCurrent(sessionID, client) {
		o.onDisconnected(sessionID, client, "event stream ended", false)
	}
}

// isCurrent reports whether the client is still the session's live handle.
func (o *Orchestrator) isCurrent(sessionID string, client chat.Client) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[sessionID]
	return ok && h.client == client
}

func (o *Orchestrator) onPairing(ctx context.Context, sessionID, code string) {
	session, err := o.store.Get(ctx, sessionID)
	if err != nil {
		o.logger.Error("loading session for pairing", "session_id", sessionID, "error", err)
		return
	}

	session.Status = registry.StatusAwaitingPairing
	session.PairingCode = code
	if err := o.store.Save(ctx, session); err != nil {
		o.logger.Error("persisting pairing state", "session_id", sessionID, "error", err)
		return
	}

	o.logger.Info("session awaiting pairing", "session_id", sessionID)
	o.webhooks.Send(webhook.NewEvent(webhook.EventTypeSession, sessionID, map[string]any{
		"status":      string(registry.StatusAwaitingPairing),
		"pairingCode": code,
	}))
}

func (o *Orchestrator) onConnected(ctx context.Context, sessionID string, payload map[string]any) {
	// The connected transition clears the pairing code and resets the
	// persisted attempt counter in one statement.
	if err := o.store.UpdateStatus(ctx, sessionID, registry.StatusConnected); err != nil {
		o.logger.Error("persisting connected state", "session_id", sessionID, "error", err)
		return
	}

	o.mu.Lock()
	if h, ok := o.handles[sessionID]; ok {
		h.attempts = 0
	}
	o.mu.Unlock()

	o.logger.Info("session connected", "session_id", sessionID)

	data := map[string]any{"status": string(registry.StatusConnected)}
	for k, v := range payload {
		data[k] = v
	}
	o.webhooks.Send(webhook.NewEvent(webhook.EventTypeSession, sessionID, data))
}

// onDisconnected records the drop and decides whether to come back: an
// explicit logout ends the session's automatic life, anything else retries
// until the attempt budget runs out. The client argument identifies which
// connection dropped; a stale one is ignored.
func (o *Orchestrator) onDisconnected(sessionID string, client chat.Client, reason string, loggedOut bool) {
	ctx := context.Background()

	if !o.isCurrent(sessionID, client) {
		return
	}

	if _, err := o.store.Get(ctx, sessionID); errors.Is(err, registry.ErrNotFound) {
		// Session was deleted while the connection was coming down
		return
	}

	if err := o.store.UpdateStatus(ctx, sessionID, registry.StatusDisconnected); err != nil {
		o.logger.Error("persisting disconnected state", "session_id", sessionID, "error", err)
	}

	o.webhooks.Send(webhook.NewEvent(webhook.EventTypeSession, sessionID, map[string]any{
		"status":    string(registry.StatusDisconnected),
		"reason":    reason,
		"loggedOut": loggedOut,
	}))

	if loggedOut {
		o.logger.Info("session logged out, not reconnecting", "session_id", sessionID, "reason", reason)
		return
	}

	o.scheduleReconnect(sessionID, reason)
}

// scheduleReconnect arms the next automatic attempt, or fails the session
// once the budget is spent.
func (o *Orchestrator) scheduleReconnect(sessionID, reason string) {
	ctx := context.Background()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	h, ok := o.handles[sessionID]
	if !ok {
		o.mu.Unlock()
		return
	}
	h.attempts++
	attempt := h.attempts

	if attempt > o.policy.MaxAttempts {
		o.mu.Unlock()

		o.logger.Error("reconnection budget exhausted, failing session",
			"session_id", sessionID,
			"attempts", o.policy.MaxAttempts,
			"reason", reason,
		)
		if err := o.store.UpdateStatus(ctx, sessionID, registry.StatusFailed); err != nil {
			o.logger.Error("persisting failed state", "session_id", sessionID, "error", err)
		}
		o.webhooks.Send(webhook.NewEvent(webhook.EventTypeSession, sessionID, map[string]any{
			"status": string(registry.StatusFailed),
			"reason": reason,
		}))
		return
	}

	delay := o.policy.delay(attempt)
	o.logger.Info("scheduling reconnect",
		"session_id", sessionID,
		"attempt", attempt,
		"max_attempts", o.policy.MaxAttempts,
		"delay", delay,
	)

	h.reconnectTimer = time.AfterFunc(delay, func() {
		if err := o.store.UpdateStatus(context.Background(), sessionID, registry.StatusInitializing); err != nil {
			o.logger.Error("persisting reconnect state", "session_id", sessionID, "error", err)
		}
		o.connect(sessionID)
	})
	o.mu.Unlock()

	// Targeted write: the counter column only, so a status change landing in
	// parallel is never clobbered by a stale read of the whole row.
	if err := o.store.SetReconnectAttempts(ctx, sessionID, attempt); err != nil && !errors.Is(err, registry.ErrNotFound) {
		o.logger.Error("persisting attempt counter", "session_id", sessionID, "error", err)
	}
}

// onMessage forwards an inbound message unless the id was already seen.
func (o *Orchestrator) onMessage(ctx context.Context, sessionID string, evt chat.Event) {
	if o.seen.Seen(sessionID + ":" + evt.MessageID) {
		o.logger.Debug("dropping duplicate inbound message",
			"session_id", sessionID,
			"message_id", evt.MessageID,
		)
		return
	}

	o.touch(ctx, sessionID)

	data := map[string]any{
		"messageId": evt.MessageID,
		"from":      evt.From,
		"text":      evt.Text,
	}
	for k, v := range evt.Payload {
		data[k] = v
	}
	o.webhooks.Send(webhook.NewEvent(webhook.EventTypeMessage, sessionID, data))
}

// publishSessionEvent emits a plain status change with no extra data.
func (o *Orchestrator) publishSessionEvent(sessionID string, status registry.Status) {
	o.webhooks.Send(webhook.NewEvent(webhook.EventTypeSession, sessionID, map[string]any{
		"status": string(status),
	}))
}

// touch bumps the session's last-activity timestamp without touching any
// other column.
func (o *Orchestrator) touch(ctx context.Context, sessionID string) {
	if err := o.store.Touch(ctx, sessionID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		o.logger.Warn("updating last activity", "session_id", sessionID, "error", err)
	}
}

// clientOf returns the live client for a session, or nil.
func (o *Orchestrator) clientOf(sessionID string) chat.Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.handles[sessionID]; ok {
		return h.client
	}
	return nil
}

// teardownHandle stops the session's timer and client and removes its
// in-memory state. The persisted record is untouched.
func (o *Orchestrator) teardownHandle(sessionID string) {
	o.mu.Lock()
	h, ok := o.handles[sessionID]
	if ok {
		delete(o.handles, sessionID)
	}
	o.mu.Unlock()

	if !ok {
		return
	}

	if h.reconnectTimer != nil {
		h.reconnectTimer.Stop()
	}
	if h.cancel != nil {
		h.cancel()
	}
	if h.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.client.Logout(ctx); err != nil {
			o.logger.Debug("client logout during teardown", "session_id", sessionID, "error", err)
		}
	}
}
