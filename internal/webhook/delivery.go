// ABOUTME: Webhook event delivery with per-session override URLs and bounded retry
// ABOUTME: Network failures and 5xx retry with a fixed pause; client-side rejections do not

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// userAgent is the descriptive client identifier sent with every delivery.
const userAgent = "conect-gateway/1.0"

// Options tunes delivery behavior. Zero values fall back to the defaults.
type Options struct {
	DefaultURL  string        // process-wide destination when a session has no override
	Timeout     time.Duration // per-request timeout
	MaxAttempts int           // total attempts per event, including the first
	RetryDelay  time.Duration // fixed pause between attempts
}

// Delivery resolves destinations and pushes events to subscriber endpoints.
// It never blocks or fails the operation that produced an event: producers
// use Send, which runs detached.
type Delivery struct {
	defaultURL  string
	timeout     time.Duration
	maxAttempts int
	retryDelay  time.Duration

	mu        sync.RWMutex
	overrides map[string]string // sessionID -> destination URL

	client *http.Client
	logger *slog.Logger
}

// New creates a Delivery with the given options.
func New(opts Options, logger *slog.Logger) *Delivery {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 2 * time.Second
	}

	return &Delivery{
		defaultURL:  opts.DefaultURL,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		overrides:   make(map[string]string),
		client:      &http.Client{Timeout: opts.Timeout},
		logger:      logger.With("component", "webhook"),
	}
}

// SetOverride installs a per-session destination that takes precedence over
// the global default. The URL must be absolute.
func (d *Delivery) SetOverride(sessionID, rawURL string) error {
	parsed, err := url.ParseRequestURI(rawURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("invalid webhook url %q", rawURL)
	}

	d.mu.Lock()
	d.overrides[sessionID] = rawURL
	d.mu.Unlock()
	return nil
}

// ClearOverride removes a session's destination override.
func (d *Delivery) ClearOverride(sessionID string) {
	d.mu.Lock()
	delete(d.overrides, sessionID)
	d.mu.Unlock()
}

// Override returns the session's override URL, or "" if none is set.
func (d *Delivery) Override(sessionID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.overrides[sessionID]
}

// resolve picks the destination for an event: session override first, then
// the process-wide default. Empty means delivery is unconfigured.
func (d *Delivery) resolve(sessionID string) string {
	if override := d.Override(sessionID); override != "" {
		return override
	}
	return d.defaultURL
}

// Send pushes an event detached from the caller. A slow or unreachable
// endpoint can never stall session processing; permanent failure is only
// logged.
func (d *Delivery) Send(event Event) {
	go func() {
		if !d.Deliver(context.Background(), event) {
			d.logger.Debug("event not delivered",
				"type", string(event.Type),
				"session_id", event.SessionID,
			)
		}
	}()
}

// Deliver pushes an event synchronously, retrying network-level failures up
// to the attempt budget. Returns true if an endpoint accepted the event.
// With no destination configured it returns false without any network call.
func (d *Delivery) Deliver(ctx context.Context, event Event) bool {
	dest := d.resolve(event.SessionID)
	if dest == "" {
		return false
	}

	if !event.valid() {
		d.logger.Error("rejecting malformed webhook event",
			"type", string(event.Type),
			"session_id", event.SessionID,
		)
		return false
	}

	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("encoding webhook event", "error", err)
		return false
	}

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		ok, retriable := d.post(ctx, dest, body)
		if ok {
			return true
		}
		if !retriable {
			// Endpoint was reachable but rejected the event below 500;
			// noted, not retried
			return true
		}

		if attempt < d.maxAttempts {
			d.logger.Warn("webhook attempt failed, retrying",
				"attempt", attempt,
				"max_attempts", d.maxAttempts,
				"url", dest,
			)
			select {
			case <-time.After(d.retryDelay):
			case <-ctx.Done():
				return false
			}
		}
	}

	d.logger.Error("webhook delivery failed after all attempts",
		"session_id", event.SessionID,
		"url", dest,
		"attempts", d.maxAttempts,
	)
	return false
}

// post performs one delivery attempt. The second return value reports
// whether the failure was network-level and worth retrying.
func (d *Delivery) post(ctx context.Context, dest string, body []byte) (delivered, retriable bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("building webhook request", "error", err, "url", dest)
		return false, false
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		// Unreachable, timeout, DNS failure: retriable
		return false, true
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, false
	}

	d.logger.Warn("webhook endpoint returned non-2xx",
		"status", resp.StatusCode,
		"url", dest,
	)

	// Server-side failures are worth another attempt; client-side
	// rejections are final
	return false, resp.StatusCode >= 500
}
