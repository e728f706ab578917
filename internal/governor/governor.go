// ABOUTME: Anti-abuse governor enforcing per-session outbound rate ceilings
// ABOUTME: Rolling minute/hour/day windows, randomized cooldown, target validation

package governor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Limits are the per-session outbound ceilings for the three rolling windows.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// CooldownBand is the randomized minimum spacing between two sends.
type CooldownBand struct {
	Min time.Duration
	Max time.Duration
}

// Decision is the result of a CanSend check.
type Decision struct {
	Allowed bool
	Reason  string
	Wait    time.Duration // how long until the blocking window rolls over
}

// RateLimitError is returned to send callers when a ceiling is hit.
// It is expected and recoverable; the caller decides whether to retry.
type RateLimitError struct {
	Reason string
	Wait   time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit: %s (retry in %s)", e.Reason, e.Wait)
}

// knownTestTargets are placeholder addresses that must never receive traffic.
var knownTestTargets = map[string]struct{}{
	"1234567890": {},
	"1111111111": {},
	"9999999999": {},
	"5555555555": {},
}

const (
	minTargetDigits = 10
	maxTargetDigits = 15
)

// window is one rolling counter. It counts from the first send after the
// previous window elapsed; it resets exactly when its span has passed.
type window struct {
	count int
	start time.Time
}

func (w *window) roll(now time.Time, span time.Duration) {
	if now.Sub(w.start) >= span {
		w.count = 0
		w.start = now
	}
}

func (w *window) remaining(now time.Time, span time.Duration) time.Duration {
	return span - now.Sub(w.start)
}

// sessionState holds all governor state for one session. Created lazily on
// the first send attempt; removed when the session is forgotten.
type sessionState struct {
	minute, hour, day window
	lastSendAt        time.Time
}

// Governor throttles outbound sends per session. All state is keyed by
// session id; there is no cross-session sharing.
type Governor struct {
	mu       sync.Mutex
	sessions map[string]*sessionState

	limits   Limits
	cooldown CooldownBand
	logger   *slog.Logger

	// now is replaceable in tests to exercise window rollover
	now func() time.Time
}

// New creates a Governor with the given ceilings and cooldown band.
func New(limits Limits, cooldown CooldownBand, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		sessions: make(map[string]*sessionState),
		limits:   limits,
		cooldown: cooldown,
		logger:   logger.With("component", "governor"),
		now:      time.Now,
	}
}

// CanSend rolls the session's windows and checks the three ceilings in order.
// When allowed, all three counters are incremented; when blocked, nothing is
// counted and the decision carries the remaining wait for the blocking window.
func (g *Governor) CanSend(sessionID string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st := g.state(sessionID, now)

	st.minute.roll(now, time.Minute)
	st.hour.roll(now, time.Hour)
	st.day.roll(now, 24*time.Hour)

	checks := []struct {
		w      *window
		span   time.Duration
		limit  int
		reason string
	}{
		{&st.minute, time.Minute, g.limits.PerMinute, "per-minute message limit exceeded"},
		{&st.hour, time.Hour, g.limits.PerHour, "per-hour message limit exceeded"},
		{&st.day, 24 * time.Hour, g.limits.PerDay, "per-day message limit exceeded"},
	}

	for _, c := range checks {
		if c.limit > 0 && c.w.count >= c.limit {
			wait := c.w.remaining(now, c.span)
			g.logger.Warn("send blocked by rate ceiling",
				"session_id", sessionID,
				"reason", c.reason,
				"wait", wait,
			)
			return Decision{Allowed: false, Reason: c.reason, Wait: wait}
		}
	}

	st.minute.count++
	st.hour.count++
	st.day.count++

	return Decision{Allowed: true}
}

// Cooldown enforces the minimum inter-message spacing for a session,
// sleeping the calling path if the last send was too recent. The pause is
// randomized within the configured band. Only this session's outbound path
// is suspended; returns early if ctx is cancelled.
func (g *Governor) Cooldown(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	now := g.now()
	st := g.state(sessionID, now)
	last := st.lastSendAt
	st.lastSendAt = now
	g.mu.Unlock()

	if last.IsZero() {
		return nil
	}

	target := g.cooldown.Min
	if jitter := g.cooldown.Max - g.cooldown.Min; jitter > 0 {
		target += time.Duration(rand.Int63n(int64(jitter)))
	}

	elapsed := now.Sub(last)
	if elapsed >= target {
		return nil
	}

	timer := time.NewTimer(target - elapsed)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ValidateTarget reports whether an address is an acceptable send target.
// Non-digit characters are stripped before checking. Rejects addresses
// outside the digit-length range, all-identical-digit strings, and the
// known placeholder addresses.
func (g *Governor) ValidateTarget(address string) bool {
	digits := digitsOnly(address)

	if len(digits) < minTargetDigits || len(digits) > maxTargetDigits {
		return false
	}

	if allSameDigit(digits) {
		return false
	}

	if _, denied := knownTestTargets[digits]; denied {
		return false
	}

	return true
}

// Forget drops all governor state for a session. Called when the session is
// deleted so counters don't leak.
func (g *Governor) Forget(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sessionID)
}

// state returns the session's counters, creating them on first use.
// Must be called with mu held.
func (g *Governor) state(sessionID string, now time.Time) *sessionState {
	st, ok := g.sessions[sessionID]
	if !ok {
		st = &sessionState{
			minute: window{start: now},
			hour:   window{start: now},
			day:    window{start: now},
		}
		g.sessions[sessionID] = st
	}
	return st
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func allSameDigit(digits string) bool {
	for i := 1; i < len(digits); i++ {
		if digits[i] != digits[0] {
			return false
		}
	}
	return len(digits) > 0
}
