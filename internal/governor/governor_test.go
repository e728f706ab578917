// ABOUTME: Tests for the anti-abuse governor.
// ABOUTME: Covers rolling window ceilings, window reset, cooldown, and target validation.

package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits() Limits {
	return Limits{PerMinute: 30, PerHour: 200, PerDay: 1000}
}

func testBand() CooldownBand {
	return CooldownBand{Min: time.Millisecond, Max: 2 * time.Millisecond}
}

// fakeClock lets tests advance the governor's wall clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestGovernor(t *testing.T) (*Governor, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	g := New(testLimits(), testBand(), nil)
	g.now = clock.Now
	return g, clock
}

func TestCanSend_UnderLimit(t *testing.T) {
	g, _ := newTestGovernor(t)

	for i := 0; i < 30; i++ {
		d := g.CanSend("s1")
		assert.True(t, d.Allowed, "send %d should be allowed", i+1)
	}
}

func TestCanSend_MinuteCeiling(t *testing.T) {
	g, clock := newTestGovernor(t)

	for i := 0; i < 30; i++ {
		require.True(t, g.CanSend("s1").Allowed)
	}

	// The 31st call within the window must be rejected with a positive wait
	d := g.CanSend("s1")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "per-minute")
	assert.Greater(t, d.Wait, time.Duration(0))
	assert.LessOrEqual(t, d.Wait, time.Minute)

	// Still blocked just before the window rolls
	clock.Advance(59 * time.Second)
	assert.False(t, g.CanSend("s1").Allowed)

	// Allowed again once the minute has fully elapsed
	clock.Advance(2 * time.Second)
	assert.True(t, g.CanSend("s1").Allowed)
}

func TestCanSend_RejectionDoesNotCount(t *testing.T) {
	g, clock := newTestGovernor(t)

	for i := 0; i < 30; i++ {
		require.True(t, g.CanSend("s1").Allowed)
	}
	for i := 0; i < 10; i++ {
		require.False(t, g.CanSend("s1").Allowed)
	}

	clock.Advance(61 * time.Second)

	// A full fresh window is available: the rejected calls were not counted
	for i := 0; i < 30; i++ {
		assert.True(t, g.CanSend("s1").Allowed, "send %d after reset", i+1)
	}
}

func TestCanSend_HourCeiling(t *testing.T) {
	g, clock := newTestGovernor(t)

	// 200/hour with 30/minute: drain 30 per minute window
	sent := 0
	for sent < 200 {
		for i := 0; i < 30 && sent < 200; i++ {
			require.True(t, g.CanSend("s1").Allowed)
			sent++
		}
		clock.Advance(61 * time.Second)
	}

	d := g.CanSend("s1")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "per-hour")
	assert.Greater(t, d.Wait, time.Duration(0))
}

func TestCanSend_PerSessionIsolation(t *testing.T) {
	g, _ := newTestGovernor(t)

	for i := 0; i < 30; i++ {
		require.True(t, g.CanSend("s1").Allowed)
	}
	require.False(t, g.CanSend("s1").Allowed)

	// A different session has its own counters
	assert.True(t, g.CanSend("s2").Allowed)
}

func TestCanSend_Forget(t *testing.T) {
	g, _ := newTestGovernor(t)

	for i := 0; i < 30; i++ {
		require.True(t, g.CanSend("s1").Allowed)
	}
	require.False(t, g.CanSend("s1").Allowed)

	g.Forget("s1")
	assert.True(t, g.CanSend("s1").Allowed, "forgotten session starts fresh")
}

func TestCooldown_FirstSendIsImmediate(t *testing.T) {
	g := New(testLimits(), CooldownBand{Min: time.Hour, Max: time.Hour}, nil)

	start := time.Now()
	require.NoError(t, g.Cooldown(context.Background(), "s1"))
	assert.Less(t, time.Since(start), time.Second, "first send must not wait")
}

func TestCooldown_SpacesConsecutiveSends(t *testing.T) {
	band := CooldownBand{Min: 50 * time.Millisecond, Max: 60 * time.Millisecond}
	g := New(testLimits(), band, nil)

	ctx := context.Background()
	require.NoError(t, g.Cooldown(ctx, "s1"))

	start := time.Now()
	require.NoError(t, g.Cooldown(ctx, "s1"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond,
		"second send should be delayed close to the band minimum")
}

func TestCooldown_ContextCancelled(t *testing.T) {
	band := CooldownBand{Min: time.Hour, Max: time.Hour}
	g := New(testLimits(), band, nil)

	ctx := context.Background()
	require.NoError(t, g.Cooldown(ctx, "s1"))

	cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	err := g.Cooldown(cancelled, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCooldown_DoesNotBlockOtherSessions(t *testing.T) {
	band := CooldownBand{Min: time.Hour, Max: time.Hour}
	g := New(testLimits(), band, nil)

	ctx := context.Background()
	require.NoError(t, g.Cooldown(ctx, "busy"))

	// A different session is not affected by "busy"'s pending cooldown
	start := time.Now()
	require.NoError(t, g.Cooldown(ctx, "other"))
	assert.Less(t, time.Since(start), time.Second)
}

func TestValidateTarget(t *testing.T) {
	g, _ := newTestGovernor(t)

	tests := []struct {
		address string
		want    bool
	}{
		{"15551234567", true},
		{"+1 (555) 123-4567", true}, // formatting stripped
		{"5511987654321", true},

		{"1111111111", false}, // all identical digits
		{"9999999999", false}, // deny-listed
		{"1234567890", false}, // deny-listed
		{"12345", false},      // too short
		{"1234567890123456", false}, // too long
		{"", false},
		{"not-a-number", false},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			assert.Equal(t, tt.want, g.ValidateTarget(tt.address))
		})
	}
}

func TestRateLimitError_Message(t *testing.T) {
	err := &RateLimitError{Reason: "per-minute message limit exceeded", Wait: 30 * time.Second}
	assert.Contains(t, err.Error(), "per-minute")
	assert.Contains(t, err.Error(), "30s")
}
