// ABOUTME: Tests for the SQLite session registry.
// ABOUTME: Covers CRUD, ordering, transition validation, and restart reload.

package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "registry.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             id,
		DisplayName:    "test session",
		Status:         StatusInitializing,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(uuid.New().String())
	require.NoError(t, store.Create(ctx, sess))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "test session", got.DisplayName)
	assert.Equal(t, StatusInitializing, got.Status)
	assert.Equal(t, 0, got.ReconnectAttempts)
	assert.Empty(t, got.PairingCode)
}

func TestSQLiteStore_Get_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_List_OrderedByActivity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"old", "mid", "new"} {
		sess := newTestSession(id)
		sess.LastActivityAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Create(ctx, sess))
	}

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)

	// Most recently active first
	assert.Equal(t, "new", sessions[0].ID)
	assert.Equal(t, "mid", sessions[1].ID)
	assert.Equal(t, "old", sessions[2].ID)
}

func TestSQLiteStore_UpdateStatus_LegalTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession("s1")
	require.NoError(t, store.Create(ctx, sess))

	require.NoError(t, store.UpdateStatus(ctx, "s1", StatusAwaitingPairing))
	require.NoError(t, store.UpdateStatus(ctx, "s1", StatusConnected))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, got.Status)
}

func TestSQLiteStore_UpdateStatus_IllegalTransitionIsNoop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession("s1")
	sess.Status = StatusConnected
	require.NoError(t, store.Create(ctx, sess))

	// Connected -> AwaitingPairing is not in the graph
	require.NoError(t, store.UpdateStatus(ctx, "s1", StatusAwaitingPairing))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, got.Status, "illegal transition must leave the record unchanged")
}

func TestSQLiteStore_UpdateStatus_ConnectedResetsAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession("s1")
	sess.Status = StatusDisconnected
	sess.ReconnectAttempts = 3
	sess.PairingCode = "CODE-123"
	require.NoError(t, store.Create(ctx, sess))

	require.NoError(t, store.UpdateStatus(ctx, "s1", StatusInitializing))
	require.NoError(t, store.UpdateStatus(ctx, "s1", StatusConnected))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, got.Status)
	assert.Equal(t, 0, got.ReconnectAttempts, "reaching Connected resets the reconnect counter")
	assert.Empty(t, got.PairingCode, "pairing code is transient and cleared on connect")
}

func TestSQLiteStore_UpdateStatus_UnknownSession(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateStatus(context.Background(), "missing", StatusConnected)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_Touch_BumpsActivityOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession("s1")
	sess.Status = StatusDisconnected
	sess.ReconnectAttempts = 2
	sess.LastActivityAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Create(ctx, sess))

	require.NoError(t, store.Touch(ctx, "s1"))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.After(sess.LastActivityAt))
	assert.Equal(t, StatusDisconnected, got.Status, "touch must never write status")
	assert.Equal(t, 2, got.ReconnectAttempts)

	assert.ErrorIs(t, store.Touch(ctx, "missing"), ErrNotFound)
}

func TestSQLiteStore_SetReconnectAttempts_WritesCounterOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession("s1")
	sess.Status = StatusDisconnected
	sess.PairingCode = "CODE-123"
	require.NoError(t, store.Create(ctx, sess))

	require.NoError(t, store.SetReconnectAttempts(ctx, "s1", 4))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.ReconnectAttempts)
	assert.Equal(t, StatusDisconnected, got.Status, "counter write must never write status")
	assert.Equal(t, "CODE-123", got.PairingCode)

	assert.ErrorIs(t, store.SetReconnectAttempts(ctx, "missing", 1), ErrNotFound)
}

func TestSQLiteStore_SetWebhookOverride(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTestSession("s1")))
	require.NoError(t, store.SetWebhookOverride(ctx, "s1", "https://hooks.example.com/s1"))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/s1", got.WebhookOverride)

	// Clearing
	require.NoError(t, store.SetWebhookOverride(ctx, "s1", ""))
	got, err = store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got.WebhookOverride)
}

func TestSQLiteStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTestSession("s1")))
	require.NoError(t, store.Delete(ctx, "s1"))

	_, err := store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Second delete reports not found rather than succeeding silently
	assert.ErrorIs(t, store.Delete(ctx, "s1"), ErrNotFound)
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession("A")
	require.NoError(t, store.Create(ctx, sess))

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "A", sessions[0].ID)
	assert.Equal(t, StatusInitializing, sessions[0].Status)

	require.NoError(t, store.Delete(ctx, "A"))

	sessions, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	_, err = store.Get(ctx, "A")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)

	sess := newTestSession("persisted")
	sess.Status = StatusConnected
	require.NoError(t, store.Create(ctx, sess))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, got.Status)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusInitializing, StatusAwaitingPairing, true},
		{StatusInitializing, StatusConnected, true},
		{StatusAwaitingPairing, StatusConnected, true},
		{StatusConnected, StatusDisconnected, true},
		{StatusDisconnected, StatusInitializing, true},
		{StatusDisconnected, StatusFailed, true},
		{StatusFailed, StatusInitializing, true},

		{StatusConnected, StatusAwaitingPairing, false},
		{StatusConnected, StatusConnected, false},
		{StatusFailed, StatusConnected, false},
		{StatusDisconnected, StatusConnected, false},
		{StatusAwaitingPairing, StatusInitializing, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}
