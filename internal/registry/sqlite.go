// ABOUTME: SQLite implementation of the session registry using modernc.org/sqlite
// ABOUTME: Provides durable keyed session records with automatic schema creation

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "registry")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Single writer connection so concurrent mutations across sessions are
	// serialized at the store level rather than failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("session registry initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id         TEXT PRIMARY KEY,
			display_name       TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL,
			pairing_code       TEXT NOT NULL DEFAULT '',
			webhook_override   TEXT NOT NULL DEFAULT '',
			reconnect_attempts INTEGER NOT NULL DEFAULT 0,
			created_at         DATETIME NOT NULL,
			last_activity_at   DATETIME NOT NULL,

			CHECK (status IN ('initializing', 'awaiting_pairing', 'connected', 'disconnected', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_last_activity
			ON sessions(last_activity_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a new session record.
func (s *SQLiteStore) Create(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, display_name, status, pairing_code,
			webhook_override, reconnect_attempts, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.DisplayName, string(session.Status), session.PairingCode,
		session.WebhookOverride, session.ReconnectAttempts,
		session.CreatedAt.UTC(), session.LastActivityAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Get returns the session with the given id, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, display_name, status, pairing_code, webhook_override,
			reconnect_attempts, created_at, last_activity_at
		FROM sessions WHERE session_id = ?`, id)

	return scanSession(row)
}

// List returns all sessions ordered by last activity descending.
func (s *SQLiteStore) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, display_name, status, pairing_code, webhook_override,
			reconnect_attempts, created_at, last_activity_at
		FROM sessions ORDER BY last_activity_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateStatus moves a session to a new status if the transition is legal.
// An illegal transition is a no-op with a logged warning. Reaching Connected
// resets the reconnect counter; every legal transition bumps last activity.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if !CanTransition(current.Status, status) {
		s.logger.Warn("ignoring illegal status transition",
			"session_id", id,
			"from", string(current.Status),
			"to", string(status),
		)
		return nil
	}

	query := `UPDATE sessions SET status = ?, last_activity_at = ? WHERE session_id = ?`
	args := []any{string(status), time.Now().UTC(), id}
	if status == StatusConnected {
		query = `UPDATE sessions SET status = ?, last_activity_at = ?, reconnect_attempts = 0, pairing_code = '' WHERE session_id = ?`
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	return nil
}

// Save overwrites all mutable fields of an existing session record.
func (s *SQLiteStore) Save(ctx context.Context, session *Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET display_name = ?, status = ?, pairing_code = ?,
			webhook_override = ?, reconnect_attempts = ?, last_activity_at = ?
		WHERE session_id = ?`,
		session.DisplayName, string(session.Status), session.PairingCode,
		session.WebhookOverride, session.ReconnectAttempts,
		session.LastActivityAt.UTC(), session.ID,
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return requireRow(res)
}

// Touch bumps last_activity_at without touching any other field. Status
// writes flow solely through UpdateStatus, so an activity bump racing a
// status change can never resurrect a stale status.
func (s *SQLiteStore) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE session_id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return requireRow(res)
}

// SetReconnectAttempts writes the attempt counter without touching any other
// field.
func (s *SQLiteStore) SetReconnectAttempts(ctx context.Context, id string, attempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET reconnect_attempts = ? WHERE session_id = ?`,
		attempts, id,
	)
	if err != nil {
		return fmt.Errorf("setting reconnect attempts: %w", err)
	}
	return requireRow(res)
}

// SetWebhookOverride sets or clears (empty url) the per-session delivery URL.
func (s *SQLiteStore) SetWebhookOverride(ctx context.Context, id, url string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET webhook_override = ?, last_activity_at = ? WHERE session_id = ?`,
		url, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("setting webhook override: %w", err)
	}
	return requireRow(res)
}

// Delete removes a session record. Returns ErrNotFound for unknown ids.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return requireRow(res)
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for scanSession.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var status string
	err := row.Scan(&sess.ID, &sess.DisplayName, &status, &sess.PairingCode,
		&sess.WebhookOverride, &sess.ReconnectAttempts, &sess.CreatedAt, &sess.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.Status = Status(status)
	return &sess, nil
}

// requireRow converts a zero-row update/delete into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
