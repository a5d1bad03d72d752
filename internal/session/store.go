package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kagan-dev/kagan/internal/common/ids"
	"github.com/kagan-dev/kagan/internal/db"
)

// Store persists session records.
type Store struct {
	factory *db.Factory
}

// NewStore initializes the session schema.
func NewStore(factory *db.Factory) (*Store, error) {
	s := &Store{factory: factory}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		session_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		external_id TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_workspace_id ON sessions(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`

	_, err = writer.Exec(schema)
	return err
}

// Create persists a session record.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	if sess.ID == "" {
		sess.ID = ids.New()
	}
	if sess.Status == "" {
		sess.Status = StatusActive
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}

	_, err = writer.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, session_type, status, external_id, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.WorkspaceID, sess.SessionType, sess.Status, sess.ExternalID,
		sess.StartedAt, sess.EndedAt)
	return err
}

// Get retrieves a session by ID.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var sess Session
	err = reader.GetContext(ctx, &sess, `
		SELECT id, workspace_id, session_type, status, external_id, started_at, ended_at
		FROM sessions WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return &sess, err
}

// GetActiveByWorkspace returns the most recent active session of a
// workspace, or ErrSessionNotFound.
func (s *Store) GetActiveByWorkspace(ctx context.Context, workspaceID string) (*Session, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var sess Session
	err = reader.GetContext(ctx, &sess, `
		SELECT id, workspace_id, session_type, status, external_id, started_at, ended_at
		FROM sessions
		WHERE workspace_id = ? AND status = 'ACTIVE'
		ORDER BY started_at DESC LIMIT 1
	`, workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: workspace %s", ErrSessionNotFound, workspaceID)
	}
	return &sess, err
}

// SetStatus transitions a session. Terminal transitions stamp ended_at.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	var endedAt *time.Time
	if status == StatusClosed || status == StatusFailed {
		now := time.Now().UTC()
		endedAt = &now
	}

	result, err := writer.ExecContext(ctx, `
		UPDATE sessions SET status = ?, ended_at = COALESCE(?, ended_at) WHERE id = ?
	`, status, endedAt, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}
