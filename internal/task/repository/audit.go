package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kagan-dev/kagan/internal/common/ids"
	"github.com/kagan-dev/kagan/internal/db"
	"github.com/kagan-dev/kagan/internal/task/models"
)

// RecordAudit appends an audit event. When the repository is closing
// the write is skipped silently: the audit trail is a side effect and
// must never block shutdown.
func (s *Store) RecordAudit(ctx context.Context, event *models.AuditEvent) error {
	writer, err := s.factory.Writer()
	if errors.Is(err, db.ErrRepositoryClosing) {
		return nil
	}
	if err != nil {
		return err
	}

	if event.ID == "" {
		event.ID = ids.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.PayloadJSON == "" {
		event.PayloadJSON = "{}"
	}
	if event.ResultJSON == "" {
		event.ResultJSON = "{}"
	}

	_, err = writer.ExecContext(ctx, `
		INSERT INTO audit_events (id, occurred_at, actor_type, actor_id, session_id,
			capability, command_name, payload_json, result_json, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.OccurredAt, event.ActorType, event.ActorID, event.SessionID,
		event.Capability, event.CommandName, event.PayloadJSON, event.ResultJSON,
		event.Success)
	return err
}

// ListAudit returns recent audit events, newest first.
func (s *Store) ListAudit(ctx context.Context, limit, offset int) ([]*models.AuditEvent, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var events []*models.AuditEvent
	err = reader.SelectContext(ctx, &events, `
		SELECT id, occurred_at, actor_type, actor_id, session_id,
			capability, command_name, payload_json, result_json, success
		FROM audit_events
		ORDER BY occurred_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	return events, err
}
