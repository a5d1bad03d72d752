package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kagan-dev/kagan/internal/task/models"
)

// GetScratch returns the scratch payload for a key, or empty string
// when none exists.
func (s *Store) GetScratch(ctx context.Context, id string, scratchType models.ScratchType) (string, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return "", err
	}

	var payload string
	err = reader.GetContext(ctx, &payload, `
		SELECT payload FROM scratch WHERE id = ? AND scratch_type = ?
	`, id, scratchType)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return payload, err
}

// SetScratch upserts a scratch payload, truncating to the last
// limitBytes when positive. Truncation keeps the tail so the most
// recent notes survive.
func (s *Store) SetScratch(ctx context.Context, id string, scratchType models.ScratchType, payload string, limitBytes int) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	if limitBytes > 0 && len(payload) > limitBytes {
		payload = payload[len(payload)-limitBytes:]
	}

	now := time.Now().UTC()
	_, err = writer.ExecContext(ctx, `
		INSERT INTO scratch (id, scratch_type, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id, scratch_type)
		DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, id, scratchType, payload, now, now)
	return err
}

// DeleteScratch removes a scratch record. Missing keys are not an error.
func (s *Store) DeleteScratch(ctx context.Context, id string, scratchType models.ScratchType) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}
	_, err = writer.ExecContext(ctx, `
		DELETE FROM scratch WHERE id = ? AND scratch_type = ?
	`, id, scratchType)
	return err
}
