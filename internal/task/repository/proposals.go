package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kagan-dev/kagan/internal/common/ids"
	"github.com/kagan-dev/kagan/internal/task/models"
)

// ErrProposalNotFound is returned when a planner proposal does not resolve.
var ErrProposalNotFound = errors.New("planner proposal not found")

// CreateProposal stores a new planner proposal in DRAFT state.
func (s *Store) CreateProposal(ctx context.Context, p *models.PlannerProposal) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.Status == "" {
		p.Status = models.ProposalDraft
	}
	if p.TasksJSON == "" {
		p.TasksJSON = "[]"
	}
	if p.TodosJSON == "" {
		p.TodosJSON = "[]"
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err = writer.ExecContext(ctx, `
		INSERT INTO planner_proposals (id, project_id, repo_id, tasks_json, todos_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.ProjectID, p.RepoID, p.TasksJSON, p.TodosJSON, p.Status, p.CreatedAt, p.UpdatedAt)
	return err
}

// GetProposal retrieves a proposal by ID.
func (s *Store) GetProposal(ctx context.Context, id string) (*models.PlannerProposal, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var p models.PlannerProposal
	err = reader.GetContext(ctx, &p, `
		SELECT id, project_id, repo_id, tasks_json, todos_json, status, created_at, updated_at
		FROM planner_proposals WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	return &p, err
}

// ListProposals returns a project's proposals, newest first.
func (s *Store) ListProposals(ctx context.Context, projectID string) ([]*models.PlannerProposal, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var proposals []*models.PlannerProposal
	err = reader.SelectContext(ctx, &proposals, `
		SELECT id, project_id, repo_id, tasks_json, todos_json, status, created_at, updated_at
		FROM planner_proposals WHERE project_id = ? ORDER BY created_at DESC
	`, projectID)
	return proposals, err
}

// SetProposalStatus transitions a proposal to APPROVED or DISMISSED.
func (s *Store) SetProposalStatus(ctx context.Context, id string, status models.ProposalStatus) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	result, err := writer.ExecContext(ctx, `
		UPDATE planner_proposals SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	return nil
}
