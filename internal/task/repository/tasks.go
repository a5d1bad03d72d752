package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kagan-dev/kagan/internal/common/ids"
	"github.com/kagan-dev/kagan/internal/task/models"
)

// ErrTaskNotFound is returned when a task ID does not resolve.
var ErrTaskNotFound = errors.New("task not found")

type taskRow struct {
	ID                 string    `db:"id"`
	ProjectID          string    `db:"project_id"`
	ParentID           *string   `db:"parent_id"`
	Title              string    `db:"title"`
	Description        string    `db:"description"`
	Status             string    `db:"status"`
	Priority           string    `db:"priority"`
	TaskType           string    `db:"task_type"`
	TerminalBackend    string    `db:"terminal_backend"`
	AgentBackend       string    `db:"agent_backend"`
	BaseBranch         string    `db:"base_branch"`
	AcceptanceCriteria string    `db:"acceptance_criteria"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

func (r *taskRow) toModel() (*models.Task, error) {
	var criteria []string
	if r.AcceptanceCriteria != "" {
		if err := json.Unmarshal([]byte(r.AcceptanceCriteria), &criteria); err != nil {
			return nil, fmt.Errorf("decode acceptance criteria for %s: %w", r.ID, err)
		}
	}
	return &models.Task{
		ID:                 r.ID,
		ProjectID:          r.ProjectID,
		ParentID:           r.ParentID,
		Title:              r.Title,
		Description:        r.Description,
		Status:             models.TaskStatus(r.Status),
		Priority:           models.TaskPriority(r.Priority),
		TaskType:           models.TaskType(r.TaskType),
		TerminalBackend:    models.TerminalBackend(r.TerminalBackend),
		AgentBackend:       r.AgentBackend,
		BaseBranch:         r.BaseBranch,
		AcceptanceCriteria: criteria,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}, nil
}

const taskColumns = `id, project_id, parent_id, title, description, status, priority,
	task_type, terminal_backend, agent_backend, base_branch, acceptance_criteria,
	created_at, updated_at`

// CreateTask inserts a new task. Missing fields get defaults.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	if task.ID == "" {
		task.ID = ids.New()
	}
	if task.Status == "" {
		task.Status = models.StatusBacklog
	}
	if task.Priority == "" {
		task.Priority = models.PriorityMedium
	}
	if task.TaskType == "" {
		task.TaskType = models.TypePair
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	criteria, err := json.Marshal(task.AcceptanceCriteria)
	if err != nil {
		return err
	}
	if task.AcceptanceCriteria == nil {
		criteria = []byte("[]")
	}

	_, err = writer.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.ProjectID, task.ParentID, task.Title, task.Description,
		task.Status, task.Priority, task.TaskType, task.TerminalBackend,
		task.AgentBackend, task.BaseBranch, string(criteria),
		task.CreatedAt, task.UpdatedAt)
	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var row taskRow
	err = reader.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// getTaskTx retrieves a task inside a transaction.
func getTaskTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.Task, error) {
	var row taskRow
	err := tx.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// UpdateTask persists all mutable fields of a task.
func (s *Store) UpdateTask(ctx context.Context, task *models.Task) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	task.UpdatedAt = time.Now().UTC()
	criteria, err := json.Marshal(task.AcceptanceCriteria)
	if err != nil {
		return err
	}
	if task.AcceptanceCriteria == nil {
		criteria = []byte("[]")
	}

	result, err := writer.ExecContext(ctx, `
		UPDATE tasks
		SET title = ?, description = ?, status = ?, priority = ?, task_type = ?,
			terminal_backend = ?, agent_backend = ?, base_branch = ?,
			acceptance_criteria = ?, parent_id = ?, updated_at = ?
		WHERE id = ?
	`, task.Title, task.Description, task.Status, task.Priority, task.TaskType,
		task.TerminalBackend, task.AgentBackend, task.BaseBranch,
		string(criteria), task.ParentID, task.UpdatedAt, task.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, task.ID)
	}
	return nil
}

// DeleteTask removes a task and its links.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.factory.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_links WHERE task_id = ? OR ref_task_id = ?`, id, id); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil
	})
}

// ListTasks returns all tasks for a project ordered by creation time.
func (s *Store) ListTasks(ctx context.Context, projectID string) ([]*models.Task, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var rows []taskRow
	err = reader.SelectContext(ctx, &rows, `
		SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, err
	}

	tasks := make([]*models.Task, 0, len(rows))
	for i := range rows {
		task, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// ListTasksByStatus returns a project's tasks in one column.
func (s *Store) ListTasksByStatus(ctx context.Context, projectID string, status models.TaskStatus) ([]*models.Task, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var rows []taskRow
	err = reader.SelectContext(ctx, &rows, `
		SELECT `+taskColumns+` FROM tasks
		WHERE project_id = ? AND status = ? ORDER BY created_at
	`, projectID, status)
	if err != nil {
		return nil, err
	}

	tasks := make([]*models.Task, 0, len(rows))
	for i := range rows {
		task, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// SetTaskStatus updates only the status column and returns the task.
func (s *Store) SetTaskStatus(ctx context.Context, id string, status models.TaskStatus) (*models.Task, error) {
	var task *models.Task
	err := s.factory.WithTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
		`, status, time.Now().UTC(), id)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		task, err = getTaskTx(ctx, tx, id)
		return err
	})
	return task, err
}

// GetTaskLinks returns the IDs of tasks referenced by a task, sorted
// ascending.
func (s *Store) GetTaskLinks(ctx context.Context, taskID string) ([]string, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var refs []string
	err = reader.SelectContext(ctx, &refs, `
		SELECT ref_task_id FROM task_links WHERE task_id = ? ORDER BY ref_task_id
	`, taskID)
	return refs, err
}

// ReplaceTaskLinks atomically replaces a task's links. Self-references
// and IDs that do not resolve to a task in the same project are
// dropped.
func (s *Store) ReplaceTaskLinks(ctx context.Context, taskID string, refIDs []string) error {
	return s.factory.WithTx(ctx, func(tx *sqlx.Tx) error {
		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM task_links WHERE task_id = ?`, taskID); err != nil {
			return err
		}

		seen := make(map[string]bool, len(refIDs))
		for _, ref := range refIDs {
			if ref == taskID || seen[ref] {
				continue
			}
			seen[ref] = true

			var exists int
			err := tx.GetContext(ctx, &exists, `
				SELECT COUNT(1) FROM tasks WHERE id = ? AND project_id = ?
			`, ref, task.ProjectID)
			if err != nil {
				return err
			}
			if exists == 0 {
				continue
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_links (task_id, ref_task_id) VALUES (?, ?)
			`, taskID, ref); err != nil {
				return err
			}
		}
		return nil
	})
}
