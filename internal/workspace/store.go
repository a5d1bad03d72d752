package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kagan-dev/kagan/internal/common/ids"
	"github.com/kagan-dev/kagan/internal/db"
)

// ErrWorkspaceNotFound is returned when a workspace does not resolve.
var ErrWorkspaceNotFound = errors.New("workspace not found")

// Store persists workspaces and their repo junctions.
type Store struct {
	factory *db.Factory
}

// NewStore initializes the workspace schema.
func NewStore(factory *db.Factory) (*Store, error) {
	s := &Store{factory: factory}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize workspace schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		task_id TEXT,
		branch_name TEXT NOT NULL,
		path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspace_repos (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		repo_id TEXT NOT NULL,
		target_branch TEXT NOT NULL,
		worktree_path TEXT,
		UNIQUE (workspace_id, repo_id),
		FOREIGN KEY (workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_workspaces_task_id ON workspaces(task_id);
	CREATE INDEX IF NOT EXISTS idx_workspaces_project_id ON workspaces(project_id);
	CREATE INDEX IF NOT EXISTS idx_workspace_repos_workspace_id ON workspace_repos(workspace_id);
	`

	_, err = writer.Exec(schema)
	return err
}

// Create persists a workspace record.
func (s *Store) Create(ctx context.Context, ws *Workspace) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	if ws.ID == "" {
		ws.ID = ids.New()
	}
	if ws.Status == "" {
		ws.Status = StatusActive
	}
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now

	_, err = writer.ExecContext(ctx, `
		INSERT INTO workspaces (id, project_id, task_id, branch_name, path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ws.ID, ws.ProjectID, ws.TaskID, ws.BranchName, ws.Path, ws.Status, ws.CreatedAt, ws.UpdatedAt)
	return err
}

// Get retrieves a workspace by ID.
func (s *Store) Get(ctx context.Context, id string) (*Workspace, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var ws Workspace
	err = reader.GetContext(ctx, &ws, `
		SELECT id, project_id, task_id, branch_name, path, status, created_at, updated_at
		FROM workspaces WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	return &ws, err
}

// GetByTaskID returns the primary (most recent active) workspace for a
// task, or ErrWorkspaceNotFound.
func (s *Store) GetByTaskID(ctx context.Context, taskID string) (*Workspace, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var ws Workspace
	err = reader.GetContext(ctx, &ws, `
		SELECT id, project_id, task_id, branch_name, path, status, created_at, updated_at
		FROM workspaces
		WHERE task_id = ? AND status = 'ACTIVE'
		ORDER BY created_at DESC LIMIT 1
	`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", ErrWorkspaceNotFound, taskID)
	}
	return &ws, err
}

// SetStatus transitions a workspace lifecycle state.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	result, err := writer.ExecContext(ctx, `
		UPDATE workspaces SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	return nil
}

// ListActive returns active workspaces for a project.
func (s *Store) ListActive(ctx context.Context, projectID string) ([]*Workspace, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var out []*Workspace
	err = reader.SelectContext(ctx, &out, `
		SELECT id, project_id, task_id, branch_name, path, status, created_at, updated_at
		FROM workspaces
		WHERE project_id = ? AND status = 'ACTIVE'
		ORDER BY created_at
	`, projectID)
	return out, err
}

// AddRepo persists a workspace/repo junction.
func (s *Store) AddRepo(ctx context.Context, wr *Repo) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	if wr.ID == "" {
		wr.ID = ids.New()
	}
	_, err = writer.ExecContext(ctx, `
		INSERT INTO workspace_repos (id, workspace_id, repo_id, target_branch, worktree_path)
		VALUES (?, ?, ?, ?, ?)
	`, wr.ID, wr.WorkspaceID, wr.RepoID, wr.TargetBranch, wr.WorktreePath)
	return err
}

// ListRepos returns the repo junctions of a workspace.
func (s *Store) ListRepos(ctx context.Context, workspaceID string) ([]*Repo, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var out []*Repo
	err = reader.SelectContext(ctx, &out, `
		SELECT id, workspace_id, repo_id, target_branch, worktree_path
		FROM workspace_repos WHERE workspace_id = ? ORDER BY id
	`, workspaceID)
	return out, err
}
