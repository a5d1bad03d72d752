package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kagan-dev/kagan/internal/common/ids"
	"github.com/kagan-dev/kagan/internal/task/models"
)

var (
	// ErrProjectNotFound is returned when a project ID does not resolve.
	ErrProjectNotFound = errors.New("project not found")
	// ErrRepoNotFound is returned when a repo ID or path does not resolve.
	ErrRepoNotFound = errors.New("repo not found")
)

// CreateProject inserts a new project.
func (s *Store) CreateProject(ctx context.Context, project *models.Project) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	if project.ID == "" {
		project.ID = ids.New()
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	_, err = writer.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, last_opened_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, project.ID, project.Name, project.Description, project.LastOpenedAt,
		project.CreatedAt, project.UpdatedAt)
	return err
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var project models.Project
	err = reader.GetContext(ctx, &project, `
		SELECT id, name, description, last_opened_at, created_at, updated_at
		FROM projects WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return &project, err
}

// ListProjects returns all projects, most recently opened first.
func (s *Store) ListProjects(ctx context.Context) ([]*models.Project, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var projects []*models.Project
	err = reader.SelectContext(ctx, &projects, `
		SELECT id, name, description, last_opened_at, created_at, updated_at
		FROM projects ORDER BY last_opened_at DESC, created_at DESC
	`)
	return projects, err
}

// TouchProject records the project as last opened now.
func (s *Store) TouchProject(ctx context.Context, id string) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = writer.ExecContext(ctx, `
		UPDATE projects SET last_opened_at = ?, updated_at = ? WHERE id = ?
	`, now, now, id)
	return err
}

// DeleteProject removes a project; tasks and repo associations cascade.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}
	result, err := writer.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return nil
}

type repoRow struct {
	ID                string    `db:"id"`
	Name              string    `db:"name"`
	Path              string    `db:"path"`
	DisplayName       string    `db:"display_name"`
	DefaultWorkingDir string    `db:"default_working_dir"`
	DefaultBranch     string    `db:"default_branch"`
	Scripts           string    `db:"scripts"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r *repoRow) toModel() (*models.Repo, error) {
	scripts := map[string]string{}
	if r.Scripts != "" {
		if err := json.Unmarshal([]byte(r.Scripts), &scripts); err != nil {
			return nil, fmt.Errorf("decode scripts for repo %s: %w", r.ID, err)
		}
	}
	return &models.Repo{
		ID:                r.ID,
		Name:              r.Name,
		Path:              r.Path,
		DisplayName:       r.DisplayName,
		DefaultWorkingDir: r.DefaultWorkingDir,
		DefaultBranch:     r.DefaultBranch,
		Scripts:           scripts,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}, nil
}

const repoColumns = `id, name, path, display_name, default_working_dir,
	default_branch, scripts, created_at, updated_at`

// CreateRepo inserts a repo record. Path must be unique.
func (s *Store) CreateRepo(ctx context.Context, repo *models.Repo) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	if repo.ID == "" {
		repo.ID = ids.New()
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	now := time.Now().UTC()
	repo.CreatedAt = now
	repo.UpdatedAt = now

	scripts := "{}"
	if len(repo.Scripts) > 0 {
		data, err := json.Marshal(repo.Scripts)
		if err != nil {
			return err
		}
		scripts = string(data)
	}

	_, err = writer.ExecContext(ctx, `
		INSERT INTO repos (`+repoColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, repo.ID, repo.Name, repo.Path, repo.DisplayName, repo.DefaultWorkingDir,
		repo.DefaultBranch, scripts, repo.CreatedAt, repo.UpdatedAt)
	return err
}

// GetRepo retrieves a repo by ID.
func (s *Store) GetRepo(ctx context.Context, id string) (*models.Repo, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var row repoRow
	err = reader.GetContext(ctx, &row, `SELECT `+repoColumns+` FROM repos WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// GetRepoByPath retrieves a repo by its canonical path.
func (s *Store) GetRepoByPath(ctx context.Context, path string) (*models.Repo, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var row repoRow
	err = reader.GetContext(ctx, &row, `SELECT `+repoColumns+` FROM repos WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// UpdateRepoScripts replaces the repo's scripts map. Plugin metadata
// lives here; the core round-trips keys it does not own.
func (s *Store) UpdateRepoScripts(ctx context.Context, id string, scripts map[string]string) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	data, err := json.Marshal(scripts)
	if err != nil {
		return err
	}

	result, err := writer.ExecContext(ctx, `
		UPDATE repos SET scripts = ?, updated_at = ? WHERE id = ?
	`, string(data), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRepoNotFound, id)
	}
	return nil
}

// AddRepoToProject creates the project/repo association.
func (s *Store) AddRepoToProject(ctx context.Context, pr *models.ProjectRepo) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	_, err = writer.ExecContext(ctx, `
		INSERT INTO project_repos (project_id, repo_id, is_primary, display_order)
		VALUES (?, ?, ?, ?)
	`, pr.ProjectID, pr.RepoID, pr.IsPrimary, pr.DisplayOrder)
	return err
}

// ListProjectRepos returns the repos of a project in display order,
// primary first.
func (s *Store) ListProjectRepos(ctx context.Context, projectID string) ([]*models.Repo, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var rows []repoRow
	err = reader.SelectContext(ctx, &rows, `
		SELECT r.id, r.name, r.path, r.display_name, r.default_working_dir,
			r.default_branch, r.scripts, r.created_at, r.updated_at
		FROM repos r
		JOIN project_repos pr ON pr.repo_id = r.id
		WHERE pr.project_id = ?
		ORDER BY pr.is_primary DESC, pr.display_order
	`, projectID)
	if err != nil {
		return nil, err
	}

	repos := make([]*models.Repo, 0, len(rows))
	for i := range rows {
		repo, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

// GetPrimaryRepo returns the primary repo of a project.
func (s *Store) GetPrimaryRepo(ctx context.Context, projectID string) (*models.Repo, error) {
	repos, err := s.ListProjectRepos(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(repos) == 0 {
		return nil, fmt.Errorf("%w: no repos for project %s", ErrRepoNotFound, projectID)
	}
	return repos[0], nil
}
