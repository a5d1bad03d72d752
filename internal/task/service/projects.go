package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/events/bus"
	"github.com/kagan-dev/kagan/internal/task/models"
	"github.com/kagan-dev/kagan/internal/task/repository"
)

// RepoPreparer runs once when a repo is attached for the first time.
type RepoPreparer func(ctx context.Context, repoPath string) error

// SetRepoPreparer installs the attachment hook. Must be called before
// the service starts handling requests.
func (s *Service) SetRepoPreparer(fn RepoPreparer) {
	s.prepareRepo = fn
}

// CreateProject creates an empty project.
func (s *Service) CreateProject(ctx context.Context, name, description string) (*models.Project, error) {
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}
	project := &models.Project{Name: name, Description: description}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}

	s.logger.Info("created project",
		zap.String("project_id", project.ID),
		zap.String("name", project.Name))
	s.publish(ctx, bus.SubjectProjectCreated, map[string]any{
		"project_id": project.ID,
		"name":       project.Name,
	})
	return project, nil
}

// GetProject retrieves one project.
func (s *Service) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return s.store.GetProject(ctx, id)
}

// ListProjects returns all projects, most recently opened first.
func (s *Service) ListProjects(ctx context.Context) ([]*models.Project, error) {
	return s.store.ListProjects(ctx)
}

// OpenProject marks the project as last opened and returns it.
func (s *Service) OpenProject(ctx context.Context, id string) (*models.Project, error) {
	if err := s.store.TouchProject(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetProject(ctx, id)
}

// AttachRepoRequest carries the fields for attaching a repo to a
// project. Path is canonicalized; an existing repo record with the
// same path is reused.
type AttachRepoRequest struct {
	ProjectID     string
	Path          string
	Name          string
	DisplayName   string
	DefaultBranch string
	IsPrimary     bool
	DisplayOrder  int
}

// AttachRepo associates a repo with a project, creating the repo
// record when the path is new. First-time repos get the artifact
// ignore patterns applied through the configured preparer; preparer
// failures are logged, never returned.
func (s *Service) AttachRepo(ctx context.Context, req AttachRepoRequest) (*models.Repo, error) {
	if req.ProjectID == "" || req.Path == "" {
		return nil, fmt.Errorf("project_id and path are required")
	}
	if _, err := s.store.GetProject(ctx, req.ProjectID); err != nil {
		return nil, err
	}

	path, err := filepath.Abs(req.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve repo path: %w", err)
	}

	firstTime := false
	repo, err := s.store.GetRepoByPath(ctx, path)
	if errors.Is(err, repository.ErrRepoNotFound) {
		name := req.Name
		if name == "" {
			name = filepath.Base(path)
		}
		repo = &models.Repo{
			Name:          name,
			Path:          path,
			DisplayName:   req.DisplayName,
			DefaultBranch: req.DefaultBranch,
		}
		if err := s.store.CreateRepo(ctx, repo); err != nil {
			return nil, err
		}
		firstTime = true
	} else if err != nil {
		return nil, err
	}

	if err := s.store.AddRepoToProject(ctx, &models.ProjectRepo{
		ProjectID:    req.ProjectID,
		RepoID:       repo.ID,
		IsPrimary:    req.IsPrimary,
		DisplayOrder: req.DisplayOrder,
	}); err != nil {
		return nil, err
	}

	if firstTime && s.prepareRepo != nil {
		if err := s.prepareRepo(ctx, repo.Path); err != nil {
			s.logger.Warn("repo preparation failed",
				zap.String("repo_id", repo.ID),
				zap.String("path", repo.Path),
				zap.Error(err))
		}
	}

	s.logger.Info("attached repo to project",
		zap.String("project_id", req.ProjectID),
		zap.String("repo_id", repo.ID),
		zap.Bool("is_primary", req.IsPrimary))
	s.publish(ctx, bus.SubjectProjectRepoAdded, map[string]any{
		"project_id": req.ProjectID,
		"repo_id":    repo.ID,
		"path":       repo.Path,
	})
	return repo, nil
}

// ListProjectRepos returns the repos of a project, primary first.
func (s *Service) ListProjectRepos(ctx context.Context, projectID string) ([]*models.Repo, error) {
	return s.store.ListProjectRepos(ctx, projectID)
}
