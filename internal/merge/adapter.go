package merge

import (
	"context"

	"github.com/kagan-dev/kagan/internal/task/repository"
	"github.com/kagan-dev/kagan/internal/workspace"
)

// WorkspaceAdapter binds the workspace service and repo registry into
// the Workspaces port.
type WorkspaceAdapter struct {
	workspaces *workspace.Service
	repos      *repository.Store
}

// NewWorkspaceAdapter creates the adapter.
func NewWorkspaceAdapter(workspaces *workspace.Service, repos *repository.Store) *WorkspaceAdapter {
	return &WorkspaceAdapter{workspaces: workspaces, repos: repos}
}

var _ Workspaces = (*WorkspaceAdapter)(nil)

func (a *WorkspaceAdapter) GetByTaskID(ctx context.Context, taskID string) (*workspace.Workspace, error) {
	return a.workspaces.Store().GetByTaskID(ctx, taskID)
}

func (a *WorkspaceAdapter) RepoTargets(ctx context.Context, taskID string) ([]RepoTarget, error) {
	ws, err := a.workspaces.Store().GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	wsRepos, err := a.workspaces.Store().ListRepos(ctx, ws.ID)
	if err != nil {
		return nil, err
	}

	targets := make([]RepoTarget, 0, len(wsRepos))
	for _, wr := range wsRepos {
		repo, err := a.repos.GetRepo(ctx, wr.RepoID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, RepoTarget{
			RepoID:       repo.ID,
			RepoPath:     repo.Path,
			TargetBranch: repo.DefaultBranch,
		})
	}
	return targets, nil
}

func (a *WorkspaceAdapter) HasNoChanges(ctx context.Context, taskID string) (bool, error) {
	return a.workspaces.HasNoChanges(ctx, taskID)
}

func (a *WorkspaceAdapter) Archive(ctx context.Context, taskID string) error {
	return a.workspaces.Archive(ctx, taskID)
}
