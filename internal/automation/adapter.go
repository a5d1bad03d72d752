package automation

import (
	"context"
	"fmt"

	"github.com/kagan-dev/kagan/internal/gitrunner"
	"github.com/kagan-dev/kagan/internal/task/models"
	"github.com/kagan-dev/kagan/internal/task/repository"
	"github.com/kagan-dev/kagan/internal/workspace"
)

// WorkspaceAdapter binds the workspace service, project repo registry,
// and git runner into the Workspaces port.
type WorkspaceAdapter struct {
	workspaces *workspace.Service
	repos      *repository.Store
	git        *gitrunner.Runner
}

// NewWorkspaceAdapter creates the adapter.
func NewWorkspaceAdapter(workspaces *workspace.Service, repos *repository.Store, git *gitrunner.Runner) *WorkspaceAdapter {
	return &WorkspaceAdapter{workspaces: workspaces, repos: repos, git: git}
}

var _ Workspaces = (*WorkspaceAdapter)(nil)

func (a *WorkspaceAdapter) EnsureProvisioned(ctx context.Context, task *models.Task) (*workspace.Workspace, error) {
	repos, err := a.repos.ListProjectRepos(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(repos) == 0 {
		return nil, fmt.Errorf("project %s has no repos", task.ProjectID)
	}

	provision := make([]workspace.ProvisionRepo, 0, len(repos))
	for _, r := range repos {
		provision = append(provision, workspace.ProvisionRepo{
			RepoID:       r.ID,
			RepoPath:     r.Path,
			RepoName:     r.Name,
			TargetBranch: r.DefaultBranch,
		})
	}

	return a.workspaces.Provision(ctx, task.ProjectID, task.ID, task.Title, provision)
}

func (a *WorkspaceAdapter) Diff(ctx context.Context, taskID string) ([]workspace.RepoDiff, error) {
	return a.workspaces.Diff(ctx, taskID)
}

func (a *WorkspaceAdapter) RepoHeads(ctx context.Context, taskID string) (map[string]string, error) {
	store := a.workspaces.Store()
	ws, err := store.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	repos, err := store.ListRepos(ctx, ws.ID)
	if err != nil {
		return nil, err
	}

	heads := make(map[string]string, len(repos))
	for _, r := range repos {
		path := ws.Path
		if r.WorktreePath != nil {
			path = *r.WorktreePath
		}
		head, err := a.git.HeadCommit(ctx, path)
		if err != nil {
			return nil, err
		}
		heads[r.RepoID] = head
	}
	return heads, nil
}
