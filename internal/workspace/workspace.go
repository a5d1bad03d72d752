// Package workspace maps tasks to git worktrees. A workspace owns one
// branch and one worktree per associated repo; multi-repo tasks get a
// directory per repo under the workspace path.
package workspace

import (
	"context"
	"time"

	"github.com/kagan-dev/kagan/internal/gitrunner"
)

// Status is a workspace's lifecycle state.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusArchived Status = "ARCHIVED"
	StatusDeleted  Status = "DELETED"
)

// Workspace is the execution surface for a task.
type Workspace struct {
	ID         string    `db:"id" json:"id"`
	ProjectID  string    `db:"project_id" json:"project_id"`
	TaskID     *string   `db:"task_id" json:"task_id,omitempty"`
	BranchName string    `db:"branch_name" json:"branch_name"`
	Path       string    `db:"path" json:"path"`
	Status     Status    `db:"status" json:"status"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Repo associates a workspace with one repository worktree.
type Repo struct {
	ID           string  `db:"id" json:"id"`
	WorkspaceID  string  `db:"workspace_id" json:"workspace_id"`
	RepoID       string  `db:"repo_id" json:"repo_id"`
	TargetBranch string  `db:"target_branch" json:"target_branch"`
	WorktreePath *string `db:"worktree_path" json:"worktree_path,omitempty"`
}

// RepoDiff is the diff surface for one workspace repo.
type RepoDiff struct {
	RepoID string                 `json:"repo_id"`
	Files  []gitrunner.FileChange `json:"files"`
	Stats  gitrunner.DiffStats    `json:"stats"`
}

// Git is the git port the workspace service drives. Implemented by
// *gitrunner.Runner.
type Git interface {
	CreateWorktree(ctx context.Context, repoPath, worktreePath, branchName, baseBranch string, strategy gitrunner.BaseRefStrategy) error
	DeleteWorktree(ctx context.Context, worktreePath string) error
	ResolveBaseRef(ctx context.Context, repoPath, base string, strategy gitrunner.BaseRefStrategy) (string, error)
	RebaseOntoBase(ctx context.Context, worktreePath, base string, strategy gitrunner.BaseRefStrategy) (*gitrunner.RebaseResult, error)
	GetDiff(ctx context.Context, repoPath, baseRef string) ([]gitrunner.FileChange, error)
	GetDiffStats(ctx context.Context, repoPath, baseRef string) (*gitrunner.DiffStats, error)
	Status(ctx context.Context, repoPath string) (string, error)
	DeleteBranch(ctx context.Context, repoPath, branch string) error
}

var _ Git = (*gitrunner.Runner)(nil)
