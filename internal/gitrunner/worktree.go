package gitrunner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// BranchPrefix namespaces all branches the service creates.
const BranchPrefix = "kagan/"

// CreateWorktree resolves the base ref under the given strategy and
// creates a worktree on a new branch. A best-effort fetch of the base
// runs first so the remote ref is current.
func (r *Runner) CreateWorktree(ctx context.Context, repoPath, worktreePath, branchName, baseBranch string, strategy BaseRefStrategy) error {
	lock := r.RepoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	r.FetchBase(ctx, repoPath, baseBranch)

	startPoint, err := r.ResolveBaseRef(ctx, repoPath, baseBranch, strategy)
	if err != nil {
		return fmt.Errorf("resolve base ref: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0755); err != nil {
		return fmt.Errorf("create worktree parent dir: %w", err)
	}

	_, err = r.RunChecked(ctx, repoPath, "worktree", "add", "-b", branchName, worktreePath, startPoint)
	if err != nil {
		return err
	}

	r.logger.Info("created worktree",
		zap.String("repo", repoPath),
		zap.String("path", worktreePath),
		zap.String("branch", branchName),
		zap.String("start_point", startPoint))
	return nil
}

// MainRepoPath locates the primary repository for a worktree by
// following the gitdir pointer in the worktree's .git file.
func MainRepoPath(worktreePath string) (string, error) {
	gitFile := filepath.Join(worktreePath, ".git")
	content, err := os.ReadFile(gitFile)
	if err != nil {
		return "", fmt.Errorf("read .git pointer: %w", err)
	}

	line := strings.TrimSpace(string(content))
	if !strings.HasPrefix(line, "gitdir:") {
		return "", fmt.Errorf("not a worktree: %s", worktreePath)
	}
	gitDir := strings.TrimSpace(strings.TrimPrefix(line, "gitdir:"))
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(worktreePath, gitDir)
	}

	// gitdir points at <main>/.git/worktrees/<name>
	marker := string(filepath.Separator) + ".git" + string(filepath.Separator) + "worktrees" + string(filepath.Separator)
	idx := strings.Index(gitDir, marker)
	if idx < 0 {
		return "", fmt.Errorf("unexpected gitdir layout: %s", gitDir)
	}
	return gitDir[:idx], nil
}

// DeleteWorktree removes a worktree directory via the main repository.
// Falls back to direct removal plus prune when git refuses.
func (r *Runner) DeleteWorktree(ctx context.Context, worktreePath string) error {
	repoPath, err := MainRepoPath(worktreePath)
	if err != nil {
		// Directory may already be gone or never was a worktree.
		if removeErr := os.RemoveAll(worktreePath); removeErr != nil {
			return removeErr
		}
		return nil
	}

	lock := r.RepoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	if _, err := r.RunChecked(ctx, repoPath, "worktree", "remove", "--force", worktreePath); err != nil {
		r.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("path", worktreePath),
			zap.Error(err))

		if err := os.RemoveAll(worktreePath); err != nil {
			return err
		}
		if _, err := r.RunChecked(ctx, repoPath, "worktree", "prune"); err != nil {
			r.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}

	r.logger.Info("removed worktree",
		zap.String("repo", repoPath),
		zap.String("path", worktreePath))
	return nil
}

// PruneWorktrees drops stale worktree registrations from a repository.
func (r *Runner) PruneWorktrees(ctx context.Context, repoPath string) error {
	lock := r.RepoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	_, err := r.RunChecked(ctx, repoPath, "worktree", "prune")
	return err
}

// ListKaganBranches returns local branches under the service's prefix.
func (r *Runner) ListKaganBranches(ctx context.Context, repoPath string) ([]string, error) {
	out, err := r.Output(ctx, repoPath, "branch", "--list", BranchPrefix+"*", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	var branches []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// DeleteBranch force-deletes a local branch.
func (r *Runner) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	lock := r.RepoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	_, err := r.RunChecked(ctx, repoPath, "branch", "-D", branch)
	return err
}

// IsGitRepo reports whether path contains a git repository or worktree.
func IsGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}
