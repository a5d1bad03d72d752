package gitrunner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// MergeConflict enumerates the files blocking a merge or rebase.
type MergeConflict struct {
	Op    string   `json:"op"`
	Files []string `json:"files"`
}

// MergeOperationResult is the outcome of a merge attempt. Conflicts
/// are a result, not an error: the repository is left clean either way.
type MergeOperationResult struct {
	Success     bool           `json:"success"`
	MergeCommit string         `json:"merge_commit,omitempty"`
	Message     string         `json:"message,omitempty"`
	Conflict    *MergeConflict `json:"conflict,omitempty"`
}

// conflictFiles lists unmerged paths in the repository.
func (r *Runner) conflictFiles(ctx context.Context, repoPath string) []string {
	out, err := r.Output(ctx, repoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil || out == "" {
		return nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}

// MergeSquash squashes the source branch into target as a single
// commit. The target is checked out in the main repository; on
// conflict the merge is aborted and target hard-reset so its HEAD is
// unchanged. On success the source branch ref is advanced to the
// squash commit so follow-on work continues cleanly.
func (r *Runner) MergeSquash(ctx context.Context, repoPath, source, target, message string) (*MergeOperationResult, error) {
	lock := r.RepoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	r.FetchBase(ctx, repoPath, target)

	ahead, err := r.IsBaseAhead(ctx, repoPath, target, source)
	if err != nil {
		return nil, err
	}
	if ahead {
		return &MergeOperationResult{
			Success: false,
			Message: fmt.Sprintf("target branch %s has new commits; rebase required", target),
		}, nil
	}

	targetHead, err := r.Output(ctx, repoPath, "rev-parse", target)
	if err != nil {
		return nil, err
	}

	if _, err := r.RunChecked(ctx, repoPath, "checkout", target); err != nil {
		return nil, err
	}

	res, err := r.Run(ctx, repoPath, "merge", "--squash", source)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		files := r.conflictFiles(ctx, repoPath)
		r.abortSquash(ctx, repoPath, targetHead)
		return &MergeOperationResult{
			Success:  false,
			Message:  "squash merge conflicts",
			Conflict: &MergeConflict{Op: "merge", Files: files},
		}, nil
	}

	if message == "" {
		message = "Squash merge " + source
	}
	if _, err := r.RunChecked(ctx, repoPath, "commit", "-m", message); err != nil {
		r.abortSquash(ctx, repoPath, targetHead)
		return nil, err
	}

	mergeCommit, err := r.HeadCommit(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	if r.HasOrigin(ctx, repoPath) {
		if _, err := r.RunChecked(ctx, repoPath, "push", "origin", target); err != nil {
			r.logger.Warn("push after squash merge failed",
				zap.String("repo", repoPath),
				zap.String("target", target),
				zap.Error(err))
		}
	}

	// Point the source branch at the squash commit.
	if _, err := r.RunChecked(ctx, repoPath, "branch", "-f", source, mergeCommit); err != nil {
		r.logger.Warn("failed to advance source branch",
			zap.String("branch", source),
			zap.Error(err))
	}

	r.logger.Info("squash merged",
		zap.String("repo", repoPath),
		zap.String("source", source),
		zap.String("target", target),
		zap.String("commit", mergeCommit))

	return &MergeOperationResult{Success: true, MergeCommit: mergeCommit}, nil
}

// abortSquash restores the target branch after a failed squash.
func (r *Runner) abortSquash(ctx context.Context, repoPath, targetHead string) {
	if _, err := r.RunChecked(ctx, repoPath, "merge", "--abort"); err != nil {
		r.logger.Debug("merge --abort failed", zap.Error(err))
	}
	if _, err := r.RunChecked(ctx, repoPath, "reset", "--hard", targetHead); err != nil {
		r.logger.Warn("hard reset after failed squash failed",
			zap.String("repo", repoPath),
			zap.Error(err))
	}
}

// MergeBranch merges source into target with --no-ff. Conflicts abort
// the merge and return an error naming the conflicted files.
func (r *Runner) MergeBranch(ctx context.Context, repoPath, source, target string) (*MergeOperationResult, error) {
	lock := r.RepoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	if _, err := r.RunChecked(ctx, repoPath, "checkout", target); err != nil {
		return nil, err
	}

	res, err := r.Run(ctx, repoPath, "merge", "--no-ff", source)
	if err != nil {
		return nil, err
	}

	combined := res.Stdout + res.Stderr
	if res.ExitCode != 0 || strings.Contains(combined, "CONFLICT") {
		files := r.conflictFiles(ctx, repoPath)
		if _, abortErr := r.RunChecked(ctx, repoPath, "merge", "--abort"); abortErr != nil {
			r.logger.Debug("merge --abort failed", zap.Error(abortErr))
		}
		return &MergeOperationResult{
			Success:  false,
			Message:  "merge conflicts",
			Conflict: &MergeConflict{Op: "merge", Files: files},
		}, nil
	}

	mergeCommit, err := r.HeadCommit(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	return &MergeOperationResult{Success: true, MergeCommit: mergeCommit}, nil
}

// RebaseResult is the outcome of a rebase attempt.
type RebaseResult struct {
	Success       bool     `json:"success"`
	Message       string   `json:"message,omitempty"`
	ConflictFiles []string `json:"conflict_files,omitempty"`
}

// RebaseOntoBase rebases the worktree's current branch onto the
// resolved base ref. On conflict the rebase is aborted and the
// conflicted files are reported.
func (r *Runner) RebaseOntoBase(ctx context.Context, worktreePath, base string, strategy BaseRefStrategy) (*RebaseResult, error) {
	repoPath, err := MainRepoPath(worktreePath)
	if err != nil {
		return nil, err
	}

	lock := r.RepoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	r.FetchBase(ctx, worktreePath, base)

	baseRef, err := r.ResolveBaseRef(ctx, worktreePath, base, strategy)
	if err != nil {
		return nil, err
	}

	res, err := r.Run(ctx, worktreePath, "rebase", baseRef)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		files := r.conflictFiles(ctx, worktreePath)
		if _, abortErr := r.RunChecked(ctx, worktreePath, "rebase", "--abort"); abortErr != nil {
			r.logger.Debug("rebase --abort failed", zap.Error(abortErr))
		}
		return &RebaseResult{
			Success:       false,
			Message:       fmt.Sprintf("rebase onto %s failed", baseRef),
			ConflictFiles: files,
		}, nil
	}

	return &RebaseResult{Success: true}, nil
}
