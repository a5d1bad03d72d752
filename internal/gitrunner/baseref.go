package gitrunner

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// BaseRefStrategy selects between a local branch and its remote
// counterpart when resolving the start point for a worktree or the
// target of a merge.
type BaseRefStrategy string

const (
	// StrategyRemote prefers origin/<base> whenever the remote ref exists.
	StrategyRemote BaseRefStrategy = "remote"
	// StrategyLocal always uses the local branch.
	StrategyLocal BaseRefStrategy = "local"
	// StrategyLocalIfAhead uses the local branch when it has commits
	// the remote lacks, otherwise the remote ref.
	StrategyLocalIfAhead BaseRefStrategy = "local_if_ahead"
)

// ParseBaseRefStrategy validates a configured strategy string.
func ParseBaseRefStrategy(s string) (BaseRefStrategy, error) {
	switch BaseRefStrategy(s) {
	case StrategyRemote, StrategyLocal, StrategyLocalIfAhead:
		return BaseRefStrategy(s), nil
	case "":
		return StrategyRemote, nil
	}
	return "", fmt.Errorf("unknown base ref strategy: %q", s)
}

// FetchBase fetches the base branch from origin. Failure is non-fatal;
// resolution continues against whatever refs are present locally.
func (r *Runner) FetchBase(ctx context.Context, repoPath, base string) {
	if !r.HasOrigin(ctx, repoPath) {
		return
	}
	if _, err := r.RunChecked(ctx, repoPath, "fetch", "origin", base); err != nil {
		r.logger.Debug("fetch origin failed",
			zap.String("repo", repoPath),
			zap.String("base", base),
			zap.Error(err))
	}
}

// ResolveBaseRef picks the concrete ref for a base branch under the
// configured strategy. The local branch is the fallback whenever the
// remote ref does not exist.
func (r *Runner) ResolveBaseRef(ctx context.Context, repoPath, base string, strategy BaseRefStrategy) (string, error) {
	remoteRef := "origin/" + base

	switch strategy {
	case StrategyLocal:
		return base, nil

	case StrategyLocalIfAhead:
		if !r.RefExists(ctx, repoPath, remoteRef) {
			return base, nil
		}
		ahead, err := r.aheadCount(ctx, repoPath, remoteRef, base)
		if err != nil {
			return "", err
		}
		if ahead > 0 {
			return base, nil
		}
		return remoteRef, nil

	case StrategyRemote, "":
		if r.RefExists(ctx, repoPath, remoteRef) {
			return remoteRef, nil
		}
		return base, nil
	}

	return "", fmt.Errorf("unknown base ref strategy: %q", strategy)
}

// aheadCount returns the number of commits in `to` that are not in `from`.
func (r *Runner) aheadCount(ctx context.Context, repoPath, from, to string) (int, error) {
	out, err := r.Output(ctx, repoPath, "rev-list", "--count", from+".."+to)
	if err != nil {
		return 0, fmt.Errorf("rev-list %s..%s: %w", from, to, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", out, err)
	}
	return n, nil
}

// IsBaseAhead reports whether target has commits that source lacks.
// Used to require a rebase before squash-merging.
func (r *Runner) IsBaseAhead(ctx context.Context, repoPath, target, source string) (bool, error) {
	n, err := r.aheadCount(ctx, repoPath, source, target)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
