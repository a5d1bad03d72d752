package gitrunner

import (
	"context"
	"path/filepath"
	"strings"
)

// IgnoredPatterns lists service-generated files that never count as
// real workspace changes. Matched against each path component as well
// as the full path, so `.kagan/` contents are covered.
var IgnoredPatterns = []string{
	".mcp.json",
	"opencode.json",
	"kagan*.json",
	"*kagan.json",
	".kagan",
}

// isIgnoredPath reports whether a porcelain status path matches one of
// the ignored patterns.
func isIgnoredPath(path string) bool {
	path = strings.TrimSpace(path)
	// Rename lines use "old -> new"; judge the destination.
	if idx := strings.LastIndex(path, " -> "); idx >= 0 {
		path = path[idx+4:]
	}
	path = strings.Trim(path, `"`)

	segments := strings.Split(filepath.ToSlash(path), "/")
	for _, pattern := range IgnoredPatterns {
		for _, seg := range segments {
			if ok, _ := filepath.Match(pattern, seg); ok {
				return true
			}
		}
	}
	return false
}

// HasTrackedUncommittedChanges inspects `git status --porcelain`
// output. Untracked entries and service-generated files are ignored;
// any other line marks the worktree dirty.
func HasTrackedUncommittedChanges(statusOutput string) bool {
	for _, line := range strings.Split(statusOutput, "\n") {
		if len(line) < 3 {
			continue
		}
		code := line[:2]
		if code == "??" {
			continue
		}
		if isIgnoredPath(line[3:]) {
			continue
		}
		return true
	}
	return false
}

// Status returns porcelain status output for a worktree.
func (r *Runner) Status(ctx context.Context, repoPath string) (string, error) {
	res, err := r.RunChecked(ctx, repoPath, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// IsDirty reports whether the worktree has tracked uncommitted changes.
func (r *Runner) IsDirty(ctx context.Context, repoPath string) (bool, error) {
	out, err := r.Status(ctx, repoPath)
	if err != nil {
		return false, err
	}
	return HasTrackedUncommittedChanges(out), nil
}
