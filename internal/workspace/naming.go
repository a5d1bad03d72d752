package workspace

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kagan-dev/kagan/internal/common/ids"
	"github.com/kagan-dev/kagan/internal/gitrunner"
)

const maxSlugLen = 24

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slug converts a task title into a branch-safe fragment.
func Slug(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = slugStrip.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLen {
		s = s[:maxSlugLen]
		s = strings.TrimRight(s, "-")
	}
	return s
}

// BranchName builds the workspace branch for a task.
func BranchName(taskID, title string) string {
	short := ids.Short(taskID)
	slug := Slug(title)
	if slug == "" {
		return gitrunner.BranchPrefix + short
	}
	return gitrunner.BranchPrefix + short + "-" + slug
}

// RootPath is the workspace directory for a task inside the primary
// repo. Worktrees never live inside the repo's tracked tree; .kagan/
// is gitignored on project creation.
func RootPath(repoRoot, taskID string) string {
	return filepath.Join(repoRoot, ".kagan", "worktrees", taskID)
}

// RepoWorktreePath places each repo's worktree. Single-repo workspaces
// use the root path directly; multi-repo workspaces get one directory
// per repo under it.
func RepoWorktreePath(workspacePath, repoName string, multiRepo bool) string {
	if !multiRepo {
		return workspacePath
	}
	return filepath.Join(workspacePath, repoName)
}
