package gitrunner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// FileStatus classifies a changed file in a diff.
type FileStatus string

const (
	FileAdded    FileStatus = "added"
	FileModified FileStatus = "modified"
	FileDeleted  FileStatus = "deleted"
	FileRenamed  FileStatus = "renamed"
	FileCopied   FileStatus = "copied"
)

// FileChange describes one file in a workspace diff.
type FileChange struct {
	Path        string     `json:"path"`
	Additions   int        `json:"additions"`
	Deletions   int        `json:"deletions"`
	Status      FileStatus `json:"status"`
	DiffContent string     `json:"diff_content,omitempty"`
}

// DiffStats summarizes a diff.
type DiffStats struct {
	FilesChanged int `json:"files_changed"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
}

// CommitInfo is one entry in a branch commit log.
type CommitInfo struct {
	SHA     string `json:"sha"`
	Subject string `json:"subject"`
	Author  string `json:"author"`
}

// decodeNameStatus maps a `git diff --name-status` letter to FileStatus.
func decodeNameStatus(code string) FileStatus {
	switch {
	case strings.HasPrefix(code, "A"):
		return FileAdded
	case strings.HasPrefix(code, "D"):
		return FileDeleted
	case strings.HasPrefix(code, "R"):
		return FileRenamed
	case strings.HasPrefix(code, "C"):
		return FileCopied
	default:
		return FileModified
	}
}

// parseNameStatus parses `git diff --name-status -z` style tab-separated
// lines (non-z form, one entry per line).
func parseNameStatus(out string) []FileChange {
	var changes []FileChange
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		status := decodeNameStatus(fields[0])
		// Renames and copies carry "old\tnew"; report the new path.
		path := fields[len(fields)-1]
		changes = append(changes, FileChange{Path: path, Status: status})
	}
	return changes
}

// parseNumstat folds `git diff --numstat` counts into changes by path.
func parseNumstat(out string, changes []FileChange) []FileChange {
	byPath := make(map[string]*FileChange, len(changes))
	for i := range changes {
		byPath[changes[i].Path] = &changes[i]
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) < 3 {
			continue
		}
		path := fields[len(fields)-1]
		// Rename numstat paths look like "old => new" or "{a => b}/c".
		if idx := strings.LastIndex(path, " => "); idx >= 0 && !strings.Contains(path, "{") {
			path = path[idx+4:]
		}
		fc, ok := byPath[path]
		if !ok {
			continue
		}
		// Binary files report "-" for both counts.
		if n, err := strconv.Atoi(fields[0]); err == nil {
			fc.Additions = n
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			fc.Deletions = n
		}
	}
	return changes
}

// GetFilesChanged lists per-file changes between base and the worktree.
func (r *Runner) GetFilesChanged(ctx context.Context, repoPath, baseRef string) ([]FileChange, error) {
	nameStatus, err := r.Output(ctx, repoPath, "diff", "--name-status", baseRef)
	if err != nil {
		return nil, err
	}
	changes := parseNameStatus(nameStatus)
	if len(changes) == 0 {
		return nil, nil
	}

	numstat, err := r.Output(ctx, repoPath, "diff", "--numstat", baseRef)
	if err != nil {
		return nil, err
	}
	return parseNumstat(numstat, changes), nil
}

// GetDiff returns per-file changes including full diff content.
func (r *Runner) GetDiff(ctx context.Context, repoPath, baseRef string) ([]FileChange, error) {
	changes, err := r.GetFilesChanged(ctx, repoPath, baseRef)
	if err != nil {
		return nil, err
	}

	for i := range changes {
		content, err := r.Output(ctx, repoPath, "diff", baseRef, "--", changes[i].Path)
		if err != nil {
			return nil, fmt.Errorf("diff %s: %w", changes[i].Path, err)
		}
		changes[i].DiffContent = content
	}
	return changes, nil
}

// GetDiffStats returns aggregate counts for a diff against base.
func (r *Runner) GetDiffStats(ctx context.Context, repoPath, baseRef string) (*DiffStats, error) {
	out, err := r.Output(ctx, repoPath, "diff", "--numstat", baseRef)
	if err != nil {
		return nil, err
	}

	stats := &DiffStats{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) < 3 {
			continue
		}
		stats.FilesChanged++
		if n, err := strconv.Atoi(fields[0]); err == nil {
			stats.Additions += n
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			stats.Deletions += n
		}
	}
	return stats, nil
}

// GetCommitLog lists commits on the worktree branch since base.
func (r *Runner) GetCommitLog(ctx context.Context, repoPath, baseRef string) ([]CommitInfo, error) {
	out, err := r.Output(ctx, repoPath, "log", "--format=%H%x09%s%x09%an", baseRef+"..HEAD")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	var commits []CommitInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 3 {
			continue
		}
		commits = append(commits, CommitInfo{SHA: fields[0], Subject: fields[1], Author: fields[2]})
	}
	return commits, nil
}
