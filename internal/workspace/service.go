package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/events/bus"
	"github.com/kagan-dev/kagan/internal/gitrunner"
)

const eventSource = "workspace-service"

// gitignoreEntries are appended to each repo's .gitignore on project
// creation so service artifacts never show up as task changes.
var gitignoreEntries = []string{
	".mcp.json",
	"opencode.json",
	"kagan*.json",
	"*kagan.json",
	".kagan/",
}

// ProvisionRepo describes one repo to include in a workspace.
type ProvisionRepo struct {
	RepoID       string
	RepoPath     string
	RepoName     string
	TargetBranch string
}

// Service provisions worktrees for tasks and exposes the diff and
// rebase surface.
type Service struct {
	store    *Store
	git      Git
	bus      bus.EventBus
	logger   *logger.Logger
	strategy gitrunner.BaseRefStrategy

	wsLocks  map[string]*sync.Mutex
	wsLockMu sync.Mutex
}

// NewService creates the workspace service.
func NewService(store *Store, git Git, eventBus bus.EventBus, strategy gitrunner.BaseRefStrategy, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:    store,
		git:      git,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "workspace-service")),
		strategy: strategy,
		wsLocks:  make(map[string]*sync.Mutex),
	}
}

// Store exposes the workspace store for read-side callers.
func (s *Service) Store() *Store { return s.store }

// Lock returns the mutex serializing git operations on one workspace.
func (s *Service) Lock(workspaceID string) *sync.Mutex {
	s.wsLockMu.Lock()
	defer s.wsLockMu.Unlock()
	if lock, ok := s.wsLocks[workspaceID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.wsLocks[workspaceID] = lock
	return lock
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, eventSource, data)); err != nil {
		s.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// Provision creates the workspace for a task: one branch across all
// repos, one worktree per repo. Idempotent per task: an existing
// active workspace is returned as-is.
func (s *Service) Provision(ctx context.Context, projectID, taskID, title string, repos []ProvisionRepo) (*Workspace, error) {
	if len(repos) == 0 {
		return nil, fmt.Errorf("provision requires at least one repo")
	}

	if existing, err := s.store.GetByTaskID(ctx, taskID); err == nil {
		return existing, nil
	}

	branch := BranchName(taskID, title)
	wsPath := RootPath(repos[0].RepoPath, taskID)
	multiRepo := len(repos) > 1

	ws := &Workspace{
		ProjectID:  projectID,
		TaskID:     &taskID,
		BranchName: branch,
		Path:       wsPath,
		Status:     StatusActive,
	}
	if err := s.store.Create(ctx, ws); err != nil {
		return nil, err
	}

	var created []string
	for _, repo := range repos {
		worktreePath := RepoWorktreePath(wsPath, repo.RepoName, multiRepo)

		if err := s.git.CreateWorktree(ctx, repo.RepoPath, worktreePath, branch, repo.TargetBranch, s.strategy); err != nil {
			s.rollbackWorktrees(ctx, created)
			_ = s.store.SetStatus(ctx, ws.ID, StatusDeleted)
			return nil, fmt.Errorf("create worktree for repo %s: %w", repo.RepoID, err)
		}
		created = append(created, worktreePath)

		wr := &Repo{
			WorkspaceID:  ws.ID,
			RepoID:       repo.RepoID,
			TargetBranch: repo.TargetBranch,
			WorktreePath: &worktreePath,
		}
		if err := s.store.AddRepo(ctx, wr); err != nil {
			s.rollbackWorktrees(ctx, created)
			_ = s.store.SetStatus(ctx, ws.ID, StatusDeleted)
			return nil, err
		}
	}

	s.logger.Info("provisioned workspace",
		zap.String("workspace_id", ws.ID),
		zap.String("task_id", taskID),
		zap.String("branch", branch),
		zap.Int("repos", len(repos)))

	s.publish(ctx, bus.SubjectWorkspaceProvisioned, map[string]any{
		"workspace_id": ws.ID,
		"task_id":      taskID,
		"branch":       branch,
	})
	return ws, nil
}

func (s *Service) rollbackWorktrees(ctx context.Context, paths []string) {
	for _, p := range paths {
		if err := s.git.DeleteWorktree(ctx, p); err != nil {
			s.logger.Warn("failed to roll back worktree", zap.String("path", p), zap.Error(err))
		}
	}
}

// Diff returns the per-repo diff surface of a task's workspace against
// each repo's resolved base ref.
func (s *Service) Diff(ctx context.Context, taskID string) ([]RepoDiff, error) {
	ws, err := s.store.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	repos, err := s.store.ListRepos(ctx, ws.ID)
	if err != nil {
		return nil, err
	}

	var diffs []RepoDiff
	for _, wr := range repos {
		if wr.WorktreePath == nil {
			continue
		}
		baseRef, err := s.git.ResolveBaseRef(ctx, *wr.WorktreePath, wr.TargetBranch, s.strategy)
		if err != nil {
			return nil, err
		}
		files, err := s.git.GetDiff(ctx, *wr.WorktreePath, baseRef)
		if err != nil {
			return nil, err
		}
		stats, err := s.git.GetDiffStats(ctx, *wr.WorktreePath, baseRef)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, RepoDiff{RepoID: wr.RepoID, Files: files, Stats: *stats})
	}
	return diffs, nil
}

// HasNoChanges reports whether the workspace diff is empty across all
// repos.
func (s *Service) HasNoChanges(ctx context.Context, taskID string) (bool, error) {
	diffs, err := s.Diff(ctx, taskID)
	if err != nil {
		return false, err
	}
	for _, d := range diffs {
		if len(d.Files) > 0 {
			return false, nil
		}
	}
	return true, nil
}

// RebaseOntoBase rebases every workspace repo onto its base. On the
// first conflict it stops and returns the conflicted files; the repo
// is left clean (rebase aborted).
func (s *Service) RebaseOntoBase(ctx context.Context, taskID string) (*gitrunner.RebaseResult, error) {
	ws, err := s.store.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	lock := s.Lock(ws.ID)
	lock.Lock()
	defer lock.Unlock()

	repos, err := s.store.ListRepos(ctx, ws.ID)
	if err != nil {
		return nil, err
	}

	for _, wr := range repos {
		if wr.WorktreePath == nil {
			continue
		}
		res, err := s.git.RebaseOntoBase(ctx, *wr.WorktreePath, wr.TargetBranch, s.strategy)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return res, nil
		}
	}
	return &gitrunner.RebaseResult{Success: true}, nil
}

// Archive tears down a task's worktrees and marks the workspace
// archived. Branches are kept for audit; cleanup of kagan/* branches
// is a separate maintenance operation.
func (s *Service) Archive(ctx context.Context, taskID string) error {
	ws, err := s.store.GetByTaskID(ctx, taskID)
	if err != nil {
		return err
	}

	lock := s.Lock(ws.ID)
	lock.Lock()
	defer lock.Unlock()

	repos, err := s.store.ListRepos(ctx, ws.ID)
	if err != nil {
		return err
	}
	for _, wr := range repos {
		if wr.WorktreePath == nil {
			continue
		}
		if err := s.git.DeleteWorktree(ctx, *wr.WorktreePath); err != nil {
			s.logger.Warn("failed to remove worktree on archive",
				zap.String("path", *wr.WorktreePath),
				zap.Error(err))
		}
	}

	if err := s.store.SetStatus(ctx, ws.ID, StatusArchived); err != nil {
		return err
	}

	s.publish(ctx, bus.SubjectWorkspaceArchived, map[string]any{
		"workspace_id": ws.ID,
		"task_id":      taskID,
	})
	return nil
}

// EnsureGitignore appends the service's artifact patterns to a repo's
// .gitignore when missing. Returns true when the file was modified.
func EnsureGitignore(repoPath string) (bool, error) {
	path := filepath.Join(repoPath, ".gitignore")

	existing := ""
	if data, err := os.ReadFile(path); err == nil {
		existing = string(data)
	} else if !os.IsNotExist(err) {
		return false, err
	}

	present := make(map[string]bool)
	for _, line := range strings.Split(existing, "\n") {
		present[strings.TrimSpace(line)] = true
	}

	var missing []string
	for _, entry := range gitignoreEntries {
		if !present[entry] {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return false, nil
	}

	var b strings.Builder
	b.WriteString(existing)
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(strings.Join(missing, "\n"))
	b.WriteString("\n")

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return false, err
	}
	return true, nil
}

// PrepareGit is the slice of the git surface repo preparation needs.
type PrepareGit interface {
	RunChecked(ctx context.Context, repoPath string, args ...string) (*gitrunner.Result, error)
}

// PrepareRepo readies a newly attached repo: the artifact ignore set is
// appended to .gitignore and, when that changed the file, committed
// best-effort. Commit failures are logged and swallowed so a dirty repo
// still attaches.
func PrepareRepo(ctx context.Context, git PrepareGit, repoPath string, log *logger.Logger) error {
	if log == nil {
		log = logger.Default()
	}
	modified, err := EnsureGitignore(repoPath)
	if err != nil {
		return err
	}
	if !modified || git == nil {
		return nil
	}
	if _, err := git.RunChecked(ctx, repoPath, "add", "--", ".gitignore"); err != nil {
		log.Warn("failed to stage .gitignore",
			zap.String("repo", repoPath), zap.Error(err))
		return nil
	}
	if _, err := git.RunChecked(ctx, repoPath, "commit", "-m", "chore: ignore kagan artifacts", "--", ".gitignore"); err != nil {
		log.Warn("failed to commit .gitignore",
			zap.String("repo", repoPath), zap.Error(err))
	}
	return nil
}
