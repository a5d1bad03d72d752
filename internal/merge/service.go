package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/common/config"
	"github.com/kagan-dev/kagan/internal/common/ids"
	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/events/bus"
	"github.com/kagan-dev/kagan/internal/gitrunner"
	"github.com/kagan-dev/kagan/internal/task/models"
	taskservice "github.com/kagan-dev/kagan/internal/task/service"
	"github.com/kagan-dev/kagan/internal/workspace"
)

const eventSource = "merge-service"

// Tasks is the slice of the task service the merge flow drives.
type Tasks interface {
	Get(ctx context.Context, taskID string) (*models.Task, error)
	SetStatus(ctx context.Context, taskID string, status models.TaskStatus) (*models.Task, error)
	Update(ctx context.Context, taskID string, fields taskservice.UpdateFields) (*models.Task, error)
}

// RepoTarget names one repo to merge and where.
type RepoTarget struct {
	RepoID       string
	RepoPath     string
	TargetBranch string
}

// Workspaces resolves and retires task workspaces.
type Workspaces interface {
	GetByTaskID(ctx context.Context, taskID string) (*workspace.Workspace, error)
	RepoTargets(ctx context.Context, taskID string) ([]RepoTarget, error)
	HasNoChanges(ctx context.Context, taskID string) (bool, error)
	Archive(ctx context.Context, taskID string) error
}

// Git is the merge surface of the git runner.
type Git interface {
	MergeSquash(ctx context.Context, repoPath, source, target, message string) (*gitrunner.MergeOperationResult, error)
	MergeBranch(ctx context.Context, repoPath, source, target string) (*gitrunner.MergeOperationResult, error)
}

var _ Git = (*gitrunner.Runner)(nil)

// Scratch stores the merge-failed flag surfaced to clients.
type Scratch interface {
	SetScratch(ctx context.Context, id string, scratchType models.ScratchType, payload string, limitBytes int) error
	DeleteScratch(ctx context.Context, id string, scratchType models.ScratchType) error
}

// Result reports one MergeTask outcome. A conflicted merge is a
// result, not an error.
type Result struct {
	Merged       bool                     `json:"merged"`
	Merges       []*Merge                 `json:"merges,omitempty"`
	FailedRepoID string                   `json:"failed_repo_id,omitempty"`
	Message      string                   `json:"message,omitempty"`
	Conflict     *gitrunner.MergeConflict `json:"conflict,omitempty"`
}

// failureFlag is the JSON payload written under ScratchMergeStatus.
type failureFlag struct {
	RepoID        string   `json:"repo_id"`
	Message       string   `json:"message"`
	ConflictFiles []string `json:"conflict_files,omitempty"`
	FailedAt      string   `json:"failed_at"`
}

// Service orchestrates task merges.
type Service struct {
	cfg        config.GeneralConfig
	store      *Store
	tasks      Tasks
	workspaces Workspaces
	git        Git
	scratch    Scratch
	bus        bus.EventBus
	logger     *logger.Logger

	// mergeMu serializes manual merges when serializeMerges is set, so
	// concurrent operators cannot race on the same target branch.
	mergeMu sync.Mutex
}

// NewService creates the merge service.
func NewService(cfg config.GeneralConfig, store *Store, tasks Tasks, workspaces Workspaces, git Git, scratch Scratch, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		cfg:        cfg,
		store:      store,
		tasks:      tasks,
		workspaces: workspaces,
		git:        git,
		scratch:    scratch,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "merge-service")),
	}
}

// Store exposes the merge store for read-side callers.
func (s *Service) Store() *Store { return s.store }

func (s *Service) publish(ctx context.Context, subject string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, eventSource, data)); err != nil {
		s.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// HasNoChanges reports whether the task's diff vs base is empty across
// all workspace repos. Callers use it to offer "close without merge".
func (s *Service) HasNoChanges(ctx context.Context, taskID string) (bool, error) {
	return s.workspaces.HasNoChanges(ctx, taskID)
}

// MergeTask merges every workspace repo onto its target branch. On
// success the task moves to DONE and the workspace is archived. On
// failure the task stays in REVIEW and a merge-failed flag is written
// for the UI.
func (s *Service) MergeTask(ctx context.Context, taskID string, mergeType Type) (*Result, error) {
	if s.cfg.SerializeMerges {
		s.mergeMu.Lock()
		defer s.mergeMu.Unlock()
	}
	if mergeType == "" {
		mergeType = TypeSquash
	}

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusReview {
		return nil, fmt.Errorf("task %s is in %s, only REVIEW tasks can be merged", taskID, task.Status)
	}

	ws, err := s.workspaces.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	targets, err := s.workspaces.RepoTargets(ctx, taskID)
	if err != nil {
		return nil, err
	}

	message := fmt.Sprintf("%s (%s)", task.Title, ids.Short(task.ID))
	result := &Result{}

	for _, target := range targets {
		var opResult *gitrunner.MergeOperationResult
		switch mergeType {
		case TypeDirect:
			opResult, err = s.git.MergeBranch(ctx, target.RepoPath, ws.BranchName, target.TargetBranch)
		default:
			opResult, err = s.git.MergeSquash(ctx, target.RepoPath, ws.BranchName, target.TargetBranch, message)
		}
		if err != nil {
			return nil, fmt.Errorf("merge repo %s: %w", target.RepoID, err)
		}

		if !opResult.Success {
			result.FailedRepoID = target.RepoID
			result.Message = opResult.Message
			result.Conflict = opResult.Conflict
			s.recordFailure(ctx, taskID, target.RepoID, opResult)
			return result, nil
		}

		m := &Merge{
			WorkspaceID:      ws.ID,
			RepoID:           target.RepoID,
			MergeType:        mergeType,
			TargetBranchName: target.TargetBranch,
		}
		if opResult.MergeCommit != "" {
			m.MergeCommit = &opResult.MergeCommit
		}
		if err := s.store.Create(ctx, m); err != nil {
			return nil, err
		}
		result.Merges = append(result.Merges, m)
	}

	if _, err := s.tasks.SetStatus(ctx, taskID, models.StatusDone); err != nil {
		return nil, err
	}
	if err := s.workspaces.Archive(ctx, taskID); err != nil {
		s.logger.Warn("failed to archive workspace after merge",
			zap.String("task_id", taskID), zap.Error(err))
	}
	if err := s.scratch.DeleteScratch(ctx, taskID, models.ScratchMergeStatus); err != nil {
		s.logger.Warn("failed to clear merge flag", zap.String("task_id", taskID), zap.Error(err))
	}

	result.Merged = true
	s.publish(ctx, bus.SubjectMergeCompleted, map[string]any{
		"task_id":      taskID,
		"workspace_id": ws.ID,
		"merge_type":   string(mergeType),
	})

	s.logger.Info("task merged",
		zap.String("task_id", taskID),
		zap.Int("repos", len(result.Merges)))
	return result, nil
}

func (s *Service) recordFailure(ctx context.Context, taskID, repoID string, opResult *gitrunner.MergeOperationResult) {
	flag := failureFlag{
		RepoID:   repoID,
		Message:  opResult.Message,
		FailedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if opResult.Conflict != nil {
		flag.ConflictFiles = opResult.Conflict.Files
	}
	payload, _ := json.Marshal(flag)

	if err := s.scratch.SetScratch(ctx, taskID, models.ScratchMergeStatus, string(payload), 0); err != nil {
		s.logger.Warn("failed to record merge failure", zap.String("task_id", taskID), zap.Error(err))
	}

	s.publish(ctx, bus.SubjectMergeFailed, map[string]any{
		"task_id": taskID,
		"repo_id": repoID,
		"message": opResult.Message,
	})
	s.logger.Warn("merge failed",
		zap.String("task_id", taskID),
		zap.String("repo_id", repoID),
		zap.String("message", opResult.Message))
}

// ApplyRejectionFeedback appends review feedback to the task
// description under a timestamped separator and moves the task back to
// BACKLOG or IN_PROGRESS.
func (s *Service) ApplyRejectionFeedback(ctx context.Context, taskID, feedback string, action models.TaskStatus) (*models.Task, error) {
	if action != models.StatusBacklog && action != models.StatusInProgress {
		return nil, fmt.Errorf("rejection action must be BACKLOG or IN_PROGRESS, got %s", action)
	}

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	fields := taskservice.UpdateFields{Status: &action}
	if feedback != "" {
		desc := fmt.Sprintf("%s\n\n--- Rejection feedback (%s) ---\n%s",
			task.Description, time.Now().UTC().Format(time.RFC3339), feedback)
		fields.Description = &desc
	}
	return s.tasks.Update(ctx, taskID, fields)
}

// CloseExploratory archives the workspace without merging and marks
// the task DONE. Used for tasks whose value was the investigation.
func (s *Service) CloseExploratory(ctx context.Context, taskID string) error {
	if err := s.workspaces.Archive(ctx, taskID); err != nil {
		return err
	}
	if _, err := s.tasks.SetStatus(ctx, taskID, models.StatusDone); err != nil {
		return err
	}
	if err := s.scratch.DeleteScratch(ctx, taskID, models.ScratchMergeStatus); err != nil {
		s.logger.Warn("failed to clear merge flag", zap.String("task_id", taskID), zap.Error(err))
	}
	return nil
}
