// Package service implements task lifecycle operations: CRUD, status
// transitions driven by agent and review outcomes, and task-link
// synchronization from description mentions.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/events/bus"
	"github.com/kagan-dev/kagan/internal/task/models"
	"github.com/kagan-dev/kagan/internal/task/repository"
)

const eventSource = "task-service"

// Service owns task mutations. All writes publish events; handler
// failures never propagate back to the caller.
type Service struct {
	store  *repository.Store
	bus    bus.EventBus
	logger *logger.Logger

	// prepareRepo runs repo-attachment side effects (ignore patterns).
	// Optional; failures never block the attach.
	prepareRepo RepoPreparer
}

// NewService creates the task service.
func NewService(store *repository.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:  store,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "task-service")),
	}
}

// Store exposes the underlying repository for read-side callers.
func (s *Service) Store() *repository.Store {
	return s.store
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]any) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(subject, eventSource, data)
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// CreateRequest carries the fields for a new task.
type CreateRequest struct {
	ProjectID          string
	ParentID           *string
	Title              string
	Description        string
	Priority           models.TaskPriority
	TaskType           models.TaskType
	TerminalBackend    models.TerminalBackend
	AgentBackend       string
	BaseBranch         string
	AcceptanceCriteria []string
}

// Create inserts a task, synchronizes links from description mentions,
// and emits TaskCreated.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Task, error) {
	if req.Title == "" {
		return nil, fmt.Errorf("task title is required")
	}

	task := &models.Task{
		ProjectID:          req.ProjectID,
		ParentID:           req.ParentID,
		Title:              req.Title,
		Description:        req.Description,
		Priority:           req.Priority,
		TaskType:           req.TaskType,
		TerminalBackend:    req.TerminalBackend,
		AgentBackend:       req.AgentBackend,
		BaseBranch:         req.BaseBranch,
		AcceptanceCriteria: req.AcceptanceCriteria,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	if err := s.syncLinks(ctx, task.ID, task.Description); err != nil {
		s.logger.Warn("failed to sync task links",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}

	s.publish(ctx, bus.SubjectTaskCreated, map[string]any{
		"task_id":    task.ID,
		"project_id": task.ProjectID,
		"status":     string(task.Status),
	})
	return task, nil
}

// UpdateFields holds optional field updates; nil means unchanged.
type UpdateFields struct {
	Title              *string
	Description        *string
	Status             *models.TaskStatus
	Priority           *models.TaskPriority
	TaskType           *models.TaskType
	TerminalBackend    *models.TerminalBackend
	AgentBackend       *string
	BaseBranch         *string
	AcceptanceCriteria *[]string
}

// Update applies field changes and emits TaskUpdated with the changed
// field names. TaskStatusChanged fires only when the status value
// actually changed.
func (s *Service) Update(ctx context.Context, taskID string, fields UpdateFields) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	oldStatus := task.Status
	var changed []string

	if fields.Title != nil && *fields.Title != task.Title {
		task.Title = *fields.Title
		changed = append(changed, "title")
	}
	if fields.Description != nil && *fields.Description != task.Description {
		task.Description = *fields.Description
		changed = append(changed, "description")
	}
	if fields.Status != nil && *fields.Status != task.Status {
		if !fields.Status.Valid() {
			return nil, fmt.Errorf("invalid status: %s", *fields.Status)
		}
		task.Status = *fields.Status
		changed = append(changed, "status")
	}
	if fields.Priority != nil && *fields.Priority != task.Priority {
		task.Priority = *fields.Priority
		changed = append(changed, "priority")
	}
	if fields.TaskType != nil && *fields.TaskType != task.TaskType {
		task.TaskType = *fields.TaskType
		changed = append(changed, "task_type")
	}
	if fields.TerminalBackend != nil && *fields.TerminalBackend != task.TerminalBackend {
		task.TerminalBackend = *fields.TerminalBackend
		changed = append(changed, "terminal_backend")
	}
	if fields.AgentBackend != nil && *fields.AgentBackend != task.AgentBackend {
		task.AgentBackend = *fields.AgentBackend
		changed = append(changed, "agent_backend")
	}
	if fields.BaseBranch != nil && *fields.BaseBranch != task.BaseBranch {
		task.BaseBranch = *fields.BaseBranch
		changed = append(changed, "base_branch")
	}
	if fields.AcceptanceCriteria != nil {
		task.AcceptanceCriteria = *fields.AcceptanceCriteria
		changed = append(changed, "acceptance_criteria")
	}

	if len(changed) == 0 {
		return task, nil
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	if fields.Description != nil {
		if err := s.syncLinks(ctx, task.ID, task.Description); err != nil {
			s.logger.Warn("failed to sync task links",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}

	s.publish(ctx, bus.SubjectTaskUpdated, map[string]any{
		"task_id": task.ID,
		"fields":  changed,
	})
	if task.Status != oldStatus {
		s.publishStatusChanged(ctx, task, oldStatus)
	}
	return task, nil
}

// Get returns a task by ID.
func (s *Service) Get(ctx context.Context, taskID string) (*models.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// List returns a project's tasks.
func (s *Service) List(ctx context.Context, projectID string) ([]*models.Task, error) {
	return s.store.ListTasks(ctx, projectID)
}

// Delete removes a task and emits TaskDeleted.
func (s *Service) Delete(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	s.publish(ctx, bus.SubjectTaskDeleted, map[string]any{
		"task_id":    task.ID,
		"project_id": task.ProjectID,
	})
	return nil
}

// Move sets a task's status directly.
func (s *Service) Move(ctx context.Context, taskID string, status models.TaskStatus) (*models.Task, error) {
	return s.SetStatus(ctx, taskID, status)
}

// SetStatus transitions a task and emits events when the value changed.
func (s *Service) SetStatus(ctx context.Context, taskID string, status models.TaskStatus) (*models.Task, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status: %s", status)
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == status {
		return task, nil
	}

	oldStatus := task.Status
	updated, err := s.store.SetTaskStatus(ctx, taskID, status)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, bus.SubjectTaskUpdated, map[string]any{
		"task_id": updated.ID,
		"fields":  []string{"status"},
	})
	s.publishStatusChanged(ctx, updated, oldStatus)
	return updated, nil
}

func (s *Service) publishStatusChanged(ctx context.Context, task *models.Task, oldStatus models.TaskStatus) {
	s.publish(ctx, bus.SubjectTaskStatusChanged, map[string]any{
		"task_id":    task.ID,
		"project_id": task.ProjectID,
		"old_status": string(oldStatus),
		"new_status": string(task.Status),
	})
}

// SyncStatusFromAgentComplete applies the deterministic transition for
// an agent run ending. IN_PROGRESS moves to REVIEW on success; every
// other combination is a no-op returning the current task.
func (s *Service) SyncStatusFromAgentComplete(ctx context.Context, taskID string, success bool) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !success || task.Status != models.StatusInProgress {
		return task, nil
	}
	return s.SetStatus(ctx, taskID, models.StatusReview)
}

// SyncStatusFromReviewPass moves REVIEW to DONE.
func (s *Service) SyncStatusFromReviewPass(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusReview {
		return task, nil
	}
	return s.SetStatus(ctx, taskID, models.StatusDone)
}

// SyncStatusFromReviewReject moves REVIEW back to IN_PROGRESS.
func (s *Service) SyncStatusFromReviewReject(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusReview {
		return task, nil
	}
	return s.SetStatus(ctx, taskID, models.StatusInProgress)
}

// GetLinks returns a task's outgoing references.
func (s *Service) GetLinks(ctx context.Context, taskID string) ([]string, error) {
	return s.store.GetTaskLinks(ctx, taskID)
}

// syncLinks extracts mentions and replaces the task's links.
func (s *Service) syncLinks(ctx context.Context, taskID, description string) error {
	return s.store.ReplaceTaskLinks(ctx, taskID, ExtractMentions(description))
}
