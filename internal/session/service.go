package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/common/config"
	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/events/bus"
	"github.com/kagan-dev/kagan/internal/task/models"
	"github.com/kagan-dev/kagan/internal/workspace"
)

const eventSource = "session-service"

// TaskReader is the slice of the task store the session service needs.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
}

// Service creates and re-attaches PAIR sessions. AUTO agent processes
// are owned by the automation service; their session records still
// live in this package's store.
type Service struct {
	store    *Store
	wsStore  *workspace.Store
	tasks    TaskReader
	backends map[models.TerminalBackend]Backend
	cfg      config.GeneralConfig
	endpoint string
	bus      bus.EventBus
	logger   *logger.Logger
}

// NewService creates the session service. coreEndpoint is the IPC URL
// written into startup bundles.
func NewService(store *Store, wsStore *workspace.Store, tasks TaskReader, backends []Backend, cfg config.GeneralConfig, coreEndpoint string, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	byName := make(map[models.TerminalBackend]Backend, len(backends))
	for _, b := range backends {
		byName[b.Name()] = b
	}
	return &Service{
		store:    store,
		wsStore:  wsStore,
		tasks:    tasks,
		backends: byName,
		cfg:      cfg,
		endpoint: coreEndpoint,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "session-service")),
	}
}

// Store exposes the session store for read-side callers.
func (s *Service) Store() *Store { return s.store }

func (s *Service) publish(ctx context.Context, subject string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, eventSource, data)); err != nil {
		s.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// resolveBackend picks the PAIR backend: task setting, then config
// default, then platform default.
func (s *Service) resolveBackend(task *models.Task) (Backend, error) {
	name := task.TerminalBackend
	if name == "" {
		name = models.TerminalBackend(s.cfg.DefaultPairTerminalBackend)
	}
	if name == "" {
		name = DefaultBackend()
	}

	backend, ok := s.backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown terminal backend: %s", name)
	}
	return backend, nil
}

// resolveAgent picks the agent CLI for a task and applies any model
// override from config.
func (s *Service) resolveAgent(task *models.Task) AgentConfig {
	name := task.AgentBackend
	if name == "" {
		name = s.cfg.DefaultWorkerAgent
	}
	return AgentConfig{
		Name:  name,
		CLI:   name,
		Model: s.cfg.DefaultModel(name),
	}
}

// CreateRequest asks for a PAIR session on a task's workspace.
type CreateRequest struct {
	TaskID string
	// WorktreePath, when set, is validated against the workspace
	// location and rejected on mismatch.
	WorktreePath  string
	ReuseIfExists bool
}

// Create opens a PAIR session for the task's workspace. Idempotent
// when ReuseIfExists: an existing session confirmed by the backend is
// returned unchanged.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	task, err := s.tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	ws, err := s.wsStore.GetByTaskID(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	worktree := ws.Path
	if req.WorktreePath != "" && req.WorktreePath != ws.Path {
		return nil, &InvalidWorktreePathError{Given: req.WorktreePath, Expected: ws.Path}
	}

	backend, err := s.resolveBackend(task)
	if err != nil {
		return nil, err
	}

	launch := LaunchRequest{
		TaskID:       task.ID,
		Worktree:     worktree,
		SessionName:  SessionName(task.ID),
		Agent:        s.resolveAgent(task),
		Prompt:       BuildStartPrompt(task.Title, task.Description, task.AcceptanceCriteria),
		CoreEndpoint: s.endpoint,
	}

	if req.ReuseIfExists {
		if existing, err := s.store.GetActiveByWorkspace(ctx, ws.ID); err == nil {
			if backend.Exists(ctx, launch) {
				s.logger.Info("reusing existing session",
					zap.String("session_id", existing.ID),
					zap.String("task_id", task.ID))
				return existing, nil
			}
			// Stale record: the backend surface is gone.
			if err := s.store.SetStatus(ctx, existing.ID, StatusFailed); err != nil {
				s.logger.Warn("failed to mark stale session",
					zap.String("session_id", existing.ID),
					zap.Error(err))
			}
		}
	}

	externalID, err := backend.Launch(ctx, launch)
	if err != nil {
		return nil, &SessionCreateFailedError{Backend: string(backend.Name()), Err: err}
	}

	sess := &Session{
		WorkspaceID: ws.ID,
		SessionType: sessionTypeFor(backend.Name()),
		ExternalID:  &externalID,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	s.logger.Info("created session",
		zap.String("session_id", sess.ID),
		zap.String("task_id", task.ID),
		zap.String("backend", string(backend.Name())))

	s.publish(ctx, bus.SubjectSessionCreated, map[string]any{
		"session_id": sess.ID,
		"task_id":    task.ID,
		"backend":    string(backend.Name()),
	})
	return sess, nil
}

// Exists reports whether an attachable session is present for a task.
func (s *Service) Exists(ctx context.Context, taskID string) (bool, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	ws, err := s.wsStore.GetByTaskID(ctx, taskID)
	if err != nil {
		return false, nil
	}
	if _, err := s.store.GetActiveByWorkspace(ctx, ws.ID); err != nil {
		return false, nil
	}

	backend, err := s.resolveBackend(task)
	if err != nil {
		return false, err
	}
	return backend.Exists(ctx, LaunchRequest{
		TaskID:      taskID,
		Worktree:    ws.Path,
		SessionName: SessionName(taskID),
	}), nil
}

// Close marks a session closed and emits SessionClosed.
func (s *Service) Close(ctx context.Context, sessionID string) error {
	if err := s.store.SetStatus(ctx, sessionID, StatusClosed); err != nil {
		return err
	}
	s.publish(ctx, bus.SubjectSessionClosed, map[string]any{"session_id": sessionID})
	return nil
}

func sessionTypeFor(backend models.TerminalBackend) Type {
	if backend == models.BackendTmux {
		return TypeTmux
	}
	return TypeScript
}
