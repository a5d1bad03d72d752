// Package automation supervises headless AUTO agent runs: one worker
// per active task under a global concurrency cap, streaming the
// agent's output into the execution store and syncing task status on
// completion.
package automation

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kagan-dev/kagan/internal/common/config"
	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/events/bus"
	"github.com/kagan-dev/kagan/internal/execution"
	"github.com/kagan-dev/kagan/internal/session"
	"github.com/kagan-dev/kagan/internal/task/models"
	"github.com/kagan-dev/kagan/internal/workspace"
)

const eventSource = "automation-service"

var (
	// ErrAtCapacity is returned when the concurrency cap is reached.
	// Callers queue through the job service or surface it to the user.
	ErrAtCapacity = errors.New("automation at capacity")
	// ErrAlreadyRunning is returned when the task already has a worker.
	ErrAlreadyRunning = errors.New("task already has a running agent")
	// ErrWorkerNotFound is returned by StopTask for an idle task.
	ErrWorkerNotFound = errors.New("no running agent for task")
)

// Tasks is the slice of the task service the workers drive.
type Tasks interface {
	Get(ctx context.Context, taskID string) (*models.Task, error)
	SyncStatusFromAgentComplete(ctx context.Context, taskID string, success bool) (*models.Task, error)
}

// Workspaces provisions and inspects task workspaces.
type Workspaces interface {
	// EnsureProvisioned returns the task's workspace, creating it when
	// absent.
	EnsureProvisioned(ctx context.Context, task *models.Task) (*workspace.Workspace, error)
	Diff(ctx context.Context, taskID string) ([]workspace.RepoDiff, error)
	// RepoHeads returns the current HEAD commit per repo worktree.
	RepoHeads(ctx context.Context, taskID string) (map[string]string, error)
}

// Service owns the worker pool.
type Service struct {
	cfg        config.GeneralConfig
	tasks      Tasks
	workspaces Workspaces
	sessions   *session.Store
	executions *execution.Store
	launcher   AgentLauncher
	bus        bus.EventBus
	logger     *logger.Logger

	sem *semaphore.Weighted

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewService creates the automation service.
func NewService(cfg config.GeneralConfig, tasks Tasks, workspaces Workspaces, sessions *session.Store, executions *execution.Store, launcher AgentLauncher, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	max := cfg.MaxConcurrentAgents
	if max <= 0 {
		max = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		tasks:      tasks,
		workspaces: workspaces,
		sessions:   sessions,
		executions: executions,
		launcher:   launcher,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "automation-service")),
		sem:        semaphore.NewWeighted(int64(max)),
		workers:    make(map[string]*worker),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Recover fails every execution left non-terminal by a previous run.
// Must be called once on startup before the first spawn.
func (s *Service) Recover(ctx context.Context) error {
	n, err := s.executions.MarkInterrupted(ctx, "interrupted by core restart")
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("recovered interrupted executions", zap.Int64("count", n))
	}
	return nil
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, eventSource, data)); err != nil {
		s.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// SpawnForTask starts a worker for the task, or fails fast: at the
// concurrency cap it returns ErrAtCapacity without queuing.
func (s *Service) SpawnForTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	if _, running := s.workers[taskID]; running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if !s.sem.TryAcquire(1) {
		s.mu.Unlock()
		return ErrAtCapacity
	}

	workerCtx, cancel := context.WithCancel(s.baseCtx)
	w := &worker{
		svc:    s,
		taskID: taskID,
		ctx:    workerCtx,
		cancel: cancel,
		state:  StateStarting,
	}
	s.workers[taskID] = w
	s.wg.Add(1)
	s.mu.Unlock()

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		s.remove(w)
		return err
	}

	go w.run(task)
	return nil
}

// remove releases a worker's slot and registry entry.
func (s *Service) remove(w *worker) {
	s.mu.Lock()
	if s.workers[w.taskID] == w {
		delete(s.workers, w.taskID)
	}
	s.mu.Unlock()
	w.cancel()
	s.sem.Release(1)
	s.wg.Done()
}

// StopTask cancels the task's worker. The worker sends SIGINT to the
// agent, waits out the grace period, then kills it and records
// CANCELLED.
func (s *Service) StopTask(taskID string) error {
	s.mu.Lock()
	w, ok := s.workers[taskID]
	s.mu.Unlock()
	if !ok {
		return ErrWorkerNotFound
	}
	w.cancel()
	return nil
}

// State reports a task's worker state, if any.
func (s *Service) State(taskID string) (WorkerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[taskID]
	if !ok {
		return "", false
	}
	return w.currentState(), true
}

// ActiveCount returns the number of live workers.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Shutdown cancels every worker and waits for them to drain, bounded
// by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
