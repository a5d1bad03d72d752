package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/db"
	"github.com/kagan-dev/kagan/internal/events/bus"
)

const eventSource = "job-service"

// ExecResult is an executor's verdict for one job.
type ExecResult struct {
	Success bool
	Message string
	Code    string
	Result  map[string]any
}

// Executor runs a job's action. A returned error and a result with
// Success=false both mean failure; the error form is for faults the
// executor could not express as a verdict.
type Executor interface {
	Execute(ctx context.Context, action string, params map[string]any) (*ExecResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, action string, params map[string]any) (*ExecResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, action string, params map[string]any) (*ExecResult, error) {
	return f(ctx, action, params)
}

// handle tracks one in-process worker.
type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Service owns job workers and the submission gate.
type Service struct {
	store    *Store
	executor Executor
	bus      bus.EventBus
	logger   *logger.Logger

	mu        sync.Mutex
	accepting bool
	handles   map[string]*handle
	wg        sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewService creates the job service. Submissions are rejected until
// Recover has run.
func NewService(store *Store, executor Executor, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:      store,
		executor:   executor,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "job-service")),
		handles:    make(map[string]*handle),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Store exposes the job store for read-side callers.
func (s *Service) Store() *Store { return s.store }

func (s *Service) publish(ctx context.Context, job *Job) {
	if s.bus == nil {
		return
	}
	data := map[string]any{
		"job_id":  job.ID,
		"task_id": job.TaskID,
		"action":  job.Action,
		"status":  string(job.Status),
	}
	if job.Code != nil {
		data["code"] = *job.Code
	}
	if err := s.bus.Publish(ctx, bus.SubjectJobTransition, bus.NewEvent(bus.SubjectJobTransition, eventSource, data)); err != nil {
		s.logger.Warn("failed to publish job transition", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Recover fails every job left queued or running by a previous run,
// then opens the submission gate. Must be called once on startup.
func (s *Service) Recover(ctx context.Context) error {
	recovered, err := s.store.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	for _, jobID := range recovered {
		if job, err := s.store.GetJob(ctx, jobID); err == nil {
			s.publish(ctx, job)
		}
	}
	if len(recovered) > 0 {
		s.logger.Info("recovered interrupted jobs", zap.Int("count", len(recovered)))
	}

	s.mu.Lock()
	s.accepting = true
	s.mu.Unlock()
	return nil
}

// Submit persists a queued job and starts its worker.
func (s *Service) Submit(ctx context.Context, taskID, action string, params map[string]any) (*Job, error) {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return nil, ErrNotAccepting
	}
	s.mu.Unlock()

	encoded := "{}"
	if len(params) > 0 {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		encoded = string(raw)
	}

	job, err := s.store.CreateJob(ctx, taskID, action, encoded)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, job)

	workerCtx, cancel := context.WithCancel(s.baseCtx)
	h := &handle{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.handles[job.ID] = h
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runWorker(workerCtx, h, job.ID)
	return job, nil
}

func (s *Service) runWorker(ctx context.Context, h *handle, jobID string) {
	defer func() {
		s.mu.Lock()
		delete(s.handles, jobID)
		s.mu.Unlock()
		close(h.done)
		h.cancel()
		s.wg.Done()
	}()

	log := s.logger.WithFields(zap.String("job_id", jobID))

	job, transitioned, err := s.store.MarkRunning(ctx, jobID)
	if err != nil {
		if !errors.Is(err, db.ErrRepositoryClosing) {
			log.Error("failed to mark job running", zap.Error(err))
		}
		return
	}
	if !transitioned {
		// Cancelled before pickup.
		return
	}
	s.publish(ctx, job)

	var params map[string]any
	if err := json.Unmarshal([]byte(job.Params), &params); err != nil {
		log.Warn("invalid job params", zap.Error(err))
		params = map[string]any{}
	}

	res, execErr := s.executor.Execute(ctx, job.Action, params)

	// Cleanup is shielded: persistence completes even when the worker
	// context is already cancelled.
	shielded := context.WithoutCancel(ctx)

	if ctx.Err() != nil {
		// Cancel wrote the terminal state DB-first; this write is a
		// no-op then. On Shutdown it is the one recording cancelled.
		message := "cancelled"
		s.completeAndPublish(shielded, jobID, StatusCancelled, &message, nil, nil)
		return
	}

	switch {
	case execErr != nil:
		message := execErr.Error()
		s.completeAndPublish(shielded, jobID, StatusFailed, &message, nil, nil)
	case res == nil || !res.Success:
		var message, code *string
		if res != nil {
			if res.Message != "" {
				message = &res.Message
			}
			if res.Code != "" {
				code = &res.Code
			}
		}
		s.completeAndPublish(shielded, jobID, StatusFailed, message, code, nil)
	default:
		var message, result *string
		if res.Message != "" {
			message = &res.Message
		}
		if len(res.Result) > 0 {
			if raw, err := json.Marshal(res.Result); err == nil {
				encoded := string(raw)
				result = &encoded
			}
		}
		s.completeAndPublish(shielded, jobID, StatusSucceeded, message, nil, result)
	}
}

func (s *Service) completeAndPublish(ctx context.Context, jobID string, status Status, message, code, result *string) {
	job, transitioned, err := s.store.CompleteJob(ctx, jobID, status, message, code, result)
	switch {
	case errors.Is(err, db.ErrRepositoryClosing):
		return
	case err != nil:
		s.logger.Error("failed to complete job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if transitioned {
		s.publish(ctx, job)
	}
}

// authorized loads a job and verifies task ownership.
func (s *Service) authorized(ctx context.Context, jobID, taskID string) (*Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.TaskID != taskID {
		return nil, fmt.Errorf("%w: job %s, task %s", ErrJobNotOwned, jobID, taskID)
	}
	return job, nil
}

// Cancel terminates a non-terminal job owned by the task. The
// cancelled state is written first, then the worker is signalled.
// Cancelling an already-cancelled job is a no-op returning the record,
// so repeated cancels converge on status=cancelled.
func (s *Service) Cancel(ctx context.Context, jobID, taskID string) (*Job, error) {
	job, err := s.authorized(ctx, jobID, taskID)
	if err != nil {
		return nil, err
	}
	if job.Status == StatusCancelled {
		return job, nil
	}
	if job.Status.IsTerminal() {
		return job, fmt.Errorf("%w: %s is %s", ErrJobTerminal, jobID, job.Status)
	}

	message := "cancelled by caller"
	job, transitioned, err := s.store.CompleteJob(ctx, jobID, StatusCancelled, &message, nil, nil)
	if err != nil {
		return nil, err
	}
	if transitioned {
		s.publish(ctx, job)
	}

	s.mu.Lock()
	h := s.handles[jobID]
	s.mu.Unlock()
	if h != nil {
		h.cancel()
	}
	return job, nil
}

// Wait blocks until the job is terminal or the timeout elapses, then
// returns the current record. Zero timeout returns synchronously;
// negative waits indefinitely. A job recorded as live with no
// in-process worker returns ErrRunnerMissing.
func (s *Service) Wait(ctx context.Context, jobID, taskID string, timeout time.Duration) (*Job, error) {
	job, err := s.authorized(ctx, jobID, taskID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() || timeout == 0 {
		return job, nil
	}

	s.mu.Lock()
	h := s.handles[jobID]
	s.mu.Unlock()
	if h == nil {
		return job, fmt.Errorf("%w: %s", ErrRunnerMissing, jobID)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-h.done:
	case <-timer:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.store.GetJob(ctx, jobID)
}

// Events returns the job's lifecycle stream in ascending index order.
func (s *Service) Events(ctx context.Context, jobID, taskID string) ([]*EventRecord, error) {
	if _, err := s.authorized(ctx, jobID, taskID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, jobID)
}

// Shutdown closes the submission gate, cancels outstanding workers,
// and waits for their shielded cleanup to finish, bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.accepting = false
	s.mu.Unlock()
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
