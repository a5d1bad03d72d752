package automation

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/db"
	"github.com/kagan-dev/kagan/internal/events/bus"
	"github.com/kagan-dev/kagan/internal/execution"
	"github.com/kagan-dev/kagan/internal/session"
	"github.com/kagan-dev/kagan/internal/task/models"
)

// WorkerState is the supervision state of one task's worker.
type WorkerState string

const (
	StateStarting  WorkerState = "STARTING"
	StateRunning   WorkerState = "RUNNING"
	StateReviewing WorkerState = "REVIEWING"
)

// worker supervises one agent run from spawn to terminal write.
type worker struct {
	svc    *Service
	taskID string
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state WorkerState
}

func (w *worker) setState(s WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *worker) currentState() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// execSink streams consumer projections into the execution store.
type execSink struct {
	ctx       context.Context
	store     *execution.Store
	processID string
}

func (s *execSink) AppendChunk(chunk string) error {
	return s.store.AppendLog(s.ctx, s.processID, chunk)
}

func (s *execSink) Turn(ev streamEvent) error {
	turn := &execution.AgentTurn{ExecutionProcessID: s.processID}
	if ev.Prompt != "" {
		turn.Prompt = &ev.Prompt
	}
	if ev.Summary != "" {
		turn.Summary = &ev.Summary
	}
	if ev.AgentSessionID != "" {
		turn.AgentSessionID = &ev.AgentSessionID
	}
	if ev.AgentMessageID != "" {
		turn.AgentMessageID = &ev.AgentMessageID
	}
	return s.store.RecordTurn(s.ctx, turn)
}

func (w *worker) run(task *models.Task) {
	defer w.svc.remove(w)

	log := w.svc.logger.WithFields(zap.String("task_id", task.ID))

	// Terminal writes and snapshots survive worker cancellation.
	persistCtx := context.WithoutCancel(w.ctx)

	ws, err := w.svc.workspaces.EnsureProvisioned(w.ctx, task)
	if err != nil {
		log.Error("failed to provision workspace", zap.Error(err))
		w.publishEnded(persistCtx, task.ID, false)
		return
	}

	sess := &session.Session{WorkspaceID: ws.ID, SessionType: session.TypeScript}
	if err := w.svc.sessions.Create(persistCtx, sess); err != nil {
		log.Error("failed to record session", zap.Error(err))
		w.publishEnded(persistCtx, task.ID, false)
		return
	}

	proc := &execution.Process{SessionID: sess.ID, RunReason: "auto"}
	if err := w.svc.executions.Start(persistCtx, proc); err != nil {
		log.Error("failed to open execution", zap.Error(err))
		w.publishEnded(persistCtx, task.ID, false)
		return
	}

	w.snapshotHeads(persistCtx, proc.ID, false)

	agent, model := w.resolveAgent(task)
	child, err := w.svc.launcher.Spawn(w.ctx, LaunchSpec{
		TaskID:   task.ID,
		Worktree: ws.Path,
		Agent:    agent,
		Model:    model,
		Prompt:   BuildWorkPrompt(task.Title, task.Description, task.AcceptanceCriteria),
	})
	if err != nil {
		log.Error("failed to spawn agent", zap.Error(err))
		msg := err.Error()
		w.writeTerminal(persistCtx, proc.ID, execution.StatusFailed, nil, &msg)
		w.publishEnded(persistCtx, task.ID, false)
		return
	}

	w.svc.publish(persistCtx, bus.SubjectAutomationTaskStarted, map[string]any{
		"task_id":      task.ID,
		"execution_id": proc.ID,
	})
	w.svc.publish(persistCtx, bus.SubjectAutomationAgentAttached, map[string]any{
		"task_id":      task.ID,
		"execution_id": proc.ID,
		"agent":        agent,
	})
	w.setState(StateRunning)

	stderrTail := &lastLine{}
	stderrDone := make(chan struct{})
	go func() {
		stderrTail.Consume(child.Stderr())
		close(stderrDone)
	}()

	sink := &execSink{ctx: persistCtx, store: w.svc.executions, processID: proc.ID}
	complete, consumeErr := consumeStream(w.ctx, child.Stdout(), sink)
	if errors.Is(consumeErr, db.ErrRepositoryClosing) {
		// Shutting down: stop the child and leave the row non-terminal
		// for startup recovery.
		child.Stop(w.svc.cfg.AutomationGrace())
		log.Info("aborting run, repository closing")
		return
	}
	if consumeErr != nil {
		log.Warn("event stream consumption failed", zap.Error(consumeErr))
	}

	exitCode, waitErr := child.Wait(w.ctx)
	if waitErr != nil {
		// Cancelled: SIGINT, grace, kill.
		child.Stop(w.svc.cfg.AutomationGrace())
		msg := "cancelled"
		w.writeTerminal(persistCtx, proc.ID, execution.StatusCancelled, nil, &msg)
		log.Info("agent run cancelled")
		w.publishEnded(persistCtx, task.ID, false)
		return
	}
	<-stderrDone

	w.snapshotHeads(persistCtx, proc.ID, true)

	success := complete && exitCode == 0
	if success {
		w.writeTerminal(persistCtx, proc.ID, execution.StatusSucceeded, &exitCode, nil)
	} else {
		var msg *string
		if stderrTail.line != "" {
			msg = &stderrTail.line
		}
		w.writeTerminal(persistCtx, proc.ID, execution.StatusFailed, &exitCode, msg)
	}

	if _, err := w.svc.tasks.SyncStatusFromAgentComplete(persistCtx, task.ID, success); err != nil {
		log.Warn("failed to sync task status", zap.Error(err))
	}

	reviewOutcome := ""
	if success && w.svc.cfg.AutoReview {
		reviewOutcome = w.review(persistCtx, task, ws.Path, sess.ID, agent, model)
	}

	data := map[string]any{
		"task_id":      task.ID,
		"execution_id": proc.ID,
		"success":      success,
	}
	if reviewOutcome != "" {
		data["review"] = reviewOutcome
	}
	w.svc.publish(persistCtx, bus.SubjectAutomationTaskEnded, data)

	log.Info("agent run finished",
		zap.Bool("success", success),
		zap.Int("exit_code", exitCode))
}

// review spawns a read-only review agent over the diff. Returns the
// outcome label for the TaskEnded event.
func (w *worker) review(persistCtx context.Context, task *models.Task, worktree, sessionID, agent, model string) string {
	log := w.svc.logger.WithFields(zap.String("task_id", task.ID))
	w.setState(StateReviewing)

	diffs, err := w.svc.workspaces.Diff(w.ctx, task.ID)
	if err != nil {
		log.Warn("failed to compute diff for review", zap.Error(err))
		return "REVIEW_FAILED"
	}

	proc := &execution.Process{SessionID: sessionID, RunReason: "review"}
	if err := w.svc.executions.Start(persistCtx, proc); err != nil {
		log.Warn("failed to open review execution", zap.Error(err))
		return "REVIEW_FAILED"
	}

	child, err := w.svc.launcher.Spawn(w.ctx, LaunchSpec{
		TaskID:   task.ID,
		Worktree: worktree,
		Agent:    agent,
		Model:    model,
		Prompt:   BuildReviewPrompt(task.Title, task.Description, diffs),
		ReadOnly: true,
	})
	if err != nil {
		msg := err.Error()
		w.writeTerminal(persistCtx, proc.ID, execution.StatusFailed, nil, &msg)
		return "REVIEW_FAILED"
	}

	w.svc.publish(persistCtx, bus.SubjectAutomationReviewAgentAttached, map[string]any{
		"task_id":      task.ID,
		"execution_id": proc.ID,
	})

	sink := &execSink{ctx: persistCtx, store: w.svc.executions, processID: proc.ID}
	complete, consumeErr := consumeStream(w.ctx, child.Stdout(), sink)
	if consumeErr != nil {
		log.Warn("review stream consumption failed", zap.Error(consumeErr))
	}

	exitCode, waitErr := child.Wait(w.ctx)
	if waitErr != nil {
		child.Stop(w.svc.cfg.AutomationGrace())
		msg := "cancelled"
		w.writeTerminal(persistCtx, proc.ID, execution.StatusCancelled, nil, &msg)
		return "CANCELLED"
	}

	if complete && exitCode == 0 {
		w.writeTerminal(persistCtx, proc.ID, execution.StatusSucceeded, &exitCode, nil)
		return "REVIEW_DONE"
	}
	w.writeTerminal(persistCtx, proc.ID, execution.StatusFailed, &exitCode, nil)
	return "REVIEW_FAILED"
}

func (w *worker) resolveAgent(task *models.Task) (agent, model string) {
	agent = task.AgentBackend
	if agent == "" {
		agent = w.svc.cfg.DefaultWorkerAgent
	}
	return agent, w.svc.cfg.DefaultModel(agent)
}

// writeTerminal records a terminal status exactly once. A duplicate
// signal or a closing repository is not an error here.
func (w *worker) writeTerminal(ctx context.Context, processID string, status execution.Status, exitCode *int, errMsg *string) {
	err := w.svc.executions.SetTerminal(ctx, processID, status, exitCode, errMsg)
	switch {
	case err == nil:
	case errors.Is(err, execution.ErrAlreadyTerminal):
	case errors.Is(err, db.ErrRepositoryClosing):
	default:
		w.svc.logger.Error("failed to write terminal execution state",
			zap.String("execution_id", processID), zap.Error(err))
	}
}

func (w *worker) snapshotHeads(ctx context.Context, processID string, after bool) {
	heads, err := w.svc.workspaces.RepoHeads(ctx, w.taskID)
	if err != nil {
		w.svc.logger.Debug("failed to read repo heads", zap.Error(err))
		return
	}
	for repoID, head := range heads {
		var err error
		if after {
			err = w.svc.executions.SnapshotAfter(ctx, processID, repoID, head, nil)
		} else {
			err = w.svc.executions.SnapshotBefore(ctx, processID, repoID, head)
		}
		if err != nil && !errors.Is(err, db.ErrRepositoryClosing) {
			w.svc.logger.Warn("failed to snapshot repo state",
				zap.String("repo_id", repoID), zap.Error(err))
		}
	}
}

func (w *worker) publishEnded(ctx context.Context, taskID string, success bool) {
	w.svc.publish(ctx, bus.SubjectAutomationTaskEnded, map[string]any{
		"task_id": taskID,
		"success": success,
	})
}
