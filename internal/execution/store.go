package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kagan-dev/kagan/internal/common/ids"
	"github.com/kagan-dev/kagan/internal/db"
)

// Store persists execution processes, logs, turns, and repo snapshots.
type Store struct {
	factory *db.Factory
}

// NewStore initializes the execution schema.
func NewStore(factory *db.Factory) (*Store, error) {
	s := &Store{factory: factory}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize execution schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS execution_processes (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		run_reason TEXT NOT NULL,
		executor_action TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'PENDING',
		exit_code INTEGER,
		dropped INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		error TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_execution_processes_session_id ON execution_processes(session_id);
	CREATE INDEX IF NOT EXISTS idx_execution_processes_status ON execution_processes(status);

	CREATE TABLE IF NOT EXISTS execution_process_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_process_id TEXT NOT NULL,
		logs TEXT NOT NULL,
		byte_size INTEGER NOT NULL,
		inserted_at DATETIME NOT NULL,
		FOREIGN KEY (execution_process_id) REFERENCES execution_processes(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_execution_process_logs_process
		ON execution_process_logs(execution_process_id, inserted_at, id);

	CREATE TABLE IF NOT EXISTS coding_agent_turns (
		id TEXT PRIMARY KEY,
		execution_process_id TEXT NOT NULL,
		agent_session_id TEXT,
		prompt TEXT,
		summary TEXT,
		seen INTEGER NOT NULL DEFAULT 0,
		agent_message_id TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (execution_process_id) REFERENCES execution_processes(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_coding_agent_turns_process ON coding_agent_turns(execution_process_id);

	CREATE TABLE IF NOT EXISTS execution_process_repo_states (
		id TEXT PRIMARY KEY,
		execution_process_id TEXT NOT NULL,
		repo_id TEXT NOT NULL,
		before_head_commit TEXT,
		after_head_commit TEXT,
		merge_commit TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (execution_process_id, repo_id),
		FOREIGN KEY (execution_process_id) REFERENCES execution_processes(id) ON DELETE CASCADE
	);
	`

	_, err = writer.Exec(schema)
	return err
}

const processColumns = `id, session_id, run_reason, executor_action, status, exit_code,
	dropped, started_at, completed_at, error, metadata, created_at, updated_at`

// Start opens a new execution row in RUNNING state.
func (s *Store) Start(ctx context.Context, proc *Process) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if proc.ID == "" {
		proc.ID = ids.New()
	}
	if proc.Status == "" {
		proc.Status = StatusRunning
	}
	if proc.ExecutorAction == "" {
		proc.ExecutorAction = "{}"
	}
	if proc.Metadata == "" {
		proc.Metadata = "{}"
	}
	if proc.StartedAt.IsZero() {
		proc.StartedAt = now
	}
	proc.CreatedAt = now
	proc.UpdatedAt = now

	_, err = writer.ExecContext(ctx, `
		INSERT INTO execution_processes (`+processColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, proc.ID, proc.SessionID, proc.RunReason, proc.ExecutorAction, proc.Status,
		proc.ExitCode, proc.Dropped, proc.StartedAt, proc.CompletedAt, proc.Error,
		proc.Metadata, proc.CreatedAt, proc.UpdatedAt)
	return err
}

// Get retrieves an execution process by ID.
func (s *Store) Get(ctx context.Context, id string) (*Process, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var proc Process
	err = reader.GetContext(ctx, &proc, `
		SELECT `+processColumns+` FROM execution_processes WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	return &proc, err
}

// SetTerminal transitions a process to a terminal status exactly once.
// A second terminal write returns ErrAlreadyTerminal and leaves the
// first outcome untouched.
func (s *Store) SetTerminal(ctx context.Context, id string, status Status, exitCode *int, errMsg *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}

	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	result, err := writer.ExecContext(ctx, `
		UPDATE execution_processes
		SET status = ?, exit_code = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'RUNNING')
	`, status, exitCode, errMsg, now, now, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyTerminal
	}
	return nil
}

// MarkInterrupted fails every non-terminal process left over from a
// previous run. Called once on startup before new executions start.
func (s *Store) MarkInterrupted(ctx context.Context, reason string) (int64, error) {
	writer, err := s.factory.Writer()
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	result, err := writer.ExecContext(ctx, `
		UPDATE execution_processes
		SET status = 'FAILED', dropped = 1, error = ?, completed_at = ?, updated_at = ?
		WHERE status IN ('PENDING', 'RUNNING')
	`, reason, now, now)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// AppendLog stores one chunk of the JSONL log stream.
func (s *Store) AppendLog(ctx context.Context, processID, chunk string) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	_, err = writer.ExecContext(ctx, `
		INSERT INTO execution_process_logs (execution_process_id, logs, byte_size, inserted_at)
		VALUES (?, ?, ?, ?)
	`, processID, chunk, len(chunk), time.Now().UTC())
	return err
}

// ListLogChunks returns the stored chunks in insertion order.
func (s *Store) ListLogChunks(ctx context.Context, processID string) ([]*LogChunk, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var chunks []*LogChunk
	err = reader.SelectContext(ctx, &chunks, `
		SELECT id, execution_process_id, logs, byte_size, inserted_at
		FROM execution_process_logs
		WHERE execution_process_id = ?
		ORDER BY inserted_at, id
	`, processID)
	return chunks, err
}

// GetLogs reassembles the full log stream for a process.
func (s *Store) GetLogs(ctx context.Context, processID string) (string, error) {
	chunks, err := s.ListLogChunks(ctx, processID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Logs)
	}
	return b.String(), nil
}

// RecordTurn projects a coding-agent turn out of the event stream.
func (s *Store) RecordTurn(ctx context.Context, turn *AgentTurn) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if turn.ID == "" {
		turn.ID = ids.New()
	}
	turn.CreatedAt = now
	turn.UpdatedAt = now

	_, err = writer.ExecContext(ctx, `
		INSERT INTO coding_agent_turns
			(id, execution_process_id, agent_session_id, prompt, summary, seen, agent_message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, turn.ID, turn.ExecutionProcessID, turn.AgentSessionID, turn.Prompt, turn.Summary,
		turn.Seen, turn.AgentMessageID, turn.CreatedAt, turn.UpdatedAt)
	return err
}

// ListTurns returns a process's turns oldest first.
func (s *Store) ListTurns(ctx context.Context, processID string) ([]*AgentTurn, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var turns []*AgentTurn
	err = reader.SelectContext(ctx, &turns, `
		SELECT id, execution_process_id, agent_session_id, prompt, summary, seen, agent_message_id, created_at, updated_at
		FROM coding_agent_turns
		WHERE execution_process_id = ?
		ORDER BY created_at, id
	`, processID)
	return turns, err
}

// MarkTurnsSeen marks all of a process's turns as seen.
func (s *Store) MarkTurnsSeen(ctx context.Context, processID string) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	_, err = writer.ExecContext(ctx, `
		UPDATE coding_agent_turns SET seen = 1, updated_at = ?
		WHERE execution_process_id = ? AND seen = 0
	`, time.Now().UTC(), processID)
	return err
}

// SnapshotBefore records a repo's HEAD before the agent runs.
func (s *Store) SnapshotBefore(ctx context.Context, processID, repoID, head string) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = writer.ExecContext(ctx, `
		INSERT INTO execution_process_repo_states
			(id, execution_process_id, repo_id, before_head_commit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_process_id, repo_id) DO UPDATE SET
			before_head_commit = excluded.before_head_commit,
			updated_at = excluded.updated_at
	`, ids.New(), processID, repoID, head, now, now)
	return err
}

// SnapshotAfter records a repo's HEAD after the agent finished, and
// optionally the merge commit produced by a later merge.
func (s *Store) SnapshotAfter(ctx context.Context, processID, repoID, head string, mergeCommit *string) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = writer.ExecContext(ctx, `
		INSERT INTO execution_process_repo_states
			(id, execution_process_id, repo_id, after_head_commit, merge_commit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_process_id, repo_id) DO UPDATE SET
			after_head_commit = excluded.after_head_commit,
			merge_commit = COALESCE(excluded.merge_commit, execution_process_repo_states.merge_commit),
			updated_at = excluded.updated_at
	`, ids.New(), processID, repoID, head, mergeCommit, now, now)
	return err
}

// ListRepoStates returns the per-repo snapshots for a process.
func (s *Store) ListRepoStates(ctx context.Context, processID string) ([]*RepoState, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var states []*RepoState
	err = reader.SelectContext(ctx, &states, `
		SELECT id, execution_process_id, repo_id, before_head_commit, after_head_commit, merge_commit, created_at, updated_at
		FROM execution_process_repo_states
		WHERE execution_process_id = ?
		ORDER BY repo_id
	`, processID)
	return states, err
}

// LatestForTask returns the most recent execution for a task, joining
// through the session's workspace. Returns ErrProcessNotFound when the
// task has never run.
func (s *Store) LatestForTask(ctx context.Context, taskID string) (*Process, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var proc Process
	err = reader.GetContext(ctx, &proc, `
		SELECT ep.id, ep.session_id, ep.run_reason, ep.executor_action, ep.status, ep.exit_code,
			ep.dropped, ep.started_at, ep.completed_at, ep.error, ep.metadata, ep.created_at, ep.updated_at
		FROM execution_processes ep
		JOIN sessions s ON s.id = ep.session_id
		JOIN workspaces w ON w.id = s.workspace_id
		WHERE w.task_id = ?
		ORDER BY ep.started_at DESC, ep.id DESC
		LIMIT 1
	`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", ErrProcessNotFound, taskID)
	}
	return &proc, err
}

// RunningByTasks returns the most recent RUNNING execution per task,
// for the given task IDs. Tasks with no running execution are absent.
func (s *Store) RunningByTasks(ctx context.Context, taskIDs []string) (map[string]*Process, error) {
	result := make(map[string]*Process)
	if len(taskIDs) == 0 {
		return result, nil
	}

	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	query, args, err := sqlx.In(`
		SELECT w.task_id AS task_id,
			ep.id, ep.session_id, ep.run_reason, ep.executor_action, ep.status, ep.exit_code,
			ep.dropped, ep.started_at, ep.completed_at, ep.error, ep.metadata, ep.created_at, ep.updated_at
		FROM execution_processes ep
		JOIN sessions s ON s.id = ep.session_id
		JOIN workspaces w ON w.id = s.workspace_id
		WHERE ep.status = 'RUNNING' AND w.task_id IN (?)
		ORDER BY ep.started_at DESC, ep.id DESC
	`, taskIDs)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		TaskID string `db:"task_id"`
		Process
	}
	if err := reader.SelectContext(ctx, &rows, reader.Rebind(query), args...); err != nil {
		return nil, err
	}

	for i := range rows {
		if _, ok := result[rows[i].TaskID]; !ok {
			proc := rows[i].Process
			result[rows[i].TaskID] = &proc
		}
	}
	return result, nil
}

// CountForTask returns how many executions have run against a task.
func (s *Store) CountForTask(ctx context.Context, taskID string) (int, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return 0, err
	}

	var count int
	err = reader.GetContext(ctx, &count, `
		SELECT COUNT(*)
		FROM execution_processes ep
		JOIN sessions s ON s.id = ep.session_id
		JOIN workspaces w ON w.id = s.workspace_id
		WHERE w.task_id = ?
	`, taskID)
	return count, err
}
