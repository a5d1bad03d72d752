package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kagan-dev/kagan/internal/common/ids"
	"github.com/kagan-dev/kagan/internal/db"
)

// Store persists jobs, their event streams, and attempts.
type Store struct {
	factory *db.Factory
}

// NewStore initializes the jobs schema.
func NewStore(factory *db.Factory) (*Store, error) {
	s := &Store{factory: factory}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize jobs schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		params TEXT NOT NULL DEFAULT '{}',
		result TEXT,
		message TEXT,
		code TEXT,
		last_attempt_number INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_task_id ON jobs(task_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

	CREATE TABLE IF NOT EXISTS job_events (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		event_index INTEGER NOT NULL,
		status TEXT NOT NULL,
		message TEXT,
		code TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE (job_id, event_index),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS job_attempts (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		attempt_number INTEGER NOT NULL,
		status TEXT,
		message TEXT,
		code TEXT,
		result TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		UNIQUE (job_id, attempt_number),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);
	`

	_, err = writer.Exec(schema)
	return err
}

const jobColumns = `id, task_id, action, status, params, result, message, code,
	last_attempt_number, created_at, updated_at, finished_at`

// appendEventTx writes the next lifecycle event for a job. event_index
// is max+1; the caller holds the job lock so the read-then-insert is
// race-free, and the unique constraint backstops it.
func appendEventTx(tx *sqlx.Tx, jobID string, status Status, message, code *string) (int, error) {
	var next int
	if err := tx.Get(&next, `
		SELECT COALESCE(MAX(event_index), 0) + 1 FROM job_events WHERE job_id = ?
	`, jobID); err != nil {
		return 0, err
	}

	_, err := tx.Exec(`
		INSERT INTO job_events (id, job_id, event_index, status, message, code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ids.New(), jobID, next, status, message, code, time.Now().UTC())
	return next, err
}

func getJobTx(tx *sqlx.Tx, jobID string) (*Job, error) {
	var job Job
	err := tx.Get(&job, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return &job, err
}

// CreateJob persists a queued job with its initial event (index 1).
func (s *Store) CreateJob(ctx context.Context, taskID, action, params string) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:        ids.New(),
		TaskID:    taskID,
		Action:    action,
		Status:    StatusQueued,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if job.Params == "" {
		job.Params = "{}"
	}

	err := s.factory.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO jobs (id, task_id, action, status, params, last_attempt_number, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		`, job.ID, job.TaskID, job.Action, job.Status, job.Params, job.CreatedAt, job.UpdatedAt); err != nil {
			return err
		}
		_, err := appendEventTx(tx, job.ID, StatusQueued, nil, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var job Job
	err = reader.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return &job, err
}

// MarkRunning transitions queued → running, opens a new attempt, and
// appends the running event. Returns the updated job. A job that is no
// longer queued (cancelled before pickup) is returned unchanged with
// transitioned=false.
func (s *Store) MarkRunning(ctx context.Context, jobID string) (*Job, bool, error) {
	var job *Job
	transitioned := false

	err := s.factory.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		job, err = getJobTx(tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != StatusQueued {
			return nil
		}

		now := time.Now().UTC()
		attempt := job.LastAttemptNumber + 1
		if _, err := tx.Exec(`
			UPDATE jobs SET status = ?, last_attempt_number = ?, updated_at = ? WHERE id = ?
		`, StatusRunning, attempt, now, jobID); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO job_attempts (id, job_id, attempt_number, started_at)
			VALUES (?, ?, ?, ?)
		`, ids.New(), jobID, attempt, now); err != nil {
			return err
		}
		if _, err := appendEventTx(tx, jobID, StatusRunning, nil, nil); err != nil {
			return err
		}

		job.Status = StatusRunning
		job.LastAttemptNumber = attempt
		job.UpdatedAt = now
		transitioned = true
		return nil
	})
	return job, transitioned, err
}

// CompleteJob writes a terminal status. Idempotent: when the job is
// already terminal, the stored record is returned with
// transitioned=false and no event is appended.
func (s *Store) CompleteJob(ctx context.Context, jobID string, status Status, message, code *string, result *string) (*Job, bool, error) {
	if !status.IsTerminal() {
		return nil, false, fmt.Errorf("status %s is not terminal", status)
	}

	var job *Job
	transitioned := false

	err := s.factory.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		job, err = getJobTx(tx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(`
			UPDATE jobs SET status = ?, message = ?, code = ?, result = ?, updated_at = ?, finished_at = ?
			WHERE id = ?
		`, status, message, code, result, now, now, jobID); err != nil {
			return err
		}
		// The latest open attempt mirrors the job's terminal state.
		if _, err := tx.Exec(`
			UPDATE job_attempts SET status = ?, message = ?, code = ?, result = ?, ended_at = ?
			WHERE job_id = ? AND ended_at IS NULL
		`, status, message, code, result, now, jobID); err != nil {
			return err
		}
		if _, err := appendEventTx(tx, jobID, status, message, code); err != nil {
			return err
		}

		job.Status = status
		job.Message = message
		job.Code = code
		job.Result = result
		job.UpdatedAt = now
		job.FinishedAt = &now
		transitioned = true
		return nil
	})
	return job, transitioned, err
}

// ListEvents returns a job's lifecycle events in ascending index order.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]*EventRecord, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var events []*EventRecord
	err = reader.SelectContext(ctx, &events, `
		SELECT id, job_id, event_index, status, message, code, created_at
		FROM job_events
		WHERE job_id = ?
		ORDER BY event_index
	`, jobID)
	return events, err
}

// ListAttempts returns a job's attempts in order.
func (s *Store) ListAttempts(ctx context.Context, jobID string) ([]*Attempt, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var attempts []*Attempt
	err = reader.SelectContext(ctx, &attempts, `
		SELECT id, job_id, attempt_number, status, message, code, result, started_at, ended_at
		FROM job_attempts
		WHERE job_id = ?
		ORDER BY attempt_number
	`, jobID)
	return attempts, err
}

// RecoverInterrupted fails every queued or running job left over from
// a previous run, closing open attempts and appending a recovery
// event per job. Returns the recovered job IDs.
func (s *Store) RecoverInterrupted(ctx context.Context) ([]string, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var stale []string
	if err := reader.SelectContext(ctx, &stale, `
		SELECT id FROM jobs WHERE status IN ('queued', 'running')
	`); err != nil {
		return nil, err
	}

	message := "interrupted by core restart"
	code := CodeRecoveredInterrupted
	for _, jobID := range stale {
		if _, _, err := s.CompleteJob(ctx, jobID, StatusFailed, &message, &code, nil); err != nil {
			return nil, fmt.Errorf("recover job %s: %w", jobID, err)
		}
	}
	return stale, nil
}
