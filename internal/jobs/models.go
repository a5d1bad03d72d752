// Package jobs is a durable, crash-safe, cancellable job queue with an
// append-only per-job event stream.
package jobs

import (
	"errors"
	"time"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status admits no further transition.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CodeRecoveredInterrupted marks jobs failed by startup recovery: they
// were queued or running when the previous process died.
const CodeRecoveredInterrupted = "JOB_RECOVERED_INTERRUPTED"

// Job is one queued unit of work. Jobs are never deleted; the row and
// its event stream are the audit trail.
type Job struct {
	ID                string     `db:"id" json:"id"`
	TaskID            string     `db:"task_id" json:"task_id"`
	Action            string     `db:"action" json:"action"`
	Status            Status     `db:"status" json:"status"`
	Params            string     `db:"params" json:"params"`
	Result            *string    `db:"result" json:"result,omitempty"`
	Message           *string    `db:"message" json:"message,omitempty"`
	Code              *string    `db:"code" json:"code,omitempty"`
	LastAttemptNumber int        `db:"last_attempt_number" json:"last_attempt_number"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
	FinishedAt        *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// EventRecord is one entry of a job's totally ordered lifecycle stream.
type EventRecord struct {
	ID         string    `db:"id" json:"id"`
	JobID      string    `db:"job_id" json:"job_id"`
	EventIndex int       `db:"event_index" json:"event_index"`
	Status     Status    `db:"status" json:"status"`
	Message    *string   `db:"message" json:"message,omitempty"`
	Code       *string   `db:"code" json:"code,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Attempt is one execution attempt of a job.
type Attempt struct {
	ID            string     `db:"id" json:"id"`
	JobID         string     `db:"job_id" json:"job_id"`
	AttemptNumber int        `db:"attempt_number" json:"attempt_number"`
	Status        *string    `db:"status" json:"status,omitempty"`
	Message       *string    `db:"message" json:"message,omitempty"`
	Code          *string    `db:"code" json:"code,omitempty"`
	Result        *string    `db:"result" json:"result,omitempty"`
	StartedAt     time.Time  `db:"started_at" json:"started_at"`
	EndedAt       *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

var (
	// ErrJobNotFound is returned when a job does not resolve.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotOwned is returned when the caller's task does not own
	// the job.
	ErrJobNotOwned = errors.New("job does not belong to task")
	// ErrJobTerminal is returned by Cancel on a job that already
	// finished in a state other than cancelled.
	ErrJobTerminal = errors.New("job already terminal")
	// ErrRunnerMissing is returned by Wait when the DB says running
	// but no in-process worker exists (the previous process died).
	ErrRunnerMissing = errors.New("job runner missing")
	// ErrNotAccepting is returned when Submit is called before startup
	// recovery or after shutdown.
	ErrNotAccepting = errors.New("job service not accepting submissions")
)
