// Package execution stores immutable agent run records: one process
// row per AUTO run, chunked JSONL logs, coding-agent turn history, and
// per-repo HEAD snapshots.
package execution

import (
	"errors"
	"time"
)

// Status is the lifecycle state of an execution process.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether the status admits no further transition.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Process is one invocation of an agent against a workspace session.
// Append-only once terminal.
type Process struct {
	ID             string     `db:"id" json:"id"`
	SessionID      string     `db:"session_id" json:"session_id"`
	RunReason      string     `db:"run_reason" json:"run_reason"`
	ExecutorAction string     `db:"executor_action" json:"executor_action"`
	Status         Status     `db:"status" json:"status"`
	ExitCode       *int       `db:"exit_code" json:"exit_code,omitempty"`
	Dropped        bool       `db:"dropped" json:"dropped"`
	StartedAt      time.Time  `db:"started_at" json:"started_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Error          *string    `db:"error" json:"error,omitempty"`
	Metadata       string     `db:"metadata" json:"metadata"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// LogChunk is one stored slice of a process's JSONL log stream.
// Concatenating chunks in (inserted_at, id) order yields the full log.
type LogChunk struct {
	ID                 int64     `db:"id" json:"id"`
	ExecutionProcessID string    `db:"execution_process_id" json:"execution_process_id"`
	Logs               string    `db:"logs" json:"logs"`
	ByteSize           int       `db:"byte_size" json:"byte_size"`
	InsertedAt         time.Time `db:"inserted_at" json:"inserted_at"`
}

// AgentTurn is one coding-agent conversation turn projected out of the
// event stream.
type AgentTurn struct {
	ID                 string    `db:"id" json:"id"`
	ExecutionProcessID string    `db:"execution_process_id" json:"execution_process_id"`
	AgentSessionID     *string   `db:"agent_session_id" json:"agent_session_id,omitempty"`
	Prompt             *string   `db:"prompt" json:"prompt,omitempty"`
	Summary            *string   `db:"summary" json:"summary,omitempty"`
	Seen               bool      `db:"seen" json:"seen"`
	AgentMessageID     *string   `db:"agent_message_id" json:"agent_message_id,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// RepoState snapshots a repo's HEAD around an execution.
type RepoState struct {
	ID                 string    `db:"id" json:"id"`
	ExecutionProcessID string    `db:"execution_process_id" json:"execution_process_id"`
	RepoID             string    `db:"repo_id" json:"repo_id"`
	BeforeHeadCommit   *string   `db:"before_head_commit" json:"before_head_commit,omitempty"`
	AfterHeadCommit    *string   `db:"after_head_commit" json:"after_head_commit,omitempty"`
	MergeCommit        *string   `db:"merge_commit" json:"merge_commit,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

var (
	// ErrProcessNotFound is returned when an execution does not resolve.
	ErrProcessNotFound = errors.New("execution process not found")
	// ErrAlreadyTerminal is returned on a second terminal transition.
	// Callers racing a child exit against a cancellation ignore it.
	ErrAlreadyTerminal = errors.New("execution process already terminal")
)
