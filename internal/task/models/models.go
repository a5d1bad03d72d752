// Package models defines the task-domain entities: projects, repos,
// tasks, task links, planner proposals, and scratch records.
package models

import "time"

// TaskStatus is a task's Kanban column.
type TaskStatus string

const (
	StatusBacklog    TaskStatus = "BACKLOG"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusReview     TaskStatus = "REVIEW"
	StatusDone       TaskStatus = "DONE"
)

// Valid reports whether the status is a known column.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusBacklog, StatusInProgress, StatusReview, StatusDone:
		return true
	}
	return false
}

// TaskPriority orders tasks within a column.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "LOW"
	PriorityMedium TaskPriority = "MEDIUM"
	PriorityHigh   TaskPriority = "HIGH"
)

// TaskType distinguishes human-attended from supervised tasks.
type TaskType string

const (
	// TypePair opens a terminal session for a human working with an agent.
	TypePair TaskType = "PAIR"
	// TypeAuto runs a background agent supervised by the automation service.
	TypeAuto TaskType = "AUTO"
)

// TerminalBackend selects the PAIR session surface.
type TerminalBackend string

const (
	BackendTmux   TerminalBackend = "tmux"
	BackendVSCode TerminalBackend = "vscode"
	BackendCursor TerminalBackend = "cursor"
)

// Project is the root aggregate owning tasks, workspaces, and repo
// associations.
type Project struct {
	ID           string     `db:"id" json:"id"`
	Name         string     `db:"name" json:"name"`
	Description  string     `db:"description" json:"description"`
	LastOpenedAt *time.Time `db:"last_opened_at" json:"last_opened_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Repo is a filesystem git repository. Path is canonical and unique.
// Scripts is a free-form string map used for metadata (plugin
// connection records and the like); keys the core does not own are
// passed through untouched.
type Repo struct {
	ID                string            `db:"id" json:"id"`
	Name              string            `db:"name" json:"name"`
	Path              string            `db:"path" json:"path"`
	DisplayName       string            `db:"display_name" json:"display_name,omitempty"`
	DefaultWorkingDir string            `db:"default_working_dir" json:"default_working_dir,omitempty"`
	DefaultBranch     string            `db:"default_branch" json:"default_branch"`
	Scripts           map[string]string `db:"-" json:"scripts,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// ProjectRepo associates a repo with a project.
type ProjectRepo struct {
	ProjectID    string `db:"project_id" json:"project_id"`
	RepoID       string `db:"repo_id" json:"repo_id"`
	IsPrimary    bool   `db:"is_primary" json:"is_primary"`
	DisplayOrder int    `db:"display_order" json:"display_order"`
}

// Task is a unit of work on the Kanban board.
type Task struct {
	ID                 string          `db:"id" json:"id"`
	ProjectID          string          `db:"project_id" json:"project_id"`
	ParentID           *string         `db:"parent_id" json:"parent_id,omitempty"`
	Title              string          `db:"title" json:"title"`
	Description        string          `db:"description" json:"description"`
	Status             TaskStatus      `db:"status" json:"status"`
	Priority           TaskPriority    `db:"priority" json:"priority"`
	TaskType           TaskType        `db:"task_type" json:"task_type"`
	TerminalBackend    TerminalBackend `db:"terminal_backend" json:"terminal_backend,omitempty"`
	AgentBackend       string          `db:"agent_backend" json:"agent_backend,omitempty"`
	BaseBranch         string          `db:"base_branch" json:"base_branch,omitempty"`
	AcceptanceCriteria []string        `db:"-" json:"acceptance_criteria,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// TaskLink is a back-reference extracted from an @mention in a task
// description.
type TaskLink struct {
	TaskID    string `db:"task_id" json:"task_id"`
	RefTaskID string `db:"ref_task_id" json:"ref_task_id"`
}

// ProposalStatus is the lifecycle of a planner proposal.
type ProposalStatus string

const (
	ProposalDraft     ProposalStatus = "DRAFT"
	ProposalApproved  ProposalStatus = "APPROVED"
	ProposalDismissed ProposalStatus = "DISMISSED"
)

// PlannerProposal holds a batch of tasks suggested by a planning agent,
// pending operator approval.
type PlannerProposal struct {
	ID        string         `db:"id" json:"id"`
	ProjectID string         `db:"project_id" json:"project_id"`
	RepoID    *string        `db:"repo_id" json:"repo_id,omitempty"`
	TasksJSON string         `db:"tasks_json" json:"tasks_json"`
	TodosJSON string         `db:"todos_json" json:"todos_json"`
	Status    ProposalStatus `db:"status" json:"status"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}

// ScratchType namespaces scratch payloads.
type ScratchType string

const (
	// ScratchWorkspaceNotes is the per-workspace scratchpad; payloads
	// are truncated to the configured byte limit on write.
	ScratchWorkspaceNotes ScratchType = "WORKSPACE_NOTES"
	// ScratchMergeStatus carries the last merge failure for a task so
	// clients can surface it next to the card.
	ScratchMergeStatus ScratchType = "MERGE_STATUS"
)

// Scratch is a free-form keyed payload.
type Scratch struct {
	ID          string      `db:"id" json:"id"`
	ScratchType ScratchType `db:"scratch_type" json:"scratch_type"`
	Payload     string      `db:"payload" json:"payload"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// AuditEvent records one dispatched command. Immutable.
type AuditEvent struct {
	ID          string    `db:"id" json:"id"`
	OccurredAt  time.Time `db:"occurred_at" json:"occurred_at"`
	ActorType   string    `db:"actor_type" json:"actor_type"`
	ActorID     string    `db:"actor_id" json:"actor_id"`
	SessionID   *string   `db:"session_id" json:"session_id,omitempty"`
	Capability  string    `db:"capability" json:"capability"`
	CommandName string    `db:"command_name" json:"command_name"`
	PayloadJSON string    `db:"payload_json" json:"payload_json"`
	ResultJSON  string    `db:"result_json" json:"result_json"`
	Success     bool      `db:"success" json:"success"`
}
