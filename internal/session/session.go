// Package session binds work surfaces to workspaces: PAIR sessions
// open a human-attended terminal or editor with the agent CLI; AUTO
// sessions are owned by the automation service and only recorded here.
package session

import (
	"errors"
	"fmt"
	"time"
)

// Type is the transport of a session.
type Type string

const (
	TypeTmux   Type = "TMUX"
	TypeScript Type = "SCRIPT"
	TypeACP    Type = "ACP"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusClosed Status = "CLOSED"
	StatusFailed Status = "FAILED"
)

// Session is a recorded work surface bound to a workspace.
type Session struct {
	ID          string     `db:"id" json:"id"`
	WorkspaceID string     `db:"workspace_id" json:"workspace_id"`
	SessionType Type       `db:"session_type" json:"session_type"`
	Status      Status     `db:"status" json:"status"`
	ExternalID  *string    `db:"external_id" json:"external_id,omitempty"`
	StartedAt   time.Time  `db:"started_at" json:"started_at"`
	EndedAt     *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// ErrSessionNotFound is returned when a session does not resolve.
var ErrSessionNotFound = errors.New("session not found")

// InvalidWorktreePathError reports a caller-supplied path that does
// not match the workspace location. Carries the expected path so the
// IPC layer can build an actionable hint.
type InvalidWorktreePathError struct {
	Given    string
	Expected string
}

func (e *InvalidWorktreePathError) Error() string {
	return fmt.Sprintf("invalid worktree path %q, expected %q", e.Given, e.Expected)
}

// SessionCreateFailedError wraps a backend spawn or attach failure.
type SessionCreateFailedError struct {
	Backend string
	Err     error
}

func (e *SessionCreateFailedError) Error() string {
	return fmt.Sprintf("failed to create %s session: %v", e.Backend, e.Err)
}

func (e *SessionCreateFailedError) Unwrap() error { return e.Err }
