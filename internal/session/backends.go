package session

import (
	"context"
	"fmt"
	"runtime"

	"github.com/kagan-dev/kagan/internal/procrun"
	"github.com/kagan-dev/kagan/internal/task/models"
)

// LaunchRequest carries everything a backend needs to open a surface.
type LaunchRequest struct {
	TaskID       string
	Worktree     string
	SessionName  string
	Agent        AgentConfig
	Prompt       string
	CoreEndpoint string
}

// Backend opens and verifies PAIR session surfaces.
type Backend interface {
	Name() models.TerminalBackend
	// Launch opens the surface and returns a backend-specific external ID.
	Launch(ctx context.Context, req LaunchRequest) (string, error)
	// Exists confirms the surface is still present for re-attach.
	Exists(ctx context.Context, req LaunchRequest) bool
}

// DefaultBackend picks the platform default when neither the task nor
// the config names one.
func DefaultBackend() models.TerminalBackend {
	if runtime.GOOS == "windows" {
		return models.BackendVSCode
	}
	return models.BackendTmux
}

// SessionName derives the backend session identifier for a task.
func SessionName(taskID string) string {
	return "kagan-" + taskID
}

// TmuxBackend runs the agent CLI inside a detached tmux session.
type TmuxBackend struct {
	runner *procrun.Runner
}

// NewTmuxBackend creates the tmux backend.
func NewTmuxBackend(runner *procrun.Runner) *TmuxBackend {
	return &TmuxBackend{runner: runner}
}

func (b *TmuxBackend) Name() models.TerminalBackend { return models.BackendTmux }

func (b *TmuxBackend) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	_, err := b.runner.Checked(ctx, procrun.Spec{
		Command: "tmux",
		Args: []string{
			"new-session", "-d",
			"-s", req.SessionName,
			"-c", req.Worktree,
			"-e", "KAGAN_TASK_ID=" + req.TaskID,
			"-e", "KAGAN_CORE_ENDPOINT=" + req.CoreEndpoint,
		},
	})
	if err != nil {
		return "", err
	}

	mcpPath := MCPConfigFileName(req.Agent.Name)
	launch := BuildLaunchCommand(req.Agent, req.Prompt, mcpPath)
	if launch != "" {
		_, err = b.runner.Checked(ctx, procrun.Spec{
			Command: "tmux",
			Args:    []string{"send-keys", "-t", req.SessionName, launch, "Enter"},
		})
		if err != nil {
			return "", err
		}
	}

	return req.SessionName, nil
}

func (b *TmuxBackend) Exists(ctx context.Context, req LaunchRequest) bool {
	_, err := b.runner.Checked(ctx, procrun.Spec{
		Command: "tmux",
		Args:    []string{"has-session", "-t", req.SessionName},
	})
	return err == nil
}

// LauncherBackend opens an external editor (vscode or cursor) on the
// worktree with the startup bundle.
type LauncherBackend struct {
	backend models.TerminalBackend
	command string
	runner  *procrun.Runner
}

// NewVSCodeBackend creates the vscode launcher backend.
func NewVSCodeBackend(runner *procrun.Runner) *LauncherBackend {
	return &LauncherBackend{backend: models.BackendVSCode, command: "code", runner: runner}
}

// NewCursorBackend creates the cursor launcher backend.
func NewCursorBackend(runner *procrun.Runner) *LauncherBackend {
	return &LauncherBackend{backend: models.BackendCursor, command: "cursor", runner: runner}
}

func (b *LauncherBackend) Name() models.TerminalBackend { return b.backend }

func (b *LauncherBackend) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	bundle, err := WriteBundle(req.Worktree, req.TaskID, req.SessionName,
		string(b.backend), req.Prompt, req.Agent.Name, req.CoreEndpoint)
	if err != nil {
		return "", fmt.Errorf("write startup bundle: %w", err)
	}

	_, err = b.runner.Checked(ctx, procrun.Spec{
		Command: b.command,
		Args:    []string{"--new-window", req.Worktree, bundle.PromptFile},
	})
	if err != nil {
		return "", err
	}
	return req.SessionName, nil
}

// Exists reports whether the startup bundle is present; the editor
// window itself is not tracked.
func (b *LauncherBackend) Exists(ctx context.Context, req LaunchRequest) bool {
	bundle, err := ReadBundle(req.Worktree)
	return err == nil && bundle != nil && bundle.TaskID == req.TaskID
}
