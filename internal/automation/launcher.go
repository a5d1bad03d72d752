package automation

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kagan-dev/kagan/internal/procrun"
)

// LaunchSpec describes one headless agent invocation.
type LaunchSpec struct {
	TaskID   string
	Worktree string
	Agent    string
	Model    string
	Prompt   string
	// ReadOnly launches the agent in plan/review mode; it must not
	// modify the worktree.
	ReadOnly bool
	Env      []string
}

// AgentProcess is a running agent subprocess.
type AgentProcess interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Wait(ctx context.Context) (int, error)
	Stop(grace time.Duration)
}

// AgentLauncher spawns headless agent subprocesses.
type AgentLauncher interface {
	Spawn(ctx context.Context, spec LaunchSpec) (AgentProcess, error)
}

// CLILauncher runs agent CLIs in their non-interactive streaming mode.
type CLILauncher struct {
	runner *procrun.Runner
}

// NewCLILauncher creates the subprocess-backed launcher.
func NewCLILauncher(runner *procrun.Runner) *CLILauncher {
	return &CLILauncher{runner: runner}
}

// headlessArgs builds the CLI invocation for an agent's headless mode.
func headlessArgs(spec LaunchSpec) (string, []string) {
	var args []string

	switch spec.Agent {
	case "claude":
		args = append(args, "-p", spec.Prompt, "--output-format", "stream-json", "--verbose")
		if spec.Model != "" {
			args = append(args, "--model", spec.Model)
		}
		if spec.ReadOnly {
			args = append(args, "--permission-mode", "plan")
		}
	case "codex":
		args = append(args, "exec", "--json")
		if spec.Model != "" {
			args = append(args, "--model", spec.Model)
		}
		if spec.ReadOnly {
			args = append(args, "--sandbox", "read-only")
		}
		args = append(args, spec.Prompt)
	case "opencode":
		args = append(args, "run", "--print-logs")
		if spec.Model != "" {
			args = append(args, "--model", spec.Model)
		}
		args = append(args, spec.Prompt)
	case "gemini":
		args = append(args, "-p", spec.Prompt)
		if spec.Model != "" {
			args = append(args, "--model", spec.Model)
		}
	default:
		args = append(args, spec.Prompt)
	}

	return spec.Agent, args
}

func (l *CLILauncher) Spawn(ctx context.Context, spec LaunchSpec) (AgentProcess, error) {
	if spec.Agent == "" {
		return nil, fmt.Errorf("launch spec missing agent")
	}
	if strings.TrimSpace(spec.Prompt) == "" {
		return nil, fmt.Errorf("launch spec missing prompt")
	}

	command, args := headlessArgs(spec)
	env := append([]string{
		"KAGAN_TASK_ID=" + spec.TaskID,
	}, spec.Env...)

	proc, err := l.runner.Spawn(ctx, procrun.Spec{
		Command: command,
		Args:    args,
		Dir:     spec.Worktree,
		Env:     env,
	})
	if err != nil {
		return nil, err
	}
	return proc, nil
}
