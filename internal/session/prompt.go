package session

import (
	"fmt"
	"strings"
)

// AgentConfig is the resolved launch record for an agent CLI. Produced
// by configuration; the session service only consumes it.
type AgentConfig struct {
	// Name is the agent short name (claude, opencode, codex, ...).
	Name string
	// CLI is the executable to launch.
	CLI string
	// Model is an optional per-agent model override.
	Model string
}

// ShellQuote single-quotes a string for POSIX shells.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// BuildLaunchCommand renders the interactive CLI invocation for an
// agent, following each CLI's prompt-passing convention. Agents
// without a known convention launch bare and the prompt is delivered
// via the startup bundle instead.
func BuildLaunchCommand(agent AgentConfig, prompt, mcpConfigPath string) string {
	var parts []string
	parts = append(parts, agent.CLI)

	if agent.Model != "" {
		parts = append(parts, "--model", agent.Model)
	}

	switch agent.Name {
	case "claude", "codex", "gemini":
		parts = append(parts, ShellQuote(prompt))
	case "opencode":
		parts = append(parts, "--prompt", ShellQuote(prompt))
	case "kimi":
		parts = append(parts, "--prompt", ShellQuote(prompt))
		if mcpConfigPath != "" {
			parts = append(parts, "--mcp-config-file", mcpConfigPath)
		}
	default:
		// copilot and unknown agents get no auto-prompt
	}

	return strings.Join(parts, " ")
}

// BuildStartPrompt renders the startup prompt from the task record.
func BuildStartPrompt(title, description string, acceptanceCriteria []string) string {
	var b strings.Builder
	b.WriteString("# Task: ")
	b.WriteString(title)
	b.WriteString("\n\n")

	if description != "" {
		b.WriteString(description)
		b.WriteString("\n")
	}

	if len(acceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance criteria\n\n")
		for _, c := range acceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	return b.String()
}

// MCPConfigFileName returns the agent-specific MCP config file path,
// relative to the worktree.
func MCPConfigFileName(agentName string) string {
	switch agentName {
	case "opencode":
		return "opencode.json"
	case "gemini":
		return ".gemini/settings.json"
	case "kimi":
		return "kagan-mcp.json"
	default:
		return ".mcp.json"
	}
}
