package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	bundleDir      = ".kagan"
	promptFileName = "start_prompt.md"
	stateFileName  = "session.json"

	// PairWorkerCapability is the capability granted to agent sessions
	// launched from a startup bundle.
	PairWorkerCapability = "pair_worker"
)

// Bundle is the .kagan/ payload materialized in a worktree. External
// launchers read it to start the agent with the correct identity.
type Bundle struct {
	TaskID      string `json:"task_id"`
	SessionName string `json:"session_name"`
	Backend     string `json:"backend"`
	Worktree    string `json:"worktree"`
	PromptFile  string `json:"prompt_file"`
}

// mcpServerEntry is the per-agent MCP config pointing at the core's
// IPC endpoint with a session-scoped identity.
type mcpServerEntry struct {
	Type    string            `json:"type"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type mcpConfig struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

// BundlePath returns the bundle directory for a worktree.
func BundlePath(worktree string) string {
	return filepath.Join(worktree, bundleDir)
}

// BundleStatePath returns the session.json path for a worktree.
func BundleStatePath(worktree string) string {
	return filepath.Join(worktree, bundleDir, stateFileName)
}

// WriteBundle materializes the startup bundle: the rendered prompt,
// the session state record, and the agent's MCP config pointing at
// the core endpoint. Re-attach reuses the same paths.
func WriteBundle(worktree, taskID, sessionName, backend, prompt, agentName, coreEndpoint string) (*Bundle, error) {
	dir := BundlePath(worktree)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create bundle dir: %w", err)
	}

	promptPath := filepath.Join(dir, promptFileName)
	if err := os.WriteFile(promptPath, []byte(prompt), 0644); err != nil {
		return nil, fmt.Errorf("write prompt file: %w", err)
	}

	bundle := &Bundle{
		TaskID:      taskID,
		SessionName: sessionName,
		Backend:     backend,
		Worktree:    worktree,
		PromptFile:  promptPath,
	}
	state, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, stateFileName), state, 0644); err != nil {
		return nil, fmt.Errorf("write session state: %w", err)
	}

	if coreEndpoint != "" {
		if err := writeMCPConfig(worktree, taskID, agentName, coreEndpoint); err != nil {
			return nil, err
		}
	}

	return bundle, nil
}

func writeMCPConfig(worktree, taskID, agentName, coreEndpoint string) error {
	cfg := mcpConfig{
		MCPServers: map[string]mcpServerEntry{
			"kagan": {
				Type: "http",
				URL:  coreEndpoint,
				Headers: map[string]string{
					"X-Kagan-Session":    "task:" + taskID,
					"X-Kagan-Capability": PairWorkerCapability,
				},
			},
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(worktree, MCPConfigFileName(agentName))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create mcp config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write mcp config: %w", err)
	}
	return nil
}

// ReadBundle loads an existing bundle, or nil when none exists.
func ReadBundle(worktree string) (*Bundle, error) {
	data, err := os.ReadFile(BundleStatePath(worktree))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	return &bundle, nil
}
