package orchestration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WorkspaceManager stages the `.jervis/` metadata a coding-agent Job reads
// from the shared PVC before it starts — instructions, task identity, a
// pre-fetched knowledge-base context dump, and the resolved environment
// definition — and reads the Job's `.jervis/result.json` back afterward.
// The codebase itself is expected to already exist under
// DataRoot/task.WorkspacePath; this only adds orchestrator-provided
// context, mirroring the original orchestrator's workspace manager.
type WorkspaceManager struct {
	DataRoot string
}

// NewWorkspaceManager constructs a WorkspaceManager rooted at the local
// mount point of the PVC the orchestrator shares with agent Jobs.
func NewWorkspaceManager(dataRoot string) *WorkspaceManager {
	return &WorkspaceManager{DataRoot: dataRoot}
}

// taskManifest is the .jervis/task.json contract a coding-agent Job reads.
type taskManifest struct {
	TaskID    string    `json:"taskId"`
	ClientID  string    `json:"clientId"`
	ProjectID string    `json:"projectId,omitempty"`
	AgentType AgentType `json:"agentType"`
	Files     []string  `json:"files,omitempty"`
}

// Prepare writes .jervis/instructions.md, task.json, kb-context.md,
// environment.json, and agent-specific config into an existing workspace
// directory. It does not create the workspace itself — the codebase is
// expected to already be staged on the shared PVC before orchestration
// starts. Returns the absolute workspace path on this host's view of the
// shared volume.
func (w *WorkspaceManager) Prepare(task CodingTask, instructions string, agentType AgentType) (string, error) {
	workspace := filepath.Join(w.DataRoot, task.WorkspacePath)
	if info, err := os.Stat(workspace); err != nil || !info.IsDir() {
		return "", fmt.Errorf("workspace %s not found on shared volume, expected codebase pre-staged: %w", workspace, err)
	}

	jervisDir := filepath.Join(workspace, ".jervis")
	if err := os.MkdirAll(jervisDir, 0o755); err != nil {
		return "", fmt.Errorf("creating .jervis directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(jervisDir, "instructions.md"), []byte(instructions), 0o644); err != nil {
		return "", fmt.Errorf("writing instructions.md: %w", err)
	}

	manifest := taskManifest{
		TaskID:    task.ID,
		ClientID:  task.ClientID,
		ProjectID: task.ProjectID,
		AgentType: agentType,
		Files:     task.Files,
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling task.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(jervisDir, "task.json"), manifestBytes, 0o644); err != nil {
		return "", fmt.Errorf("writing task.json: %w", err)
	}

	if task.KBContext != "" {
		if err := os.WriteFile(filepath.Join(jervisDir, "kb-context.md"), []byte(task.KBContext), 0o644); err != nil {
			return "", fmt.Errorf("writing kb-context.md: %w", err)
		}
	}

	if len(task.EnvironmentContext) > 0 {
		envBytes, err := json.MarshalIndent(task.EnvironmentContext, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshaling environment.json: %w", err)
		}
		if err := os.WriteFile(filepath.Join(jervisDir, "environment.json"), envBytes, 0o644); err != nil {
			return "", fmt.Errorf("writing environment.json: %w", err)
		}
	}

	if err := w.writeAgentConfig(workspace, agentType, task); err != nil {
		return "", err
	}

	return workspace, nil
}

// writeAgentConfig drops the per-agent configuration file a coding-agent
// image expects in addition to the shared .jervis/ metadata.
func (w *WorkspaceManager) writeAgentConfig(workspace string, agentType AgentType, task CodingTask) error {
	switch agentType {
	case AgentClaude:
		claudeDir := filepath.Join(workspace, ".claude")
		if err := os.MkdirAll(claudeDir, 0o755); err != nil {
			return fmt.Errorf("creating .claude directory: %w", err)
		}
		mcpConfig := map[string]any{
			"mcpServers": map[string]any{
				"jervis-kb": map[string]any{
					"command": "jervis-kb-mcp",
					"env": map[string]string{
						"CLIENT_ID":  task.ClientID,
						"PROJECT_ID": task.ProjectID,
					},
				},
			},
		}
		b, err := json.MarshalIndent(mcpConfig, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling mcp.json: %w", err)
		}
		return os.WriteFile(filepath.Join(claudeDir, "mcp.json"), b, 0o644)
	case AgentAider:
		conf := "yes: true\n"
		if task.KBContext != "" {
			conf += "read: [.jervis/kb-context.md]\n"
		}
		return os.WriteFile(filepath.Join(workspace, ".aider.conf.yml"), []byte(conf), 0o644)
	default:
		return nil
	}
}

// AgentResult is the `.jervis/result.json` contract a coding-agent Job
// writes back into the workspace on completion.
type AgentResult struct {
	TaskID    string   `json:"taskId"`
	Success   bool     `json:"success"`
	Summary   string   `json:"summary,omitempty"`
	AgentType string   `json:"agentType,omitempty"`
	Branch    string   `json:"branch,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// ReadResult reads .jervis/result.json from the workspace after a Job
// finishes. A missing or malformed file produces a fallback result derived
// from the Job's own terminal status rather than an error, so task
// completion can still be reported if the agent crashed before writing its
// result.
func (w *WorkspaceManager) ReadResult(task CodingTask, jobStatus string) AgentResult {
	path := filepath.Join(w.DataRoot, task.WorkspacePath, ".jervis", "result.json")
	if data, err := os.ReadFile(path); err == nil {
		var result AgentResult
		if jsonErr := json.Unmarshal(data, &result); jsonErr == nil {
			return result
		}
	}
	return AgentResult{
		TaskID:  task.ID,
		Success: jobStatus == "Succeeded",
		Summary: fmt.Sprintf("job finished: %s", jobStatus),
	}
}

// Cleanup removes the .jervis/ metadata and generated agent config after a
// task completes, leaving the checked-out codebase untouched for reuse by
// the next task against the same workspace.
func (w *WorkspaceManager) Cleanup(task CodingTask) {
	workspace := filepath.Join(w.DataRoot, task.WorkspacePath)
	if err := os.RemoveAll(filepath.Join(workspace, ".jervis")); err != nil {
		return
	}
	for _, f := range []string{".aider.conf.yml", "CLAUDE.md"} {
		_ = os.Remove(filepath.Join(workspace, f))
	}
	_ = os.Remove(filepath.Join(workspace, ".claude", "mcp.json"))
}
