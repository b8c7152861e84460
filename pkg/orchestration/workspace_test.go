package orchestration

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspaceManager_Prepare_StagesJervisFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "proj-1"), 0o755))

	wm := NewWorkspaceManager(root)
	task := CodingTask{
		ID:                 "task-1",
		ClientID:           "client-1",
		ProjectID:          "proj-1",
		WorkspacePath:      "proj-1",
		Files:              []string{"main.go"},
		KBContext:          "# context\nsome facts",
		EnvironmentContext: map[string]any{"service": "router"},
	}

	workspace, err := wm.Prepare(task, "do the thing", AgentClaude)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "proj-1"), workspace)

	instructions, err := os.ReadFile(filepath.Join(workspace, ".jervis", "instructions.md"))
	require.NoError(t, err)
	assert.Equal(t, "do the thing", string(instructions))

	manifestBytes, err := os.ReadFile(filepath.Join(workspace, ".jervis", "task.json"))
	require.NoError(t, err)
	var manifest taskManifest
	require.NoError(t, json.Unmarshal(manifestBytes, &manifest))
	assert.Equal(t, "task-1", manifest.TaskID)
	assert.Equal(t, AgentClaude, manifest.AgentType)
	assert.Equal(t, []string{"main.go"}, manifest.Files)

	kb, err := os.ReadFile(filepath.Join(workspace, ".jervis", "kb-context.md"))
	require.NoError(t, err)
	assert.Contains(t, string(kb), "some facts")

	_, err = os.Stat(filepath.Join(workspace, ".jervis", "environment.json"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(workspace, ".claude", "mcp.json"))
	require.NoError(t, err)
}

func TestWorkspaceManager_Prepare_WritesAiderConfig(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "proj-2"), 0o755))

	wm := NewWorkspaceManager(root)
	task := CodingTask{ID: "t2", WorkspacePath: "proj-2", KBContext: "stuff"}

	workspace, err := wm.Prepare(task, "instructions", AgentAider)
	require.NoError(t, err)

	conf, err := os.ReadFile(filepath.Join(workspace, ".aider.conf.yml"))
	require.NoError(t, err)
	assert.Contains(t, string(conf), "kb-context.md")
}

func TestWorkspaceManager_Prepare_ErrorsWhenWorkspaceMissing(t *testing.T) {
	wm := NewWorkspaceManager(t.TempDir())
	_, err := wm.Prepare(CodingTask{WorkspacePath: "does-not-exist"}, "x", AgentClaude)
	assert.Error(t, err)
}

func TestWorkspaceManager_ReadResult_ReadsWrittenFile(t *testing.T) {
	root := t.TempDir()
	task := CodingTask{ID: "t3", WorkspacePath: "proj-3"}
	jervisDir := filepath.Join(root, "proj-3", ".jervis")
	require.NoError(t, os.MkdirAll(jervisDir, 0o755))

	want := AgentResult{TaskID: "t3", Success: true, Summary: "done", Branch: "jervis/t3"}
	b, err := json.Marshal(want)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(jervisDir, "result.json"), b, 0o644))

	wm := NewWorkspaceManager(root)
	got := wm.ReadResult(task, "Succeeded")
	assert.Equal(t, want, got)
}

func TestWorkspaceManager_ReadResult_FallsBackWhenMissing(t *testing.T) {
	wm := NewWorkspaceManager(t.TempDir())
	got := wm.ReadResult(CodingTask{ID: "t4", WorkspacePath: "nowhere"}, "Failed")
	assert.Equal(t, "t4", got.TaskID)
	assert.False(t, got.Success)
	assert.Contains(t, got.Summary, "Failed")
}

func TestWorkspaceManager_Cleanup_RemovesStagedFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "proj-5"), 0o755))
	wm := NewWorkspaceManager(root)
	task := CodingTask{ID: "t5", WorkspacePath: "proj-5"}

	_, err := wm.Prepare(task, "go", AgentAider)
	require.NoError(t, err)

	wm.Cleanup(task)

	_, err = os.Stat(filepath.Join(root, "proj-5", ".jervis"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "proj-5", ".aider.conf.yml"))
	assert.True(t, os.IsNotExist(err))
}
