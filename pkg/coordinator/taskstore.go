package coordinator

import (
	"context"

	"github.com/jervis-ai/jervis/pkg/orchestration"
)

// Compile-time check that TaskStore implements orchestration.TaskStore.
var _ orchestration.TaskStore = (*TaskStore)(nil)

// TaskStore adapts Client to orchestration.TaskStore: since the coordinator
// owns the durable task store (out of scope per spec.md §6.3), "saving"
// terminal state here means pushing the orchestrator-status transition the
// coordinator is waiting on, not writing to local storage.
type TaskStore struct {
	Client *Client
}

// NewTaskStore wraps client as an orchestration.TaskStore.
func NewTaskStore(client *Client) *TaskStore {
	return &TaskStore{Client: client}
}

// SaveState pushes the terminal GraphState as an orchestrator-status event.
func (s *TaskStore) SaveState(ctx context.Context, taskID string, state orchestration.GraphState) error {
	status := OrchestratorStatus{
		TaskID:   taskID,
		ThreadID: taskID,
		Summary:  state.FinalResult,
	}
	switch {
	case state.Error != "":
		status.Status = "error"
		status.Error = state.Error
	default:
		status.Status = "done"
	}
	s.Client.PushOrchestratorStatus(ctx, status)
	return nil
}
