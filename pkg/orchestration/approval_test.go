package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCheckpointStore struct {
	mu    sync.Mutex
	saved map[string]Checkpoint
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{saved: make(map[string]Checkpoint)}
}

func (s *fakeCheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[cp.ThreadID] = cp
	return nil
}

func (s *fakeCheckpointStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.saved[threadID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *fakeCheckpointStore) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, threadID)
	return nil
}

func TestApprovalGate_Resume_DeniedNonAskUserDiscardsCheckpoint(t *testing.T) {
	store := newFakeCheckpointStore()
	gate := NewApprovalGate(store)

	require.NoError(t, gate.Suspend(context.Background(), "thread-1", GraphState{}, ApprovalRequest{Type: "commit"}))

	resumeCalled := false
	resumeFn := func(ctx context.Context, state GraphState, resp ApprovalResponse) (GraphState, error) {
		resumeCalled = true
		return state, nil
	}

	state, err := gate.Resume(context.Background(), "thread-1", ApprovalResponse{Approved: false, Reason: "not now"}, resumeFn)
	require.NoError(t, err)
	assert.False(t, resumeCalled)
	assert.Contains(t, state.Error, "not now")

	pending, err := gate.Pending(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestApprovalGate_Resume_ApprovedInvokesResumerAndDeletesCheckpoint(t *testing.T) {
	store := newFakeCheckpointStore()
	gate := NewApprovalGate(store)

	task := CodingTask{ID: "task-1"}
	require.NoError(t, gate.Suspend(context.Background(), "thread-1", GraphState{Task: task}, ApprovalRequest{Type: "push"}))

	resumeFn := func(ctx context.Context, state GraphState, resp ApprovalResponse) (GraphState, error) {
		state.FinalResult = "pushed"
		return state, nil
	}

	state, err := gate.Resume(context.Background(), "thread-1", ApprovalResponse{Approved: true}, resumeFn)
	require.NoError(t, err)
	assert.Equal(t, "pushed", state.FinalResult)

	pending, err := gate.Pending(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestApprovalGate_Resume_AskUserProceedsEvenWhenNotApproved(t *testing.T) {
	store := newFakeCheckpointStore()
	gate := NewApprovalGate(store)

	require.NoError(t, gate.Suspend(context.Background(), "thread-1", GraphState{}, ApprovalRequest{Type: "ask_user", Question: "which branch?"}))

	resumeCalled := false
	resumeFn := func(ctx context.Context, state GraphState, resp ApprovalResponse) (GraphState, error) {
		resumeCalled = true
		return state, nil
	}

	_, err := gate.Resume(context.Background(), "thread-1", ApprovalResponse{Approved: false, Value: "main"}, resumeFn)
	require.NoError(t, err)
	assert.True(t, resumeCalled, "ask_user interrupts should resume regardless of Approved")
}

func TestApprovalGate_Resume_UnknownThreadReturnsNotFound(t *testing.T) {
	store := newFakeCheckpointStore()
	gate := NewApprovalGate(store)

	_, err := gate.Resume(context.Background(), "missing", ApprovalResponse{Approved: true}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCheckpointNotFound))
}

func TestApprovalGate_Resume_ResumerErrorLeavesCheckpointInPlace(t *testing.T) {
	store := newFakeCheckpointStore()
	gate := NewApprovalGate(store)

	require.NoError(t, gate.Suspend(context.Background(), "thread-1", GraphState{}, ApprovalRequest{Type: "commit"}))

	resumeFn := func(ctx context.Context, state GraphState, resp ApprovalResponse) (GraphState, error) {
		return state, errors.New("resume failed")
	}

	_, err := gate.Resume(context.Background(), "thread-1", ApprovalResponse{Approved: true}, resumeFn)
	require.Error(t, err)

	pending, err := gate.Pending(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.True(t, pending, "checkpoint should survive a failed resume for retry")
}

func TestRequiresApproval(t *testing.T) {
	rules := ProjectRules{ApprovalRequiredCommit: true, ApprovalRequiredPush: false}

	req := RequiresApproval(rules, "commit", []string{"a.go"})
	require.NotNil(t, req)
	assert.Equal(t, "commit", req.Type)
	assert.Equal(t, []string{"a.go"}, req.ChangedFiles)

	assert.Nil(t, RequiresApproval(rules, "push", nil))
	assert.Nil(t, RequiresApproval(rules, "read", nil))
}
