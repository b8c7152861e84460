package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrCheckpointNotFound is returned when a thread_id has no pending checkpoint.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint is a suspended graph run awaiting a human decision, persisted
// durably so the process can restart without losing in-flight approvals.
type Checkpoint struct {
	ThreadID  string          `bson:"_id" json:"thread_id"`
	State     GraphState      `bson:"state" json:"state"`
	Request   ApprovalRequest `bson:"request" json:"request"`
	CreatedAt time.Time       `bson:"created_at" json:"created_at"`
}

// CheckpointStore persists suspended graph runs. Implemented by
// pkg/chatstore against MongoDB, keyed by thread_id per spec.md §4.4.4.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, threadID string) (*Checkpoint, error)
	Delete(ctx context.Context, threadID string) error
}

// Resumer continues a suspended GraphState from the step after the one that
// raised the interrupt, given the human's decision.
type Resumer func(ctx context.Context, state GraphState, resp ApprovalResponse) (GraphState, error)

// ApprovalGate suspends and resumes orchestration graph runs around a human
// decision point (commit/push approval or an ask_user interrupt), mirroring
// the teacher's orphan-recovery pattern (pkg/queue/orphan.go) of treating
// "parked mid-flight work" as durable, queryable state rather than an
// in-memory-only suspension.
type ApprovalGate struct {
	store CheckpointStore
}

// NewApprovalGate constructs a gate backed by the given durable store.
func NewApprovalGate(store CheckpointStore) *ApprovalGate {
	return &ApprovalGate{store: store}
}

// Suspend persists a checkpoint for a graph run that has hit an approval
// gate or an ask_user interrupt, so a subsequent process restart (or a
// human responding hours later) can resume it.
func (g *ApprovalGate) Suspend(ctx context.Context, threadID string, state GraphState, req ApprovalRequest) error {
	cp := Checkpoint{ThreadID: threadID, State: state, Request: req, CreatedAt: time.Now()}
	if err := g.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("persisting checkpoint for thread %s: %w", threadID, err)
	}
	slog.Info("orchestration run suspended for approval", "thread_id", threadID, "type", req.Type)
	return nil
}

// Resume loads the checkpoint for threadID, applies resp via resumeFn, and
// deletes the checkpoint on success. On failure the checkpoint is left in
// place so the caller can retry without losing the suspended state.
func (g *ApprovalGate) Resume(ctx context.Context, threadID string, resp ApprovalResponse, resumeFn Resumer) (*GraphState, error) {
	cp, err := g.store.Load(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for thread %s: %w", threadID, err)
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: thread_id=%s", ErrCheckpointNotFound, threadID)
	}

	if !resp.Approved && cp.Request.Type != "ask_user" {
		slog.Info("approval denied, discarding checkpoint", "thread_id", threadID, "reason", resp.Reason)
		if derr := g.store.Delete(ctx, threadID); derr != nil {
			slog.Warn("failed to delete denied checkpoint", "thread_id", threadID, "error", derr)
		}
		cp.State.Error = "denied: " + resp.Reason
		return &cp.State, nil
	}

	newState, err := resumeFn(ctx, cp.State, resp)
	if err != nil {
		return nil, fmt.Errorf("resuming thread %s: %w", threadID, err)
	}

	if err := g.store.Delete(ctx, threadID); err != nil {
		slog.Warn("failed to delete resumed checkpoint", "thread_id", threadID, "error", err)
	}
	return &newState, nil
}

// Pending reports whether threadID has a checkpoint awaiting a decision.
func (g *ApprovalGate) Pending(ctx context.Context, threadID string) (bool, error) {
	cp, err := g.store.Load(ctx, threadID)
	if err != nil {
		return false, err
	}
	return cp != nil, nil
}

// RequiresApproval evaluates a pending step against ProjectRules and returns
// the ApprovalRequest to suspend on, or nil if the step may proceed
// unattended.
func RequiresApproval(rules ProjectRules, action string, changedFiles []string) *ApprovalRequest {
	switch action {
	case "commit":
		if !rules.ApprovalRequiredCommit {
			return nil
		}
		return &ApprovalRequest{Type: "commit", Action: action, ChangedFiles: changedFiles}
	case "push":
		if !rules.ApprovalRequiredPush {
			return nil
		}
		return &ApprovalRequest{Type: "push", Action: action, ChangedFiles: changedFiles}
	default:
		return nil
	}
}
