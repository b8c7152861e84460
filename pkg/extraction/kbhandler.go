package extraction

import (
	"context"
	"fmt"
)

// KBIngester is the narrow slice of memory.KBClient the extraction queue
// needs: durably writing a post-processed chunk into the knowledge base.
type KBIngester interface {
	Ingest(ctx context.Context, write KBWrite) error
}

// KBWrite mirrors memory.PendingWrite's shape without importing pkg/memory,
// keeping the queue decoupled from the memory substrate's internals.
type KBWrite struct {
	SourceURN string
	Content   string
	Kind      string
}

// KBIngestHandler implements TaskHandler by forwarding a dequeued task's
// content to the knowledge base as the deferred post-processing step
// (spec.md §4.2's "e.g. entity extraction after chunk ingest"). Completion
// is only reported once the KB call itself has durably committed, matching
// mark_completed's success semantics.
type KBIngestHandler struct {
	KB KBIngester
}

// NewKBIngestHandler constructs a handler that pushes task content to kb.
func NewKBIngestHandler(kb KBIngester) *KBIngestHandler {
	return &KBIngestHandler{KB: kb}
}

// Handle ingests the task's content into the knowledge base.
func (h *KBIngestHandler) Handle(ctx context.Context, task *Task) error {
	if err := h.KB.Ingest(ctx, KBWrite{SourceURN: task.SourceURN, Content: task.Content, Kind: task.Kind}); err != nil {
		return fmt.Errorf("ingesting extraction task %s into KB: %w", task.TaskID, err)
	}
	return nil
}
