package extraction

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// TaskHandler performs the actual extraction side effect (entity/graph
// extraction against the KB) for one claimed Task. Out of scope per
// SPEC_FULL.md §1 (the ingestion/RAG pipeline itself); modeled as an
// injected interface so this package only owns claim/retry bookkeeping.
type TaskHandler interface {
	Handle(ctx context.Context, task *Task) error
}

// WorkerConfig bounds one worker's poll loop.
type WorkerConfig struct {
	PollInterval time.Duration
	PollJitter   time.Duration
	MaxAttempts  int
}

// DefaultWorkerConfig matches the teacher's poll-with-jitter cadence.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{PollInterval: 2 * time.Second, PollJitter: 500 * time.Millisecond, MaxAttempts: 5}
}

// Worker claims and processes tasks in a poll loop, generalizing the
// teacher's pkg/queue/worker.go from a SessionExecutor over alert sessions
// to a TaskHandler over extraction tasks.
type Worker struct {
	ID      string
	store   *Store
	handler TaskHandler
	cfg     WorkerConfig

	processed int64
	failed    int64
}

// NewWorker constructs a worker bound to a store and handler.
func NewWorker(id string, store *Store, handler TaskHandler, cfg WorkerConfig) *Worker {
	return &Worker{ID: id, store: store, handler: handler, cfg: cfg}
}

// Run polls until ctx is cancelled, claiming and handling one task per
// successful dequeue, sleeping a jittered interval when the queue is
// empty.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.store.Dequeue(ctx, w.ID, w.cfg.MaxAttempts)
		if err != nil {
			slog.Error("extraction worker dequeue failed", "worker", w.ID, "error", err)
			w.sleep(ctx)
			continue
		}
		if task == nil {
			w.sleep(ctx)
			continue
		}

		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task *Task) {
	if err := w.handler.Handle(ctx, task); err != nil {
		w.failed++
		slog.Warn("extraction task failed", "worker", w.ID, "task_id", task.TaskID, "attempts", task.Attempts, "error", err)
		if merr := w.store.MarkFailed(ctx, task.TaskID, err.Error(), w.cfg.MaxAttempts); merr != nil {
			slog.Error("failed to record extraction task failure", "worker", w.ID, "task_id", task.TaskID, "error", merr)
		}
		return
	}

	w.processed++
	if merr := w.store.MarkCompleted(ctx, task.TaskID); merr != nil {
		slog.Error("failed to mark extraction task completed", "worker", w.ID, "task_id", task.TaskID, "error", merr)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(w.cfg.PollJitter) + 1))
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.PollInterval + jitter):
	}
}

// Stats returns this worker's lifetime processed/failed counts.
func (w *Worker) Stats() (processed, failed int64) {
	return w.processed, w.failed
}
